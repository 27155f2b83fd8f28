package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"emconv/internal/convert"
	"emconv/internal/emdata"
	"emconv/internal/geometry"
	"emconv/internal/metrics"
	"emconv/internal/pipeline"
	"emconv/internal/storage"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// logBuffer collects handler logs written from server goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	root  string
	store *storage.Store
	pipe  *pipeline.Pipeline
	ts    *httptest.Server
	logs  *logBuffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	store, err := storage.New(filepath.Join(root, "emconv.db"))
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	conv := convert.New(nil, m)
	defaults := convert.Options{Tolerance: 1e-3}
	pipe := pipeline.New(context.Background(), 4, nil, store, pipeline.NewRouter(nil, conv, defaults))

	logs := &logBuffer{}
	srv := NewServer("", Deps{
		Logger:    slog.New(slog.NewTextHandler(logs, nil)),
		Store:     store,
		Pipeline:  pipe,
		Converter: conv,
		Defaults:  defaults,
		Metrics:   m,
		Gatherer:  reg,
		Root:      root,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		pipe.Stop()
		store.Close()
	})
	return &fixture{root: root, store: store, pipe: pipe, ts: ts, logs: logs}
}

func (f *fixture) writeParticles(t *testing.T, name string, n int) {
	t.Helper()
	sf, err := storage.CreateSet(filepath.Join(f.root, name), emdata.KindParticle)
	require.NoError(t, err)
	for i := 1; i <= n; i++ {
		m := geometry.Translation(float64(i), 0, 0)
		require.NoError(t, sf.Append(&emdata.Item{Location: emdata.Location{Index: i, Path: "particles.stk"}, Transform: &m}))
	}
	require.NoError(t, sf.Write())
	require.NoError(t, sf.Close())
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func TestSetRowsStreamsJSONLines(t *testing.T) {
	f := newFixture(t)
	f.writeParticles(t, "particles.sqlite", 3)

	resp, err := http.Get(f.ts.URL + "/sets/rows?path=particles.sqlite&purpose=alignment&inverse=false")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var rows []map[string]any
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var row map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &row))
		rows = append(rows, row)
	}
	require.Len(t, rows, 3)
	assert.Equal(t, "000002@particles.stk", rows[1]["image"])
	assert.Contains(t, rows[1], "shiftX")
}

func TestSetRowsRejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	for _, q := range []string{
		"",
		"path=../outside.sqlite",
		"path=missing.sqlite",
		"path=particles.sqlite&dims=4d",
		"path=particles.sqlite&inverse=maybe",
	} {
		resp, err := http.Get(f.ts.URL + "/sets/rows?" + q)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestSetStreamWebsocket(t *testing.T) {
	f := newFixture(t)
	f.writeParticles(t, "particles.sqlite", 2)

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/sets/stream?path=particles.sqlite"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var got []map[string]any
	for {
		var row map[string]any
		err := conn.ReadJSON(&row)
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error %v", err)
			break
		}
		got = append(got, row)
	}
	require.Len(t, got, 2)
	assert.Equal(t, float64(1), got[0]["itemId"])
	assert.NotContains(t, got[0], "shiftX", "plain rows carry no alignment")
}

func TestSetStreamStopsWhenClientLeaves(t *testing.T) {
	f := newFixture(t)
	const total = 2000
	f.writeParticles(t, "many.sqlite", total)

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/sets/stream?path=many.sqlite"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ignored")))
	var row map[string]any
	require.NoError(t, conn.ReadJSON(&row))
	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "")))
	conn.Close()

	require.Eventually(t, func() bool {
		return strings.Contains(f.logs.String(), "row stream")
	}, 5*time.Second, 10*time.Millisecond, "handler still streaming after the client left")
}

func TestSubmitRunAndInspect(t *testing.T) {
	f := newFixture(t)
	f.writeParticles(t, "particles.sqlite", 2)
	results, unsub := f.pipe.Subscribe()
	defer unsub()

	body, _ := json.Marshal(map[string]any{
		"type":    "export-particles",
		"input":   "particles.sqlite",
		"output":  "particles.xmd",
		"options": map[string]any{"purpose": "alignment", "inverse": true},
	})
	resp, err := http.Post(f.ts.URL+"/runs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var accepted map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case res := <-results:
		require.NoError(t, res.Error)
		assert.Equal(t, accepted["id"], res.Job.ID)
		assert.Equal(t, 2, res.Report.Converted)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
	}

	resp, err = http.Get(f.ts.URL + "/runs/" + accepted["id"])
	require.NoError(t, err)
	var detail runDetail
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&detail))
	resp.Body.Close()
	assert.Equal(t, float64(2), detail.Meta["converted"])
	assert.Empty(t, detail.Failures)

	resp, err = http.Get(f.ts.URL + "/runs")
	require.NoError(t, err)
	var runs []storage.RunRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
	resp.Body.Close()
	require.Len(t, runs, 1)
	assert.Equal(t, "completed", runs[0].Status)
}

func TestSubmitRejectsUnknownType(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Post(f.ts.URL+"/runs", "application/json", strings.NewReader(`{"type":"render"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpointCountsRoutes(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 2; i++ {
		resp, err := http.Get(f.ts.URL + "/runs/abc")
		require.NoError(t, err)
		resp.Body.Close()
	}

	resp, err := http.Get(f.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `emconv_http_requests_total{path="/runs/{id}"} 2`)
}
