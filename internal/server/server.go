package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"emconv/internal/convert"
	"emconv/internal/logging"
	"emconv/internal/metrics"
	"emconv/internal/pipeline"
	"emconv/internal/storage"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the components the HTTP API serves from.
type Deps struct {
	Store     *storage.Store
	Pipeline  *pipeline.Pipeline
	Converter *convert.Converter
	// Defaults are the conversion options a request does not override.
	Defaults convert.Options
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	// Root confines set paths given in requests. Empty allows any path.
	Root   string
	Logger *slog.Logger
}

// Server exposes conversion runs and set row streams over HTTP.
type Server struct {
	addr     string
	deps     Deps
	log      *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
}

// NewServer creates a server listening on addr.
func NewServer(addr string, deps Deps) *Server {
	if deps.Converter == nil {
		deps.Converter = convert.New(deps.Logger, deps.Metrics)
	}
	return &Server{
		addr: addr,
		deps: deps,
		log:  logging.OrDefault(deps.Logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	r.Use(s.deps.Metrics.Middleware)
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/runs/stream", s.handleRunStream).Methods("GET")
	r.HandleFunc("/runs/{id}", s.handleRun).Methods("GET")
	r.HandleFunc("/sets/rows", s.handleSetRows).Methods("GET")
	r.HandleFunc("/sets/stream", s.handleSetStream).Methods("GET")

	gatherer := s.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
}

// Serve runs a server with deps until ctx is cancelled.
func Serve(ctx context.Context, addr string, deps Deps) error {
	return NewServer(addr, deps).Start(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.deps.Store.RecentRuns(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type runDetail struct {
	ID       string                `json:"id"`
	Meta     map[string]any        `json:"meta"`
	Failures []storage.ItemFailure `json:"failures"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	meta, err := s.deps.Store.RunMeta(id)
	if err != nil {
		http.Error(w, fmt.Sprintf("run %s: %v", id, err), http.StatusNotFound)
		return
	}
	failures, err := s.deps.Store.ItemFailures(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runDetail{ID: id, Meta: meta, Failures: failures})
}

type runRequest struct {
	Type    pipeline.JobType `json:"type"`
	Input   string           `json:"input"`
	Output  string           `json:"output"`
	Options map[string]any   `json:"options"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pipeline == nil {
		http.Error(w, "runs are not accepted", http.StatusServiceUnavailable)
		return
	}
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !req.Type.Valid() {
		http.Error(w, fmt.Sprintf("unknown job type %q", req.Type), http.StatusBadRequest)
		return
	}
	input, err := s.resolve(req.Input)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	output, err := s.resolve(req.Output)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job := pipeline.Job{ID: uuid.NewString(), Type: req.Type, InputPath: input, Output: output, Options: req.Options}
	if err := s.deps.Pipeline.Submit(job); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID})
}

type resultView struct {
	ID    string         `json:"id"`
	Type  string         `json:"type"`
	Error string         `json:"error,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
}

func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pipeline == nil {
		http.Error(w, "no pipeline", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.deps.Pipeline.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			view := resultView{ID: res.Job.ID, Type: string(res.Job.Type), Meta: res.Meta}
			if res.Error != nil {
				view.Error = res.Error.Error()
			}
			payload, _ := json.Marshal(view)
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

// resolve maps a request path onto the configured root.
func (s *Server) resolve(p string) (string, error) {
	if p == "" || s.deps.Root == "" {
		return p, nil
	}
	if !filepath.IsLocal(p) {
		return "", fmt.Errorf("path %q escapes the data root", p)
	}
	return filepath.Join(s.deps.Root, p), nil
}
