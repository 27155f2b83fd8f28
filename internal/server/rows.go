package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"emconv/internal/convert"
	"emconv/internal/storage"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// openRows opens the set named by the request and resolves the conversion
// options from the query: path, purpose, dims, inverse.
func (s *Server) openRows(r *http.Request) (*storage.SetFile, convert.Options, error) {
	q := r.URL.Query()
	var inverse *bool
	if v := q.Get("inverse"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, convert.Options{}, fmt.Errorf("invalid inverse %q", v)
		}
		inverse = &b
	}
	opts, err := s.deps.Defaults.Override(q.Get("dims"), q.Get("purpose"), inverse)
	if err != nil {
		return nil, opts, err
	}
	if q.Get("path") == "" {
		return nil, opts, fmt.Errorf("missing path")
	}
	path, err := s.resolve(q.Get("path"))
	if err != nil {
		return nil, opts, err
	}
	set, err := storage.OpenSet(path)
	if err != nil {
		return nil, opts, err
	}
	return set, opts, nil
}

// handleSetRows writes one JSON object per row. Items that fail to convert are
// left out.
func (s *Server) handleSetRows(w http.ResponseWriter, r *http.Request) {
	set, opts, err := s.openRows(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer set.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	for row, err := range s.deps.Converter.SetToRows(set, opts) {
		if r.Context().Err() != nil {
			return
		}
		if err != nil {
			continue
		}
		if err := enc.Encode(row.Map()); err != nil {
			s.log.Warn("row stream aborted", "path", set.Path(), "error", err)
			return
		}
	}
}

// handleSetStream sends rows as websocket text messages and closes the
// connection normally once the set is exhausted. Client messages are read and
// discarded; a read error means the client is gone and stops the stream.
func (s *Server) handleSetStream(w http.ResponseWriter, r *http.Request) {
	set, opts, err := s.openRows(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer set.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	defer func() {
		conn.Close()
		<-done
	}()

	sent, skipped := 0, 0
	for row, err := range s.deps.Converter.SetToRows(set, opts) {
		if ctx.Err() != nil {
			s.log.Info("row stream closed by client", "path", set.Path(), "sent", sent)
			return
		}
		if err != nil {
			skipped++
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(row.Map()); err != nil {
			s.log.Warn("row stream aborted", "path", set.Path(), "sent", sent, "error", err)
			return
		}
		sent++
	}

	s.log.Info("row stream finished", "path", set.Path(), "sent", sent, "skipped", skipped)
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, fmt.Sprintf("%d rows, %d skipped", sent, skipped))
	if err := conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
		return
	}
	// Give the client a moment to answer the close.
	select {
	case <-done:
	case <-time.After(writeWait):
	}
}
