package httpx

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const sseHeartbeat = 15 * time.Second

// sseStream writes Server-Sent Events to a response.
type sseStream struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
	closed  bool
}

func newSSEStream(w http.ResponseWriter) (*sseStream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseStream{writer: w, flusher: flusher}, true
}

// Send emits one JSON data event.
func (s *sseStream) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.EOF
	}
	if _, err := fmt.Fprintf(s.writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
		s.closed = true
		return err
	}
	s.flusher.Flush()
	return nil
}

// Heartbeat emits a comment frame to keep intermediaries from timing out.
func (s *sseStream) Heartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.EOF
	}
	if _, err := fmt.Fprint(s.writer, ": ping\n\n"); err != nil {
		s.closed = true
		return err
	}
	s.flusher.Flush()
	return nil
}

// handleLaunchEvents streams the current launch state followed by every
// change until the client goes away.
func (r *Router) handleLaunchEvents(w http.ResponseWriter, req *http.Request) {
	updates, cancel := r.deps.Launcher.Subscribe()
	defer cancel()

	stream, ok := newSSEStream(w)
	if !ok {
		r.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	if err := stream.Send("state", r.deps.Launcher.State()); err != nil {
		return
	}
	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case st, open := <-updates:
			if !open {
				return
			}
			if err := stream.Send("state", st); err != nil {
				r.logger.Debug("launch event stream closed", "error", err)
				return
			}
		case <-ticker.C:
			if err := stream.Heartbeat(); err != nil {
				return
			}
		}
	}
}
