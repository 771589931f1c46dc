package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/evergreen-ai/evergreen/internal/event"
	"github.com/evergreen-ai/evergreen/internal/logging"
)

// StreamEvent is the SSE payload shape: {"type": "...", "properties": {...}}.
type StreamEvent struct {
	Type       string `json:"type"`
	Properties any    `json:"properties"`
}

const (
	// SSEHeartbeatInterval is the interval for SSE heartbeats.
	SSEHeartbeatInterval = 30 * time.Second
)

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

// newSSEWriter creates a new SSE writer.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	rc := http.NewResponseController(w)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	return &sseWriter{w: w, flusher: flusher, rc: rc}, nil
}

// writeEvent writes one SSE event and flushes it.
func (s *sseWriter) writeEvent(eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, jsonData)
	if err != nil {
		return err
	}

	// ResponseController flushes through middleware wrappers; fall back to
	// the plain flusher if it cannot.
	if flushErr := s.rc.Flush(); flushErr != nil {
		s.flusher.Flush()
	}

	return nil
}

// writeHeartbeat writes an SSE heartbeat comment.
func (s *sseWriter) writeHeartbeat() {
	fmt.Fprintf(s.w, ": heartbeat\n\n")
	s.flusher.Flush()
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
}

// sessionStream handles GET /session/{sessionID}/stream: the peer's outbound
// half of the conversation. Envelopes arrive as "envelope" events; the stream
// ends with one "error" or "done" event.
func (s *Server) sessionStream(w http.ResponseWriter, r *http.Request) {
	_, b, ok := s.lookup(w, r)
	if !ok {
		return
	}

	sseHeaders(w)
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	items, cancel := b.subscribe()
	defer cancel()

	ticker := time.NewTicker(SSEHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case item, more := <-items:
			if more {
				switch {
				case item.Envelope != nil:
					if err := sse.writeEvent("envelope", item.Envelope); err != nil {
						return
					}
					continue
				case item.Err != nil:
					_ = sse.writeEvent("error", item.Err)
					return
				case item.Done:
					_ = sse.writeEvent("done", map[string]bool{"done": true})
					return
				}
				continue
			}
			return
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}

// allEvents handles GET /event: every engine event on the shared bus.
func (s *Server) allEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "event bus disabled")
		return
	}

	sseHeaders(w)
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	if err := sse.writeEvent("message", StreamEvent{Type: "server.connected", Properties: map[string]any{}}); err != nil {
		return
	}

	// Small buffer keeps latency low; a stalled consumer drops events.
	events := make(chan event.Event, 10)
	unsub := s.bus.SubscribeAll(func(e event.Event) {
		select {
		case events <- e:
		default:
			logging.Warn().
				Str("eventType", string(e.Type)).
				Msg("SSE event dropped: channel full")
		}
	})
	defer unsub()

	ticker := time.NewTicker(SSEHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-events:
			data := StreamEvent{Type: string(e.Type), Properties: e.Data}
			if err := sse.writeEvent("message", data); err != nil {
				return
			}
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}
