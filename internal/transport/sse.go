package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/conductor/internal/identity"
	"github.com/ashureev/conductor/internal/orchestrator"
)

// StreamConfig tunes the SSE subscription endpoint.
type StreamConfig struct {
	RetryDelay        time.Duration
	KeepaliveInterval time.Duration
}

// DefaultStreamConfig returns the stream defaults.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{RetryDelay: 5 * time.Second, KeepaliveInterval: 15 * time.Second}
}

// sseConn is one SSE subscriber. Writes from the hub and the keepalive loop
// are serialized by mu.
type sseConn struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

func (c *sseConn) Send(eventID int64, ev *orchestrator.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := WriteSSEWithID(c.w, eventID, string(ev.Type), string(data)); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

func (c *sseConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := WriteSSE(c.w, "ping", `{"status":"alive"}`); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

// StartSSE sets the event-stream headers and returns the response flusher.
func StartSSE(w http.ResponseWriter) (http.Flusher, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return flusher, nil
}

// StreamHandler returns the GET /api/stream handler. It replays events newer
// than Last-Event-ID, then forwards live events until the client leaves.
func (h *Hub) StreamHandler(cfg StreamConfig) http.HandlerFunc {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultStreamConfig().RetryDelay
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultStreamConfig().KeepaliveInterval
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ownerID := identity.OwnerIDFromContext(r.Context())
		if ownerID == "" {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}

		lastEventID := int64(0)
		idHeader := r.Header.Get("Last-Event-ID")
		if idHeader == "" {
			idHeader = r.URL.Query().Get("lastEventId")
		}
		if idHeader != "" {
			if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
				lastEventID = parsed
			}
		}

		flusher, err := StartSSE(w)
		if err != nil {
			http.Error(w, `{"error":"streaming not supported"}`, http.StatusInternalServerError)
			return
		}
		if _, err := fmt.Fprintf(w, "retry: %d\n\n", cfg.RetryDelay.Milliseconds()); err != nil {
			h.logger.Warn("Failed to write SSE retry header", "owner_id", ownerID, "error", err)
			return
		}
		flusher.Flush()

		conn := &sseConn{w: w, flusher: flusher}

		var missed []*QueuedEvent
		if lastEventID > 0 {
			missed = h.Missed(ownerID, lastEventID)
		} else {
			missed = h.Held(ownerID)
		}
		if len(missed) > 0 {
			h.logger.Info("Replaying missed events", "owner_id", ownerID, "count", len(missed))
		}
		for _, m := range missed {
			if err := conn.Send(m.EventID, m.Event); err != nil {
				return
			}
		}

		unsubscribe := h.Subscribe(ownerID, conn)
		defer unsubscribe()

		eventID := h.NextEventID()
		connected := fmt.Sprintf(`{"status":"connected","owner_id":%q,"event_id":%d}`, ownerID, eventID)
		conn.mu.Lock()
		err = WriteSSEWithID(w, eventID, "connected", connected)
		if err == nil {
			flusher.Flush()
		}
		conn.mu.Unlock()
		if err != nil {
			h.logger.Warn("Failed to write SSE connected event", "owner_id", ownerID, "error", err)
			return
		}

		h.logger.Info("SSE stream established", "owner_id", ownerID, "reconnect", lastEventID > 0)

		keepalive := time.NewTicker(cfg.KeepaliveInterval)
		defer keepalive.Stop()
		for {
			select {
			case <-r.Context().Done():
				h.logger.Info("SSE stream disconnected", "owner_id", ownerID)
				return
			case <-keepalive.C:
				if err := conn.ping(); err != nil {
					h.logger.Warn("Failed to write SSE keepalive", "owner_id", ownerID, "error", err)
					return
				}
			}
		}
	}
}

// WriteSSE writes one unnumbered SSE frame.
func WriteSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// WriteSSEWithID writes one numbered SSE frame.
func WriteSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
