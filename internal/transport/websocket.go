package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/coder/websocket"

	"github.com/ashureev/conductor/internal/identity"
	"github.com/ashureev/conductor/internal/orchestrator"
	"github.com/ashureev/conductor/internal/transcript"
)

// Turns runs conversation turns.
type Turns interface {
	HandleInboundMessage(ctx context.Context, ownerID, text string) iter.Seq2[*orchestrator.Event, error]
}

// wsMessage is the client frame.
type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// wsFrame is the server frame.
type wsFrame struct {
	ID int64 `json:"id,omitempty"`
	*orchestrator.Event
	Error string `json:"error,omitempty"`
}

// wsConn is a hub subscriber backed by a WebSocket.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
	ctx  context.Context
}

func (c *wsConn) Send(eventID int64, ev *orchestrator.Event) error {
	return c.write(wsFrame{ID: eventID, Event: ev})
}

func (c *wsConn) write(frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if c.ctx.Err() != nil {
		return c.ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// ChatHandler serves /ws/chat: inbound frames start turns and both turn
// events and pushed notifications are written back.
type ChatHandler struct {
	turns          Turns
	hub            *Hub
	limiter        *RateLimiter
	transcript     transcript.Logger
	allowedOrigins []string
	isDev          bool
	logger         *slog.Logger
}

// NewChatHandler creates the WebSocket chat handler. limiter may be nil.
func NewChatHandler(turns Turns, hub *Hub, limiter *RateLimiter, tl transcript.Logger, allowedOrigins []string, isDev bool, logger *slog.Logger) *ChatHandler {
	if tl == nil {
		tl = transcript.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatHandler{
		turns:          turns,
		hub:            hub,
		limiter:        limiter,
		transcript:     tl,
		allowedOrigins: allowedOrigins,
		isDev:          isDev,
		logger:         logger,
	}
}

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())
	if ownerID == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "owner_id", ownerID, "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "owner_id", ownerID, "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn := &wsConn{conn: ws, ctx: ctx}
	unsubscribe := h.hub.Subscribe(ownerID, conn)
	defer unsubscribe()

	h.logger.Info("WebSocket chat connected", "owner_id", ownerID, "ip", identity.IPFromRequest(r))
	h.readLoop(ctx, conn, ownerID)
	h.logger.Info("WebSocket chat ended", "owner_id", ownerID)
}

func (h *ChatHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(h.allowedOrigins, "*") || slices.Contains(h.allowedOrigins, origin) {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin)
	return false
}

func (h *ChatHandler) readLoop(ctx context.Context, conn *wsConn, ownerID string) {
	for {
		_, data, err := conn.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("WebSocket closed by client", "owner_id", ownerID)
			} else {
				h.logger.Warn("WebSocket read error", "owner_id", ownerID, "error", err)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			msg = wsMessage{Type: "message", Content: string(data)}
		}

		switch msg.Type {
		case "ping":
			if err := conn.write(wsFrame{Event: &orchestrator.Event{Type: "pong", OwnerID: ownerID}}); err != nil {
				return
			}
		case "message", "":
			if h.limiter != nil && !h.limiter.Allow(ownerID) {
				if err := conn.write(wsFrame{Error: "rate limit exceeded"}); err != nil {
					return
				}
				continue
			}
			if err := h.runTurn(ctx, conn, ownerID, msg.Content); err != nil {
				return
			}
		default:
			h.logger.Debug("Ignoring WebSocket frame", "owner_id", ownerID, "type", msg.Type)
		}
	}
}

// runTurn streams one turn back to the socket. It returns an error only when
// the socket can no longer be written.
func (h *ChatHandler) runTurn(ctx context.Context, conn *wsConn, ownerID, text string) error {
	h.transcript.Log(transcript.Event{
		OwnerID:    ownerID,
		Channel:    "chat_ws",
		Direction:  transcript.Inbound,
		EventType:  "user_message",
		ContentRaw: text,
	})

	for ev, err := range h.turns.HandleInboundMessage(ctx, ownerID, text) {
		if err != nil {
			h.logger.Warn("Turn failed", "owner_id", ownerID, "error", err)
			return conn.write(wsFrame{Error: err.Error()})
		}
		h.transcript.Log(TranscriptEvent("chat_ws", "", ev))
		if err := conn.write(wsFrame{ID: h.hub.NextEventID(), Event: ev}); err != nil {
			return err
		}
	}
	return nil
}
