package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/conductor/internal/identity"
	"github.com/ashureev/conductor/internal/transcript"
	"github.com/ashureev/conductor/internal/transport"
)

// DefaultTurnTimeout bounds one HTTP-initiated turn.
const DefaultTurnTimeout = 2 * time.Minute

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message string `json:"message"`
}

// ChatHandler streams conversation turns over SSE.
type ChatHandler struct {
	conversations Conversations
	hub           *transport.Hub
	limiter       *transport.RateLimiter
	transcript    transcript.Logger
	streamCfg     transport.StreamConfig
	turnTimeout   time.Duration
}

// NewChatHandler creates the chat handler. limiter may be nil.
func NewChatHandler(conversations Conversations, hub *transport.Hub, limiter *transport.RateLimiter, tl transcript.Logger, streamCfg transport.StreamConfig) *ChatHandler {
	if tl == nil {
		tl = transcript.Nop{}
	}
	return &ChatHandler{
		conversations: conversations,
		hub:           hub,
		limiter:       limiter,
		transcript:    tl,
		streamCfg:     streamCfg,
		turnTimeout:   DefaultTurnTimeout,
	}
}

// RegisterRoutes registers chat routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/chat", h.HandleChat)
	r.Get("/api/stream", h.hub.StreamHandler(h.streamCfg))
}

// HandleChat runs one turn for the posted message and streams its events.
// The turn is detached from the request so a client disconnect cannot
// interrupt a step between checkpoints.
func (h *ChatHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())
	if ownerID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if h.limiter != nil && !h.limiter.Allow(ownerID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}

	flusher, err := transport.StartSSE(w)
	if err != nil {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	reqID := chiMiddleware.GetReqID(r.Context())
	slog.Info("Chat request", "owner_id", ownerID, "request_id", reqID, "message_length", len(req.Message))
	h.transcript.Log(transcript.Event{
		OwnerID:    ownerID,
		RequestID:  reqID,
		Channel:    "chat_http",
		Direction:  transcript.Inbound,
		EventType:  "user_message",
		ContentRaw: req.Message,
	})

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.turnTimeout)
	defer cancel()

	for ev, err := range h.conversations.HandleInboundMessage(ctx, ownerID, req.Message) {
		if err != nil {
			slog.Error("Chat turn failed", "owner_id", ownerID, "request_id", reqID, "error", err)
			data, _ := json.Marshal(map[string]string{"error": err.Error()})
			if writeErr := transport.WriteSSE(w, "error", string(data)); writeErr != nil {
				slog.Warn("Failed to write SSE error event", "owner_id", ownerID, "error", writeErr)
				return
			}
			flusher.Flush()
			return
		}

		h.transcript.Log(transport.TranscriptEvent("chat_http", reqID, ev))
		data, err := json.Marshal(ev)
		if err != nil {
			slog.Warn("Failed to marshal chat event", "owner_id", ownerID, "error", err)
			continue
		}
		if err := transport.WriteSSEWithID(w, h.hub.NextEventID(), string(ev.Type), string(data)); err != nil {
			// The client is gone; the turn keeps running to completion.
			slog.Warn("Failed to write SSE event", "owner_id", ownerID, "error", err)
			return
		}
		flusher.Flush()
	}
}
