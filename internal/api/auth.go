package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/conductor/internal/authz"
	"github.com/ashureev/conductor/internal/domain"
	"github.com/ashureev/conductor/internal/identity"
	"github.com/ashureev/conductor/internal/store"
)

// ResumeRequest is the body of POST /api/auth/resume.
type ResumeRequest struct {
	OwnerID string `json:"owner_id"`
	Outcome string `json:"outcome"`
}

// CompleteRequest is the body the identity provider posts once an owner has
// authorized a provider.
type CompleteRequest struct {
	OwnerID      string `json:"owner_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

// CallbackSecretHeader carries the shared secret of server-to-server auth
// callbacks.
const CallbackSecretHeader = "X-Callback-Secret"

// AuthHandler serves the authorization suspension endpoints.
//
// Resume and Complete act for the owner of the request identity. A body
// owner_id names another owner and is accepted only from a callback that
// presents the shared secret in CallbackSecretHeader.
type AuthHandler struct {
	conversations  Conversations
	authorizer     Authorizer
	tokens         store.TokenRepository
	callbackSecret string
	now            func() time.Time
	turnTimeout    time.Duration
}

// NewAuthHandler creates the auth handler. With an empty callbackSecret only
// the request identity can be resumed.
func NewAuthHandler(conversations Conversations, authorizer Authorizer, tokens store.TokenRepository, callbackSecret string) *AuthHandler {
	return &AuthHandler{
		conversations:  conversations,
		authorizer:     authorizer,
		tokens:         tokens,
		callbackSecret: callbackSecret,
		now:            time.Now,
		turnTimeout:    DefaultTurnTimeout,
	}
}

// RegisterRoutes registers auth routes.
func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/resume", h.Resume)
		r.Get("/{provider}/login", h.Login)
		r.Post("/{provider}/complete", h.Complete)
	})
}

// ownerFor resolves the owner a callback acts for. It writes the error
// response and returns false when the owner is missing or not allowed.
func (h *AuthHandler) ownerFor(w http.ResponseWriter, r *http.Request, bodyOwner string) (string, bool) {
	caller := identity.OwnerIDFromContext(r.Context())
	owner := strings.TrimSpace(bodyOwner)
	if owner == "" {
		owner = caller
	}
	if owner == "" || !identity.ValidOwnerID(owner) {
		Error(w, http.StatusBadRequest, "owner_id is required")
		return "", false
	}
	if owner != caller && !h.trustedCallback(r) {
		slog.Warn("Rejected auth callback for another owner", "owner_id", owner, "caller", caller)
		Error(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return owner, true
}

func (h *AuthHandler) trustedCallback(r *http.Request) bool {
	if h.callbackSecret == "" {
		return false
	}
	got := r.Header.Get(CallbackSecretHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.callbackSecret)) == 1
}

// Resume delivers an external resume event to a suspended conversation.
func (h *AuthHandler) Resume(w http.ResponseWriter, r *http.Request) {
	var req ResumeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	ownerID, ok := h.ownerFor(w, r, req.OwnerID)
	if !ok {
		return
	}
	h.resume(w, r, ownerID, authz.ParseOutcome(req.Outcome))
}

func (h *AuthHandler) resume(w http.ResponseWriter, r *http.Request, ownerID string, outcome authz.Outcome) {
	// The resumed turn outlives a caller that disconnects.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.turnTimeout)
	defer cancel()
	res, err := h.conversations.HandleResumeEvent(ctx, ownerID, outcome)
	if err != nil {
		slog.Error("Resume failed", "owner_id", ownerID, "outcome", outcome, "error", err)
		Error(w, http.StatusInternalServerError, "resume failed")
		return
	}
	if !res.Resumed {
		JSON(w, http.StatusOK, map[string]any{"status": "no_pending", "conversation_status": res.Status})
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"status":              "resumed",
		"outcome":             res.Outcome,
		"provider":            res.Provider,
		"conversation_status": res.Status,
	})
}

// Login redirects the owner to the provider's authorize page.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())
	if ownerID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	provider := chi.URLParam(r, "provider")
	target, err := h.authorizer.AuthURL(r.Context(), provider, ownerID)
	if errors.Is(err, authz.ErrUnknownProvider) {
		Error(w, http.StatusNotFound, "unknown provider")
		return
	}
	if err != nil {
		slog.Error("Failed to build authorize url", "owner_id", ownerID, "provider", provider, "error", err)
		Error(w, http.StatusInternalServerError, "failed to build authorize url")
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// Complete stores the owner's token for a provider and resumes the
// suspended conversation with a success outcome.
func (h *AuthHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	ownerID, ok := h.ownerFor(w, r, req.OwnerID)
	if !ok {
		return
	}
	if req.AccessToken == "" {
		Error(w, http.StatusBadRequest, "access_token is required")
		return
	}

	provider := h.authorizer.Canonical(chi.URLParam(r, "provider"))
	now := h.now().UTC()
	token := &domain.Token{
		OwnerID:      ownerID,
		Provider:     provider,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		UpdatedAt:    now,
	}
	if req.ExpiresIn > 0 {
		token.ExpiresAt = now.Add(time.Duration(req.ExpiresIn) * time.Second)
	}
	if err := h.tokens.SaveToken(r.Context(), token); err != nil {
		slog.Error("Failed to store token", "owner_id", ownerID, "provider", provider, "error", err)
		Error(w, http.StatusInternalServerError, "failed to store token")
		return
	}
	slog.Info("Provider authorized", "owner_id", ownerID, "provider", provider)

	h.resume(w, r, ownerID, authz.OutcomeSuccess)
}
