package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/conductor/internal/authz"
	"github.com/ashureev/conductor/internal/domain"
)

// SignatureHeader carries GitHub's HMAC-SHA256 body signature.
const SignatureHeader = "X-Hub-Signature-256"

// TokenOwners lists owners that linked a provider.
type TokenOwners interface {
	OwnersWithToken(ctx context.Context, provider string) ([]string, error)
}

// WebhookHandler turns GitHub push events into system-triggered turns for
// every owner holding a GitHub token.
type WebhookHandler struct {
	conversations Conversations
	owners        TokenOwners
	secret        string
	timeout       time.Duration

	wg sync.WaitGroup
}

// NewWebhookHandler creates the webhook handler.
func NewWebhookHandler(conversations Conversations, owners TokenOwners, secret string) *WebhookHandler {
	return &WebhookHandler{
		conversations: conversations,
		owners:        owners,
		secret:        secret,
		timeout:       DefaultTurnTimeout,
	}
}

// RegisterRoutes registers webhook routes.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/webhooks/github", h.GitHub)
}

// Wait blocks until every triggered turn has finished.
func (h *WebhookHandler) Wait() {
	h.wg.Wait()
}

type pushEvent struct {
	Ref        string `json:"ref"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Commits []domain.Commit `json:"commits"`
}

// verifySignature checks signature against the HMAC-SHA256 of body.
func verifySignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

// GitHub handles a push webhook.
func (h *WebhookHandler) GitHub(w http.ResponseWriter, r *http.Request) {
	signature := r.Header.Get(SignatureHeader)
	if signature == "" {
		slog.Warn("Webhook signature missing")
		Error(w, http.StatusUnauthorized, SignatureHeader+" missing")
		return
	}
	if h.secret == "" {
		slog.Error("Webhook secret not configured")
		Error(w, http.StatusInternalServerError, "webhook secret not configured")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		Error(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if !verifySignature(h.secret, body, signature) {
		slog.Warn("Webhook signature mismatch")
		Error(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var event pushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if event.Repository.FullName == "" || event.Ref == "" {
		JSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "missing repository or ref"})
		return
	}

	owners, err := h.owners.OwnersWithToken(r.Context(), authz.ProviderGitHub)
	if err != nil {
		slog.Error("Failed to list GitHub owners", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list owners")
		return
	}
	if len(owners) == 0 {
		JSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "no registered owners"})
		return
	}

	reflection := domain.Reflection{
		Repository: event.Repository.FullName,
		Ref:        event.Ref,
		Commits:    event.Commits,
	}
	if reflection.Commits == nil {
		reflection.Commits = []domain.Commit{}
	}
	command := fmt.Sprintf(
		"GitHub push: %d new commit(s) on %s in %s. Review the changes and offer to write a reflection.",
		len(reflection.Commits), reflection.Ref, reflection.Repository)
	payload := map[string]any{"pending_reflections": []domain.Reflection{reflection}}

	base := context.WithoutCancel(r.Context())
	for _, ownerID := range owners {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			ctx, cancel := context.WithTimeout(base, h.timeout)
			defer cancel()
			if err := h.conversations.Reinvoke(ctx, ownerID, command, payload); err != nil {
				slog.Error("Webhook re-invocation failed", "owner_id", ownerID, "error", err)
			}
		}()
	}

	slog.Info("GitHub push handled",
		"repository", reflection.Repository, "ref", reflection.Ref,
		"commits", len(reflection.Commits), "owners", len(owners))
	JSON(w, http.StatusOK, map[string]any{"status": "success", "triggered_count": len(owners)})
}
