// Package api provides the HTTP surface of the conductor service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"

	"github.com/ashureev/conductor/internal/authz"
	"github.com/ashureev/conductor/internal/domain"
	"github.com/ashureev/conductor/internal/orchestrator"
)

// maxRequestBodySize caps JSON request bodies.
const maxRequestBodySize = 1 << 20

// Conversations is the orchestrator surface the HTTP handlers drive.
type Conversations interface {
	HandleInboundMessage(ctx context.Context, ownerID, text string) iter.Seq2[*orchestrator.Event, error]
	HandleResumeEvent(ctx context.Context, ownerID string, outcome authz.Outcome) (orchestrator.ResumeResult, error)
	Reinvoke(ctx context.Context, ownerID, command string, payload map[string]any) error
}

// Jobs lists and cancels an owner's scheduled jobs.
type Jobs interface {
	Pending(ctx context.Context, ownerID string) ([]*domain.ScheduledJob, error)
	Cancel(ctx context.Context, ownerID, jobID string) (bool, error)
}

// Catalog exposes the capability registry.
type Catalog interface {
	Search(ctx context.Context, query string, limit int) ([]domain.CapabilityDescriptor, error)
	All() []domain.CapabilityDescriptor
	Len() int
}

// Authorizer builds provider authorize URLs.
type Authorizer interface {
	authz.URLProvider
	Canonical(provider string) string
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a size-limited JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
