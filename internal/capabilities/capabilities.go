// Package capabilities implements the handlers the orchestrator invokes on
// behalf of an owner, together with their registry descriptors.
package capabilities

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/conductor/internal/authz"
	"github.com/ashureev/conductor/internal/domain"
	"github.com/ashureev/conductor/internal/orchestrator"
	"github.com/ashureev/conductor/internal/store"
)

// Capability names.
const (
	ManageScheduler        = "manage_dm_scheduler"
	ManageMemory           = "manage_user_memory"
	ListGitHubRepositories = "list_github_repositories"
	SetupGitHubWebhook     = "setup_github_webhook"
	ManageGoogleTasks      = "manage_google_tasks"
	ManageGoogleCalendar   = "manage_google_calendar"
	SearchNotion           = "search_notion"
	CreateNotionPage       = "create_notion_page"
)

// JobScheduler is the part of the scheduler the scheduling capability uses.
type JobScheduler interface {
	Schedule(ctx context.Context, ownerID string, triggerAt time.Time, kind domain.JobKind, command string, payload map[string]any) (string, error)
	Cancel(ctx context.Context, ownerID, jobID string) (bool, error)
}

// Toolbox binds every capability handler to an owner at invocation time.
type Toolbox struct {
	Scheduler JobScheduler
	Memory    *MemoryService
	Tokens    store.TokenRepository
	GitHub    *GitHubClient
	Google    *GoogleClient
	Notion    *NotionClient
	Logger    *slog.Logger
	Now       func() time.Time
}

var _ orchestrator.Toolbox = (*Toolbox)(nil)

// HandlersFor returns the handlers available to ownerID. Capabilities whose
// backing client is not configured are left out.
func (t *Toolbox) HandlersFor(_ context.Context, ownerID string) (orchestrator.Handlers, error) {
	h := orchestrator.Handlers{}
	if t.Scheduler != nil {
		h[ManageScheduler] = &schedulerHandler{owner: ownerID, sched: t.Scheduler, now: t.now}
	}
	if t.Memory != nil {
		h[ManageMemory] = &memoryHandler{owner: ownerID, svc: t.Memory}
	}
	if t.GitHub != nil {
		h[ListGitHubRepositories] = t.withToken(ownerID, authz.ProviderGitHub, t.GitHub.listRepositories)
		h[SetupGitHubWebhook] = t.withToken(ownerID, authz.ProviderGitHub, t.GitHub.setupWebhook)
	}
	if t.Google != nil {
		h[ManageGoogleTasks] = t.withToken(ownerID, authz.ProviderGoogle, t.Google.manageTasks)
		h[ManageGoogleCalendar] = t.withToken(ownerID, authz.ProviderGoogle, t.Google.manageCalendar)
	}
	if t.Notion != nil {
		h[SearchNotion] = t.withToken(ownerID, authz.ProviderNotion, t.Notion.search)
		h[CreateNotionPage] = t.withToken(ownerID, authz.ProviderNotion, t.Notion.createPage)
	}
	return h, nil
}

func (t *Toolbox) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

type tokenFunc func(ctx context.Context, token string, args json.RawMessage) (string, error)

// withToken looks up the owner's provider token before every call. A missing
// or expired token raises AuthorizationRequired.
func (t *Toolbox) withToken(ownerID, provider string, fn tokenFunc) orchestrator.Handler {
	return orchestrator.HandlerFunc(func(ctx context.Context, args json.RawMessage) (string, error) {
		if t.Tokens == nil {
			return "", authz.Required(provider)
		}
		tok, err := t.Tokens.GetToken(ctx, ownerID, provider)
		if err != nil {
			return "", fmt.Errorf("load %s token: %w", provider, err)
		}
		if tok == nil || tok.AccessToken == "" || tok.Expired(t.now()) {
			return "", authz.Required(provider)
		}
		return fn(ctx, tok.AccessToken, args)
	})
}

// decodeArgs unmarshals capability arguments, treating empty input as {}.
func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func toJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
