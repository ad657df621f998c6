package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/conductor/internal/authz"
	"github.com/ashureev/conductor/internal/domain"
	"github.com/ashureev/conductor/internal/embedding"
	"github.com/ashureev/conductor/internal/registry"
	"github.com/ashureev/conductor/internal/scheduler"
	"github.com/ashureev/conductor/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "orchestrator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var testDescriptors = []domain.CapabilityDescriptor{
	{Name: "manage_dm_scheduler", Domain: "scheduling", Description: "Schedule a reminder message or follow-up at a future time, list or cancel pending reminders."},
	{Name: "list_github_repositories", Domain: "github", Description: "List the GitHub repositories of the user."},
	{Name: "search_notion", Domain: "notion", Description: "Search pages in the user's Notion workspace."},
}

func newTestRegistry(t *testing.T, st *store.SQLiteStore) *registry.Registry {
	t.Helper()
	reg := registry.New(st, embedding.NewHashEmbedder(embedding.DefaultDimensions), quietLogger())
	reg.Register(testDescriptors...)
	_, err := reg.Sync(context.Background())
	require.NoError(t, err)
	return reg
}

// scriptedDecider answers with fn and records every request.
type scriptedDecider struct {
	mu       sync.Mutex
	fn       func(req DecisionRequest) (*Decision, error)
	requests []DecisionRequest
}

func (d *scriptedDecider) Decide(_ context.Context, req DecisionRequest) (*Decision, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.mu.Unlock()
	return d.fn(req)
}

func (d *scriptedDecider) last() DecisionRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests[len(d.requests)-1]
}

func lastMessage(req DecisionRequest) domain.Message {
	return req.Messages[len(req.Messages)-1]
}

func collect(t *testing.T, seq func(func(*Event, error) bool)) []*Event {
	t.Helper()
	var events []*Event
	for ev, err := range seq {
		require.NoError(t, err)
		events = append(events, ev)
	}
	return events
}

func eventTypes(events []*Event) []EventType {
	out := make([]EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

type sinkRecorder struct {
	mu     sync.Mutex
	events []*Event
}

func (s *sinkRecorder) Publish(_ string, ev *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *sinkRecorder) snapshot() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Event(nil), s.events...)
}

type fixture struct {
	st      *store.SQLiteStore
	reg     *registry.Registry
	decider *scriptedDecider
	sink    *sinkRecorder
	orch    *Orchestrator
}

func newFixture(t *testing.T, fn func(DecisionRequest) (*Decision, error), toolbox Toolbox, urls authz.URLProvider) *fixture {
	t.Helper()
	st := newTestStore(t)
	f := &fixture{
		st:      st,
		reg:     newTestRegistry(t, st),
		decider: &scriptedDecider{fn: fn},
		sink:    &sinkRecorder{},
	}
	orch, err := New(Deps{
		Decider:     f.decider,
		Catalog:     f.reg,
		Toolbox:     toolbox,
		Checkpoints: st,
		AuthURLs:    urls,
		Users:       st,
		Sink:        f.sink,
		Logger:      quietLogger(),
	}, Config{})
	require.NoError(t, err)
	f.orch = orch
	return f
}

func noTools() Toolbox {
	return ToolboxFunc(func(context.Context, string) (Handlers, error) { return Handlers{}, nil })
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, Config{})
	require.Error(t, err)
}

func TestPlainReplyFinishesTurn(t *testing.T) {
	f := newFixture(t, func(DecisionRequest) (*Decision, error) {
		return &Decision{Reply: "hello there"}, nil
	}, noTools(), nil)

	events := collect(t, f.orch.HandleInboundMessage(context.Background(), "u1", "hi"))
	assert.Equal(t, []EventType{EventMessage, EventDone}, eventTypes(events))
	assert.Equal(t, "hello there", events[0].Content)

	state, err := f.orch.State(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFinished, state.Status)
	require.Len(t, state.Messages, 2)
	assert.Equal(t, domain.RoleUser, state.Messages[0].Role)
	assert.Equal(t, "hello there", state.TaskSummary)
	assert.Equal(t, FallbackTimezone, state.Timezone)
}

func TestEmptyMessageRejected(t *testing.T) {
	f := newFixture(t, func(DecisionRequest) (*Decision, error) {
		t.Fatal("decider must not run")
		return nil, nil
	}, noTools(), nil)

	var gotErr error
	for _, err := range f.orch.HandleInboundMessage(context.Background(), "u1", ControlMarker+"   ") {
		gotErr = err
	}
	require.ErrorIs(t, gotErr, ErrEmptyMessage)
}

func TestDiscoveryFeedsDecision(t *testing.T) {
	f := newFixture(t, func(DecisionRequest) (*Decision, error) {
		return &Decision{Reply: "ok"}, nil
	}, noTools(), nil)

	collect(t, f.orch.HandleInboundMessage(context.Background(), "u1", "remind me later to schedule a follow-up reminder"))
	req := f.decider.last()
	require.NotEmpty(t, req.System.Capabilities)
	assert.Equal(t, "manage_dm_scheduler", req.System.Capabilities[0].Name)
	assert.False(t, req.System.IsSystemTrigger)
	assert.Equal(t, FallbackTimezone, req.System.Timezone)
}

func TestTimezoneFromOwnerRecord(t *testing.T) {
	f := newFixture(t, func(DecisionRequest) (*Decision, error) {
		return &Decision{Reply: "ok"}, nil
	}, noTools(), nil)
	require.NoError(t, f.st.UpsertUser(context.Background(), &domain.User{OwnerID: "u1", Username: "u1", Timezone: "Europe/Berlin"}))

	collect(t, f.orch.HandleInboundMessage(context.Background(), "u1", "what time is it"))
	req := f.decider.last()
	assert.Equal(t, "Europe/Berlin", req.System.Timezone)
	assert.Equal(t, "Europe/Berlin", req.System.Now.Location().String())
}

func TestDecisionFailureFallsBack(t *testing.T) {
	f := newFixture(t, func(DecisionRequest) (*Decision, error) {
		return nil, errors.New("model unavailable")
	}, noTools(), nil)

	events := collect(t, f.orch.HandleInboundMessage(context.Background(), "u1", "hi"))
	require.Len(t, events, 2)
	assert.Equal(t, decisionFallbackReply, events[0].Content)

	state, err := f.orch.State(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFinished, state.Status)
}

func TestUnknownCapabilityReportedToDecision(t *testing.T) {
	f := newFixture(t, func(req DecisionRequest) (*Decision, error) {
		if m := lastMessage(req); m.Role == domain.RoleTool {
			return &Decision{Reply: "could not do it: " + m.Content}, nil
		}
		return &Decision{Calls: []domain.ToolCall{{Name: "does_not_exist"}}}, nil
	}, noTools(), nil)

	events := collect(t, f.orch.HandleInboundMessage(context.Background(), "u1", "do the thing"))
	require.Equal(t, []EventType{EventTool, EventMessage, EventDone}, eventTypes(events))
	assert.True(t, events[0].IsError)
	assert.Contains(t, events[1].Content, ErrCapabilityNotFound.Error())

	state, err := f.orch.State(context.Background(), "u1")
	require.NoError(t, err)
	assistant := state.Messages[1]
	require.Len(t, assistant.ToolCalls, 1)
	assert.NotEmpty(t, assistant.ToolCalls[0].ID)
	assert.Equal(t, assistant.ToolCalls[0].ID, state.Messages[2].ToolCallID)
}

func TestHandlerPanicBecomesToolError(t *testing.T) {
	toolbox := ToolboxFunc(func(context.Context, string) (Handlers, error) {
		return Handlers{"search_notion": HandlerFunc(func(context.Context, json.RawMessage) (string, error) {
			panic("boom")
		})}, nil
	})
	f := newFixture(t, func(req DecisionRequest) (*Decision, error) {
		if lastMessage(req).Role == domain.RoleTool {
			return &Decision{Reply: "done"}, nil
		}
		return &Decision{Calls: []domain.ToolCall{{ID: "c1", Name: "search_notion"}}}, nil
	}, toolbox, nil)

	events := collect(t, f.orch.HandleInboundMessage(context.Background(), "u1", "search notion"))
	require.NotEmpty(t, events)
	assert.True(t, events[0].IsError)
	assert.Contains(t, events[0].Content, "panicked")
}

func TestStepLimitFinishesTurn(t *testing.T) {
	calls := 0
	toolbox := ToolboxFunc(func(context.Context, string) (Handlers, error) {
		return Handlers{"search_notion": HandlerFunc(func(context.Context, json.RawMessage) (string, error) {
			calls++
			return "nothing", nil
		})}, nil
	})
	f := newFixture(t, func(DecisionRequest) (*Decision, error) {
		return &Decision{Calls: []domain.ToolCall{{Name: "search_notion"}}}, nil
	}, toolbox, nil)

	events := collect(t, f.orch.HandleInboundMessage(context.Background(), "u1", "loop forever"))
	assert.Equal(t, DefaultConfig().MaxSteps, calls)
	assert.Equal(t, EventDone, events[len(events)-1].Type)
	assert.Equal(t, stepLimitReply, events[len(events)-2].Content)
}

func TestEarlyConsumerStopStillCompletesTurn(t *testing.T) {
	f := newFixture(t, func(DecisionRequest) (*Decision, error) {
		return &Decision{Reply: "first"}, nil
	}, noTools(), nil)

	for range f.orch.HandleInboundMessage(context.Background(), "u1", "hi") {
		break
	}
	state, err := f.orch.State(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFinished, state.Status)
}

func TestOneActiveStepPerOwner(t *testing.T) {
	var mu sync.Mutex
	active := map[string]int{}
	maxActive := map[string]int{}
	var total atomic.Int32

	f := newFixture(t, func(req DecisionRequest) (*Decision, error) {
		mu.Lock()
		active[req.OwnerID]++
		if active[req.OwnerID] > maxActive[req.OwnerID] {
			maxActive[req.OwnerID] = active[req.OwnerID]
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)
		total.Add(1)

		mu.Lock()
		active[req.OwnerID]--
		mu.Unlock()
		return &Decision{Reply: "ok"}, nil
	}, noTools(), nil)

	owners := []string{"alice", "bob", "carol"}
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		for _, owner := range owners {
			wg.Add(3)
			go func() {
				defer wg.Done()
				for _, err := range f.orch.HandleInboundMessage(ctx, owner, fmt.Sprintf("message %d", i)) {
					assert.NoError(t, err)
				}
			}()
			go func() {
				defer wg.Done()
				assert.NoError(t, f.orch.Reinvoke(ctx, owner, fmt.Sprintf("reminder %d", i), nil))
			}()
			go func() {
				defer wg.Done()
				res, err := f.orch.HandleResumeEvent(ctx, owner, authz.OutcomeSuccess)
				assert.NoError(t, err)
				assert.False(t, res.Resumed)
			}()
		}
	}
	wg.Wait()

	assert.EqualValues(t, 24, total.Load())
	for _, owner := range owners {
		assert.Equal(t, 1, maxActive[owner], owner)
		state, err := f.orch.State(ctx, owner)
		require.NoError(t, err)
		// A user message and a reply for each of the eight turns.
		assert.Len(t, state.Messages, 16, owner)
		assert.Equal(t, domain.StatusFinished, state.Status, owner)
	}
	assert.Len(t, f.sink.snapshot(), 24)
}

func TestScheduledReminderEndToEnd(t *testing.T) {
	st := newTestStore(t)

	var delivered []string
	var deliverMu sync.Mutex
	deliver := func(_ context.Context, ownerID, content string) error {
		deliverMu.Lock()
		defer deliverMu.Unlock()
		delivered = append(delivered, ownerID+":"+content)
		return nil
	}
	sched := scheduler.New(st, deliver, nil, scheduler.DefaultConfig(), quietLogger())
	t.Cleanup(sched.Stop)

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	toolbox := ToolboxFunc(func(_ context.Context, ownerID string) (Handlers, error) {
		return Handlers{"manage_dm_scheduler": HandlerFunc(func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Minutes int    `json:"minutes"`
				Message string `json:"message"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			id, err := sched.Schedule(ctx, ownerID, now.Add(time.Duration(in.Minutes)*time.Minute), domain.JobKindNotification, in.Message, nil)
			if err != nil {
				return "", err
			}
			return "scheduled " + id, nil
		})}, nil
	})

	decider := &scriptedDecider{fn: func(req DecisionRequest) (*Decision, error) {
		if lastMessage(req).Role == domain.RoleTool {
			return &Decision{Reply: "I'll remind you in 5 minutes."}, nil
		}
		if !slices.ContainsFunc(req.System.Capabilities, func(d domain.CapabilityDescriptor) bool {
			return d.Name == "manage_dm_scheduler"
		}) {
			return &Decision{Reply: "no scheduler found"}, nil
		}
		return &Decision{Calls: []domain.ToolCall{{
			Name: "manage_dm_scheduler",
			Args: json.RawMessage(`{"minutes":5,"message":"stretch"}`),
		}}}, nil
	}}

	orch, err := New(Deps{
		Decider:     decider,
		Catalog:     newTestRegistry(t, st),
		Toolbox:     toolbox,
		Checkpoints: st,
		Logger:      quietLogger(),
		Now:         func() time.Time { return now },
	}, Config{})
	require.NoError(t, err)

	events := collect(t, orch.HandleInboundMessage(context.Background(), "u1", "remind me in 5 minutes to stretch"))
	require.Equal(t, []EventType{EventTool, EventMessage, EventDone}, eventTypes(events))
	assert.Equal(t, "I'll remind you in 5 minutes.", events[1].Content)

	pending, err := sched.Pending(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, now.Add(5*time.Minute).Unix(), pending[0].TriggerAt.Unix())
	assert.Equal(t, "stretch", pending[0].Command)

	require.NoError(t, sched.Fire(context.Background(), pending[0]))
	assert.Equal(t, []string{"u1:stretch"}, delivered)

	job, err := st.GetJob(context.Background(), pending[0].ID)
	require.NoError(t, err)
	assert.True(t, job.Sent)
}

func githubToolbox(authorized *atomic.Bool, invocations *atomic.Int32) Toolbox {
	return ToolboxFunc(func(context.Context, string) (Handlers, error) {
		return Handlers{
			"list_github_repositories": HandlerFunc(func(context.Context, json.RawMessage) (string, error) {
				invocations.Add(1)
				if !authorized.Load() {
					return "", authz.Required("repository")
				}
				return "repo-a, repo-b", nil
			}),
			"search_notion": HandlerFunc(func(context.Context, json.RawMessage) (string, error) {
				return "never", nil
			}),
		}, nil
	})
}

func githubDecider(req DecisionRequest) (*Decision, error) {
	m := lastMessage(req)
	switch {
	case m.Role == domain.RoleTool && !m.IsError:
		return &Decision{Reply: "Your repositories: " + m.Content}, nil
	case m.Role == domain.RoleTool:
		return &Decision{Calls: []domain.ToolCall{{Name: "list_github_repositories"}}}, nil
	default:
		return &Decision{Calls: []domain.ToolCall{
			{Name: "list_github_repositories"},
			{Name: "search_notion"},
		}}, nil
	}
}

func newAuthorizer() *authz.Authorizer {
	return authz.NewAuthorizer(map[string]authz.ProviderConfig{
		authz.ProviderGitHub: {ClientID: "cid", RedirectURI: "https://app.example/callback"},
	})
}

func TestAuthorizationSuspendAndResume(t *testing.T) {
	var authorized atomic.Bool
	var invocations atomic.Int32
	f := newFixture(t, githubDecider, githubToolbox(&authorized, &invocations), newAuthorizer())
	ctx := context.Background()

	events := collect(t, f.orch.HandleInboundMessage(ctx, "u1", "list my github repos"))
	require.Equal(t, []EventType{EventSuspend}, eventTypes(events))
	assert.Equal(t, "repository", events[0].Provider)
	assert.Contains(t, events[0].URL, "state=u1")
	assert.Contains(t, events[0].URL, "client_id=cid")

	state, err := f.orch.State(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingResume, state.Status)
	require.NotNil(t, state.PendingAuthorization)
	assert.Equal(t, "repository", state.PendingAuthorization.Provider)
	// Every call of the suspended decision has a result.
	tail := state.Messages[len(state.Messages)-2:]
	assert.Equal(t, "list_github_repositories", tail[0].Name)
	assert.Equal(t, notExecutedResult, tail[1].Content)
	assert.EqualValues(t, 1, invocations.Load())

	authorized.Store(true)
	res, err := f.orch.HandleResumeEvent(ctx, "u1", authz.OutcomeSuccess)
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, "repository", res.Provider)
	assert.Equal(t, domain.StatusFinished, res.Status)

	published := f.sink.snapshot()
	require.NotEmpty(t, published)
	assert.Equal(t, EventDone, published[len(published)-1].Type)
	assert.Equal(t, "Your repositories: repo-a, repo-b", published[len(published)-2].Content)

	state, err = f.orch.State(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, state.PendingAuthorization)
	assert.Equal(t, domain.StatusFinished, state.Status)
	assert.EqualValues(t, 2, invocations.Load())
}

func TestResumeCancelledFinishesNeutrally(t *testing.T) {
	var authorized atomic.Bool
	var invocations atomic.Int32
	f := newFixture(t, githubDecider, githubToolbox(&authorized, &invocations), newAuthorizer())
	ctx := context.Background()

	collect(t, f.orch.HandleInboundMessage(ctx, "u1", "list my github repos"))
	res, err := f.orch.HandleResumeEvent(ctx, "u1", authz.OutcomeCancelled)
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, domain.StatusFinished, res.Status)

	published := f.sink.snapshot()
	require.Len(t, published, 2)
	assert.Contains(t, published[0].Content, "not completed")
	assert.EqualValues(t, 1, invocations.Load())
}

func TestResumeReportsStatusOnlyAfterSave(t *testing.T) {
	var authorized atomic.Bool
	var invocations atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inner := githubToolbox(&authorized, &invocations)
	toolbox := ToolboxFunc(func(hctx context.Context, owner string) (Handlers, error) {
		handlers, err := inner.HandlersFor(hctx, owner)
		if err != nil {
			return nil, err
		}
		list := handlers["list_github_repositories"]
		handlers["list_github_repositories"] = HandlerFunc(func(cctx context.Context, args json.RawMessage) (string, error) {
			if authorized.Load() {
				// The caller goes away while the resumed turn is running.
				cancel()
			}
			return list.Invoke(cctx, args)
		})
		return handlers, nil
	})
	f := newFixture(t, githubDecider, toolbox, newAuthorizer())

	collect(t, f.orch.HandleInboundMessage(context.Background(), "u1", "list my github repos"))
	authorized.Store(true)

	res, err := f.orch.HandleResumeEvent(ctx, "u1", authz.OutcomeSuccess)
	require.Error(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, "repository", res.Provider)
	assert.Empty(t, res.Status)

	state, err := f.orch.State(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, state.Status)
	assert.Nil(t, state.PendingAuthorization)
}

func TestResumeWithoutSuspensionIsNoop(t *testing.T) {
	f := newFixture(t, func(DecisionRequest) (*Decision, error) {
		return &Decision{Reply: "ok"}, nil
	}, noTools(), nil)
	ctx := context.Background()

	res, err := f.orch.HandleResumeEvent(ctx, "nobody", authz.OutcomeSuccess)
	require.NoError(t, err)
	assert.False(t, res.Resumed)
	assert.Equal(t, domain.StatusIdle, res.Status)
	assert.Empty(t, f.sink.snapshot())
	assert.Empty(t, f.decider.requests)
}

func TestNewMessageSupersedesSuspension(t *testing.T) {
	var authorized atomic.Bool
	var invocations atomic.Int32
	f := newFixture(t, func(req DecisionRequest) (*Decision, error) {
		if lastMessage(req).Content == "never mind" {
			return &Decision{Reply: "okay"}, nil
		}
		return githubDecider(req)
	}, githubToolbox(&authorized, &invocations), newAuthorizer())
	ctx := context.Background()

	collect(t, f.orch.HandleInboundMessage(ctx, "u1", "list my github repos"))
	events := collect(t, f.orch.HandleInboundMessage(ctx, "u1", "never mind"))
	assert.Equal(t, []EventType{EventMessage, EventDone}, eventTypes(events))

	state, err := f.orch.State(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, state.PendingAuthorization)

	res, err := f.orch.HandleResumeEvent(ctx, "u1", authz.OutcomeSuccess)
	require.NoError(t, err)
	assert.False(t, res.Resumed)
}

func TestSuspendWithoutConfiguredProviderHasEmptyURL(t *testing.T) {
	var authorized atomic.Bool
	var invocations atomic.Int32
	f := newFixture(t, githubDecider, githubToolbox(&authorized, &invocations), authz.NewAuthorizer(nil))

	events := collect(t, f.orch.HandleInboundMessage(context.Background(), "u1", "list my github repos"))
	require.Len(t, events, 1)
	assert.Equal(t, EventSuspend, events[0].Type)
	assert.Empty(t, events[0].URL)
}

func TestReinvokeMarksSystemTrigger(t *testing.T) {
	f := newFixture(t, func(DecisionRequest) (*Decision, error) {
		return &Decision{Reply: "Time to stretch!"}, nil
	}, noTools(), nil)
	ctx := context.Background()

	payload := map[string]any{
		"pending_reflections": []any{map[string]any{
			"repository": "octo/app",
			"ref":        "refs/heads/main",
			"commits":    []any{map[string]any{"message": "fix login", "timestamp": "2026-03-02T09:00:00Z"}},
		}},
	}
	require.NoError(t, f.orch.Reinvoke(ctx, "u1", "remind the user to stretch", payload))

	req := f.decider.last()
	assert.True(t, req.System.IsSystemTrigger)
	require.Len(t, req.System.PendingReflections, 1)
	assert.Equal(t, "octo/app", req.System.PendingReflections[0].Repository)
	assert.Equal(t, "remind the user to stretch", lastMessage(req).Content)
	assert.False(t, strings.Contains(lastMessage(req).Content, ControlMarker))

	published := f.sink.snapshot()
	require.Len(t, published, 2)
	assert.Equal(t, "Time to stretch!", published[0].Content)

	state, err := f.orch.State(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, state.IsSystemTrigger)
	assert.Empty(t, state.PendingReflections)
}

func TestCheckpointRoundTrip(t *testing.T) {
	st := newTestStore(t)
	cp := NewCheckpointer(st)
	ctx := context.Background()

	fresh, err := cp.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIdle, fresh.Status)
	assert.Empty(t, fresh.Messages)

	state := domain.NewConversationState("u1")
	state.Apply(domain.Update{
		Messages:             []domain.Message{domain.UserMessage("hi"), domain.AssistantMessage("hello")},
		Timezone:             domain.Ptr("Asia/Seoul"),
		Status:               domain.StatusAwaitingResume,
		PendingAuthorization: &domain.PendingAuthorization{Provider: "github", URL: "https://example"},
	})
	require.NoError(t, cp.Save(ctx, state, "test", map[string]int{"n": 1}))

	loaded, err := cp.Load(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 2)
	assert.Equal(t, "hello", loaded.Messages[1].Content)
	assert.Equal(t, "Asia/Seoul", loaded.Timezone)
	require.NotNil(t, loaded.PendingAuthorization)
	assert.Equal(t, "github", loaded.PendingAuthorization.Provider)
	assert.True(t, loaded.AwaitingResume())
}

func TestCheckpointRejectsNewerVersion(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	_, err := st.PutCheckpoint(ctx, &store.Checkpoint{
		ThreadID: "u1",
		State:    []byte(`{"version": 99, "status": "idle"}`),
	})
	require.NoError(t, err)

	_, err = NewCheckpointer(st).Load(ctx, "u1")
	require.Error(t, err)
}
