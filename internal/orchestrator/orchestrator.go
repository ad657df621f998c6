// Package orchestrator drives one conversation turn through capability
// discovery, decision, execution and authorization suspension.
//
// A turn moves through Discover, Decide, then either Finish or Execute.
// Execute loops back to Decide or, when a capability reports that the owner
// must authorize a provider, to Suspend. A suspended conversation is resumed
// by HandleResumeEvent, which continues at Decide on success and finishes the
// turn on cancellation. Every step is checkpointed, and at most one step runs
// per owner at a time.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"
	_ "time/tzdata"

	"github.com/ashureev/conductor/internal/authz"
	"github.com/ashureev/conductor/internal/domain"
	"github.com/ashureev/conductor/internal/store"
)

var (
	// ErrCapabilityNotFound is reported to the decision loop when a requested
	// capability has no handler for the owner.
	ErrCapabilityNotFound = errors.New("capability not found")

	// ErrDecisionFailure wraps decision function errors and unusable output.
	ErrDecisionFailure = errors.New("decision failure")

	// ErrEmptyMessage is returned for inbound messages without content.
	ErrEmptyMessage = errors.New("empty message")
)

// FallbackTimezone is used when neither the conversation, the owner record
// nor the configuration yields a loadable zone.
const FallbackTimezone = "Asia/Seoul"

// SystemContext is the non-history input of the decision function.
type SystemContext struct {
	Now                time.Time
	Timezone           string
	Capabilities       []domain.CapabilityDescriptor
	TaskSummary        string
	MemoryContext      string
	PendingReflections []domain.Reflection
	IsSystemTrigger    bool
}

// DecisionRequest is the input of one Decide step.
type DecisionRequest struct {
	OwnerID  string
	System   SystemContext
	Messages []domain.Message
}

// Decision is either a final reply or one or more capability invocations.
// Reply may accompany invocations as interim text.
type Decision struct {
	Reply string
	Calls []domain.ToolCall
}

// Decider is the natural-language decision function.
type Decider interface {
	Decide(ctx context.Context, req DecisionRequest) (*Decision, error)
}

// Catalog resolves requests to capability descriptors.
type Catalog interface {
	Search(ctx context.Context, query string, limit int) ([]domain.CapabilityDescriptor, error)
	Lookup(name string) (domain.CapabilityDescriptor, bool)
}

// MemoryRecaller returns stored owner memories relevant to a query.
type MemoryRecaller interface {
	Recall(ctx context.Context, ownerID, query string, limit int) ([]string, error)
}

// Config holds orchestration limits.
type Config struct {
	DiscoveryLimit  int
	MemoryLimit     int
	MaxTokens       int
	MaxSteps        int
	DefaultTimezone string
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		DiscoveryLimit:  10,
		MemoryLimit:     3,
		MaxTokens:       4000,
		MaxSteps:        8,
		DefaultTimezone: FallbackTimezone,
	}
}

// Deps are the collaborators of an Orchestrator. Decider, Catalog, Toolbox
// and Checkpoints are required.
type Deps struct {
	Decider     Decider
	Catalog     Catalog
	Toolbox     Toolbox
	Checkpoints store.CheckpointStore
	AuthURLs    authz.URLProvider
	Memory      MemoryRecaller
	Users       store.UserRepository
	Sink        Sink
	Logger      *slog.Logger
	Now         func() time.Time
}

// Orchestrator runs conversation turns.
type Orchestrator struct {
	decider     Decider
	catalog     Catalog
	toolbox     Toolbox
	checkpoints *Checkpointer
	authURLs    authz.URLProvider
	memory      MemoryRecaller
	users       store.UserRepository
	sink        Sink // fixed at New
	logger      *slog.Logger
	now         func() time.Time
	cfg         Config
	locks       *OwnerLocks
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Decider == nil || deps.Catalog == nil || deps.Toolbox == nil || deps.Checkpoints == nil {
		return nil, errors.New("orchestrator: decider, catalog, toolbox and checkpoints are required")
	}
	def := DefaultConfig()
	if cfg.DiscoveryLimit <= 0 {
		cfg.DiscoveryLimit = def.DiscoveryLimit
	}
	if cfg.MemoryLimit < 0 {
		cfg.MemoryLimit = 0
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = def.MaxSteps
	}
	if cfg.DefaultTimezone == "" {
		cfg.DefaultTimezone = def.DefaultTimezone
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Orchestrator{
		decider:     deps.Decider,
		catalog:     deps.Catalog,
		toolbox:     deps.Toolbox,
		checkpoints: NewCheckpointer(deps.Checkpoints),
		authURLs:    deps.AuthURLs,
		memory:      deps.Memory,
		users:       deps.Users,
		sink:        deps.Sink,
		logger:      deps.Logger,
		now:         deps.Now,
		cfg:         cfg,
		locks:       NewOwnerLocks(),
	}, nil
}

// HandleInboundMessage runs one turn for a live message and streams its
// events. The turn runs to completion and is checkpointed even when the
// consumer stops iterating early.
func (o *Orchestrator) HandleInboundMessage(ctx context.Context, ownerID, text string) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		stopped := false
		emit := func(ev *Event) {
			if stopped {
				return
			}
			if !yield(ev, nil) {
				stopped = true
			}
		}
		if err := o.inbound(ctx, ownerID, text, nil, emit); err != nil && !stopped {
			yield(nil, err)
		}
	}
}

// ResumeResult reports what a resume event did.
type ResumeResult struct {
	Resumed  bool          `json:"resumed"`
	Outcome  authz.Outcome `json:"outcome"`
	Provider string        `json:"provider,omitempty"`
	Status   domain.Status `json:"status"`
}

// HandleResumeEvent continues a suspended conversation. On success the turn
// resumes at Decide with the pending authorization cleared; otherwise the
// turn finishes with a neutral message. Events go to the configured Sink. A
// resume for a conversation that is not suspended changes nothing.
func (o *Orchestrator) HandleResumeEvent(ctx context.Context, ownerID string, outcome authz.Outcome) (ResumeResult, error) {
	release, err := o.locks.Acquire(ctx, ownerID)
	if err != nil {
		return ResumeResult{}, fmt.Errorf("acquire owner lock: %w", err)
	}
	defer release()

	state, err := o.checkpoints.Load(ctx, ownerID)
	if err != nil {
		return ResumeResult{}, err
	}
	if !state.AwaitingResume() {
		o.logger.Info("Resume event without pending authorization", "owner_id", ownerID, "outcome", outcome, "status", state.Status)
		return ResumeResult{Resumed: false, Outcome: outcome, Status: state.Status}, nil
	}

	provider := state.PendingAuthorization.Provider
	o.logger.Info("Resuming suspended turn", "owner_id", ownerID, "provider", provider, "outcome", outcome)
	emit := o.publish(ownerID)

	if outcome == authz.OutcomeSuccess {
		upd := domain.Update{ClearPendingAuthorization: true, Status: domain.StatusRunning}
		state.Apply(upd)
		if err := o.checkpoints.Save(ctx, state, "resume", map[string]string{"outcome": string(outcome), "provider": provider}); err != nil {
			return ResumeResult{}, err
		}
		err = o.loop(ctx, state, emit)
	} else {
		state.Apply(domain.Update{ClearPendingAuthorization: true})
		reply := fmt.Sprintf("Authorization for %s was not completed, so I stopped working on that request.", provider)
		err = o.finish(ctx, state, reply, emit)
	}
	res := ResumeResult{Resumed: true, Outcome: outcome, Provider: provider}
	if err != nil {
		// The in-memory status may be ahead of the last checkpoint.
		o.logger.Error("Resumed turn failed", "owner_id", ownerID, "provider", provider, "error", err)
		return res, err
	}
	res.Status = state.Status
	return res, nil
}

// Reinvoke re-enters the orchestrator on behalf of the owner, as a scheduled
// job or webhook does. The command is marked as system-triggered. A
// "pending_reflections" payload entry is decoded into the conversation.
func (o *Orchestrator) Reinvoke(ctx context.Context, ownerID, command string, payload map[string]any) error {
	var reflections *[]domain.Reflection
	if raw, ok := payload["pending_reflections"]; ok {
		decoded, err := decodeReflections(raw)
		if err != nil {
			o.logger.Warn("Ignoring malformed pending reflections", "owner_id", ownerID, "error", err)
		} else {
			reflections = &decoded
		}
	}
	return o.inbound(ctx, ownerID, WithControlMarker(command), reflections, o.publish(ownerID))
}

// State returns the latest checkpointed state of an owner.
func (o *Orchestrator) State(ctx context.Context, ownerID string) (*domain.ConversationState, error) {
	return o.checkpoints.Load(ctx, ownerID)
}

func (o *Orchestrator) publish(ownerID string) func(*Event) {
	return func(ev *Event) {
		if o.sink != nil {
			o.sink.Publish(ownerID, ev)
		}
	}
}

func decodeReflections(raw any) ([]domain.Reflection, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var out []domain.Reflection
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
