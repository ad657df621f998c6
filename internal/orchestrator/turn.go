package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ashureev/conductor/internal/authz"
	"github.com/ashureev/conductor/internal/domain"
)

const (
	decisionFallbackReply = "Sorry, I couldn't work out how to handle that just now. Please try again in a moment."
	stepLimitReply        = "I stopped after several steps without finishing. Let me know if you want me to keep going."
	notExecutedResult     = "Not executed: the turn is waiting for authorization."
	summaryLimit          = 500
)

// inbound runs a full turn for text under the owner lock.
func (o *Orchestrator) inbound(ctx context.Context, ownerID, text string, reflections *[]domain.Reflection, emit func(*Event)) error {
	if strings.TrimSpace(ownerID) == "" {
		return errors.New("owner id is required")
	}
	clean, system := StripControlMarker(text)
	if strings.TrimSpace(clean) == "" {
		return ErrEmptyMessage
	}

	release, err := o.locks.Acquire(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("acquire owner lock: %w", err)
	}
	defer release()

	state, err := o.checkpoints.Load(ctx, ownerID)
	if err != nil {
		return err
	}

	upd := domain.Update{
		Messages:           []domain.Message{domain.UserMessage(clean)},
		IsSystemTrigger:    domain.Ptr(system),
		Status:             domain.StatusRunning,
		PendingReflections: reflections,
	}
	if state.AwaitingResume() {
		o.logger.Info("Pending authorization superseded by new message",
			"owner_id", ownerID, "provider", state.PendingAuthorization.Provider)
		upd.ClearPendingAuthorization = true
	}
	state.Apply(upd)
	if err := o.checkpoints.Save(ctx, state, "input", map[string]any{"system_trigger": system}); err != nil {
		return err
	}

	if err := o.discover(ctx, state, clean); err != nil {
		return err
	}
	return o.loop(ctx, state, emit)
}

// discover selects candidate capabilities and recalls owner memory. Neither
// failure stops the turn.
func (o *Orchestrator) discover(ctx context.Context, state *domain.ConversationState, query string) error {
	descs, err := o.catalog.Search(ctx, query, o.cfg.DiscoveryLimit)
	if err != nil {
		o.logger.Warn("Capability discovery failed, continuing without capabilities",
			"owner_id", state.OwnerID, "error", err)
		descs = nil
	}
	names := make([]string, 0, len(descs))
	for _, d := range descs {
		names = append(names, d.Name)
	}

	memory := ""
	if o.memory != nil && o.cfg.MemoryLimit > 0 {
		notes, err := o.memory.Recall(ctx, state.OwnerID, query, o.cfg.MemoryLimit)
		if err != nil {
			o.logger.Warn("Memory recall failed", "owner_id", state.OwnerID, "error", err)
		} else if len(notes) > 0 {
			memory = "- " + strings.Join(notes, "\n- ")
		}
	}

	state.Apply(domain.Update{DiscoveredCapabilities: &names, MemoryContext: &memory})
	return o.checkpoints.Save(ctx, state, "discover", map[string]any{"capabilities": names})
}

// loop alternates Decide and Execute until the turn finishes or suspends.
func (o *Orchestrator) loop(ctx context.Context, state *domain.ConversationState, emit func(*Event)) error {
	for step := 0; step < o.cfg.MaxSteps; step++ {
		decision, err := o.decide(ctx, state)
		if err != nil {
			o.logger.Error("Decision step failed", "owner_id", state.OwnerID, "error", err)
			return o.finish(ctx, state, decisionFallbackReply, emit)
		}
		if len(decision.Calls) == 0 {
			return o.finish(ctx, state, decision.Reply, emit)
		}

		state.Apply(domain.Update{Messages: []domain.Message{domain.AssistantMessage(decision.Reply, decision.Calls...)}})
		if err := o.checkpoints.Save(ctx, state, "decide", decision.Calls); err != nil {
			return err
		}
		if decision.Reply != "" {
			emit(&Event{Type: EventMessage, OwnerID: state.OwnerID, Content: decision.Reply})
		}

		suspended, err := o.execute(ctx, state, decision.Calls, emit)
		if err != nil || suspended {
			return err
		}
	}
	o.logger.Warn("Turn reached step limit", "owner_id", state.OwnerID, "max_steps", o.cfg.MaxSteps)
	return o.finish(ctx, state, stepLimitReply, emit)
}

func (o *Orchestrator) decide(ctx context.Context, state *domain.ConversationState) (*Decision, error) {
	tz, loc := o.resolveTimezone(ctx, state)
	if state.Timezone == "" {
		state.Apply(domain.Update{Timezone: &tz})
	}

	caps := make([]domain.CapabilityDescriptor, 0, len(state.DiscoveredCapabilities))
	for _, name := range state.DiscoveredCapabilities {
		if d, ok := o.catalog.Lookup(name); ok {
			caps = append(caps, d)
		}
	}

	req := DecisionRequest{
		OwnerID: state.OwnerID,
		System: SystemContext{
			Now:                o.now().In(loc),
			Timezone:           tz,
			Capabilities:       caps,
			TaskSummary:        state.TaskSummary,
			MemoryContext:      state.MemoryContext,
			PendingReflections: state.PendingReflections,
			IsSystemTrigger:    state.IsSystemTrigger,
		},
		Messages: TrimHistory(state.Messages, o.cfg.MaxTokens),
	}

	decision, err := o.decider.Decide(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecisionFailure, err)
	}
	if decision == nil {
		return nil, fmt.Errorf("%w: empty decision", ErrDecisionFailure)
	}
	for i := range decision.Calls {
		if decision.Calls[i].Name == "" {
			return nil, fmt.Errorf("%w: capability call without a name", ErrDecisionFailure)
		}
		if decision.Calls[i].ID == "" {
			decision.Calls[i].ID = "call_" + uuid.NewString()
		}
	}
	return decision, nil
}

// resolveTimezone picks the conversation zone, then the owner's stored zone,
// then the configured default.
func (o *Orchestrator) resolveTimezone(ctx context.Context, state *domain.ConversationState) (string, *time.Location) {
	candidates := []string{state.Timezone}
	if o.users != nil {
		user, err := o.users.GetUser(ctx, state.OwnerID)
		if err != nil {
			o.logger.Warn("Failed to load owner for timezone", "owner_id", state.OwnerID, "error", err)
		} else if user != nil {
			candidates = append(candidates, user.Timezone)
		}
	}
	candidates = append(candidates, o.cfg.DefaultTimezone, FallbackTimezone)
	for _, name := range candidates {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return name, loc
		}
		o.logger.Warn("Ignoring unknown timezone", "owner_id", state.OwnerID, "timezone", name)
	}
	return "UTC", time.UTC
}

// execute runs calls sequentially. It reports true when a capability required
// authorization and the turn was suspended.
func (o *Orchestrator) execute(ctx context.Context, state *domain.ConversationState, calls []domain.ToolCall, emit func(*Event)) (bool, error) {
	_, loc := o.resolveTimezone(ctx, state)
	ctx = WithLocation(ctx, loc)

	handlers, err := o.toolbox.HandlersFor(ctx, state.OwnerID)
	if err != nil {
		o.logger.Error("Failed to build capability handlers", "owner_id", state.OwnerID, "error", err)
	}

	results := make([]domain.Message, 0, len(calls))
	for i, call := range calls {
		handler, ok := handlers[call.Name]
		if !ok {
			err := fmt.Errorf("%w: %s", ErrCapabilityNotFound, call.Name)
			o.logger.Warn("Capability not found", "owner_id", state.OwnerID, "capability", call.Name)
			results = append(results, domain.ToolResultMessage(call, err.Error(), true))
			emit(&Event{Type: EventTool, OwnerID: state.OwnerID, Capability: call.Name, Content: err.Error(), IsError: true})
			continue
		}

		start := time.Now()
		out, err := invokeHandler(ctx, handler, call)
		if provider, ok := authz.AsRequired(err); ok {
			results = append(results, domain.ToolResultMessage(call, "Authorization required for "+provider+".", true))
			for _, rest := range calls[i+1:] {
				results = append(results, domain.ToolResultMessage(rest, notExecutedResult, true))
			}
			state.Apply(domain.Update{Messages: results})
			return true, o.suspend(ctx, state, provider, call.ID, emit)
		}
		if err != nil {
			o.logger.Warn("Capability failed", "owner_id", state.OwnerID, "capability", call.Name,
				"duration_ms", time.Since(start).Milliseconds(), "error", err)
			results = append(results, domain.ToolResultMessage(call, err.Error(), true))
			emit(&Event{Type: EventTool, OwnerID: state.OwnerID, Capability: call.Name, Content: err.Error(), IsError: true})
			continue
		}
		o.logger.Info("Capability executed", "owner_id", state.OwnerID, "capability", call.Name,
			"duration_ms", time.Since(start).Milliseconds())
		results = append(results, domain.ToolResultMessage(call, out, false))
		emit(&Event{Type: EventTool, OwnerID: state.OwnerID, Capability: call.Name, Content: out})
	}

	state.Apply(domain.Update{Messages: results})
	return false, o.checkpoints.Save(ctx, state, "execute", len(results))
}

// invokeHandler converts handler panics into errors.
func invokeHandler(ctx context.Context, h Handler, call domain.ToolCall) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("capability %s panicked: %v", call.Name, r)
		}
	}()
	args := call.Args
	if len(args) == 0 {
		args = []byte("{}")
	}
	return h.Invoke(ctx, args)
}

func (o *Orchestrator) suspend(ctx context.Context, state *domain.ConversationState, provider, callID string, emit func(*Event)) error {
	url := ""
	if o.authURLs != nil {
		var err error
		url, err = o.authURLs.AuthURL(ctx, provider, state.OwnerID)
		if err != nil {
			o.logger.Warn("Failed to build authorization URL", "owner_id", state.OwnerID, "provider", provider, "error", err)
			url = ""
		}
	}

	pending := &domain.PendingAuthorization{
		Provider:    provider,
		URL:         url,
		ToolCallID:  callID,
		RequestedAt: o.now().UTC(),
	}
	state.Apply(domain.Update{PendingAuthorization: pending, Status: domain.StatusAwaitingResume})
	if err := o.checkpoints.Save(ctx, state, "suspend", pending); err != nil {
		return err
	}
	o.logger.Info("Turn suspended pending authorization", "owner_id", state.OwnerID, "provider", provider)

	emit(&Event{
		Type:     EventSuspend,
		OwnerID:  state.OwnerID,
		Content:  fmt.Sprintf("I need access to your %s account to continue. Open the link to authorize.", provider),
		Provider: provider,
		URL:      url,
		Status:   string(domain.StatusAwaitingResume),
	})
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, state *domain.ConversationState, reply string, emit func(*Event)) error {
	upd := domain.Update{
		Status:             domain.StatusFinished,
		IsSystemTrigger:    domain.Ptr(false),
		PendingReflections: &[]domain.Reflection{},
	}
	if reply != "" {
		upd.Messages = []domain.Message{domain.AssistantMessage(reply)}
		upd.TaskSummary = domain.Ptr(truncate(reply, summaryLimit))
	}
	state.Apply(upd)
	if err := o.checkpoints.Save(ctx, state, "finish", map[string]any{"reply": reply != ""}); err != nil {
		return err
	}

	if reply != "" {
		emit(&Event{Type: EventMessage, OwnerID: state.OwnerID, Content: reply})
	}
	emit(&Event{Type: EventDone, OwnerID: state.OwnerID, Status: string(domain.StatusFinished)})
	return nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
