package domain

import (
	"slices"
	"time"
)

// StateVersion is the current ConversationState schema version.
const StateVersion = 1

// Status is the state-machine position a conversation rests in between steps.
type Status string

const (
	StatusIdle           Status = "idle"
	StatusRunning        Status = "running"
	StatusAwaitingResume Status = "awaiting_resume"
	StatusFinished       Status = "finished"
)

// PendingAuthorization records the provider a suspended turn is waiting on.
type PendingAuthorization struct {
	Provider    string    `json:"provider"`
	URL         string    `json:"url"`
	ToolCallID  string    `json:"tool_call_id,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// Commit is a pushed commit summarized for a reflection.
type Commit struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Reflection is repository activity the owner may want to review.
type Reflection struct {
	Repository string   `json:"repository"`
	Ref        string   `json:"ref"`
	Commits    []Commit `json:"commits"`
}

// ConversationState is the checkpointed state of one owner's thread.
type ConversationState struct {
	Version                int                   `json:"version"`
	OwnerID                string                `json:"owner_id"`
	Messages               []Message             `json:"messages"`
	MemoryContext          string                `json:"memory_context,omitempty"`
	Timezone               string                `json:"timezone,omitempty"`
	PendingAuthorization   *PendingAuthorization `json:"pending_authorization,omitempty"`
	TaskSummary            string                `json:"task_summary,omitempty"`
	DiscoveredCapabilities []string              `json:"discovered_capabilities,omitempty"`
	IsSystemTrigger        bool                  `json:"is_system_trigger,omitempty"`
	PendingReflections     []Reflection          `json:"pending_reflections,omitempty"`
	Status                 Status                `json:"status"`
	UpdatedAt              time.Time             `json:"updated_at"`
}

// NewConversationState creates an empty state for an owner.
func NewConversationState(ownerID string) *ConversationState {
	return &ConversationState{
		Version: StateVersion,
		OwnerID: ownerID,
		Status:  StatusIdle,
	}
}

// Update is a partial state change produced by one state-machine step.
// Messages are appended; every non-nil field replaces the current value.
type Update struct {
	Messages                  []Message
	MemoryContext             *string
	Timezone                  *string
	PendingAuthorization      *PendingAuthorization
	ClearPendingAuthorization bool
	TaskSummary               *string
	DiscoveredCapabilities    *[]string
	IsSystemTrigger           *bool
	PendingReflections        *[]Reflection
	Status                    Status
}

// Apply merges u into s using the per-field reducers.
func (s *ConversationState) Apply(u Update) {
	if len(u.Messages) > 0 {
		s.Messages = append(s.Messages, u.Messages...)
	}
	if u.MemoryContext != nil {
		s.MemoryContext = *u.MemoryContext
	}
	if u.Timezone != nil {
		s.Timezone = *u.Timezone
	}
	if u.ClearPendingAuthorization {
		s.PendingAuthorization = nil
	}
	if u.PendingAuthorization != nil {
		pending := *u.PendingAuthorization
		s.PendingAuthorization = &pending
	}
	if u.TaskSummary != nil {
		s.TaskSummary = *u.TaskSummary
	}
	if u.DiscoveredCapabilities != nil {
		s.DiscoveredCapabilities = slices.Clone(*u.DiscoveredCapabilities)
	}
	if u.IsSystemTrigger != nil {
		s.IsSystemTrigger = *u.IsSystemTrigger
	}
	if u.PendingReflections != nil {
		s.PendingReflections = slices.Clone(*u.PendingReflections)
	}
	if u.Status != "" {
		s.Status = u.Status
	}
	s.Version = StateVersion
	s.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep enough copy for independent mutation.
func (s *ConversationState) Clone() *ConversationState {
	c := *s
	c.Messages = slices.Clone(s.Messages)
	c.DiscoveredCapabilities = slices.Clone(s.DiscoveredCapabilities)
	c.PendingReflections = slices.Clone(s.PendingReflections)
	if s.PendingAuthorization != nil {
		pending := *s.PendingAuthorization
		c.PendingAuthorization = &pending
	}
	return &c
}

// LastUserMessage returns the most recent user-authored message and its index.
func (s *ConversationState) LastUserMessage() (Message, int, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i], i, true
		}
	}
	return Message{}, -1, false
}

// AwaitingResume reports whether the conversation is suspended.
func (s *ConversationState) AwaitingResume() bool {
	return s.Status == StatusAwaitingResume && s.PendingAuthorization != nil
}

// Ptr returns a pointer to v, for building Update values.
func Ptr[T any](v T) *T {
	return &v
}
