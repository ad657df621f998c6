package domain

import (
	"fmt"
	"strings"
	"time"
)

// JobKind selects the callback a scheduled job fires.
type JobKind string

const (
	// JobKindNotification delivers the job's command text to the owner.
	JobKindNotification JobKind = "notification"
	// JobKindReinvoke re-enters the orchestrator with the job's command.
	JobKindReinvoke JobKind = "reinvoke"
)

// ParseJobKind accepts the canonical kinds plus the "command" alias.
func ParseJobKind(s string) (JobKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(JobKindNotification):
		return JobKindNotification, nil
	case string(JobKindReinvoke), "command", "re-invoke":
		return JobKindReinvoke, nil
	default:
		return "", fmt.Errorf("unknown job kind %q", s)
	}
}

// ScheduledJob is a durably stored future trigger.
type ScheduledJob struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"owner_id"`
	TriggerAt time.Time      `json:"trigger_at"`
	Kind      JobKind        `json:"kind"`
	Command   string         `json:"command"`
	Payload   map[string]any `json:"payload,omitempty"`
	Sent      bool           `json:"sent"`
	CreatedAt time.Time      `json:"created_at"`
}

// Due reports whether the job should already have fired.
func (j *ScheduledJob) Due(now time.Time) bool {
	return !j.TriggerAt.After(now)
}
