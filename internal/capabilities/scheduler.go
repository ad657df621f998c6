package capabilities

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/conductor/internal/domain"
	"github.com/ashureev/conductor/internal/orchestrator"
)

type schedulerArgs struct {
	Action     string         `json:"action"`
	Command    string         `json:"command"`
	TriggerAt  string         `json:"trigger_at"`
	Delay      int            `json:"delay_minutes"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload"`
	ScheduleID string         `json:"schedule_id"`
}

type schedulerHandler struct {
	owner string
	sched JobScheduler
	now   func() time.Time
}

func (h *schedulerHandler) Invoke(ctx context.Context, raw json.RawMessage) (string, error) {
	var args schedulerArgs
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}

	switch strings.ToLower(args.Action) {
	case "create", "":
		if strings.TrimSpace(args.Command) == "" {
			return "", errors.New("command is required")
		}
		at, err := h.triggerTime(ctx, args)
		if err != nil {
			return "", err
		}
		kind, err := domain.ParseJobKind(args.Type)
		if err != nil {
			return "", err
		}
		id, err := h.sched.Schedule(ctx, h.owner, at, kind, args.Command, args.Payload)
		if err != nil {
			return "", err
		}
		return toJSON(map[string]any{
			"status":      "scheduled",
			"schedule_id": id,
			"trigger_at":  at.Format(time.RFC3339),
			"type":        kind,
		}), nil

	case "cancel", "delete":
		if args.ScheduleID == "" {
			return "", errors.New("schedule_id is required")
		}
		removed, err := h.sched.Cancel(ctx, h.owner, args.ScheduleID)
		if err != nil {
			return "", err
		}
		if !removed {
			return toJSON(map[string]any{"status": "not_found", "schedule_id": args.ScheduleID}), nil
		}
		return toJSON(map[string]any{"status": "cancelled", "schedule_id": args.ScheduleID}), nil

	default:
		return "", fmt.Errorf("unknown action %q", args.Action)
	}
}

// Wall-clock layouts without an offset, read in the owner's timezone.
var localLayouts = []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04:05", "2006-01-02 15:04"}

// triggerTime accepts an ISO-8601 timestamp or a delay in minutes.
func (h *schedulerHandler) triggerTime(ctx context.Context, args schedulerArgs) (time.Time, error) {
	if args.TriggerAt != "" {
		if t, err := time.Parse(time.RFC3339, args.TriggerAt); err == nil {
			return t, nil
		}
		loc := orchestrator.LocationFromContext(ctx)
		for _, layout := range localLayouts {
			if t, err := time.ParseInLocation(layout, args.TriggerAt, loc); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("trigger_at %q is not an ISO-8601 timestamp", args.TriggerAt)
	}
	if args.Delay > 0 {
		return h.now().Add(time.Duration(args.Delay) * time.Minute), nil
	}
	return time.Time{}, errors.New("trigger_at or delay_minutes is required")
}
