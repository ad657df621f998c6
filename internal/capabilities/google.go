package capabilities

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/conductor/internal/authz"
)

// Default Google API endpoints.
const (
	DefaultGoogleTasksAPI    = "https://tasks.googleapis.com/tasks/v1"
	DefaultGoogleCalendarAPI = "https://www.googleapis.com/calendar/v3"
)

// GoogleClient calls the Google Tasks and Calendar APIs.
type GoogleClient struct {
	tasks    *apiClient
	calendar *apiClient
	now      func() time.Time
}

// NewGoogleClient creates a client. Empty base URLs select the public APIs.
func NewGoogleClient(tasksURL, calendarURL string, hc *http.Client) *GoogleClient {
	if tasksURL == "" {
		tasksURL = DefaultGoogleTasksAPI
	}
	if calendarURL == "" {
		calendarURL = DefaultGoogleCalendarAPI
	}
	return &GoogleClient{
		tasks:    newAPIClient(authz.ProviderGoogle, tasksURL, hc, nil),
		calendar: newAPIClient(authz.ProviderGoogle, calendarURL, hc, nil),
		now:      time.Now,
	}
}

const defaultTaskList = "/lists/@default/tasks"

type googleTask struct {
	ID     string `json:"id,omitempty"`
	Title  string `json:"title,omitempty"`
	Notes  string `json:"notes,omitempty"`
	Status string `json:"status,omitempty"`
	Due    string `json:"due,omitempty"`
}

func (g *GoogleClient) manageTasks(ctx context.Context, token string, raw json.RawMessage) (string, error) {
	var args struct {
		Action string `json:"action"`
		TaskID string `json:"task_id"`
		Title  string `json:"title"`
		Notes  string `json:"notes"`
		Due    string `json:"due"`
		Status string `json:"status"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}

	switch strings.ToLower(args.Action) {
	case "list", "":
		var resp struct {
			Items []googleTask `json:"items"`
		}
		if err := g.tasks.do(ctx, token, http.MethodGet, defaultTaskList+"?showCompleted=false", nil, &resp); err != nil {
			return "", err
		}
		if len(resp.Items) == 0 {
			return "No open tasks.", nil
		}
		return toJSON(resp.Items), nil

	case "create":
		if strings.TrimSpace(args.Title) == "" {
			return "", errors.New("title is required")
		}
		var created googleTask
		body := googleTask{Title: args.Title, Notes: args.Notes, Due: args.Due}
		if err := g.tasks.do(ctx, token, http.MethodPost, defaultTaskList, body, &created); err != nil {
			return "", err
		}
		return toJSON(map[string]any{"status": "created", "task_id": created.ID}), nil

	case "update_status":
		if args.TaskID == "" {
			return "", errors.New("task_id is required")
		}
		status := "completed"
		if strings.EqualFold(args.Status, "needsAction") || strings.EqualFold(args.Status, "open") {
			status = "needsAction"
		}
		path := defaultTaskList + "/" + url.PathEscape(args.TaskID)
		if err := g.tasks.do(ctx, token, http.MethodPatch, path, googleTask{Status: status}, nil); err != nil {
			return "", err
		}
		return toJSON(map[string]any{"status": "updated", "task_id": args.TaskID, "task_status": status}), nil

	case "delete":
		if args.TaskID == "" {
			return "", errors.New("task_id is required")
		}
		path := defaultTaskList + "/" + url.PathEscape(args.TaskID)
		if err := g.tasks.do(ctx, token, http.MethodDelete, path, nil, nil); err != nil {
			return "", err
		}
		return toJSON(map[string]any{"status": "deleted", "task_id": args.TaskID}), nil

	default:
		return "", fmt.Errorf("unknown action %q", args.Action)
	}
}

type eventTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
}

type calendarEvent struct {
	ID          string    `json:"id,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	Description string    `json:"description,omitempty"`
	Start       eventTime `json:"start"`
	End         eventTime `json:"end"`
}

func (g *GoogleClient) manageCalendar(ctx context.Context, token string, raw json.RawMessage) (string, error) {
	var args struct {
		Action      string `json:"action"`
		EventID     string `json:"event_id"`
		Summary     string `json:"summary"`
		Description string `json:"description"`
		Start       string `json:"start"`
		End         string `json:"end"`
		MaxResults  int    `json:"max_results"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}

	switch strings.ToLower(args.Action) {
	case "list", "":
		if args.MaxResults <= 0 || args.MaxResults > 50 {
			args.MaxResults = 10
		}
		q := url.Values{}
		q.Set("timeMin", g.now().UTC().Format(time.RFC3339))
		q.Set("maxResults", fmt.Sprint(args.MaxResults))
		q.Set("singleEvents", "true")
		q.Set("orderBy", "startTime")
		var resp struct {
			Items []calendarEvent `json:"items"`
		}
		if err := g.calendar.do(ctx, token, http.MethodGet, "/calendars/primary/events?"+q.Encode(), nil, &resp); err != nil {
			return "", err
		}
		if len(resp.Items) == 0 {
			return "No upcoming events.", nil
		}
		return toJSON(resp.Items), nil

	case "create":
		if strings.TrimSpace(args.Summary) == "" {
			return "", errors.New("summary is required")
		}
		start, err := time.Parse(time.RFC3339, args.Start)
		if err != nil {
			return "", fmt.Errorf("start must be RFC 3339: %w", err)
		}
		end := start.Add(time.Hour)
		if args.End != "" {
			if end, err = time.Parse(time.RFC3339, args.End); err != nil {
				return "", fmt.Errorf("end must be RFC 3339: %w", err)
			}
		}
		if !end.After(start) {
			return "", errors.New("end must be after start")
		}
		body := calendarEvent{
			Summary:     args.Summary,
			Description: args.Description,
			Start:       eventTime{DateTime: start.Format(time.RFC3339)},
			End:         eventTime{DateTime: end.Format(time.RFC3339)},
		}
		var created calendarEvent
		if err := g.calendar.do(ctx, token, http.MethodPost, "/calendars/primary/events", body, &created); err != nil {
			return "", err
		}
		return toJSON(map[string]any{"status": "created", "event_id": created.ID}), nil

	case "delete":
		if args.EventID == "" {
			return "", errors.New("event_id is required")
		}
		if err := g.calendar.do(ctx, token, http.MethodDelete, "/calendars/primary/events/"+url.PathEscape(args.EventID), nil, nil); err != nil {
			return "", err
		}
		return toJSON(map[string]any{"status": "deleted", "event_id": args.EventID}), nil

	default:
		return "", fmt.Errorf("unknown action %q", args.Action)
	}
}
