package orchestrator

// EventType tags an Event streamed out of a turn.
type EventType string

const (
	// EventMessage carries assistant text.
	EventMessage EventType = "message"
	// EventTool reports the result of one capability invocation.
	EventTool EventType = "tool"
	// EventSuspend reports that the turn is waiting for authorization.
	EventSuspend EventType = "suspend"
	// EventDone closes a turn.
	EventDone EventType = "done"
	// EventNotification carries a scheduled reminder delivered outside a turn.
	EventNotification EventType = "notification"
)

// Event is one unit of a streamed reply.
type Event struct {
	Type       EventType `json:"type"`
	OwnerID    string    `json:"owner_id"`
	Content    string    `json:"content,omitempty"`
	Capability string    `json:"capability,omitempty"`
	IsError    bool      `json:"is_error,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	URL        string    `json:"url,omitempty"`
	Status     string    `json:"status,omitempty"`
}

// Sink receives events of turns that have no caller waiting on them, such
// as scheduler re-invocations and authorization resumes.
type Sink interface {
	Publish(ownerID string, ev *Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ownerID string, ev *Event)

// Publish calls f.
func (f SinkFunc) Publish(ownerID string, ev *Event) { f(ownerID, ev) }
