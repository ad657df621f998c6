// Package transport fans conversation events out to connected owners over
// SSE and WebSocket, and delivers scheduled notifications.
package transport

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/conductor/internal/orchestrator"
	"github.com/ashureev/conductor/internal/transcript"
)

// ErrNoSubscribers is returned by Deliver when the owner has no live
// connection that accepted the event.
var ErrNoSubscribers = errors.New("no connected subscribers")

// Subscriber is one live owner connection.
type Subscriber interface {
	Send(eventID int64, ev *orchestrator.Event) error
}

// QueuedEvent is an event retained for replay.
type QueuedEvent struct {
	EventID   int64
	Event     *orchestrator.Event
	Timestamp time.Time

	// Set on a notification queued while the owner was offline.
	held     bool
	replayed bool
}

// replayQueue keeps the most recent events per owner so reconnecting
// clients can catch up from Last-Event-ID.
type replayQueue struct {
	mu      sync.RWMutex
	queues  map[string]*list.List
	maxSize int
}

func newReplayQueue(maxSize int) *replayQueue {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &replayQueue{queues: make(map[string]*list.List), maxSize: maxSize}
}

func (q *replayQueue) enqueue(ownerID string, eventID int64, ev *orchestrator.Event) {
	q.push(ownerID, &QueuedEvent{EventID: eventID, Event: ev, Timestamp: time.Now()})
}

func (q *replayQueue) push(ownerID string, msg *QueuedEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.queues[ownerID]
	if !ok {
		l = list.New()
		q.queues[ownerID] = l
	}
	l.PushBack(msg)
	for l.Len() > q.maxSize {
		l.Remove(l.Front())
	}
}

// after returns retained events newer than eventID. Held notifications it
// returns count as replayed.
func (q *replayQueue) after(ownerID string, eventID int64) []*QueuedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.queues[ownerID]
	if !ok {
		return nil
	}
	var missed []*QueuedEvent
	for e := l.Front(); e != nil; e = e.Next() {
		msg := e.Value.(*QueuedEvent)
		if msg.EventID > eventID {
			if msg.held {
				msg.replayed = true
			}
			missed = append(missed, msg)
		}
	}
	return missed
}

// held returns the held notifications of ownerID and marks them replayed.
func (q *replayQueue) held(ownerID string) []*QueuedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.queues[ownerID]
	if !ok {
		return nil
	}
	var out []*QueuedEvent
	for e := l.Front(); e != nil; e = e.Next() {
		if msg := e.Value.(*QueuedEvent); msg.held {
			msg.replayed = true
			out = append(out, msg)
		}
	}
	return out
}

// takeHeld removes the held notification of ownerID carrying content and
// reports whether one existed and whether a catch-up already replayed it.
// A replayed entry stays in the queue.
func (q *replayQueue) takeHeld(ownerID, content string) (found, replayed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.queues[ownerID]
	if !ok {
		return false, false
	}
	for e := l.Front(); e != nil; e = e.Next() {
		msg := e.Value.(*QueuedEvent)
		if !msg.held || msg.Event.Content != content {
			continue
		}
		if msg.replayed {
			msg.held = false
			return true, true
		}
		l.Remove(e)
		return true, false
	}
	return false, false
}

// Hub tracks owner connections. It implements orchestrator.Sink and its
// Deliver method is a scheduler.DeliverFunc.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[int64]Subscriber
	connSeq int64

	counterMu    sync.Mutex
	eventCounter int64

	replay     *replayQueue
	transcript transcript.Logger
	logger     *slog.Logger
}

// NewHub creates a hub that keeps replaySize events per owner.
func NewHub(replaySize int, tl transcript.Logger, logger *slog.Logger) *Hub {
	if tl == nil {
		tl = transcript.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:       make(map[string]map[int64]Subscriber),
		replay:     newReplayQueue(replaySize),
		transcript: tl,
		logger:     logger,
	}
}

// Subscribe registers sub for ownerID and returns its unsubscribe function.
func (h *Hub) Subscribe(ownerID string, sub Subscriber) func() {
	h.mu.Lock()
	h.connSeq++
	id := h.connSeq
	if _, ok := h.subs[ownerID]; !ok {
		h.subs[ownerID] = make(map[int64]Subscriber)
	}
	h.subs[ownerID][id] = sub
	h.mu.Unlock()

	h.logger.Debug("Subscriber connected", "owner_id", ownerID, "conn_id", id)

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			if conns, ok := h.subs[ownerID]; ok {
				delete(conns, id)
				if len(conns) == 0 {
					delete(h.subs, ownerID)
				}
			}
			h.mu.Unlock()
			h.logger.Debug("Subscriber disconnected", "owner_id", ownerID, "conn_id", id)
		})
	}
}

// Connected returns the number of live connections of ownerID.
func (h *Hub) Connected(ownerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[ownerID])
}

// NextEventID returns a new monotonically increasing event ID.
func (h *Hub) NextEventID() int64 {
	h.counterMu.Lock()
	defer h.counterMu.Unlock()
	h.eventCounter++
	return h.eventCounter
}

// Missed returns retained events of ownerID newer than eventID.
func (h *Hub) Missed(ownerID string, eventID int64) []*QueuedEvent {
	return h.replay.after(ownerID, eventID)
}

// Held returns the notifications held for ownerID while it was offline.
// Connections without a Last-Event-ID receive these on connect.
func (h *Hub) Held(ownerID string) []*QueuedEvent {
	return h.replay.held(ownerID)
}

// Publish retains ev for replay and sends it to every connection of ownerID.
func (h *Hub) Publish(ownerID string, ev *orchestrator.Event) {
	eventID := h.NextEventID()
	h.replay.enqueue(ownerID, eventID, ev)
	h.transcript.Log(TranscriptEvent("push", "", ev))
	if n := h.broadcast(ownerID, eventID, ev); n == 0 {
		h.logger.Debug("Event retained for replay, owner offline",
			"owner_id", ownerID, "event_type", ev.Type, "event_id", eventID)
	}
}

// Deliver sends a scheduled notification. When no connection accepts it,
// the notification is held in the replay queue for the owner's next
// catch-up and ErrNoSubscribers is returned so the scheduler retries. A
// retry succeeds without resending once a catch-up has replayed it.
func (h *Hub) Deliver(ctx context.Context, ownerID, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	held, replayed := h.replay.takeHeld(ownerID, content)
	if replayed {
		return nil
	}
	ev := &orchestrator.Event{
		Type:    orchestrator.EventNotification,
		OwnerID: ownerID,
		Content: content,
	}
	eventID := h.NextEventID()
	if h.broadcast(ownerID, eventID, ev) == 0 {
		h.replay.push(ownerID, &QueuedEvent{EventID: eventID, Event: ev, Timestamp: time.Now(), held: true})
		if !held {
			h.transcript.Log(TranscriptEvent("push", "", ev))
		}
		return ErrNoSubscribers
	}
	h.replay.enqueue(ownerID, eventID, ev)
	if !held {
		h.transcript.Log(TranscriptEvent("push", "", ev))
	}
	return nil
}

func (h *Hub) broadcast(ownerID string, eventID int64, ev *orchestrator.Event) int {
	h.mu.RLock()
	subs := make([]Subscriber, 0, len(h.subs[ownerID]))
	for _, s := range h.subs[ownerID] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range subs {
		if err := s.Send(eventID, ev); err != nil {
			h.logger.Warn("Failed to send event", "owner_id", ownerID, "event_id", eventID, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// TranscriptEvent converts an outbound event to a transcript line.
func TranscriptEvent(channel, requestID string, ev *orchestrator.Event) transcript.Event {
	meta := map[string]string{}
	if ev.Capability != "" {
		meta["capability"] = ev.Capability
	}
	if ev.Provider != "" {
		meta["provider"] = ev.Provider
	}
	if ev.Status != "" {
		meta["status"] = ev.Status
	}
	if ev.IsError {
		meta["is_error"] = "true"
	}
	if len(meta) == 0 {
		meta = nil
	}
	return transcript.Event{
		OwnerID:    ev.OwnerID,
		RequestID:  requestID,
		Channel:    channel,
		Direction:  transcript.Outbound,
		EventType:  string(ev.Type),
		ContentRaw: ev.Content,
		Meta:       meta,
	}
}
