package orchestrator

import (
	"context"
	"sync"
)

// OwnerLocks hands out one mutual-exclusion slot per owner. Entries are
// reference counted and removed when no goroutine holds or waits on them.
type OwnerLocks struct {
	mu    sync.Mutex
	slots map[string]*ownerSlot
}

type ownerSlot struct {
	ch   chan struct{}
	refs int
}

// NewOwnerLocks creates an empty lock table.
func NewOwnerLocks() *OwnerLocks {
	return &OwnerLocks{slots: make(map[string]*ownerSlot)}
}

// Acquire blocks until the owner's slot is free or ctx is done. The returned
// release function must be called exactly once.
func (l *OwnerLocks) Acquire(ctx context.Context, ownerID string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[ownerID]
	if !ok {
		slot = &ownerSlot{ch: make(chan struct{}, 1)}
		l.slots[ownerID] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(ownerID, slot)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.ch
			l.unref(ownerID, slot)
		})
	}, nil
}

func (l *OwnerLocks) unref(ownerID string, slot *ownerSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, ownerID)
	}
}

// Len returns the number of owners currently holding or waiting on a slot.
func (l *OwnerLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
