package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ashureev/conductor/internal/domain"
	"github.com/ashureev/conductor/internal/store"
)

const messagesChannel = "messages"

// Checkpointer persists ConversationState through a CheckpointStore. Message
// history is stored as a separate blob so unchanged histories are shared
// between checkpoints.
type Checkpointer struct {
	store store.CheckpointStore
}

// NewCheckpointer wraps cs.
func NewCheckpointer(cs store.CheckpointStore) *Checkpointer {
	return &Checkpointer{store: cs}
}

// Save writes a checkpoint of state. step names the state-machine step that
// produced it and is recorded in the write log together with the update.
func (c *Checkpointer) Save(ctx context.Context, state *domain.ConversationState, step string, update any) error {
	msgs, err := json.Marshal(state.Messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	shell := *state
	shell.Messages = nil
	body, err := json.Marshal(&shell)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	var writes []store.CheckpointWrite
	if step != "" {
		value, err := json.Marshal(update)
		if err != nil {
			return fmt.Errorf("encode %s write: %w", step, err)
		}
		writes = append(writes, store.CheckpointWrite{Channel: step, Value: value})
	}

	if _, err := c.store.PutCheckpoint(ctx, &store.Checkpoint{
		ThreadID: state.OwnerID,
		State:    body,
		Blobs:    map[string][]byte{messagesChannel: msgs},
		Writes:   writes,
	}); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load returns the latest state of an owner's thread, or a fresh state when
// the thread has no checkpoint.
func (c *Checkpointer) Load(ctx context.Context, ownerID string) (*domain.ConversationState, error) {
	cp, err := c.store.LatestCheckpoint(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp == nil {
		return domain.NewConversationState(ownerID), nil
	}

	var state domain.ConversationState
	if err := json.Unmarshal(cp.State, &state); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", cp.ID, err)
	}
	if state.Version > domain.StateVersion {
		return nil, fmt.Errorf("checkpoint %s has state version %d, newer than %d", cp.ID, state.Version, domain.StateVersion)
	}
	if raw, ok := cp.Blobs[messagesChannel]; ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &state.Messages); err != nil {
			return nil, fmt.Errorf("decode checkpoint %s messages: %w", cp.ID, err)
		}
	}
	state.OwnerID = ownerID
	state.Version = domain.StateVersion
	if state.Status == "" {
		state.Status = domain.StatusIdle
	}
	return &state, nil
}
