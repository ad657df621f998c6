// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/conductor/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// JobRepository persists scheduled jobs.
type JobRepository interface {
	// InsertJob stores a new job. The job must carry an ID.
	InsertJob(ctx context.Context, job *domain.ScheduledJob) error

	// GetJob retrieves a job by ID, returning nil when it does not exist.
	GetJob(ctx context.Context, id string) (*domain.ScheduledJob, error)

	// DeleteJob removes a job owned by ownerID and reports whether a row existed.
	DeleteJob(ctx context.Context, ownerID, id string) (bool, error)

	// MarkJobSent flips sent to true. It reports false when the job was
	// already sent or no longer exists.
	MarkJobSent(ctx context.Context, id string) (bool, error)

	// ListUnsentJobs returns every job with sent=false ordered by trigger time.
	ListUnsentJobs(ctx context.Context) ([]*domain.ScheduledJob, error)

	// ListPendingJobs returns the unsent jobs of a single owner.
	ListPendingJobs(ctx context.Context, ownerID string) ([]*domain.ScheduledJob, error)
}

// CapabilityMatch is one capability index hit.
type CapabilityMatch struct {
	Name   string
	Domain string
	Score  float64
}

// CapabilityIndex is the durable vector index of capability descriptors.
type CapabilityIndex interface {
	// UpsertCapability inserts or replaces the row keyed by descriptor name.
	UpsertCapability(ctx context.Context, d domain.CapabilityDescriptor) error

	// SearchCapabilities returns at most limit rows ordered by cosine similarity.
	SearchCapabilities(ctx context.Context, query []float32, limit int) ([]CapabilityMatch, error)

	// CountCapabilities returns the number of indexed descriptors.
	CountCapabilities(ctx context.Context) (int, error)
}

// CheckpointWrite is one write-log entry recorded alongside a checkpoint.
type CheckpointWrite struct {
	Channel string
	Value   []byte
}

// Checkpoint is a persisted snapshot of a conversation thread.
type Checkpoint struct {
	ThreadID  string
	ID        string
	State     []byte
	Blobs     map[string][]byte
	Writes    []CheckpointWrite
	CreatedAt time.Time
}

// SweepResult counts rows removed by a retention pass.
type SweepResult struct {
	Writes      int64
	Checkpoints int64
	Blobs       int64
}

// CheckpointStore persists conversation checkpoints.
type CheckpointStore interface {
	// PutCheckpoint stores a new checkpoint and returns its time-sortable ID.
	PutCheckpoint(ctx context.Context, cp *Checkpoint) (string, error)

	// LatestCheckpoint returns the newest checkpoint of a thread, or nil.
	LatestCheckpoint(ctx context.Context, threadID string) (*Checkpoint, error)

	// SweepCheckpoints deletes checkpoints created before cutoff together with
	// their write-log rows and any blob no longer referenced.
	SweepCheckpoints(ctx context.Context, cutoff time.Time) (SweepResult, error)
}

// UserRepository persists conversation owners.
type UserRepository interface {
	// GetUser retrieves a user, returning nil when it does not exist.
	GetUser(ctx context.Context, ownerID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error
}

// TokenRepository persists provider OAuth tokens.
type TokenRepository interface {
	// GetToken returns the owner's token for provider, or nil.
	GetToken(ctx context.Context, ownerID, provider string) (*domain.Token, error)

	// SaveToken creates or replaces a token.
	SaveToken(ctx context.Context, token *domain.Token) error

	// DeleteToken removes a token and reports whether it existed.
	DeleteToken(ctx context.Context, ownerID, provider string) (bool, error)

	// OwnersWithToken lists owners that linked the given provider.
	OwnersWithToken(ctx context.Context, provider string) ([]string, error)
}

// MemoryRepository persists long-term owner memories.
type MemoryRepository interface {
	// SaveMemory stores a memory. The memory must carry an ID and embedding.
	SaveMemory(ctx context.Context, m *domain.Memory) error

	// SearchMemories returns the owner's memories closest to query.
	SearchMemories(ctx context.Context, ownerID string, query []float32, limit int) ([]*domain.Memory, error)

	// DeleteMemory removes one memory and reports whether it existed.
	DeleteMemory(ctx context.Context, ownerID, id string) (bool, error)
}

// Repository aggregates every persistence concern backed by one database.
type Repository interface {
	JobRepository
	CapabilityIndex
	CheckpointStore
	UserRepository
	TokenRepository
	MemoryRepository

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
