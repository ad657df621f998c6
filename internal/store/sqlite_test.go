package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/conductor/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newJob(owner string, at time.Time) *domain.ScheduledJob {
	return &domain.ScheduledJob{
		ID:        uuid.Must(uuid.NewV7()).String(),
		OwnerID:   owner,
		TriggerAt: at,
		Kind:      domain.JobKindNotification,
		Command:   "stretch",
		Payload:   map[string]any{"source": "test"},
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewSQLite(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	var version int
	require.NoError(t, s.db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version))
	require.Equal(t, len(migrations), version)
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := newJob("42", time.Now().Add(5*time.Minute).Truncate(time.Millisecond))
	require.NoError(t, s.InsertJob(ctx, job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "42", got.OwnerID)
	require.Equal(t, domain.JobKindNotification, got.Kind)
	require.Equal(t, "stretch", got.Command)
	require.Equal(t, "test", got.Payload["source"])
	require.True(t, job.TriggerAt.Equal(got.TriggerAt))
	require.False(t, got.Sent)

	flipped, err := s.MarkJobSent(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, flipped)

	flipped, err = s.MarkJobSent(ctx, job.ID)
	require.NoError(t, err)
	require.False(t, flipped, "sent must transition only once")

	unsent, err := s.ListUnsentJobs(ctx)
	require.NoError(t, err)
	require.Empty(t, unsent)
}

func TestGetJobMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetJob(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestDeleteJobIsOwnerGuarded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := newJob("42", time.Now())
	require.NoError(t, s.InsertJob(ctx, job))

	deleted, err := s.DeleteJob(ctx, "7", job.ID)
	require.NoError(t, err)
	require.False(t, deleted)

	deleted, err = s.DeleteJob(ctx, "42", job.ID)
	require.NoError(t, err)
	require.True(t, deleted)

	deleted, err = s.DeleteJob(ctx, "42", job.ID)
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestListUnsentIncludesPastDue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	past := newJob("42", time.Now().Add(-time.Hour))
	future := newJob("7", time.Now().Add(time.Hour))
	require.NoError(t, s.InsertJob(ctx, future))
	require.NoError(t, s.InsertJob(ctx, past))

	unsent, err := s.ListUnsentJobs(ctx)
	require.NoError(t, err)
	require.Len(t, unsent, 2)
	require.Equal(t, past.ID, unsent[0].ID, "ordered by trigger time")

	pending, err := s.ListPendingJobs(ctx, "7")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, future.ID, pending[0].ID)
}

func TestCapabilityUpsertAndSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertCapability(ctx, domain.CapabilityDescriptor{
		Name: "schedule", Domain: "scheduler", Description: "old", Embedding: []float32{1, 0, 0},
	}))
	require.NoError(t, s.UpsertCapability(ctx, domain.CapabilityDescriptor{
		Name: "schedule", Domain: "scheduler", Description: "new", Embedding: []float32{1, 0, 0},
	}))
	require.NoError(t, s.UpsertCapability(ctx, domain.CapabilityDescriptor{
		Name: "repos", Description: "list repos", Embedding: []float32{0, 1, 0},
	}))
	require.NoError(t, s.UpsertCapability(ctx, domain.CapabilityDescriptor{
		Name: "mixed", Domain: "x", Description: "both", Embedding: []float32{1, 1, 0},
	}))

	n, err := s.CountCapabilities(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n, "upsert by name must not duplicate rows")

	hits, err := s.SearchCapabilities(ctx, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, "schedule", hits[0].Name)
	require.Equal(t, "mixed", hits[1].Name)

	hits, err = s.SearchCapabilities(ctx, []float32{0, 1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	require.Equal(t, "repos", hits[0].Name)
	require.Equal(t, domain.UnknownDomain, hits[0].Domain)
}

func TestConcurrentCapabilityUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.UpsertCapability(ctx, domain.CapabilityDescriptor{
				Name: "same", Domain: "d", Description: "desc", Embedding: []float32{1, 2},
			})
		}()
	}
	wg.Wait()

	n, err := s.CountCapabilities(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	latest, err := s.LatestCheckpoint(ctx, "42")
	require.NoError(t, err)
	require.Nil(t, latest)

	first := &Checkpoint{
		ThreadID: "42",
		State:    []byte(`{"v":1}`),
		Blobs:    map[string][]byte{"messages": []byte(`[1]`)},
		Writes:   []CheckpointWrite{{Channel: "discover", Value: []byte("a")}},
	}
	id1, err := s.PutCheckpoint(ctx, first)
	require.NoError(t, err)

	second := &Checkpoint{
		ThreadID: "42",
		State:    []byte(`{"v":2}`),
		Blobs:    map[string][]byte{"messages": []byte(`[1]`)},
		Writes: []CheckpointWrite{
			{Channel: "decide", Value: []byte("b")},
			{Channel: "execute", Value: []byte("c")},
		},
	}
	id2, err := s.PutCheckpoint(ctx, second)
	require.NoError(t, err)
	require.Greater(t, id2, id1)

	latest, err = s.LatestCheckpoint(ctx, "42")
	require.NoError(t, err)
	require.Equal(t, id2, latest.ID)
	require.JSONEq(t, `{"v":2}`, string(latest.State))
	require.Equal(t, []byte(`[1]`), latest.Blobs["messages"])
	require.Len(t, latest.Writes, 2)
	require.Equal(t, "decide", latest.Writes[0].Channel)

	var blobs int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM checkpoint_blobs`).Scan(&blobs))
	require.Equal(t, 1, blobs, "identical channel values share one blob")
}

func TestSweepCascadesAndKeepsReferencedBlobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-40 * 24 * time.Hour)
	oldID := CheckpointCutoff(old)
	shared := []byte(`["shared"]`)
	orphan := []byte(`["orphan"]`)
	_, err := s.db.Exec(`INSERT INTO checkpoint_blobs (thread_id, channel, version, value) VALUES (?, 'messages', ?, ?), (?, 'messages', ?, ?)`,
		"42", blobVersion(shared), shared, "42", blobVersion(orphan), orphan)
	require.NoError(t, err)
	_, err = s.db.Exec(`INSERT INTO checkpoints (thread_id, checkpoint_id, state, blob_versions, created_at) VALUES (?, ?, ?, ?, ?)`,
		"42", oldID, []byte(`{}`), `{"messages":"`+blobVersion(orphan)+`"}`, old.UnixMilli())
	require.NoError(t, err)
	_, err = s.db.Exec(`INSERT INTO checkpoint_writes (thread_id, checkpoint_id, seq, channel, value) VALUES (?, ?, 0, 'decide', x'00')`, "42", oldID)
	require.NoError(t, err)

	_, err = s.PutCheckpoint(ctx, &Checkpoint{
		ThreadID: "42",
		State:    []byte(`{}`),
		Blobs:    map[string][]byte{"messages": shared},
		Writes:   []CheckpointWrite{{Channel: "finish", Value: []byte("x")}},
	})
	require.NoError(t, err)

	res, err := SweepOnce(ctx, s, 30*24*time.Hour, time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Checkpoints)
	require.Equal(t, int64(1), res.Writes)
	require.Equal(t, int64(1), res.Blobs)

	latest, err := s.LatestCheckpoint(ctx, "42")
	require.NoError(t, err)
	require.Equal(t, shared, latest.Blobs["messages"])
}

func TestCheckpointCutoffOrdering(t *testing.T) {
	now := time.Now()
	id, err := NewCheckpointID()
	require.NoError(t, err)

	require.Less(t, CheckpointCutoff(now.Add(-time.Hour)), id)
	require.Greater(t, CheckpointCutoff(now.Add(time.Hour)), id)

	ts, err := CheckpointTime(CheckpointCutoff(now))
	require.NoError(t, err)
	require.Equal(t, now.UnixMilli(), ts.UnixMilli())
}

func TestUsersAndTokens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertUser(ctx, &domain.User{OwnerID: "42", Username: "kim", Timezone: "Asia/Seoul"}))
	require.NoError(t, s.UpsertUser(ctx, &domain.User{OwnerID: "42", Username: "kim2"}))
	user, err := s.GetUser(ctx, "42")
	require.NoError(t, err)
	require.Equal(t, "kim2", user.Username)
	require.Equal(t, "Asia/Seoul", user.Timezone, "empty timezone keeps stored value")

	missing, err := s.GetUser(ctx, "nobody")
	require.NoError(t, err)
	require.Nil(t, missing)

	require.NoError(t, s.SaveToken(ctx, &domain.Token{OwnerID: "42", Provider: "github", AccessToken: "t1", RefreshToken: "r1"}))
	require.NoError(t, s.SaveToken(ctx, &domain.Token{OwnerID: "42", Provider: "github", AccessToken: "t2"}))
	require.NoError(t, s.SaveToken(ctx, &domain.Token{OwnerID: "7", Provider: "github", AccessToken: "t3"}))

	tok, err := s.GetToken(ctx, "42", "github")
	require.NoError(t, err)
	require.Equal(t, "t2", tok.AccessToken)
	require.Equal(t, "r1", tok.RefreshToken)

	owners, err := s.OwnersWithToken(ctx, "github")
	require.NoError(t, err)
	require.Equal(t, []string{"42", "7"}, owners)

	deleted, err := s.DeleteToken(ctx, "42", "github")
	require.NoError(t, err)
	require.True(t, deleted)
	tok, err = s.GetToken(ctx, "42", "github")
	require.NoError(t, err)
	require.Nil(t, tok)
}

func TestMemoriesSearchScopedToOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveMemory(ctx, &domain.Memory{ID: "m1", OwnerID: "42", Content: "likes tea", Embedding: []float32{1, 0}}))
	require.NoError(t, s.SaveMemory(ctx, &domain.Memory{ID: "m2", OwnerID: "42", Content: "runs daily", Embedding: []float32{0, 1}}))
	require.NoError(t, s.SaveMemory(ctx, &domain.Memory{ID: "m3", OwnerID: "7", Content: "other", Embedding: []float32{1, 0}}))

	hits, err := s.SearchMemories(ctx, "42", []float32{1, 0.1}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "m1", hits[0].ID)

	deleted, err := s.DeleteMemory(ctx, "7", "m1")
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestCosine(t *testing.T) {
	require.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	require.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	require.Zero(t, Cosine([]float32{1}, []float32{1, 2}))
	require.Zero(t, Cosine([]float32{0, 0}, []float32{1, 2}))

	v, err := decodeVector(encodeVector([]float32{0.5, -1.25}))
	require.NoError(t, err)
	require.Equal(t, []float32{0.5, -1.25}, v)
}
