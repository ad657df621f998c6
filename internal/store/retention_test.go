package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSweeper struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
}

func (f *fakeSweeper) SweepCheckpoints(_ context.Context, cutoff time.Time) (SweepResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	if f.err != nil {
		return SweepResult{}, f.err
	}
	return SweepResult{Checkpoints: 1}, nil
}

func (f *fakeSweeper) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestSweepOnceUsesTTLCutoff(t *testing.T) {
	sw := &fakeSweeper{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	res, err := SweepOnce(context.Background(), sw, 30*24*time.Hour, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Checkpoints)
	require.Equal(t, time.Date(2026, 1, 30, 12, 0, 0, 0, time.UTC), sw.cutoffs[0])

	sw.err = errors.New("locked")
	_, err = SweepOnce(context.Background(), sw, time.Hour, now)
	require.ErrorContains(t, err, "locked")
}

func TestRetentionWorkerRunsUntilCancelled(t *testing.T) {
	sw := &fakeSweeper{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	swept := make(chan SweepResult, 8)
	StartRetentionWorker(ctx, sw, time.Hour, 5*time.Millisecond, func(res SweepResult) {
		select {
		case swept <- res:
		default:
		}
	})

	select {
	case res := <-swept:
		require.Equal(t, int64(1), res.Checkpoints)
	case <-time.After(2 * time.Second):
		t.Fatal("retention worker never swept")
	}

	cancel()
	time.Sleep(20 * time.Millisecond)
	after := sw.calls()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, after, sw.calls())
}
