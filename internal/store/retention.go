package store

import (
	"context"
	"log/slog"
	"time"
)

// CheckpointSweeper is the subset of CheckpointStore the retention worker needs.
type CheckpointSweeper interface {
	SweepCheckpoints(ctx context.Context, cutoff time.Time) (SweepResult, error)
}

// SweepCallback is called after every retention pass that removed rows.
type SweepCallback func(res SweepResult)

// SweepOnce deletes checkpoints older than ttl relative to now.
func SweepOnce(ctx context.Context, sweeper CheckpointSweeper, ttl time.Duration, now time.Time) (SweepResult, error) {
	cutoff := now.Add(-ttl)
	res, err := sweeper.SweepCheckpoints(ctx, cutoff)
	if err != nil {
		return res, err
	}
	if res.Checkpoints > 0 || res.Writes > 0 || res.Blobs > 0 {
		slog.Info("Checkpoint retention removed rows",
			"cutoff", cutoff,
			"checkpoints", res.Checkpoints,
			"writes", res.Writes,
			"blobs", res.Blobs)
	}
	return res, nil
}

// StartRetentionWorker runs a background goroutine that periodically removes
// checkpoints older than ttl. It stops when ctx is done.
func StartRetentionWorker(ctx context.Context, sweeper CheckpointSweeper, ttl, interval time.Duration, onSweep SweepCallback) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				res, err := SweepOnce(ctx, sweeper, ttl, time.Now())
				if err != nil {
					slog.Error("Retention worker sweep failed", "error", err)
					continue
				}
				if onSweep != nil {
					onSweep(res)
				}
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
