package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewCheckpointID returns a UUIDv7, which sorts by creation time.
func NewCheckpointID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate checkpoint id: %w", err)
	}
	return id.String(), nil
}

// CheckpointCutoff returns the smallest UUIDv7 whose timestamp is t. Every
// checkpoint ID created before t compares lower than it.
func CheckpointCutoff(t time.Time) string {
	var u uuid.UUID
	ms := uint64(t.UnixMilli())
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], ms)
	copy(u[0:6], ts[2:8])
	u[6] = 0x70
	u[8] = 0x80
	return u.String()
}

// CheckpointTime extracts the creation time encoded in a UUIDv7 checkpoint ID.
func CheckpointTime(id string) (time.Time, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse checkpoint id: %w", err)
	}
	if u.Version() != 7 {
		return time.Time{}, fmt.Errorf("checkpoint id %s is not a UUIDv7", id)
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec).UTC(), nil
}

func blobVersion(value []byte) string {
	sum := sha256.Sum256(value)
	return hex.EncodeToString(sum[:16])
}

// PutCheckpoint writes the checkpoint row, its write log and any new blobs in
// one transaction. Blobs are content-addressed so unchanged channels are
// shared between consecutive checkpoints.
func (s *SQLiteStore) PutCheckpoint(ctx context.Context, cp *Checkpoint) (string, error) {
	if cp.ThreadID == "" {
		return "", errors.New("put checkpoint: thread id is required")
	}
	id, err := NewCheckpointID()
	if err != nil {
		return "", err
	}

	versions := make(map[string]string, len(cp.Blobs))
	for channel, value := range cp.Blobs {
		versions[channel] = blobVersion(value)
	}
	versionsJSON, err := json.Marshal(versions)
	if err != nil {
		return "", fmt.Errorf("encode blob versions: %w", err)
	}
	now := time.Now().UTC()

	err = withRetry(ctx, "put checkpoint", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin checkpoint tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for channel, value := range cp.Blobs {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO checkpoint_blobs (thread_id, channel, version, value) VALUES (?, ?, ?, ?)`,
				cp.ThreadID, channel, versions[channel], value,
			); err != nil {
				return fmt.Errorf("insert checkpoint blob %s: %w", channel, err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO checkpoints (thread_id, checkpoint_id, state, blob_versions, created_at) VALUES (?, ?, ?, ?, ?)`,
			cp.ThreadID, id, cp.State, string(versionsJSON), now.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}

		for seq, w := range cp.Writes {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO checkpoint_writes (thread_id, checkpoint_id, seq, channel, value) VALUES (?, ?, ?, ?, ?)`,
				cp.ThreadID, id, seq, w.Channel, w.Value,
			); err != nil {
				return fmt.Errorf("insert checkpoint write %d: %w", seq, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit checkpoint: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	cp.ID = id
	cp.CreatedAt = now
	return id, nil
}

// LatestCheckpoint returns the newest checkpoint of a thread with its blobs
// and write log, or nil when the thread has none.
func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, threadID string) (*Checkpoint, error) {
	var (
		cp           = Checkpoint{ThreadID: threadID}
		versionsJSON sql.NullString
		createdAt    int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT checkpoint_id, state, blob_versions, created_at
		FROM checkpoints WHERE thread_id = ?
		ORDER BY checkpoint_id DESC LIMIT 1`, threadID,
	).Scan(&cp.ID, &cp.State, &versionsJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}
	cp.CreatedAt = time.UnixMilli(createdAt).UTC()

	versions := map[string]string{}
	if versionsJSON.Valid && versionsJSON.String != "" {
		if err := json.Unmarshal([]byte(versionsJSON.String), &versions); err != nil {
			return nil, fmt.Errorf("decode blob versions: %w", err)
		}
	}
	cp.Blobs = make(map[string][]byte, len(versions))
	for channel, version := range versions {
		var value []byte
		err := s.db.QueryRowContext(ctx,
			`SELECT value FROM checkpoint_blobs WHERE thread_id = ? AND channel = ? AND version = ?`,
			threadID, channel, version,
		).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("checkpoint %s: blob %s@%s missing", cp.ID, channel, version)
		}
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint blob: %w", err)
		}
		cp.Blobs[channel] = value
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, value FROM checkpoint_writes WHERE thread_id = ? AND checkpoint_id = ? ORDER BY seq`,
		threadID, cp.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("query checkpoint writes: %w", err)
	}
	defer closeRows(rows, "checkpoint writes")
	for rows.Next() {
		var w CheckpointWrite
		if err := rows.Scan(&w.Channel, &w.Value); err != nil {
			return nil, fmt.Errorf("scan checkpoint write: %w", err)
		}
		cp.Writes = append(cp.Writes, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoint writes: %w", err)
	}
	return &cp, nil
}

// SweepCheckpoints removes checkpoints older than cutoff, then their write
// log, then blobs that no remaining checkpoint references.
func (s *SQLiteStore) SweepCheckpoints(ctx context.Context, cutoff time.Time) (SweepResult, error) {
	bound := CheckpointCutoff(cutoff)
	var res SweepResult

	err := withRetry(ctx, "sweep checkpoints", func() error {
		res = SweepResult{}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sweep tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		r, err := tx.ExecContext(ctx, `DELETE FROM checkpoint_writes WHERE checkpoint_id < ?`, bound)
		if err != nil {
			return fmt.Errorf("delete checkpoint writes: %w", err)
		}
		res.Writes, _ = r.RowsAffected()

		r, err = tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE checkpoint_id < ?`, bound)
		if err != nil {
			return fmt.Errorf("delete checkpoints: %w", err)
		}
		res.Checkpoints, _ = r.RowsAffected()

		r, err = tx.ExecContext(ctx, `
			DELETE FROM checkpoint_blobs
			WHERE NOT EXISTS (
				SELECT 1 FROM checkpoints c, json_each(c.blob_versions) v
				WHERE c.thread_id = checkpoint_blobs.thread_id
				  AND v.key = checkpoint_blobs.channel
				  AND v.value = checkpoint_blobs.version
			)`)
		if err != nil {
			return fmt.Errorf("delete orphaned checkpoint blobs: %w", err)
		}
		res.Blobs, _ = r.RowsAffected()

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit sweep: %w", err)
		}
		return nil
	})
	return res, err
}
