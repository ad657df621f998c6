package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/conductor/internal/domain"
)

const jobColumns = `id, owner_id, trigger_at, kind, command, payload, sent, created_at`

// InsertJob stores a new scheduled job.
func (s *SQLiteStore) InsertJob(ctx context.Context, job *domain.ScheduledJob) error {
	if job.ID == "" {
		return errors.New("insert job: id is required")
	}
	var payload any
	if len(job.Payload) > 0 {
		raw, err := json.Marshal(job.Payload)
		if err != nil {
			return fmt.Errorf("encode job payload: %w", err)
		}
		payload = string(raw)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO scheduled_jobs (` + jobColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	return withRetry(ctx, "insert job", func() error {
		_, err := s.db.ExecContext(ctx, query,
			job.ID, job.OwnerID, job.TriggerAt.UnixMilli(), string(job.Kind),
			job.Command, payload, job.Sent, job.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*domain.ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// DeleteJob removes a job guarded by owner.
func (s *SQLiteStore) DeleteJob(ctx context.Context, ownerID, id string) (bool, error) {
	var rows int64
	err := withRetry(ctx, "delete job", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ? AND owner_id = ?`, id, ownerID)
		if err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		rows, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return nil
	})
	return rows > 0, err
}

// MarkJobSent transitions sent from false to true exactly once.
func (s *SQLiteStore) MarkJobSent(ctx context.Context, id string) (bool, error) {
	var rows int64
	err := withRetry(ctx, "mark job sent", func() error {
		result, err := s.db.ExecContext(ctx, `UPDATE scheduled_jobs SET sent = 1 WHERE id = ? AND sent = 0`, id)
		if err != nil {
			return fmt.Errorf("mark job sent: %w", err)
		}
		rows, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return nil
	})
	return rows > 0, err
}

// ListUnsentJobs returns all unsent jobs, past-due included.
func (s *SQLiteStore) ListUnsentJobs(ctx context.Context) ([]*domain.ScheduledJob, error) {
	return s.queryJobs(ctx, "unsent jobs",
		`SELECT `+jobColumns+` FROM scheduled_jobs WHERE sent = 0 ORDER BY trigger_at`)
}

// ListPendingJobs returns the unsent jobs of one owner.
func (s *SQLiteStore) ListPendingJobs(ctx context.Context, ownerID string) ([]*domain.ScheduledJob, error) {
	return s.queryJobs(ctx, "pending jobs",
		`SELECT `+jobColumns+` FROM scheduled_jobs WHERE owner_id = ? AND sent = 0 ORDER BY trigger_at`, ownerID)
}

func (s *SQLiteStore) queryJobs(ctx context.Context, what, query string, args ...any) ([]*domain.ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", what, err)
	}
	defer closeRows(rows, what)

	var jobs []*domain.ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.ScheduledJob, error) {
	var (
		job                  domain.ScheduledJob
		kind                 string
		payload              sql.NullString
		triggerAt, createdAt int64
	)
	err := row.Scan(&job.ID, &job.OwnerID, &triggerAt, &kind, &job.Command, &payload, &job.Sent, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan job row: %w", err)
	}
	job.Kind = domain.JobKind(kind)
	job.TriggerAt = time.UnixMilli(triggerAt).UTC()
	job.CreatedAt = time.UnixMilli(createdAt).UTC()
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &job.Payload); err != nil {
			return nil, fmt.Errorf("decode job payload %s: %w", job.ID, err)
		}
	}
	return &job, nil
}
