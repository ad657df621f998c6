package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/conductor/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	conflictRetries   = 3
	conflictBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Repository = (*SQLiteStore)(nil)

// NewSQLite creates a new SQLite-backed repository and applies migrations.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return s, nil
}

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{1, `
	CREATE TABLE IF NOT EXISTS users (
		owner_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		timezone TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scheduled_jobs (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		trigger_at INTEGER NOT NULL,
		kind TEXT NOT NULL DEFAULT 'notification',
		command TEXT NOT NULL,
		payload TEXT,
		sent INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_owner ON scheduled_jobs(owner_id, sent, trigger_at);

	CREATE TABLE IF NOT EXISTS capability_index (
		name TEXT PRIMARY KEY,
		domain TEXT NOT NULL,
		description TEXT NOT NULL,
		schema TEXT,
		embedding BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);`},
	{2, `
	CREATE TABLE IF NOT EXISTS checkpoints (
		thread_id TEXT NOT NULL,
		checkpoint_id TEXT NOT NULL,
		state BLOB NOT NULL,
		blob_versions TEXT,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (thread_id, checkpoint_id)
	);
	CREATE TABLE IF NOT EXISTS checkpoint_writes (
		thread_id TEXT NOT NULL,
		checkpoint_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		channel TEXT NOT NULL,
		value BLOB,
		PRIMARY KEY (thread_id, checkpoint_id, seq)
	);
	CREATE TABLE IF NOT EXISTS checkpoint_blobs (
		thread_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		version TEXT NOT NULL,
		value BLOB,
		PRIMARY KEY (thread_id, channel, version)
	);`},
	{3, `
	CREATE TABLE IF NOT EXISTS oauth_tokens (
		owner_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		access_token TEXT NOT NULL,
		refresh_token TEXT,
		expires_at INTEGER,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (owner_id, provider)
	);

	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		content TEXT NOT NULL,
		embedding BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memories_owner ON memories(owner_id);`},
}

// migrate applies all pending schema migrations, each in its own transaction.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`, m.version, time.Now().Unix()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
		slog.Debug("Applied schema migration", "version", m.version)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withRetry runs op, retrying SQLite conflict errors with exponential backoff.
func withRetry(ctx context.Context, name string, op func() error) error {
	var err error
	for i := 0; i < conflictRetries; i++ {
		err = op()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i == conflictRetries-1 {
			break
		}
		delay := shared.Backoff(conflictBaseDelay, i)
		slog.Debug("SQLite conflict, retrying", "op", name, "attempt", i+1, "delay", delay)
		if sleepErr := shared.Sleep(ctx, delay); sleepErr != nil {
			return err
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", name, conflictRetries, err)
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "query", what, "error", err)
	}
}

func nullableUnix(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}
