package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/conductor/internal/domain"
)

// GetUser retrieves a user by owner ID.
func (s *SQLiteStore) GetUser(ctx context.Context, ownerID string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT owner_id, username, timezone, created_at, updated_at FROM users WHERE owner_id = ?`, ownerID)

	var (
		user                 domain.User
		timezone             sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(&user.OwnerID, &user.Username, &timezone, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	user.Timezone = timezone.String
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record. An empty timezone keeps the
// stored one.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (owner_id, username, timezone, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(owner_id) DO UPDATE SET
		username = excluded.username,
		timezone = COALESCE(excluded.timezone, users.timezone),
		updated_at = excluded.updated_at`

	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	var timezone any
	if user.Timezone != "" {
		timezone = user.Timezone
	}
	return withRetry(ctx, "upsert user", func() error {
		_, err := s.db.ExecContext(ctx, query,
			user.OwnerID, user.Username, timezone, user.CreatedAt.Unix(), user.UpdatedAt.Unix())
		if err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		return nil
	})
}

// GetToken returns the owner's token for provider.
func (s *SQLiteStore) GetToken(ctx context.Context, ownerID, provider string) (*domain.Token, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT owner_id, provider, access_token, refresh_token, expires_at, updated_at
		FROM oauth_tokens WHERE owner_id = ? AND provider = ?`, ownerID, provider)

	var (
		tok       domain.Token
		refresh   sql.NullString
		expiresAt sql.NullInt64
		updatedAt int64
	)
	err := row.Scan(&tok.OwnerID, &tok.Provider, &tok.AccessToken, &refresh, &expiresAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan token row: %w", err)
	}
	tok.RefreshToken = refresh.String
	if expiresAt.Valid {
		tok.ExpiresAt = time.Unix(expiresAt.Int64, 0)
	}
	tok.UpdatedAt = time.Unix(updatedAt, 0)
	return &tok, nil
}

// SaveToken creates or replaces a provider token.
func (s *SQLiteStore) SaveToken(ctx context.Context, token *domain.Token) error {
	query := `
	INSERT INTO oauth_tokens (owner_id, provider, access_token, refresh_token, expires_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(owner_id, provider) DO UPDATE SET
		access_token = excluded.access_token,
		refresh_token = COALESCE(excluded.refresh_token, oauth_tokens.refresh_token),
		expires_at = excluded.expires_at,
		updated_at = excluded.updated_at`

	token.UpdatedAt = time.Now()
	var refresh any
	if token.RefreshToken != "" {
		refresh = token.RefreshToken
	}
	return withRetry(ctx, "save token", func() error {
		_, err := s.db.ExecContext(ctx, query,
			token.OwnerID, token.Provider, token.AccessToken, refresh,
			nullableUnix(token.ExpiresAt), token.UpdatedAt.Unix())
		if err != nil {
			return fmt.Errorf("save token: %w", err)
		}
		return nil
	})
}

// DeleteToken removes a provider token.
func (s *SQLiteStore) DeleteToken(ctx context.Context, ownerID, provider string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE owner_id = ? AND provider = ?`, ownerID, provider)
	if err != nil {
		return false, fmt.Errorf("delete token: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// OwnersWithToken lists owners that linked provider.
func (s *SQLiteStore) OwnersWithToken(ctx context.Context, provider string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT owner_id FROM oauth_tokens WHERE provider = ? ORDER BY owner_id`, provider)
	if err != nil {
		return nil, fmt.Errorf("query token owners: %w", err)
	}
	defer closeRows(rows, "token owners")

	var owners []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan token owner: %w", err)
		}
		owners = append(owners, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate token owners: %w", err)
	}
	return owners, nil
}
