package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/conductor/internal/domain"
)

// SaveMemory stores a memory with its embedding.
func (s *SQLiteStore) SaveMemory(ctx context.Context, m *domain.Memory) error {
	if m.ID == "" {
		return errors.New("save memory: id is required")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return withRetry(ctx, "save memory", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO memories (id, owner_id, content, embedding, created_at) VALUES (?, ?, ?, ?, ?)`,
			m.ID, m.OwnerID, m.Content, encodeVector(m.Embedding), m.CreatedAt.Unix())
		if err != nil {
			return fmt.Errorf("save memory: %w", err)
		}
		return nil
	})
}

// SearchMemories ranks the owner's memories by similarity to query.
func (s *SQLiteStore) SearchMemories(ctx context.Context, ownerID string, query []float32, limit int) ([]*domain.Memory, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, content, embedding, created_at FROM memories WHERE owner_id = ?`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer closeRows(rows, "memories")

	var hits []scored[*domain.Memory]
	for rows.Next() {
		var (
			m         domain.Memory
			raw       []byte
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.OwnerID, &m.Content, &raw, &createdAt); err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		vec, err := decodeVector(raw)
		if err != nil {
			return nil, fmt.Errorf("memory %s: %w", m.ID, err)
		}
		m.CreatedAt = time.Unix(createdAt, 0).UTC()
		m.Score = Cosine(query, vec)
		hits = append(hits, scored[*domain.Memory]{item: &m, score: m.Score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}

	hits = topK(hits, limit)
	out := make([]*domain.Memory, len(hits))
	for i, h := range hits {
		out[i] = h.item
	}
	return out, nil
}

// DeleteMemory removes one memory owned by ownerID.
func (s *SQLiteStore) DeleteMemory(ctx context.Context, ownerID, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return false, fmt.Errorf("delete memory: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}
