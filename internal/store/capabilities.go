package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/conductor/internal/domain"
)

// UpsertCapability inserts or replaces a descriptor row keyed by name.
func (s *SQLiteStore) UpsertCapability(ctx context.Context, d domain.CapabilityDescriptor) error {
	if d.Name == "" {
		return fmt.Errorf("upsert capability: name is required")
	}
	if d.Domain == "" {
		d.Domain = domain.UnknownDomain
	}
	var schema any
	if len(d.Schema) > 0 {
		schema = string(d.Schema)
	}

	query := `
	INSERT INTO capability_index (name, domain, description, schema, embedding, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		domain = excluded.domain,
		description = excluded.description,
		schema = excluded.schema,
		embedding = excluded.embedding,
		updated_at = excluded.updated_at`

	return withRetry(ctx, "upsert capability", func() error {
		_, err := s.db.ExecContext(ctx, query,
			d.Name, d.Domain, d.Description, schema, encodeVector(d.Embedding), time.Now().Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert capability %s: %w", d.Name, err)
		}
		return nil
	})
}

// SearchCapabilities ranks indexed descriptors by cosine similarity to query.
func (s *SQLiteStore) SearchCapabilities(ctx context.Context, query []float32, limit int) ([]CapabilityMatch, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT name, domain, embedding FROM capability_index`)
	if err != nil {
		return nil, fmt.Errorf("query capability index: %w", err)
	}
	defer closeRows(rows, "capability index")

	var hits []scored[CapabilityMatch]
	for rows.Next() {
		var (
			m   CapabilityMatch
			raw []byte
		)
		if err := rows.Scan(&m.Name, &m.Domain, &raw); err != nil {
			return nil, fmt.Errorf("scan capability row: %w", err)
		}
		vec, err := decodeVector(raw)
		if err != nil {
			return nil, fmt.Errorf("capability %s: %w", m.Name, err)
		}
		m.Score = Cosine(query, vec)
		hits = append(hits, scored[CapabilityMatch]{item: m, score: m.Score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate capability index: %w", err)
	}

	hits = topK(hits, limit)
	out := make([]CapabilityMatch, len(hits))
	for i, h := range hits {
		out[i] = h.item
	}
	return out, nil
}

// CountCapabilities returns the number of indexed descriptors.
func (s *SQLiteStore) CountCapabilities(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM capability_index`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count capabilities: %w", err)
	}
	return n, nil
}
