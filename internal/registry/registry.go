// Package registry indexes capability descriptors by their natural-language
// description and resolves free-text requests to the most relevant subset.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/conductor/internal/domain"
	"github.com/ashureev/conductor/internal/embedding"
	"github.com/ashureev/conductor/internal/store"
)

// DefaultSearchLimit is the number of capabilities Search returns when the
// caller passes a non-positive limit.
const DefaultSearchLimit = 10

// ErrRegistryUnavailable wraps embedding or index failures during Search.
var ErrRegistryUnavailable = errors.New("capability registry unavailable")

// Registry holds the in-memory descriptors and keeps the durable index in sync.
type Registry struct {
	index    store.CapabilityIndex
	embedder embedding.Embedder
	logger   *slog.Logger

	mu          sync.RWMutex
	descriptors map[string]domain.CapabilityDescriptor

	syncMu sync.Mutex
}

// New creates a registry backed by index and embedder.
func New(index store.CapabilityIndex, embedder embedding.Embedder, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		index:       index,
		embedder:    embedder,
		logger:      logger,
		descriptors: make(map[string]domain.CapabilityDescriptor),
	}
}

// Register adds or replaces descriptors keyed by name. Last write wins.
func (r *Registry) Register(descs ...domain.CapabilityDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range descs {
		if d.Name == "" {
			r.logger.Warn("Skipping capability without a name", "domain", d.Domain)
			continue
		}
		if d.Domain == "" {
			d.Domain = domain.UnknownDomain
		}
		r.descriptors[d.Name] = d
		r.logger.Debug("Capability registered", "capability", d.Name, "domain", d.Domain)
	}
}

// Override replaces the domain, description or schema of already registered
// descriptors. Empty fields keep the current value; unknown names are skipped.
func (r *Registry) Override(descs ...domain.CapabilityDescriptor) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	applied := 0
	for _, o := range descs {
		cur, ok := r.descriptors[o.Name]
		if !ok {
			r.logger.Warn("Manifest names an unknown capability", "capability", o.Name)
			continue
		}
		if o.Domain != "" {
			cur.Domain = o.Domain
		}
		if o.Description != "" {
			cur.Description = o.Description
		}
		if len(o.Schema) > 0 {
			cur.Schema = o.Schema
		}
		r.descriptors[o.Name] = cur
		applied++
	}
	return applied
}

// Lookup returns the registered descriptor with the exact name.
func (r *Registry) Lookup(name string) (domain.CapabilityDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	return d, ok
}

// All returns every registered descriptor ordered by name.
func (r *Registry) All() []domain.CapabilityDescriptor {
	r.mu.RLock()
	out := make([]domain.CapabilityDescriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered descriptors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.descriptors)
}

// Sync embeds every registered descriptor and upserts it into the durable
// index. Calls are serialized; the upsert is keyed by name so repeated or
// concurrent syncs never duplicate rows.
func (r *Registry) Sync(ctx context.Context) (int, error) {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	descs := r.All()
	if len(descs) == 0 {
		return 0, nil
	}
	start := time.Now()
	r.logger.Info("Capability sync started", "count", len(descs))

	texts := make([]string, len(descs))
	for i, d := range descs {
		texts[i] = d.EmbeddingText()
	}
	vecs, err := r.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed capabilities: %w", err)
	}
	if len(vecs) != len(descs) {
		return 0, fmt.Errorf("embed capabilities: got %d vectors for %d descriptors", len(vecs), len(descs))
	}

	now := time.Now().UTC()
	for i, d := range descs {
		d.Embedding = vecs[i]
		d.UpdatedAt = now
		if err := r.index.UpsertCapability(ctx, d); err != nil {
			return i, fmt.Errorf("sync capability %s: %w", d.Name, err)
		}
	}

	r.logger.Info("Capability sync completed", "count", len(descs), "elapsed_ms", time.Since(start).Milliseconds())
	return len(descs), nil
}

// Search returns at most limit registered descriptors ranked by similarity to
// query. Index rows without a registered descriptor are logged and skipped.
func (r *Registry) Search(ctx context.Context, query string, limit int) ([]domain.CapabilityDescriptor, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	vec, err := embedding.EmbedOne(ctx, r.embedder, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %w", ErrRegistryUnavailable, err)
	}
	matches, err := r.index.SearchCapabilities(ctx, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistryUnavailable, err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.CapabilityDescriptor, 0, len(matches))
	for _, m := range matches {
		d, ok := r.descriptors[m.Name]
		if !ok {
			r.logger.Warn("Capability found in index but not registered", "capability", m.Name, "domain", m.Domain)
			continue
		}
		out = append(out, d)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
