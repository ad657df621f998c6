package capabilities

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/conductor/internal/domain"
	"github.com/ashureev/conductor/internal/embedding"
	"github.com/ashureev/conductor/internal/orchestrator"
	"github.com/ashureev/conductor/internal/store"
)

// DefaultMemorySearchLimit bounds memory search results.
const DefaultMemorySearchLimit = 5

// MemoryService stores owner notes with embeddings for similarity recall.
type MemoryService struct {
	repo     store.MemoryRepository
	embedder embedding.Embedder
}

var _ orchestrator.MemoryRecaller = (*MemoryService)(nil)

// NewMemoryService creates a MemoryService.
func NewMemoryService(repo store.MemoryRepository, embedder embedding.Embedder) *MemoryService {
	return &MemoryService{repo: repo, embedder: embedder}
}

// Save embeds and stores content for ownerID.
func (s *MemoryService) Save(ctx context.Context, ownerID, content string) (*domain.Memory, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, errors.New("memory content is required")
	}
	vec, err := embedding.EmbedOne(ctx, s.embedder, content)
	if err != nil {
		return nil, fmt.Errorf("embed memory: %w", err)
	}
	m := &domain.Memory{
		ID:        uuid.Must(uuid.NewV7()).String(),
		OwnerID:   ownerID,
		Content:   content,
		Embedding: vec,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.SaveMemory(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Search returns the owner's memories closest to query.
func (s *MemoryService) Search(ctx context.Context, ownerID, query string, limit int) ([]*domain.Memory, error) {
	if limit <= 0 {
		limit = DefaultMemorySearchLimit
	}
	vec, err := embedding.EmbedOne(ctx, s.embedder, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return s.repo.SearchMemories(ctx, ownerID, vec, limit)
}

// Recall returns the contents of the closest memories.
func (s *MemoryService) Recall(ctx context.Context, ownerID, query string, limit int) ([]string, error) {
	mems, err := s.Search(ctx, ownerID, query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(mems))
	for _, m := range mems {
		out = append(out, m.Content)
	}
	return out, nil
}

type memoryHandler struct {
	owner string
	svc   *MemoryService
}

func (h *memoryHandler) Invoke(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Action   string `json:"action"`
		Content  string `json:"content"`
		Query    string `json:"query"`
		MemoryID string `json:"memory_id"`
		Limit    int    `json:"limit"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}

	switch strings.ToLower(args.Action) {
	case "save":
		m, err := h.svc.Save(ctx, h.owner, args.Content)
		if err != nil {
			return "", err
		}
		return toJSON(map[string]any{"status": "saved", "memory_id": m.ID}), nil
	case "search":
		mems, err := h.svc.Search(ctx, h.owner, args.Query, args.Limit)
		if err != nil {
			return "", err
		}
		if len(mems) == 0 {
			return "No matching memories.", nil
		}
		type hit struct {
			ID      string  `json:"memory_id"`
			Content string  `json:"content"`
			Score   float64 `json:"score"`
		}
		hits := make([]hit, 0, len(mems))
		for _, m := range mems {
			hits = append(hits, hit{ID: m.ID, Content: m.Content, Score: m.Score})
		}
		return toJSON(hits), nil
	case "delete":
		if args.MemoryID == "" {
			return "", errors.New("memory_id is required")
		}
		ok, err := h.svc.repo.DeleteMemory(ctx, h.owner, args.MemoryID)
		if err != nil {
			return "", err
		}
		if !ok {
			return toJSON(map[string]any{"status": "not_found"}), nil
		}
		return toJSON(map[string]any{"status": "deleted"}), nil
	default:
		return "", fmt.Errorf("unknown action %q", args.Action)
	}
}
