package embedding

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Acquire after the shared embedder was closed.
var ErrClosed = errors.New("embedding: shared embedder closed")

// Factory builds the underlying embedder. It runs at most once.
type Factory func() (Embedder, error)

// Shared is a lazily initialized, reference-counted embedder. The factory
// runs on first Acquire; concurrent first callers block on the same
// initialization. The underlying embedder is closed once Close was called
// and every reference has been released.
type Shared struct {
	factory Factory

	once    sync.Once
	emb     Embedder
	initErr error

	mu      sync.Mutex
	refs    int
	closing bool
	closed  bool
}

// NewShared wraps factory without calling it.
func NewShared(factory Factory) *Shared {
	return &Shared{factory: factory}
}

// Acquire returns the shared embedder, initializing it on first use. Every
// successful Acquire must be paired with a call to the returned release.
func (s *Shared) Acquire() (Embedder, func(), error) {
	s.mu.Lock()
	if s.closing || s.closed {
		s.mu.Unlock()
		return nil, nil, ErrClosed
	}
	s.refs++
	s.mu.Unlock()

	s.once.Do(func() {
		emb, err := s.factory()
		s.mu.Lock()
		s.emb, s.initErr = emb, err
		s.mu.Unlock()
	})
	if s.initErr != nil {
		s.release()
		return nil, nil, s.initErr
	}

	var released sync.Once
	return s.emb, func() { released.Do(s.release) }, nil
}

func (s *Shared) release() {
	s.mu.Lock()
	s.refs--
	shouldClose := s.closing && s.refs == 0 && !s.closed
	if shouldClose {
		s.closed = true
	}
	emb := s.emb
	s.mu.Unlock()
	if shouldClose && emb != nil {
		_ = emb.Close()
	}
}

// Refs returns the number of outstanding references.
func (s *Shared) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// Embed acquires the shared embedder for the duration of one call, so Shared
// itself can be handed to components that expect an Embedder.
func (s *Shared) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	emb, release, err := s.Acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return emb.Embed(ctx, texts)
}

// Dimensions reports the dimensions of the initialized embedder, or 0 when it
// has not been initialized yet.
func (s *Shared) Dimensions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emb == nil || s.closed {
		return 0
	}
	return s.emb.Dimensions()
}

// Close stops new acquisitions. The underlying embedder is closed now if no
// references are outstanding, otherwise when the last one is released.
func (s *Shared) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	shouldClose := s.refs == 0 && !s.closed
	if shouldClose {
		s.closed = true
	}
	emb := s.emb
	s.mu.Unlock()

	if shouldClose && emb != nil {
		return emb.Close()
	}
	return nil
}
