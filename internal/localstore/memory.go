package localstore

import (
	"context"
	"errors"
	"sync"

	"github.com/freshbazaar/cart-engine/internal/model"
)

// ErrUnavailable is returned by a MemoryStore configured to fail, simulating
// an unavailable storage backend.
var ErrUnavailable = errors.New("localstore: storage unavailable")

// MemoryStore implements Store with an in-process slice. Used for testing and
// as the degradation target when no durable backend is configured.
type MemoryStore struct {
	mu    sync.Mutex
	lines []model.Line
	fail  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// SetUnavailable toggles simulated backend failure for every operation.
func (s *MemoryStore) SetUnavailable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = v
}

func (s *MemoryStore) Load(_ context.Context) ([]model.Line, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, ErrUnavailable
	}
	out := make([]model.Line, len(s.lines))
	copy(out, s.lines)
	return out, nil
}

func (s *MemoryStore) Save(_ context.Context, lines []model.Line) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return ErrUnavailable
	}
	s.lines = make([]model.Line, len(lines))
	copy(s.lines, lines)
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return ErrUnavailable
	}
	s.lines = nil
	return nil
}
