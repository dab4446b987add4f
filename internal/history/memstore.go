package history

import (
	"context"
	"sync"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory [Store] that keeps the most recent
// turns up to a fixed capacity.
type MemStore struct {
	mu    sync.RWMutex
	turns []Turn
	max   int
}

// NewMemStore returns a MemStore holding at most capacity turns. A capacity
// <= 0 defaults to 500.
func NewMemStore(capacity int) *MemStore {
	if capacity <= 0 {
		capacity = 500
	}
	return &MemStore{max: capacity}
}

// Record implements [Store.Record]. The oldest turn is evicted once the store
// is full.
func (s *MemStore) Record(_ context.Context, turn Turn) error {
	if turn.ID == "" {
		return ErrInvalidTurn
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turn)
	if over := len(s.turns) - s.max; over > 0 {
		s.turns = append(s.turns[:0:0], s.turns[over:]...)
	}
	return nil
}

// Recent implements [Store.Recent].
func (s *MemStore) Recent(_ context.Context, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := min(limit, len(s.turns))
	out := make([]Turn, 0, n)
	for i := len(s.turns) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.turns[i])
	}
	return out, nil
}

// Len returns the number of stored turns.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// Close implements [Store.Close]. It is a no-op.
func (s *MemStore) Close() error { return nil }
