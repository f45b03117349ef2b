package conversation

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	turns map[Key][]Turn
	clock func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		turns: make(map[Key][]Turn),
		clock: time.Now,
	}
}

func (s *MemoryStore) AppendTurn(ctx context.Context, key Key, turn Turn) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.clock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[key] = append(s.turns[key], turn)
	return nil
}

func (s *MemoryStore) ReadRecentTurns(ctx context.Context, key Key, limit int) ([]Turn, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Window(s.turns[key], limit), nil
}

// Len returns the number of stored turns for key.
func (s *MemoryStore) Len(key Key) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns[key])
}
