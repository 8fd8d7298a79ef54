package pool

import (
	"context"
	"sync"
)

// MemoryStore keeps pools in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	pools map[string]*Pool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pools: make(map[string]*Pool)}
}

func (s *MemoryStore) LoadPool(_ context.Context, owner string) (*Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pools[owner]; ok {
		return p.Clone(), nil
	}
	return New(owner), nil
}

func (s *MemoryStore) SavePool(_ context.Context, p *Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pools == nil {
		s.pools = make(map[string]*Pool)
	}
	s.pools[p.Owner] = p.Clone()
	return nil
}
