package generations

import (
	"fmt"
	"sort"
	"sync"
)

// MemStore keeps generations in memory.
type MemStore struct {
	mu    sync.RWMutex
	items map[string]*Generation
}

func NewMemStore() *MemStore {
	return &MemStore{items: make(map[string]*Generation)}
}

func (s *MemStore) Create(g *Generation) (*Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[g.ID]; exists {
		return nil, fmt.Errorf("generation %s already exists", g.ID)
	}
	PrepareNew(g)
	s.items[g.ID] = g.Clone()
	return g.Clone(), nil
}

func (s *MemStore) Get(id string) (*Generation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return g.Clone(), nil
}

func (s *MemStore) List(filter Filter) ([]*Generation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Generation
	for _, g := range s.items {
		if filter.Matches(g) {
			result = append(result, g.Clone())
		}
	}
	sort.Slice(result, func(a, b int) bool {
		return result[a].CreatedAt.After(result[b].CreatedAt)
	})
	return result, nil
}

func (s *MemStore) Update(id string, fn func(g *Generation) error) (*Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	Seal(next, current)
	s.items[id] = next
	return next.Clone(), nil
}

func (s *MemStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.items, id)
	return nil
}

var _ Repository = (*MemStore)(nil)
