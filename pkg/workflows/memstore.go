package workflows

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore keeps workflows in memory.
type MemStore struct {
	mu    sync.RWMutex
	items map[string]*Workflow
}

func NewMemStore() *MemStore {
	return &MemStore{items: make(map[string]*Workflow)}
}

func (s *MemStore) Create(w *Workflow) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now
	s.items[w.ID] = w.Clone()
	return w.Clone(), nil
}

func (s *MemStore) Get(id string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return w.Clone(), nil
}

func (s *MemStore) List() ([]*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Workflow, 0, len(s.items))
	for _, w := range s.items {
		result = append(result, w.Clone())
	}
	sort.Slice(result, func(a, b int) bool {
		return result[a].CreatedAt.After(result[b].CreatedAt)
	})
	return result, nil
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

func (s *MemStore) AddModels(id string, models []RequiredModel) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := w.Clone()
	next.Models = mergeModels(w.Models, models)
	next.UpdatedAt = time.Now().UTC()
	s.items[id] = next
	return next.Clone(), nil
}

var _ Store = (*MemStore)(nil)
