package executions

import (
	"fmt"
	"sort"
	"sync"
)

// MemStore keeps executions in memory.
type MemStore struct {
	mu    sync.RWMutex
	items map[string]*Execution
}

func NewMemStore() *MemStore {
	return &MemStore{items: make(map[string]*Execution)}
}

func (s *MemStore) Create(exec *Execution) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[exec.ID]; exists {
		return nil, fmt.Errorf("execution %s already exists", exec.ID)
	}
	s.items[exec.ID] = exec.Clone()
	return exec.Clone(), nil
}

func (s *MemStore) Get(id string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return exec.Clone(), nil
}

func (s *MemStore) ListByInstance(instanceID string) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Execution
	for _, exec := range s.items {
		if exec.InstanceID == instanceID {
			result = append(result, exec.Clone())
		}
	}
	sort.Slice(result, func(a, b int) bool {
		return result[a].StartedAt.After(result[b].StartedAt)
	})
	return result, nil
}

func (s *MemStore) AppendOutput(id string, chunk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return Apply(exec, chunk, "")
}

func (s *MemStore) Finish(id string, status Status, trailer string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := exec.Clone()
	if err := Apply(next, trailer, status); err != nil {
		return nil, err
	}
	s.items[id] = next
	return next.Clone(), nil
}

var _ Repository = (*MemStore)(nil)
