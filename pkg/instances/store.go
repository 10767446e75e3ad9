package instances

import (
	encodingjson "encoding/json"
	errors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists instances and their audit events to a JSON file. An empty
// path keeps everything in memory.
type Store struct {
	path      string
	mu        sync.RWMutex
	instances map[string]*Instance
	events    map[string][]Event
}

type persistContainer struct {
	Instances []*persistedInstance `json:"instances"`
	Events    [][]Event            `json:"events"`
}

type persistedInstance struct {
	*Instance
	SSHPrivateKey string `json:"sshPrivateKey"`
	SSHPassword   string `json:"sshPassword"`
}

func NewStore(path string) (*Store, error) {
	s := &Store{
		path:      path,
		instances: make(map[string]*Instance),
		events:    make(map[string][]Event),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var container persistContainer
	if err := encodingjson.Unmarshal(data, &container); err != nil {
		return fmt.Errorf("parse instance store: %w", err)
	}
	for idx, pi := range container.Instances {
		if pi.Instance == nil {
			continue
		}
		inst := pi.Instance.Clone()
		inst.SSHPrivateKey = pi.SSHPrivateKey
		inst.SSHPassword = pi.SSHPassword
		s.instances[inst.ID] = inst
		if idx < len(container.Events) {
			s.events[inst.ID] = container.Events[idx]
		}
	}
	return nil
}

// save must be called with s.mu held.
func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	container := persistContainer{}
	for _, inst := range s.instances {
		container.Instances = append(container.Instances, &persistedInstance{
			Instance:      inst.Clone(),
			SSHPrivateKey: inst.SSHPrivateKey,
			SSHPassword:   inst.SSHPassword,
		})
		container.Events = append(container.Events, append([]Event(nil), s.events[inst.ID]...))
	}
	payload, err := encodingjson.MarshalIndent(container, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) Create(inst *Instance) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	PrepareNew(inst, uuid.NewString)
	s.instances[inst.ID] = inst.Clone()
	s.events[inst.ID] = append(s.events[inst.ID], Event{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		Kind:       EventLifecycle,
		Message:    "Instance registered",
		CreatedAt:  inst.CreatedAt,
	})
	if err := s.save(); err != nil {
		return nil, err
	}
	return inst.Clone(), nil
}

func (s *Store) Get(id string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return inst.Clone(), nil
}

func (s *Store) List(filter Filter) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		if filter.Matches(inst) {
			result = append(result, inst.Clone())
		}
	}
	sort.Slice(result, func(a, b int) bool {
		return result[a].CreatedAt.After(result[b].CreatedAt)
	})
	return result, nil
}

func (s *Store) Update(id string, fn func(i *Instance) error) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	// Mutate a copy so a rejected transition leaves the record untouched.
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = current.ID
	next.UpdatedAt = time.Now().UTC()
	s.instances[id] = next
	if err := s.save(); err != nil {
		s.instances[id] = current
		return nil, err
	}
	return next.Clone(), nil
}

func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.instances, id)
	delete(s.events, id)
	return s.save()
}

func (s *Store) AppendEvent(id string, kind EventKind, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.events[id] = append(s.events[id], Event{
		ID:         uuid.NewString(),
		InstanceID: id,
		Kind:       kind,
		Message:    message,
		CreatedAt:  time.Now().UTC(),
	})
	return s.save()
}

func (s *Store) Events(id string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.instances[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return append([]Event(nil), s.events[id]...), nil
}

var _ Repository = (*Store)(nil)
