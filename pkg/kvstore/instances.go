package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/vyvo/studio/backend/pkg/instances"
)

// InstanceRepo implements instances.Repository.
type InstanceRepo struct {
	s *Store
}

func (s *Store) Instances() *InstanceRepo { return &InstanceRepo{s: s} }

// storedInstance keeps the credentials the API representation hides.
type storedInstance struct {
	*instances.Instance
	SSHPrivateKey string `json:"sshPrivateKey"`
	SSHPassword   string `json:"sshPassword"`
}

func instanceKey(id string) []byte { return []byte("instance:" + id) }

func eventPrefix(id string) []byte { return []byte("event:" + id + ":") }

func (r *InstanceRepo) load(txn *badger.Txn, id string) (*instances.Instance, error) {
	var stored storedInstance
	if err := getJSON(txn, instanceKey(id), &stored); err != nil {
		if errors.Is(err, errMissing) {
			return nil, fmt.Errorf("%w: %s", instances.ErrNotFound, id)
		}
		return nil, err
	}
	inst := stored.Instance
	if inst == nil {
		return nil, fmt.Errorf("decode instance %s: empty record", id)
	}
	inst.SSHPrivateKey = stored.SSHPrivateKey
	inst.SSHPassword = stored.SSHPassword
	return inst, nil
}

func (r *InstanceRepo) save(txn *badger.Txn, inst *instances.Instance) error {
	return putJSON(txn, instanceKey(inst.ID), storedInstance{
		Instance:      inst,
		SSHPrivateKey: inst.SSHPrivateKey,
		SSHPassword:   inst.SSHPassword,
	})
}

func (r *InstanceRepo) Create(inst *instances.Instance) (*instances.Instance, error) {
	instances.PrepareNew(inst, uuid.NewString)
	err := r.s.update(func(txn *badger.Txn) error {
		if err := r.save(txn, inst); err != nil {
			return err
		}
		return r.appendEvent(txn, inst.ID, instances.EventLifecycle, "Instance registered", inst.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	return inst.Clone(), nil
}

func (r *InstanceRepo) Get(id string) (*instances.Instance, error) {
	var inst *instances.Instance
	err := r.s.db.View(func(txn *badger.Txn) error {
		var err error
		inst, err = r.load(txn, id)
		return err
	})
	return inst, err
}

func (r *InstanceRepo) List(filter instances.Filter) ([]*instances.Instance, error) {
	var result []*instances.Instance
	err := r.s.db.View(func(txn *badger.Txn) error {
		return scan(txn, []byte("instance:"), func(_, value []byte) error {
			var stored storedInstance
			if err := json.Unmarshal(value, &stored); err != nil || stored.Instance == nil {
				return nil
			}
			if filter.Matches(stored.Instance) {
				result = append(result, stored.Instance)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(a, b int) bool {
		return result[a].CreatedAt.After(result[b].CreatedAt)
	})
	return result, nil
}

func (r *InstanceRepo) Update(id string, fn func(i *instances.Instance) error) (*instances.Instance, error) {
	var out *instances.Instance
	err := r.s.update(func(txn *badger.Txn) error {
		current, err := r.load(txn, id)
		if err != nil {
			return err
		}
		next := current.Clone()
		if err := fn(next); err != nil {
			return err
		}
		next.ID = id
		next.UpdatedAt = time.Now().UTC()
		if err := r.save(txn, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

func (r *InstanceRepo) Delete(id string) error {
	return r.s.update(func(txn *badger.Txn) error {
		ok, err := exists(txn, instanceKey(id))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", instances.ErrNotFound, id)
		}
		if err := txn.Delete(instanceKey(id)); err != nil {
			return err
		}
		return deletePrefix(txn, eventPrefix(id))
	})
}

func (r *InstanceRepo) AppendEvent(id string, kind instances.EventKind, message string) error {
	return r.s.update(func(txn *badger.Txn) error {
		ok, err := exists(txn, instanceKey(id))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", instances.ErrNotFound, id)
		}
		return r.appendEvent(txn, id, kind, message, time.Now().UTC())
	})
}

// appendEvent keys events by a database sequence so a prefix scan returns
// them in insertion order.
func (r *InstanceRepo) appendEvent(txn *badger.Txn, id string, kind instances.EventKind, message string, at time.Time) error {
	n, err := r.s.events.Next()
	if err != nil {
		return err
	}
	ev := instances.Event{
		ID:         uuid.NewString(),
		InstanceID: id,
		Kind:       kind,
		Message:    message,
		CreatedAt:  at,
	}
	key := fmt.Sprintf("%s%020d", eventPrefix(id), n)
	return putJSON(txn, []byte(key), ev)
}

func (r *InstanceRepo) Events(id string) ([]instances.Event, error) {
	var events []instances.Event
	err := r.s.db.View(func(txn *badger.Txn) error {
		return scan(txn, eventPrefix(id), func(_, value []byte) error {
			var ev instances.Event
			if err := json.Unmarshal(value, &ev); err != nil {
				return err
			}
			events = append(events, ev)
			return nil
		})
	})
	return events, err
}

var _ instances.Repository = (*InstanceRepo)(nil)
