package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/vyvo/studio/backend/pkg/generations"
)

// GenerationRepo implements generations.Repository.
type GenerationRepo struct {
	s *Store
}

func (s *Store) Generations() *GenerationRepo { return &GenerationRepo{s: s} }

func generationKey(id string) []byte { return []byte("generation:" + id) }

func loadGeneration(txn *badger.Txn, id string) (*generations.Generation, error) {
	var g generations.Generation
	if err := getJSON(txn, generationKey(id), &g); err != nil {
		if errors.Is(err, errMissing) {
			return nil, fmt.Errorf("%w: %s", generations.ErrNotFound, id)
		}
		return nil, err
	}
	return &g, nil
}

func (r *GenerationRepo) Create(g *generations.Generation) (*generations.Generation, error) {
	generations.PrepareNew(g)
	err := r.s.update(func(txn *badger.Txn) error {
		ok, err := exists(txn, generationKey(g.ID))
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("generation %s already exists", g.ID)
		}
		return putJSON(txn, generationKey(g.ID), g)
	})
	if err != nil {
		return nil, err
	}
	return g.Clone(), nil
}

func (r *GenerationRepo) Get(id string) (*generations.Generation, error) {
	var g *generations.Generation
	err := r.s.db.View(func(txn *badger.Txn) error {
		var err error
		g, err = loadGeneration(txn, id)
		return err
	})
	return g, err
}

func (r *GenerationRepo) List(filter generations.Filter) ([]*generations.Generation, error) {
	var result []*generations.Generation
	err := r.s.db.View(func(txn *badger.Txn) error {
		return scan(txn, []byte("generation:"), func(_, value []byte) error {
			var g generations.Generation
			if err := json.Unmarshal(value, &g); err != nil {
				return err
			}
			if filter.Matches(&g) {
				result = append(result, &g)
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

func (r *GenerationRepo) Update(id string, fn func(g *generations.Generation) error) (*generations.Generation, error) {
	var out *generations.Generation
	err := r.s.update(func(txn *badger.Txn) error {
		current, err := loadGeneration(txn, id)
		if err != nil {
			return err
		}
		next := current.Clone()
		if err := fn(next); err != nil {
			return err
		}
		generations.Seal(next, current)
		out = next
		return putJSON(txn, generationKey(id), next)
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

func (r *GenerationRepo) Delete(id string) error {
	return r.s.update(func(txn *badger.Txn) error {
		ok, err := exists(txn, generationKey(id))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", generations.ErrNotFound, id)
		}
		return txn.Delete(generationKey(id))
	})
}

var _ generations.Repository = (*GenerationRepo)(nil)
