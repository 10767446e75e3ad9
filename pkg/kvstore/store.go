// Package kvstore keeps the orchestration records in an embedded Badger
// database, for single-node deployments that want durability without
// running Postgres.
package kvstore

import (
	"encoding/json"
	"errors"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
)

// errMissing is translated into each repository's own not-found error.
var errMissing = errors.New("key not found")

const conflictRetries = 5

// Store owns the Badger handle shared by the repositories.
type Store struct {
	db     *badger.DB
	events *badger.Sequence
	chunks *badger.Sequence
}

// Open opens (or creates) a database directory. An empty path keeps the
// data in memory, which tests use.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(16 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	events, err := db.GetSequence([]byte("seq:event"), 128)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	chunks, err := db.GetSequence([]byte("seq:chunk"), 1024)
	if err != nil {
		_ = events.Release()
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, events: events, chunks: chunks}, nil
}

func (s *Store) Close() error {
	err := errors.Join(s.events.Release(), s.chunks.Release())
	if err != nil {
		_ = s.db.Close()
		return err
	}
	return s.db.Close()
}

// update retries fn when a concurrent transaction touched the same keys.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < conflictRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return errMissing
		}
		return err
	}
	return item.Value(func(v []byte) error {
		return json.Unmarshal(v, out)
	})
}

func putJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// scan calls fn with the value of every key under prefix, in key order.
func scan(txn *badger.Txn, prefix []byte, fn func(key, value []byte) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		if err := item.Value(func(v []byte) error { return fn(key, v) }); err != nil {
			return err
		}
	}
	return nil
}

// deletePrefix removes every key under prefix inside txn.
func deletePrefix(txn *badger.Txn, prefix []byte) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}
