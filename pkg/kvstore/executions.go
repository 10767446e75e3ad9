package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/vyvo/studio/backend/pkg/executions"
)

// ExecutionRepo implements executions.Repository. The record under
// execution:<id> holds status and timestamps only; output lives in one key
// per chunk under output:<id>:<seq> so appends never rewrite earlier output.
type ExecutionRepo struct {
	s *Store
}

func (s *Store) Executions() *ExecutionRepo { return &ExecutionRepo{s: s} }

func executionKey(id string) []byte { return []byte("execution:" + id) }

func outputPrefix(id string) []byte { return []byte("output:" + id + ":") }

func loadExecution(txn *badger.Txn, id string) (*executions.Execution, error) {
	var exec executions.Execution
	if err := getJSON(txn, executionKey(id), &exec); err != nil {
		if errors.Is(err, errMissing) {
			return nil, fmt.Errorf("%w: %s", executions.ErrNotFound, id)
		}
		return nil, err
	}
	return &exec, nil
}

// loadOutput joins the stored chunks in sequence order.
func loadOutput(txn *badger.Txn, id string) (string, error) {
	var b strings.Builder
	err := scan(txn, outputPrefix(id), func(_, value []byte) error {
		b.Write(value)
		return nil
	})
	return b.String(), err
}

// appendChunk applies chunk and status to the record and stores the chunk
// under the next sequence number.
func (r *ExecutionRepo) appendChunk(txn *badger.Txn, id, chunk string, status executions.Status) (*executions.Execution, error) {
	exec, err := loadExecution(txn, id)
	if err != nil {
		return nil, err
	}
	if err := executions.Apply(exec, "", status); err != nil {
		return nil, err
	}
	if chunk != "" {
		n, err := r.s.chunks.Next()
		if err != nil {
			return nil, err
		}
		key := fmt.Sprintf("%s%020d", outputPrefix(id), n)
		if err := txn.Set([]byte(key), []byte(chunk)); err != nil {
			return nil, err
		}
	}
	if err := putJSON(txn, executionKey(id), exec); err != nil {
		return nil, err
	}
	return exec, nil
}

func (r *ExecutionRepo) Create(exec *executions.Execution) (*executions.Execution, error) {
	err := r.s.update(func(txn *badger.Txn) error {
		ok, err := exists(txn, executionKey(exec.ID))
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("execution %s already exists", exec.ID)
		}
		record := exec.Clone()
		record.Output = ""
		if err := putJSON(txn, executionKey(exec.ID), record); err != nil {
			return err
		}
		if exec.Output == "" {
			return nil
		}
		n, err := r.s.chunks.Next()
		if err != nil {
			return err
		}
		return txn.Set([]byte(fmt.Sprintf("%s%020d", outputPrefix(exec.ID), n)), []byte(exec.Output))
	})
	if err != nil {
		return nil, err
	}
	return exec.Clone(), nil
}

func (r *ExecutionRepo) Get(id string) (*executions.Execution, error) {
	var exec *executions.Execution
	err := r.s.db.View(func(txn *badger.Txn) error {
		var err error
		if exec, err = loadExecution(txn, id); err != nil {
			return err
		}
		exec.Output, err = loadOutput(txn, id)
		return err
	})
	return exec, err
}

func (r *ExecutionRepo) ListByInstance(instanceID string) ([]*executions.Execution, error) {
	var result []*executions.Execution
	err := r.s.db.View(func(txn *badger.Txn) error {
		err := scan(txn, []byte("execution:"), func(_, value []byte) error {
			var exec executions.Execution
			if err := json.Unmarshal(value, &exec); err != nil {
				return err
			}
			if exec.InstanceID == instanceID {
				result = append(result, &exec)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, exec := range result {
			if exec.Output, err = loadOutput(txn, exec.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(a, b int) bool {
		return result[a].StartedAt.After(result[b].StartedAt)
	})
	return result, nil
}

func (r *ExecutionRepo) AppendOutput(id string, chunk string) error {
	return r.s.update(func(txn *badger.Txn) error {
		_, err := r.appendChunk(txn, id, chunk, "")
		return err
	})
}

func (r *ExecutionRepo) Finish(id string, status executions.Status, trailer string) (*executions.Execution, error) {
	var out *executions.Execution
	err := r.s.update(func(txn *badger.Txn) error {
		exec, err := r.appendChunk(txn, id, trailer, status)
		if err != nil {
			return err
		}
		if exec.Output, err = loadOutput(txn, id); err != nil {
			return err
		}
		out = exec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

var _ executions.Repository = (*ExecutionRepo)(nil)
