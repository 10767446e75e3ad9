package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vyvo/studio/backend/pkg/logging"
)

var (
	// ErrDuplicate is returned when a task with the same id is still running.
	ErrDuplicate = errors.New("task already running")
	// ErrShuttingDown is returned once Shutdown has been called.
	ErrShuttingDown = errors.New("task manager shutting down")
)

// Func is the body of a background task. It must return promptly once ctx is done.
type Func func(ctx context.Context) error

// Handle tracks one running task.
type Handle struct {
	ID    string
	Group string

	cancel context.CancelCauseFunc
	done   chan struct{}
	err    error
}

// Done is closed when the task returns.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err is the task's return value. Only valid after Done is closed.
func (h *Handle) Err() error {
	<-h.done
	return h.err
}

// Cancel asks the task to stop with the given cause.
func (h *Handle) Cancel(cause error) { h.cancel(cause) }

// Manager runs background work detached from the request that started it.
// Tasks are keyed by id and grouped (by instance) so a stop can cancel all
// work bound to one instance.
type Manager struct {
	mu     sync.Mutex
	tasks  map[string]*Handle
	wg     sync.WaitGroup
	base   context.Context
	stop   context.CancelCauseFunc
	closed bool
	logger logging.Logger
}

func NewManager(logger logging.Logger) *Manager {
	base, stop := context.WithCancelCause(context.Background())
	return &Manager{
		tasks:  make(map[string]*Handle),
		base:   base,
		stop:   stop,
		logger: logging.Ensure(logger),
	}
}

// Go starts fn in its own goroutine. A positive timeout bounds its runtime;
// expiry surfaces to fn as context.DeadlineExceeded.
func (m *Manager) Go(id, group string, timeout time.Duration, fn Func) (*Handle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if _, exists := m.tasks[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	ctx, cancel := context.WithCancelCause(m.base)
	h := &Handle{ID: id, Group: group, cancel: cancel, done: make(chan struct{})}
	m.tasks[id] = h
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		runCtx := ctx
		if timeout > 0 {
			var stopTimer context.CancelFunc
			runCtx, stopTimer = context.WithTimeout(ctx, timeout)
			defer stopTimer()
		}
		defer func() {
			if r := recover(); r != nil {
				h.err = fmt.Errorf("task %s panicked: %v", id, r)
				m.logger.Error("background task panicked", "taskID", id, "group", group, "panic", r)
			}
			cancel(nil)
			m.mu.Lock()
			if m.tasks[id] == h {
				delete(m.tasks, id)
			}
			m.mu.Unlock()
			close(h.done)
		}()
		h.err = fn(runCtx)
		if h.err != nil && !errors.Is(h.err, context.Canceled) {
			m.logger.Warn("background task ended with error", "taskID", id, "group", group, "error", h.err)
		}
	}()
	return h, nil
}

// Get returns the running task with the id, if any.
func (m *Manager) Get(id string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.tasks[id]
	return h, ok
}

// Cancel stops one task. It reports whether the task was running.
func (m *Manager) Cancel(id string, cause error) bool {
	m.mu.Lock()
	h, ok := m.tasks[id]
	m.mu.Unlock()
	if ok {
		h.Cancel(cause)
	}
	return ok
}

// CancelGroup stops every task in the group and returns how many were signalled.
func (m *Manager) CancelGroup(group string, cause error) int {
	m.mu.Lock()
	var matched []*Handle
	for _, h := range m.tasks {
		if h.Group == group {
			matched = append(matched, h)
		}
	}
	m.mu.Unlock()
	for _, h := range matched {
		h.Cancel(cause)
	}
	return len(matched)
}

// Running returns the number of live tasks.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Shutdown rejects new tasks, cancels the running ones and waits for them
// until ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stop(ErrShuttingDown)

	waited := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for %d background tasks: %w", m.Running(), ctx.Err())
	}
}
