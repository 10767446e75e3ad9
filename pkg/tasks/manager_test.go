package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyvo/studio/backend/pkg/logging"
)

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("task %s did not finish", h.ID)
	}
}

func TestGoRunsAndForgetsTask(t *testing.T) {
	m := NewManager(logging.Discard())
	h, err := m.Go("t1", "i1", 0, func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	waitDone(t, h)
	assert.NoError(t, h.Err())

	_, ok := m.Get("t1")
	assert.False(t, ok)
}

func TestGoRejectsDuplicateID(t *testing.T) {
	m := NewManager(logging.Discard())
	release := make(chan struct{})
	h, err := m.Go("t1", "i1", 0, func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	_, err = m.Go("t1", "i1", 0, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrDuplicate)

	close(release)
	waitDone(t, h)
}

func TestCancelGroupCarriesCause(t *testing.T) {
	m := NewManager(logging.Discard())
	stopped := errors.New("instance stopped")
	block := func(ctx context.Context) error {
		<-ctx.Done()
		return context.Cause(ctx)
	}
	a, _ := m.Go("a", "i1", 0, block)
	b, _ := m.Go("b", "i1", 0, block)
	other, _ := m.Go("c", "i2", 0, block)

	assert.Equal(t, 2, m.CancelGroup("i1", stopped))
	waitDone(t, a)
	waitDone(t, b)
	assert.ErrorIs(t, a.Err(), stopped)
	assert.ErrorIs(t, b.Err(), stopped)

	select {
	case <-other.Done():
		t.Fatalf("task in another group was cancelled")
	default:
	}
	other.Cancel(nil)
	waitDone(t, other)
}

func TestTimeoutBoundsTask(t *testing.T) {
	m := NewManager(logging.Discard())
	h, err := m.Go("slow", "i1", 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	waitDone(t, h)
	assert.ErrorIs(t, h.Err(), context.DeadlineExceeded)
}

func TestShutdownCancelsAndRejects(t *testing.T) {
	m := NewManager(logging.Discard())
	h, _ := m.Go("t", "i1", 0, func(ctx context.Context) error {
		<-ctx.Done()
		return context.Cause(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	assert.ErrorIs(t, h.Err(), ErrShuttingDown)

	_, err := m.Go("late", "i1", 0, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestPanicIsRecovered(t *testing.T) {
	m := NewManager(logging.Discard())
	h, _ := m.Go("p", "i1", 0, func(ctx context.Context) error { panic("boom") })
	waitDone(t, h)
	assert.Error(t, h.Err())
	assert.Equal(t, 0, m.Running())
}
