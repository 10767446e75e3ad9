package remote_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyvo/studio/backend/pkg/executions"
	"github.com/vyvo/studio/backend/pkg/instances"
	"github.com/vyvo/studio/backend/pkg/logging"
	"github.com/vyvo/studio/backend/pkg/progress"
	"github.com/vyvo/studio/backend/pkg/remote"
	"github.com/vyvo/studio/backend/pkg/remote/remotetest"
)

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Publish(ev progress.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) chunks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if c, ok := ev.(progress.OutputChunk); ok {
			out = append(out, c.Data)
		}
	}
	return out
}

type fixture struct {
	store    *instances.Store
	execs    *executions.MemStore
	events   *recorder
	inst     *instances.Instance
	executor *remote.Executor
}

func newFixture(t *testing.T, dialer remote.Dialer, cfg remote.Config) *fixture {
	t.Helper()
	store, err := instances.NewStore("")
	require.NoError(t, err)
	inst, err := store.Create(&instances.Instance{ExternalID: "c1", Address: "203.0.113.10", SSHPrivateKey: "KEY"})
	require.NoError(t, err)
	inst, err = instances.SetStatus(store, inst.ID, instances.StatusRunning, "")
	require.NoError(t, err)

	f := &fixture{store: store, execs: executions.NewMemStore(), events: &recorder{}, inst: inst}
	f.executor = remote.NewExecutor(dialer, f.execs, store, f.events, nil, logging.Discard(), cfg)
	return f
}

func TestExecuteCompletesOnZeroExit(t *testing.T) {
	dialer := &remotetest.Dialer{Run: remotetest.Lines(0, "installing", "done")}
	f := newFixture(t, dialer, remote.Config{})

	exec, err := f.executor.Execute(context.Background(), f.inst, []byte("echo hi"), remote.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, executions.StatusCompleted, exec.Status)
	assert.Equal(t, "installing\ndone\n", exec.Output)
	assert.Equal(t, []string{"installing\n", "done\n"}, f.events.chunks())

	targets := dialer.Dials()
	require.Len(t, targets, 1)
	assert.Equal(t, "203.0.113.10:22", targets[0].Addr())
	assert.Equal(t, "root", targets[0].User)
	assert.Equal(t, []string{"bash -s"}, dialer.Commands())
}

func TestExecuteRecordsNonZeroExitWithDiagnostic(t *testing.T) {
	dialer := &remotetest.Dialer{Run: remotetest.Lines(3, "pip failed")}
	f := newFixture(t, dialer, remote.Config{})

	exec, err := f.executor.Execute(context.Background(), f.inst, []byte("exit 3"), remote.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, executions.StatusFailed, exec.Status)
	assert.True(t, strings.HasPrefix(exec.Output, "pip failed\n"))
	assert.Contains(t, exec.Output, "exited with status 3")
}

func TestExecuteKeepsPartialOutputOnStreamError(t *testing.T) {
	dialer := &remotetest.Dialer{Run: func(ctx context.Context, _ []byte, stdout, _ io.Writer) (int, error) {
		_, _ = io.WriteString(stdout, "partial")
		return -1, io.ErrUnexpectedEOF
	}}
	f := newFixture(t, dialer, remote.Config{})

	exec, err := f.executor.Execute(context.Background(), f.inst, nil, remote.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, executions.StatusFailed, exec.Status)
	assert.True(t, strings.HasPrefix(exec.Output, "partial"))
	assert.Contains(t, exec.Output, "stream terminated")
}

func TestExecuteSurfacesChannelErrorAndLeavesExecutionRunning(t *testing.T) {
	dialer := &remotetest.Dialer{DialErr: syscall.ECONNREFUSED}
	f := newFixture(t, dialer, remote.Config{})

	exec, err := f.executor.Execute(context.Background(), f.inst, []byte("true"), remote.RunOptions{})
	var chErr *remote.ChannelError
	require.True(t, errors.As(err, &chErr))
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
	require.NotNil(t, exec)

	stored, getErr := f.execs.Get(exec.ID)
	require.NoError(t, getErr)
	assert.Equal(t, executions.StatusRunning, stored.Status)
}

func TestExecuteUploadsFilesFirst(t *testing.T) {
	dialer := &remotetest.Dialer{Run: remotetest.Lines(0)}
	f := newFixture(t, dialer, remote.Config{})

	_, err := f.executor.Execute(context.Background(), f.inst, []byte("true"), remote.RunOptions{
		Files: []remote.File{{Path: "/tmp/studio/manifest.yaml", Data: []byte("port: 8188\n"), Perm: 0o644}},
	})
	require.NoError(t, err)
	data, ok := dialer.Uploaded("/tmp/studio/manifest.yaml")
	require.True(t, ok)
	assert.Equal(t, "port: 8188\n", string(data))
}

func TestExecuteTimesOut(t *testing.T) {
	dialer := &remotetest.Dialer{Run: remotetest.Hang()}
	f := newFixture(t, dialer, remote.Config{Timeout: 30 * time.Millisecond})

	exec, err := f.executor.Execute(context.Background(), f.inst, nil, remote.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, executions.StatusFailed, exec.Status)
	assert.Contains(t, exec.Output, "exceeded")
}

func TestExecuteAbortsWhenInstanceStops(t *testing.T) {
	dialer := &remotetest.Dialer{Run: remotetest.Hang()}
	f := newFixture(t, dialer, remote.Config{GuardInterval: 5 * time.Millisecond})

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = instances.SetStatus(f.store, f.inst.ID, instances.StatusStopping, "")
	}()

	exec, err := f.executor.Execute(context.Background(), f.inst, nil, remote.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, executions.StatusFailed, exec.Status)
	assert.Contains(t, exec.Output, "instance left running state")
}

func TestOnChunkSeesArrivalOrder(t *testing.T) {
	dialer := &remotetest.Dialer{Run: remotetest.Lines(0, "a", "b", "c")}
	f := newFixture(t, dialer, remote.Config{})

	var seen []string
	_, err := f.executor.Execute(context.Background(), f.inst, nil, remote.RunOptions{
		OnChunk: func(chunk string) { seen = append(seen, chunk) },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a\n", "b\n", "c\n"}, seen)
}
