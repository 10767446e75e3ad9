package setup_test

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/vyvo/studio/backend/pkg/executions"
	"github.com/vyvo/studio/backend/pkg/instances"
	"github.com/vyvo/studio/backend/pkg/logging"
	"github.com/vyvo/studio/backend/pkg/progress"
	"github.com/vyvo/studio/backend/pkg/remote"
	"github.com/vyvo/studio/backend/pkg/remote/remotetest"
	"github.com/vyvo/studio/backend/pkg/setup"
	"github.com/vyvo/studio/backend/pkg/tasks"
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

func (r *recorder) snapshot() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Event(nil), r.events...)
}

type harness struct {
	store      *instances.Store
	execs      *executions.MemStore
	events     *recorder
	controller *setup.Controller
}

func newHarness(t *testing.T, dialer remote.Dialer) *harness {
	t.Helper()
	store, err := instances.NewStore("")
	require.NoError(t, err)
	h := &harness{store: store, execs: executions.NewMemStore(), events: &recorder{}}
	executor := remote.NewExecutor(dialer, h.execs, store, h.events, nil, logging.Discard(), remote.Config{})
	mgr := tasks.NewManager(logging.Discard())
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })
	h.controller = setup.NewController(store, h.execs, executor, mgr, h.events, nil, logging.Discard(), setup.Options{
		Models: []setup.Model{{Name: "sd15.safetensors", URL: "https://example.com/sd15.safetensors", Dir: "checkpoints"}},
	})
	return h
}

func (h *harness) runningInstance(t *testing.T) *instances.Instance {
	t.Helper()
	inst, err := h.store.Create(&instances.Instance{ExternalID: "c1", Address: "203.0.113.7"})
	require.NoError(t, err)
	inst, err = instances.SetStatus(h.store, inst.ID, instances.StatusRunning, "")
	require.NoError(t, err)
	return inst
}

func (h *harness) waitSetup(t *testing.T, id string) *instances.Instance {
	t.Helper()
	var inst *instances.Instance
	require.Eventually(t, func() bool {
		var err error
		inst, err = h.store.Get(id)
		if err != nil {
			return false
		}
		switch inst.SetupStatus {
		case instances.SetupReady, instances.SetupDemoReady, instances.SetupFailed:
			return true
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return inst
}

func TestReachableInstanceBecomesReady(t *testing.T) {
	dialer := &remotetest.Dialer{Run: remotetest.Lines(0,
		"[step 1/2] Installing system packages",
		"apt output",
		"[step 2/2] Starting inference server on port 8188",
	)}
	h := newHarness(t, dialer)
	inst := h.runningInstance(t)

	exec, err := h.controller.RunSetup(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, executions.StatusRunning, exec.Status)

	final := h.waitSetup(t, inst.ID)
	assert.Equal(t, instances.SetupReady, final.SetupStatus)

	stored, err := h.execs.Get(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, executions.StatusCompleted, stored.Status)
	assert.Contains(t, stored.Output, "apt output")

	require.Eventually(t, func() bool {
		for _, ev := range h.events.snapshot() {
			if _, ok := ev.(progress.SetupCompleted); ok {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	var steps []progress.SetupProgress
	for _, ev := range h.events.snapshot() {
		if s, ok := ev.(progress.SetupProgress); ok {
			steps = append(steps, s)
		}
	}
	require.Len(t, steps, 2)
	assert.Equal(t, 2, steps[1].Step)
	assert.Equal(t, 2, steps[1].TotalSteps)
	assert.Equal(t, "Starting inference server on port 8188", steps[1].Message)

	raw, ok := dialer.Uploaded(setup.ManifestPath)
	require.True(t, ok)
	var manifest setup.Manifest
	require.NoError(t, yaml.Unmarshal(raw, &manifest))
	assert.Equal(t, inst.ID, manifest.InstanceID)
	assert.Equal(t, 8188, manifest.InferencePort)
}

func TestUnreachableInstanceFallsBackToSimulatedMode(t *testing.T) {
	h := newHarness(t, &remotetest.Dialer{DialErr: syscall.ECONNREFUSED})
	inst := h.runningInstance(t)

	exec, err := h.controller.RunSetup(context.Background(), inst.ID)
	require.NoError(t, err)

	final := h.waitSetup(t, inst.ID)
	assert.Equal(t, instances.SetupDemoReady, final.SetupStatus)
	assert.Empty(t, final.LastError)

	stored, err := h.execs.Get(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, executions.StatusCompleted, stored.Status)
	assert.Contains(t, stored.Output, "simulated mode")
}

func TestFailingScriptMarksSetupFailed(t *testing.T) {
	h := newHarness(t, &remotetest.Dialer{Run: remotetest.Lines(1, "boom")})
	inst := h.runningInstance(t)

	exec, err := h.controller.RunSetup(context.Background(), inst.ID)
	require.NoError(t, err)

	final := h.waitSetup(t, inst.ID)
	assert.Equal(t, instances.SetupFailed, final.SetupStatus)
	assert.NotEmpty(t, final.LastError)

	stored, _ := h.execs.Get(exec.ID)
	assert.Equal(t, executions.StatusFailed, stored.Status)

	// A failed setup may be retried.
	_, err = h.controller.RunSetup(context.Background(), inst.ID)
	require.NoError(t, err)
	h.waitSetup(t, inst.ID)
}

func TestRunSetupPreconditions(t *testing.T) {
	h := newHarness(t, &remotetest.Dialer{Run: remotetest.Lines(0)})

	pending, err := h.store.Create(&instances.Instance{ExternalID: "c2"})
	require.NoError(t, err)
	_, err = h.controller.RunSetup(context.Background(), pending.ID)
	assert.ErrorIs(t, err, setup.ErrNotReady)

	list, _ := h.execs.ListByInstance(pending.ID)
	assert.Empty(t, list, "no execution may be recorded for a rejected request")

	inst := h.runningInstance(t)
	_, err = h.controller.RunSetup(context.Background(), inst.ID)
	require.NoError(t, err)
	h.waitSetup(t, inst.ID)

	_, err = h.controller.RunSetup(context.Background(), inst.ID)
	assert.ErrorIs(t, err, setup.ErrAlreadyComplete)

	_, err = h.controller.RunSetup(context.Background(), "missing")
	assert.ErrorIs(t, err, instances.ErrNotFound)
}

func TestRunSetupRejectsConcurrentAttempt(t *testing.T) {
	h := newHarness(t, &remotetest.Dialer{Run: remotetest.Hang()})
	inst := h.runningInstance(t)

	_, err := h.controller.RunSetup(context.Background(), inst.ID)
	require.NoError(t, err)
	_, err = h.controller.RunSetup(context.Background(), inst.ID)
	assert.ErrorIs(t, err, setup.ErrAlreadyRunning)
}
