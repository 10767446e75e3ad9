package setup

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/vyvo/studio/backend/pkg/executions"
	"github.com/vyvo/studio/backend/pkg/instances"
	"github.com/vyvo/studio/backend/pkg/logging"
	"github.com/vyvo/studio/backend/pkg/metrics"
	"github.com/vyvo/studio/backend/pkg/progress"
	"github.com/vyvo/studio/backend/pkg/remote"
	"github.com/vyvo/studio/backend/pkg/tasks"
)

var (
	// ErrNotReady is returned when setup is requested on an instance that is not running.
	ErrNotReady = errors.New("instance not ready for setup")
	// ErrAlreadyRunning is returned while a setup attempt is pending or running.
	ErrAlreadyRunning = errors.New("setup already in progress")
	// ErrAlreadyComplete is returned once setup reached ready or demo-ready.
	ErrAlreadyComplete = errors.New("setup already complete")
)

//go:embed scripts/install_inference.sh
var defaultScript []byte

// DefaultScript returns the embedded canonical setup script.
func DefaultScript() []byte {
	return append([]byte(nil), defaultScript...)
}

// LoadScript reads an override script, or returns the embedded one when path is empty.
func LoadScript(path string) ([]byte, error) {
	if path == "" {
		return DefaultScript(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read setup script: %w", err)
	}
	return data, nil
}

const simulatedNote = "[switching to simulated mode: inference requests for this instance will be answered locally]\n"

// Options configures a Controller.
type Options struct {
	Script        []byte
	InstallDir    string
	InferencePort int
	Models        []Model
	// TaskTimeout bounds the whole background attempt, including the
	// status bookkeeping around the execution itself.
	TaskTimeout time.Duration
}

// Controller runs the setup pass and degrades to simulated mode when the
// instance cannot be reached.
type Controller struct {
	instances instances.Repository
	execs     executions.Repository
	executor  *remote.Executor
	tasks     *tasks.Manager
	publisher remote.Publisher
	metrics   *metrics.Metrics
	logger    logging.Logger
	opts      Options
}

func NewController(insts instances.Repository, execs executions.Repository, executor *remote.Executor, mgr *tasks.Manager, publisher remote.Publisher, m *metrics.Metrics, logger logging.Logger, opts Options) *Controller {
	if len(opts.Script) == 0 {
		opts.Script = DefaultScript()
	}
	if opts.InferencePort == 0 {
		opts.InferencePort = 8188
	}
	if opts.InstallDir == "" {
		opts.InstallDir = "/workspace/ComfyUI"
	}
	return &Controller{
		instances: insts,
		execs:     execs,
		executor:  executor,
		tasks:     mgr,
		publisher: publisher,
		metrics:   m,
		logger:    logging.Ensure(logger),
		opts:      opts,
	}
}

// TaskID names the background task of a setup attempt. Tasks are grouped
// by instance id.
func TaskID(executionID string) string {
	return "setup:" + executionID
}

// RunSetup validates the instance, records a new Execution and starts the
// attempt in the background. Precondition failures are returned here;
// everything after that is observable only through the persisted records
// and progress events.
func (c *Controller) RunSetup(ctx context.Context, instanceID string) (*executions.Execution, error) {
	inst, err := c.instances.Get(instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != instances.StatusRunning {
		return nil, fmt.Errorf("%w: status is %s", ErrNotReady, inst.Status)
	}
	switch inst.SetupStatus {
	case instances.SetupPending, instances.SetupRunning:
		return nil, ErrAlreadyRunning
	case instances.SetupReady, instances.SetupDemoReady:
		return nil, ErrAlreadyComplete
	}

	manifest, err := Manifest{
		InstanceID:    inst.ID,
		InstallDir:    c.opts.InstallDir,
		InferencePort: c.opts.InferencePort,
		Models:        c.opts.Models,
	}.Render()
	if err != nil {
		return nil, err
	}

	if _, err := instances.SetSetupStatus(c.instances, instanceID, instances.SetupPending, "Setup requested"); err != nil {
		if errors.Is(err, instances.ErrInvalidTransition) {
			return nil, ErrAlreadyRunning
		}
		if errors.Is(err, instances.ErrPreconditionFailed) {
			return nil, fmt.Errorf("%w: %v", ErrNotReady, err)
		}
		return nil, err
	}

	exec, err := c.executor.Begin(instanceID)
	if err != nil {
		c.setSetup(instanceID, instances.SetupFailed, "Could not record execution: "+err.Error())
		return nil, err
	}

	_, err = c.tasks.Go(TaskID(exec.ID), instanceID, c.opts.TaskTimeout, func(taskCtx context.Context) error {
		return c.attempt(taskCtx, exec, manifest)
	})
	if err != nil {
		_, _ = c.execs.Finish(exec.ID, executions.StatusFailed, fmt.Sprintf("[setup not started: %v]\n", err))
		c.setSetup(instanceID, instances.SetupFailed, "Setup could not start: "+err.Error())
		return nil, err
	}
	c.logger.Info("setup started", "instanceID", instanceID, "executionID", exec.ID)
	return exec, nil
}

func (c *Controller) attempt(ctx context.Context, exec *executions.Execution, manifest []byte) error {
	instanceID := exec.InstanceID
	inst, err := instances.SetSetupStatus(c.instances, instanceID, instances.SetupRunning, "Setup running (execution "+exec.ID+")")
	if err != nil {
		_, _ = c.execs.Finish(exec.ID, executions.StatusFailed, fmt.Sprintf("[setup aborted: %v]\n", err))
		c.complete(instanceID, exec.ID, executions.StatusFailed, instances.SetupFailed, err.Error())
		return err
	}

	lines := &lineScanner{onLine: func(line string) {
		if step, ok := ParseStep(line); ok {
			c.publish(progress.SetupProgress{
				InstanceID:  instanceID,
				ExecutionID: exec.ID,
				Step:        step.N,
				TotalSteps:  step.Total,
				Message:     step.Message,
				At:          time.Now().UTC(),
			})
		}
	}}

	done, err := c.executor.Run(ctx, exec, inst, c.opts.Script, remote.RunOptions{
		Files:   []remote.File{{Path: ManifestPath, Data: manifest, Perm: 0o644}},
		OnChunk: lines.Feed,
	})

	var chErr *remote.ChannelError
	switch {
	case errors.As(err, &chErr):
		note := fmt.Sprintf("[remote channel unavailable (%s): %v]\n%s", chErr.Stage, chErr.Err, simulatedNote)
		if _, finishErr := c.execs.Finish(exec.ID, executions.StatusCompleted, note); finishErr != nil {
			c.logger.Error("record simulated fallback", "instanceID", instanceID, "executionID", exec.ID, "error", finishErr)
		}
		c.publish(progress.OutputChunk{InstanceID: instanceID, ExecutionID: exec.ID, Data: note, At: time.Now().UTC()})
		c.logger.Warn("setup falling back to simulated mode", "instanceID", instanceID, "executionID", exec.ID, "stage", chErr.Stage, "error", chErr.Err)
		c.complete(instanceID, exec.ID, executions.StatusCompleted, instances.SetupDemoReady, "Remote channel unavailable; running in simulated mode")
		return nil
	case err != nil:
		c.complete(instanceID, exec.ID, executions.StatusFailed, instances.SetupFailed, err.Error())
		return err
	case done.Status == executions.StatusCompleted:
		c.complete(instanceID, exec.ID, done.Status, instances.SetupReady, "Setup completed")
		return nil
	default:
		c.complete(instanceID, exec.ID, done.Status, instances.SetupFailed, "Setup script failed; see execution "+exec.ID)
		return nil
	}
}

func (c *Controller) complete(instanceID, execID string, execStatus executions.Status, setupStatus instances.SetupStatus, message string) {
	c.setSetup(instanceID, setupStatus, message)
	c.metrics.SetupFinished(string(setupStatus))
	c.publish(progress.SetupCompleted{
		InstanceID:      instanceID,
		ExecutionID:     execID,
		SetupStatus:     string(setupStatus),
		ExecutionStatus: string(execStatus),
		Simulated:       setupStatus.Simulated(),
		Message:         message,
		At:              time.Now().UTC(),
	})
	c.logger.Info("setup finished", "instanceID", instanceID, "executionID", execID, "setupStatus", setupStatus)
}

// setSetup records a setup outcome. It fails quietly when the instance was
// stopped in the meantime, since stopping already reset the setup status.
func (c *Controller) setSetup(instanceID string, status instances.SetupStatus, message string) {
	if _, err := instances.SetSetupStatus(c.instances, instanceID, status, message); err != nil {
		c.logger.Warn("record setup status", "instanceID", instanceID, "setupStatus", status, "error", err)
	}
}

func (c *Controller) publish(ev progress.Event) {
	if c.publisher != nil {
		c.publisher.Publish(ev)
	}
}
