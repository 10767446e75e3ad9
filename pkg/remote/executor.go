package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyvo/studio/backend/pkg/executions"
	"github.com/vyvo/studio/backend/pkg/instances"
	"github.com/vyvo/studio/backend/pkg/logging"
	"github.com/vyvo/studio/backend/pkg/metrics"
	"github.com/vyvo/studio/backend/pkg/progress"
)

// errInstanceLeftRunning cancels an execution whose instance was stopped underneath it.
var errInstanceLeftRunning = errors.New("instance left running state")

// Publisher receives live execution events.
type Publisher interface {
	Publish(ev progress.Event)
}

// Config tunes the executor. Zero values fall back to the defaults below.
type Config struct {
	// Command is the remote program the script is piped into.
	Command string
	// Timeout caps the wall-clock duration of a single execution.
	Timeout time.Duration
	// GuardInterval is how often the owning instance is re-read to abort
	// runs on instances that stopped.
	GuardInterval time.Duration
	DefaultUser   string
}

func (c Config) withDefaults() Config {
	if c.Command == "" {
		c.Command = "bash -s"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Minute
	}
	if c.GuardInterval <= 0 {
		c.GuardInterval = 10 * time.Second
	}
	if c.DefaultUser == "" {
		c.DefaultUser = "root"
	}
	return c
}

// File is uploaded to the instance before the script starts.
type File struct {
	Path string
	Data []byte
	Perm os.FileMode
}

// RunOptions customises a single run.
type RunOptions struct {
	Files []File
	// OnChunk observes every output chunk after it was persisted and
	// published, in arrival order.
	OnChunk func(chunk string)
}

// Executor streams scripts to instances and records the output.
type Executor struct {
	dialer    Dialer
	execs     executions.Repository
	instances instances.Repository
	publisher Publisher
	metrics   *metrics.Metrics
	logger    logging.Logger
	cfg       Config
}

func NewExecutor(dialer Dialer, execs executions.Repository, insts instances.Repository, publisher Publisher, m *metrics.Metrics, logger logging.Logger, cfg Config) *Executor {
	return &Executor{
		dialer:    dialer,
		execs:     execs,
		instances: insts,
		publisher: publisher,
		metrics:   m,
		logger:    logging.Ensure(logger),
		cfg:       cfg.withDefaults(),
	}
}

// Begin persists a new running Execution for the instance.
func (e *Executor) Begin(instanceID string) (*executions.Execution, error) {
	return e.execs.Create(executions.New(uuid.NewString(), instanceID))
}

// Execute is Begin followed by Run.
func (e *Executor) Execute(ctx context.Context, inst *instances.Instance, script []byte, opts RunOptions) (*executions.Execution, error) {
	exec, err := e.Begin(inst.ID)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, exec, inst, script, opts)
}

// Run streams script to the instance and drives exec to a terminal status.
//
// A script that ran, whatever its exit code, yields the finished Execution
// and a nil error. If the channel could not be opened the error is a
// *ChannelError and exec is left running for the caller to resolve.
func (e *Executor) Run(ctx context.Context, exec *executions.Execution, inst *instances.Instance, script []byte, opts RunOptions) (*executions.Execution, error) {
	ctx, span := otel.Tracer("github.com/vyvo/studio/backend/pkg/remote").Start(ctx, "remote.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("instance.id", inst.ID),
		attribute.String("execution.id", exec.ID),
	)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	runCtx, stopTimer := context.WithTimeoutCause(runCtx, e.cfg.Timeout,
		fmt.Errorf("execution exceeded %s", e.cfg.Timeout))
	defer stopTimer()
	go e.guard(runCtx, inst.ID, cancel)

	target := TargetFor(inst, e.cfg.DefaultUser)
	e.logger.Info("remote execution starting", "instanceID", inst.ID, "executionID", exec.ID, "addr", target.Addr())

	conn, err := e.dialer.Dial(runCtx, target)
	if err != nil && runCtx.Err() != nil {
		return e.finish(span, exec.ID, inst.ID, executions.StatusFailed,
			fmt.Sprintf("\n[execution aborted: %v]\n", context.Cause(runCtx)))
	}
	if err != nil {
		var chErr *ChannelError
		if !errors.As(err, &chErr) {
			chErr = &ChannelError{Stage: StageDial, Addr: target.Addr(), Err: err}
		}
		span.RecordError(chErr)
		span.SetStatus(codes.Error, "channel")
		e.logger.Warn("remote channel unavailable", "instanceID", inst.ID, "executionID", exec.ID, "stage", chErr.Stage, "error", chErr.Err)
		return exec, chErr
	}
	defer conn.Close()

	out := &sink{exec: e, execID: exec.ID, instanceID: inst.ID, onChunk: opts.OnChunk}

	for _, f := range opts.Files {
		if err := conn.Upload(runCtx, f.Path, f.Data, f.Perm); err != nil {
			return e.finish(span, exec.ID, inst.ID, executions.StatusFailed,
				fmt.Sprintf("\n[upload of %s failed: %v]\n", f.Path, err))
		}
	}

	code, err := conn.Run(runCtx, e.cfg.Command, bytes.NewReader(script), out, out)
	switch {
	case runCtx.Err() != nil:
		cause := context.Cause(runCtx)
		return e.finish(span, exec.ID, inst.ID, executions.StatusFailed,
			fmt.Sprintf("\n[execution aborted: %v]\n", cause))
	case err != nil:
		var chErr *ChannelError
		if errors.As(err, &chErr) {
			return exec, chErr
		}
		return e.finish(span, exec.ID, inst.ID, executions.StatusFailed,
			fmt.Sprintf("\n[output stream terminated: %v]\n", err))
	case code != 0:
		return e.finish(span, exec.ID, inst.ID, executions.StatusFailed,
			fmt.Sprintf("\n[script exited with status %d]\n", code))
	default:
		return e.finish(span, exec.ID, inst.ID, executions.StatusCompleted, "")
	}
}

func (e *Executor) finish(span trace.Span, execID, instanceID string, status executions.Status, trailer string) (*executions.Execution, error) {
	done, err := e.execs.Finish(execID, status, trailer)
	if err != nil {
		return nil, fmt.Errorf("finish execution %s: %w", execID, err)
	}
	if trailer != "" {
		e.publish(progress.OutputChunk{InstanceID: instanceID, ExecutionID: execID, Data: trailer, At: time.Now().UTC()})
	}
	span.SetAttributes(attribute.String("execution.status", string(status)))
	if status == executions.StatusFailed {
		span.SetStatus(codes.Error, trailer)
	}
	e.metrics.ExecutionFinished(string(status))
	e.logger.Info("remote execution finished", "instanceID", instanceID, "executionID", execID, "status", status)
	return done, nil
}

// guard aborts the run once the instance is no longer running.
func (e *Executor) guard(ctx context.Context, instanceID string, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(e.cfg.GuardInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			inst, err := e.instances.Get(instanceID)
			if errors.Is(err, instances.ErrNotFound) {
				cancel(fmt.Errorf("%w: instance deleted", errInstanceLeftRunning))
				return
			}
			if err != nil {
				e.logger.Warn("execution guard: load instance", "instanceID", instanceID, "error", err)
				continue
			}
			if inst.Status != instances.StatusRunning {
				cancel(fmt.Errorf("%w: status %s", errInstanceLeftRunning, inst.Status))
				return
			}
		}
	}
}

func (e *Executor) publish(ev progress.Event) {
	if e.publisher != nil {
		e.publisher.Publish(ev)
	}
}

// sink receives both remote output streams. The mutex keeps append and
// broadcast order identical to arrival order.
type sink struct {
	mu         sync.Mutex
	exec       *Executor
	execID     string
	instanceID string
	onChunk    func(string)
}

func (s *sink) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	chunk := string(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.exec.execs.AppendOutput(s.execID, chunk); err != nil {
		s.exec.logger.Error("persist execution output", "executionID", s.execID, "error", err)
	}
	s.exec.publish(progress.OutputChunk{InstanceID: s.instanceID, ExecutionID: s.execID, Data: chunk, At: time.Now().UTC()})
	if s.onChunk != nil {
		s.onChunk(chunk)
	}
	return len(p), nil
}
