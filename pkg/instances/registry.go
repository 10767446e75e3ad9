package instances

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vyvo/studio/backend/pkg/logging"
	"github.com/vyvo/studio/backend/pkg/marketplace"
)

// Provider is the slice of the marketplace API the registry drives.
type Provider interface {
	Launch(ctx context.Context, req marketplace.LaunchRequest) (string, error)
	Get(ctx context.Context, id string) (marketplace.Machine, error)
	Stop(ctx context.Context, id string) error
	Destroy(ctx context.Context, id string) error
}

// ProvisionSpec is what a client asks for when renting an instance.
type ProvisionSpec struct {
	OfferID       string            `json:"offerId"`
	Image         string            `json:"image"`
	DiskGB        float64           `json:"diskGb"`
	Label         string            `json:"label"`
	OnStart       string            `json:"onStart,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Hardware      Hardware          `json:"hardware"`
	PricePerHour  float64           `json:"pricePerHour"`
	Location      string            `json:"location"`
	SSHUsername   string            `json:"sshUsername,omitempty"`
	SSHPrivateKey string            `json:"sshPrivateKey,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Registry owns the lifecycle status of instances. Setup status is owned by
// the setup controller; the registry only resets it when an instance stops.
type Registry struct {
	repo     Repository
	provider Provider
	logger   logging.Logger
	onStop   func(instanceID string)
}

// Option customises a Registry.
type Option func(*Registry)

// WithStopHook registers a callback invoked after an instance is asked to
// stop, used to cancel background work bound to it.
func WithStopHook(fn func(instanceID string)) Option {
	return func(r *Registry) { r.onStop = fn }
}

func NewRegistry(repo Repository, provider Provider, logger logging.Logger, opts ...Option) *Registry {
	r := &Registry{repo: repo, provider: provider, logger: logging.Ensure(logger)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Repository exposes the backing store for read paths.
func (r *Registry) Repository() Repository {
	return r.repo
}

// Provision launches an offer on the marketplace and records the instance.
func (r *Registry) Provision(ctx context.Context, spec ProvisionSpec) (*Instance, error) {
	if strings.TrimSpace(spec.OfferID) == "" {
		return nil, fmt.Errorf("%w: offer id is required", ErrInvalidSpec)
	}
	if strings.TrimSpace(spec.Image) == "" {
		return nil, fmt.Errorf("%w: image is required", ErrInvalidSpec)
	}

	externalID, err := r.provider.Launch(ctx, marketplace.LaunchRequest{
		OfferID: spec.OfferID,
		Image:   spec.Image,
		DiskGB:  spec.DiskGB,
		Label:   spec.Label,
		OnStart: spec.OnStart,
		Env:     spec.Env,
	})
	if err != nil {
		return nil, err
	}

	inst, err := r.repo.Create(&Instance{
		ExternalID:    externalID,
		OfferID:       spec.OfferID,
		Label:         spec.Label,
		Image:         spec.Image,
		Hardware:      spec.Hardware,
		PricePerHour:  spec.PricePerHour,
		Location:      spec.Location,
		SSHUsername:   spec.SSHUsername,
		SSHPrivateKey: NormalizePrivateKey(spec.SSHPrivateKey),
		Metadata:      spec.Metadata,
	})
	if err != nil {
		r.releaseContract(ctx, externalID)
		return nil, fmt.Errorf("record instance for contract %s: %w", externalID, err)
	}

	inst, err = SetStatus(r.repo, inst.ID, StatusLaunching, "Launch accepted by marketplace (contract "+externalID+")")
	if err != nil {
		r.releaseContract(ctx, externalID)
		return nil, err
	}
	r.logger.Info("instance provisioned", "instanceID", inst.ID, "externalID", externalID, "offerID", spec.OfferID)
	return inst, nil
}

// releaseContract destroys a contract the registry failed to record, so a
// launched machine is never left billing without an instance pointing at it.
func (r *Registry) releaseContract(ctx context.Context, externalID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := r.provider.Destroy(ctx, externalID); err != nil && !errors.Is(err, marketplace.ErrNotFound) {
		r.logger.Error("failed to destroy unrecorded contract", "externalID", externalID, "error", err)
		return
	}
	r.logger.Warn("destroyed unrecorded contract", "externalID", externalID)
}

// Refresh re-queries the marketplace and updates status and connection details.
func (r *Registry) Refresh(ctx context.Context, id string) (*Instance, error) {
	inst, err := r.repo.Get(id)
	if err != nil {
		return nil, err
	}
	machine, err := r.provider.Get(ctx, inst.ExternalID)
	if err != nil {
		if errors.Is(err, marketplace.ErrNotFound) {
			return r.applyStatus(id, StatusStopped, "Instance no longer listed by marketplace")
		}
		return nil, err
	}

	inst, err = r.repo.Update(id, func(i *Instance) error {
		if machine.PublicIP != "" {
			i.Address = machine.PublicIP
		}
		if machine.SSHHost != "" {
			i.SSHHost = machine.SSHHost
			i.SSHPort = machine.SSHPort
		} else if port, ok := machine.Ports["22"]; ok {
			i.SSHPort = port
		}
		if len(machine.Ports) > 0 {
			i.Ports = machine.Ports
		}
		if machine.GPUName != "" {
			i.Hardware = Hardware{
				GPUName:  machine.GPUName,
				GPUCount: machine.NumGPUs,
				CPUCores: machine.CPUCores,
				MemoryGB: machine.MemoryGB,
				DiskGB:   machine.DiskGB,
			}
		}
		if machine.PricePerHour > 0 {
			i.PricePerHour = machine.PricePerHour
		}
		if machine.Location != "" {
			i.Location = machine.Location
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	status, ok := statusFromMachine(machine.State)
	if !ok || status == inst.Status {
		return inst, nil
	}
	return r.applyStatus(id, status, fmt.Sprintf("Marketplace reports %s", machine.RawState))
}

func (r *Registry) applyStatus(id string, status Status, message string) (*Instance, error) {
	inst, err := SetStatus(r.repo, id, status, message)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			r.logger.Warn("ignoring marketplace status", "instanceID", id, "status", status, "error", err)
			return r.repo.Get(id)
		}
		return nil, err
	}
	return inst, nil
}

// RefreshAll refreshes every instance that is not stopped. Errors are logged
// per instance so one unreachable record does not block the sweep.
func (r *Registry) RefreshAll(ctx context.Context) {
	list, err := r.repo.List(Filter{})
	if err != nil {
		r.logger.Error("refresh sweep: list instances", "error", err)
		return
	}
	for _, inst := range list {
		if inst.Status == StatusStopped {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if _, err := r.Refresh(ctx, inst.ID); err != nil {
			r.logger.Error("refresh sweep: refresh instance", "instanceID", inst.ID, "error", err)
		}
	}
}

// ScheduleRefresh runs RefreshAll on a cron schedule such as "@every 30s".
// The returned function stops the schedule and waits for a running sweep.
func (r *Registry) ScheduleRefresh(ctx context.Context, schedule string, perRun time.Duration) (func(), error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(schedule, func() {
		runCtx, cancel := context.WithTimeout(ctx, perRun)
		defer cancel()
		r.RefreshAll(runCtx)
	})
	if err != nil {
		return nil, fmt.Errorf("parse refresh schedule %q: %w", schedule, err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}

// Stop asks the marketplace to stop a running or launching instance.
func (r *Registry) Stop(ctx context.Context, id string) (*Instance, error) {
	inst, err := r.repo.Get(id)
	if err != nil {
		return nil, err
	}
	if inst.Status != StatusRunning && inst.Status != StatusLaunching {
		return nil, fmt.Errorf("%w: cannot stop instance in status %s", ErrPreconditionFailed, inst.Status)
	}
	if err := r.provider.Stop(ctx, inst.ExternalID); err != nil {
		return nil, err
	}
	inst, err = SetStatus(r.repo, id, StatusStopping, "Stop requested")
	if err != nil {
		return nil, err
	}
	if r.onStop != nil {
		r.onStop(id)
	}
	r.logger.Info("instance stopping", "instanceID", id)
	return inst, nil
}

// Delete destroys a non-running instance and removes its record. Executions
// and generations that reference it are kept for audit.
func (r *Registry) Delete(ctx context.Context, id string) error {
	inst, err := r.repo.Get(id)
	if err != nil {
		return err
	}
	if inst.Status == StatusRunning {
		return fmt.Errorf("%w: stop the instance before deleting it", ErrPreconditionFailed)
	}
	if err := r.provider.Destroy(ctx, inst.ExternalID); err != nil && !errors.Is(err, marketplace.ErrNotFound) {
		return err
	}
	if r.onStop != nil {
		r.onStop(id)
	}
	if err := r.repo.Delete(id); err != nil {
		return err
	}
	r.logger.Info("instance deleted", "instanceID", id)
	return nil
}

func statusFromMachine(state marketplace.State) (Status, bool) {
	switch state {
	case marketplace.StateLaunching:
		return StatusLaunching, true
	case marketplace.StateRunning:
		return StatusRunning, true
	case marketplace.StateStopping:
		return StatusStopping, true
	case marketplace.StateStopped:
		return StatusStopped, true
	}
	return "", false
}

// NormalizePrivateKey trims a pasted PEM block and restores its trailing newline.
func NormalizePrivateKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	return key + "\n"
}
