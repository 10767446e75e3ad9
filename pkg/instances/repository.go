package instances

import (
	"fmt"
	"time"
)

// Repository defines the storage operations the orchestration core needs for instances.
type Repository interface {
	Create(inst *Instance) (*Instance, error)
	Get(id string) (*Instance, error)
	List(filter Filter) ([]*Instance, error)
	Update(id string, fn func(i *Instance) error) (*Instance, error)
	Delete(id string) error
	AppendEvent(id string, kind EventKind, message string) error
	Events(id string) ([]Event, error)
}

// SetStatus applies a validated lifecycle transition and records it.
// Leaving StatusRunning resets the setup status, since a stopped machine
// loses whatever the setup pass installed in its ephemeral container.
func SetStatus(repo Repository, id string, status Status, message string) (*Instance, error) {
	var changed bool
	inst, err := repo.Update(id, func(i *Instance) error {
		if err := TransitionStatus(i.Status, status); err != nil {
			return err
		}
		changed = i.Status != status
		i.Status = status
		if status == StatusRunning && i.LaunchedAt == nil {
			now := time.Now().UTC()
			i.LaunchedAt = &now
		}
		if status == StatusStopped || status == StatusStopping {
			i.SetupStatus = SetupNone
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		if message == "" {
			message = fmt.Sprintf("status changed to %s", status)
		}
		_ = repo.AppendEvent(id, EventLifecycle, message)
	}
	return inst, nil
}

// SetSetupStatus applies a validated setup transition and records it.
func SetSetupStatus(repo Repository, id string, status SetupStatus, message string) (*Instance, error) {
	inst, err := repo.Update(id, func(i *Instance) error {
		if err := TransitionSetup(i.Status, i.SetupStatus, status); err != nil {
			return err
		}
		i.SetupStatus = status
		if status == SetupFailed {
			i.LastError = message
		} else if status.Succeeded() {
			i.LastError = ""
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if message == "" {
		message = fmt.Sprintf("setup %s", status)
	}
	_ = repo.AppendEvent(id, EventSetup, message)
	return inst, nil
}

// applyDefaults fills the fields every backend initialises on create.
func applyDefaults(inst *Instance, now time.Time) {
	if inst.Status == "" {
		inst.Status = StatusPending
	}
	if inst.SetupStatus == "" {
		inst.SetupStatus = SetupNone
	}
	if inst.SSHPort == 0 {
		inst.SSHPort = 22
	}
	if inst.SSHUsername == "" {
		inst.SSHUsername = "root"
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now
}

// PrepareNew assigns an id and the defaults applied on create. Exported for
// out-of-package repository implementations.
func PrepareNew(inst *Instance, newID func() string) {
	if inst.ID == "" {
		inst.ID = newID()
	}
	applyDefaults(inst, time.Now().UTC())
}
