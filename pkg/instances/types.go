package instances

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no instance matches the requested id.
	ErrNotFound = errors.New("instance not found")
	// ErrPreconditionFailed indicates the instance is not in the status the operation requires.
	ErrPreconditionFailed = errors.New("instance precondition failed")
	// ErrInvalidTransition indicates a status change outside the lifecycle contract.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidSpec is returned for provision requests missing required fields.
	ErrInvalidSpec = errors.New("invalid provision spec")
)

// Status is the provider-side lifecycle state of an instance.
type Status string

const (
	StatusPending   Status = "pending"
	StatusLaunching Status = "launching"
	StatusRunning   Status = "running"
	StatusStopping  Status = "stopping"
	StatusStopped   Status = "stopped"
)

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusLaunching, StatusRunning, StatusStopping, StatusStopped:
		return true
	}
	return false
}

// SetupStatus tracks the remote installation pass independently of Status.
type SetupStatus string

const (
	SetupNone      SetupStatus = "none"
	SetupPending   SetupStatus = "pending"
	SetupRunning   SetupStatus = "running"
	SetupReady     SetupStatus = "ready"
	SetupDemoReady SetupStatus = "demo-ready"
	SetupFailed    SetupStatus = "failed"
)

// Valid reports whether s is one of the known setup states.
func (s SetupStatus) Valid() bool {
	switch s {
	case SetupNone, SetupPending, SetupRunning, SetupReady, SetupDemoReady, SetupFailed:
		return true
	}
	return false
}

// Succeeded reports whether setup reached one of its terminal success states.
func (s SetupStatus) Succeeded() bool {
	return s == SetupReady || s == SetupDemoReady
}

// Simulated reports whether inference for the instance is synthesized locally.
func (s SetupStatus) Simulated() bool {
	return s == SetupDemoReady
}

var setupTransitions = map[SetupStatus][]SetupStatus{
	SetupNone:      {SetupPending},
	SetupFailed:    {SetupPending},
	SetupPending:   {SetupRunning, SetupFailed},
	SetupRunning:   {SetupReady, SetupDemoReady, SetupFailed},
	SetupReady:     nil,
	SetupDemoReady: nil,
}

// TransitionSetup validates moving from one setup state to another given the
// current lifecycle status. Resetting to SetupNone is only allowed once the
// instance has left StatusRunning.
func TransitionSetup(lifecycle Status, from, to SetupStatus) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown setup status %q", ErrInvalidTransition, to)
	}
	if to == SetupNone {
		if lifecycle == StatusRunning {
			return fmt.Errorf("%w: setup reset requires a non-running instance", ErrInvalidTransition)
		}
		return nil
	}
	if (to == SetupPending || to == SetupRunning) && lifecycle != StatusRunning {
		return fmt.Errorf("%w: setup %s requires status running, got %s", ErrPreconditionFailed, to, lifecycle)
	}
	for _, allowed := range setupTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: setup %s -> %s", ErrInvalidTransition, from, to)
}

var lifecycleTransitions = map[Status][]Status{
	StatusPending:   {StatusLaunching, StatusRunning, StatusStopped},
	StatusLaunching: {StatusRunning, StatusStopping, StatusStopped},
	StatusRunning:   {StatusStopping, StatusStopped},
	StatusStopping:  {StatusStopped, StatusRunning},
	StatusStopped:   {StatusLaunching, StatusRunning},
}

// TransitionStatus validates a lifecycle change reported by the provider.
// Re-asserting the current status is always allowed.
func TransitionStatus(from, to Status) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if from == to {
		return nil
	}
	for _, allowed := range lifecycleTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: status %s -> %s", ErrInvalidTransition, from, to)
}

// Hardware describes the accelerator host offered by the marketplace.
type Hardware struct {
	GPUName  string  `json:"gpuName"`
	GPUCount int     `json:"gpuCount"`
	CPUCores float64 `json:"cpuCores"`
	MemoryGB float64 `json:"memoryGb"`
	DiskGB   float64 `json:"diskGb"`
}

// Instance is one provisioned remote compute node.
type Instance struct {
	ID            string            `json:"id"`
	ExternalID    string            `json:"externalId"`
	OfferID       string            `json:"offerId"`
	Label         string            `json:"label"`
	Image         string            `json:"image"`
	Hardware      Hardware          `json:"hardware"`
	PricePerHour  float64           `json:"pricePerHour"`
	Location      string            `json:"location"`
	Status        Status            `json:"status"`
	SetupStatus   SetupStatus       `json:"setupStatus"`
	Address       string            `json:"address"`
	SSHHost       string            `json:"sshHost,omitempty"`
	SSHPort       int               `json:"sshPort"`
	SSHUsername   string            `json:"sshUsername"`
	SSHPrivateKey string            `json:"-"`
	SSHPassword   string            `json:"-"`
	Ports         map[string]int    `json:"ports,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	LastError     string            `json:"lastError,omitempty"`
	LaunchedAt    *time.Time        `json:"launchedAt,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// PublicPort returns the host port mapped to a container port, falling back
// to the container port itself when no mapping is known.
func (i *Instance) PublicPort(containerPort int) (int, bool) {
	if port, ok := i.Ports[fmt.Sprintf("%d", containerPort)]; ok && port > 0 {
		return port, true
	}
	return containerPort, false
}

// SSHTarget returns the host and port the remote shell should dial.
func (i *Instance) SSHTarget() (string, int) {
	host := i.SSHHost
	if host == "" {
		host = i.Address
	}
	port := i.SSHPort
	if port == 0 {
		port = 22
	}
	return host, port
}

// Clone returns a deep copy safe to hand out of a store.
func (i *Instance) Clone() *Instance {
	c := *i
	if i.Ports != nil {
		c.Ports = make(map[string]int, len(i.Ports))
		for k, v := range i.Ports {
			c.Ports[k] = v
		}
	}
	if i.Metadata != nil {
		c.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			c.Metadata[k] = v
		}
	}
	if i.LaunchedAt != nil {
		t := *i.LaunchedAt
		c.LaunchedAt = &t
	}
	return &c
}

// EventKind classifies audit entries recorded against an instance.
type EventKind string

const (
	EventLifecycle  EventKind = "lifecycle"
	EventSetup      EventKind = "setup"
	EventGeneration EventKind = "generation"
)

// Event is an append-only audit entry for an instance.
type Event struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instanceId"`
	Kind       EventKind `json:"kind"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status      Status
	SetupStatus SetupStatus
}

// Matches reports whether the instance satisfies the filter.
func (f Filter) Matches(i *Instance) bool {
	if f.Status != "" && i.Status != f.Status {
		return false
	}
	if f.SetupStatus != "" && i.SetupStatus != f.SetupStatus {
		return false
	}
	return true
}
