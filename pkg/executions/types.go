package executions

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no execution matches the requested id.
	ErrNotFound = errors.New("execution not found")
	// ErrImmutable is returned when writing to an execution that already finished.
	ErrImmutable = errors.New("execution already finished")
)

// Status is the lifecycle state of one remote script run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further writes are accepted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Execution is one script run against one instance. Output only grows.
type Execution struct {
	ID         string     `json:"id"`
	InstanceID string     `json:"instanceId"`
	Status     Status     `json:"status"`
	Output     string     `json:"output"`
	StartedAt  time.Time  `json:"startedAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

func (e *Execution) Clone() *Execution {
	c := *e
	if e.FinishedAt != nil {
		t := *e.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// New returns a running execution for the instance with a fresh id.
func New(id, instanceID string) *Execution {
	now := time.Now().UTC()
	return &Execution{
		ID:         id,
		InstanceID: instanceID,
		Status:     StatusRunning,
		StartedAt:  now,
		UpdatedAt:  now,
	}
}
