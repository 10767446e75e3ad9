package generations

import (
	"errors"
	"fmt"
	"time"

	"github.com/vyvo/studio/backend/pkg/inference"
)

var (
	// ErrNotFound is returned when no generation matches the requested id.
	ErrNotFound = errors.New("generation not found")
	// ErrInvalidTransition indicates a status change outside pending -> running -> terminal.
	ErrInvalidTransition = errors.New("invalid generation transition")
)

// Status is the lifecycle state of one inference job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the generation can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning},
	StatusRunning: {StatusCompleted, StatusFailed},
}

// Transition validates a status change.
func Transition(from, to Status) error {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Generation is one inference request and its asynchronous outcome.
type Generation struct {
	ID             string           `json:"id"`
	InstanceID     string           `json:"instanceId"`
	WorkflowID     string           `json:"workflowId,omitempty"`
	Prompt         string           `json:"prompt"`
	NegativePrompt string           `json:"negativePrompt,omitempty"`
	Params         inference.Params `json:"params"`
	QueueID        string           `json:"queueId,omitempty"`
	EndpointURL    string           `json:"endpointUrl,omitempty"`
	Status         Status           `json:"status"`
	Attempts       int              `json:"attempts"`
	ImageURLs      []string         `json:"imageUrls,omitempty"`
	Error          string           `json:"error,omitempty"`
	Simulated      bool             `json:"simulated"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
	CompletedAt    *time.Time       `json:"completedAt,omitempty"`
}

func (g *Generation) Clone() *Generation {
	c := *g
	if g.Params.Seed != nil {
		seed := *g.Params.Seed
		c.Params.Seed = &seed
	}
	if g.ImageURLs != nil {
		c.ImageURLs = append([]string(nil), g.ImageURLs...)
	}
	if g.CompletedAt != nil {
		t := *g.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	InstanceID string
	Status     Status
}

func (f Filter) Matches(g *Generation) bool {
	if f.InstanceID != "" && g.InstanceID != f.InstanceID {
		return false
	}
	if f.Status != "" && g.Status != f.Status {
		return false
	}
	return true
}
