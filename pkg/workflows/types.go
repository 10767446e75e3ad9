package workflows

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no workflow matches the requested id.
	ErrNotFound = errors.New("workflow not found")
	// ErrInvalid is returned for workflows missing a name or a JSON object graph.
	ErrInvalid = errors.New("invalid workflow")
)

// ModelType classifies a model file a workflow loads.
type ModelType string

const (
	ModelCheckpoint ModelType = "checkpoint"
	ModelLoRA       ModelType = "lora"
	ModelVAE        ModelType = "vae"
)

// RequiredModel is a model file the workflow graph references.
type RequiredModel struct {
	Name     string    `json:"name"`
	Type     ModelType `json:"type"`
	Required bool      `json:"required"`
}

// Workflow is a stored job graph template.
type Workflow struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Graph       json.RawMessage `json:"graph"`
	Models      []RequiredModel `json:"models"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func (w *Workflow) Clone() *Workflow {
	c := *w
	c.Graph = append(json.RawMessage(nil), w.Graph...)
	c.Models = append([]RequiredModel(nil), w.Models...)
	return &c
}

// Input carries the fields a client supplies when saving a workflow.
type Input struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Graph       json.RawMessage `json:"graph"`
}

// Store persists workflows and their required models.
type Store interface {
	Create(w *Workflow) (*Workflow, error)
	Get(id string) (*Workflow, error)
	List() ([]*Workflow, error)
	Delete(id string) error
	// AddModels records models not yet attached to the workflow; names
	// already present are left as they are.
	AddModels(id string, models []RequiredModel) (*Workflow, error)
}

// mergeModels appends entries whose name is not present yet.
func mergeModels(existing, found []RequiredModel) []RequiredModel {
	seen := make(map[string]struct{}, len(existing))
	out := append([]RequiredModel(nil), existing...)
	for _, m := range existing {
		seen[m.Name] = struct{}{}
	}
	for _, m := range found {
		if _, ok := seen[m.Name]; ok {
			continue
		}
		seen[m.Name] = struct{}{}
		out = append(out, m)
	}
	return out
}
