package workflows

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vyvo/studio/backend/pkg/inference"
	"github.com/vyvo/studio/backend/pkg/logging"
)

// Catalog validates workflows on the way in and serves them as job templates.
type Catalog struct {
	store  Store
	logger logging.Logger
}

func NewCatalog(store Store, logger logging.Logger) *Catalog {
	return &Catalog{store: store, logger: logging.Ensure(logger)}
}

// Create stores a workflow along with the models its graph references.
func (c *Catalog) Create(in Input) (*Workflow, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if len(in.Graph) == 0 {
		return nil, fmt.Errorf("%w: graph is required", ErrInvalid)
	}
	models, err := ExtractModels(in.Graph)
	if err != nil {
		return nil, err
	}
	w, err := c.store.Create(&Workflow{
		Name:        strings.TrimSpace(in.Name),
		Description: strings.TrimSpace(in.Description),
		Graph:       append(json.RawMessage(nil), in.Graph...),
		Models:      models,
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("workflow created", "workflowID", w.ID, "models", len(w.Models))
	return w, nil
}

func (c *Catalog) Get(id string) (*Workflow, error) { return c.store.Get(id) }

func (c *Catalog) List() ([]*Workflow, error) { return c.store.List() }

func (c *Catalog) Delete(id string) error {
	if err := c.store.Delete(id); err != nil {
		return err
	}
	c.logger.Info("workflow deleted", "workflowID", id)
	return nil
}

// SyncResult reports the models found in the graph during a sync.
type SyncResult struct {
	Found    []RequiredModel `json:"models"`
	Workflow *Workflow       `json:"workflow"`
}

// SyncModels re-reads the graph and attaches any model it references that
// is not recorded yet. Existing entries are kept.
func (c *Catalog) SyncModels(id string) (*SyncResult, error) {
	w, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}
	found, err := ExtractModels(w.Graph)
	if err != nil {
		return nil, err
	}
	w, err = c.store.AddModels(id, found)
	if err != nil {
		return nil, err
	}
	c.logger.Info("workflow models synced", "workflowID", id, "found", len(found), "total", len(w.Models))
	return &SyncResult{Found: found, Workflow: w}, nil
}

// Template returns the workflow graph ready for BuildGraph.
func (c *Catalog) Template(_ context.Context, id string) (inference.Graph, error) {
	w, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}
	return inference.ParseGraph(w.Graph)
}
