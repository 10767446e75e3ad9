package executions

import (
	"fmt"
	"time"
)

// Repository persists executions. Implementations must reject AppendOutput
// and Finish once the execution left StatusRunning.
type Repository interface {
	Create(exec *Execution) (*Execution, error)
	Get(id string) (*Execution, error)
	ListByInstance(instanceID string) ([]*Execution, error)
	AppendOutput(id string, chunk string) error
	// Finish appends trailer (may be empty) and sets a terminal status in one step.
	Finish(id string, status Status, trailer string) (*Execution, error)
}

func checkTerminal(status Status) error {
	if !status.Terminal() {
		return fmt.Errorf("finish execution with non-terminal status %q", status)
	}
	return nil
}

// Apply performs an in-place append/finish on exec, enforcing immutability.
// Shared by the key-value backends that load, mutate and store whole records.
func Apply(exec *Execution, chunk string, status Status) error {
	if exec.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrImmutable, exec.ID)
	}
	if status != "" {
		if err := checkTerminal(status); err != nil {
			return err
		}
	}
	exec.Output += chunk
	exec.UpdatedAt = time.Now().UTC()
	if status != "" {
		exec.Status = status
		finished := exec.UpdatedAt
		exec.FinishedAt = &finished
	}
	return nil
}
