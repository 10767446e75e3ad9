package generations

import "time"

// Repository persists generations. Update must apply fn to a copy and leave
// the stored record untouched when fn fails.
type Repository interface {
	Create(g *Generation) (*Generation, error)
	Get(id string) (*Generation, error)
	List(filter Filter) ([]*Generation, error)
	Update(id string, fn func(g *Generation) error) (*Generation, error)
	Delete(id string) error
}

// Seal restores the fields that never change after creation and stamps
// UpdatedAt. Every backend calls it after running an update function.
func Seal(next, current *Generation) {
	next.ID = current.ID
	next.InstanceID = current.InstanceID
	next.CreatedAt = current.CreatedAt
	if current.QueueID != "" {
		next.QueueID = current.QueueID
	}
	next.UpdatedAt = time.Now().UTC()
}

// PrepareNew fills the timestamps and the initial status of a new record.
func PrepareNew(g *Generation) {
	now := time.Now().UTC()
	if g.Status == "" {
		g.Status = StatusPending
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
}
