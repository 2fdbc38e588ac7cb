package laborder

import (
	"context"
)

// OrderRepository persists order snapshots. Update is conditional on the
// snapshot's VersionID and bumps it on success; a stale snapshot yields
// lifecycle.ErrVersionConflict.
type OrderRepository interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id string) (*Order, error)
	Update(ctx context.Context, o *Order) error
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Order, int, error)
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Order, int, error)
}
