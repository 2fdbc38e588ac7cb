// Package statushistory records every lifecycle transition of a clinical
// record so that status changes can be audited after the fact.
package statushistory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/clinicalrecord/internal/platform/db"
)

// Entry maps to the status_history table.
type Entry struct {
	ID           string    `db:"id" json:"id"`
	ResourceType string    `db:"resource_type" json:"resource_type"` // lab_order, progress_note, discharge_summary
	ResourceID   string    `db:"resource_id" json:"resource_id"`
	Operation    string    `db:"operation" json:"operation"`
	FromStatus   string    `db:"from_status" json:"from_status"`
	ToStatus     string    `db:"to_status" json:"to_status"`
	ChangedBy    string    `db:"changed_by" json:"changed_by"`
	ChangedAt    time.Time `db:"changed_at" json:"changed_at"`
	Reason       *string   `db:"reason" json:"reason,omitempty"`
}

type Repository interface {
	Create(ctx context.Context, e *Entry) error
	GetByResource(ctx context.Context, resourceType, resourceID string) ([]*Entry, error)
}

// Recorder wraps a Repository with the bookkeeping every service needs.
type Recorder struct {
	repo Repository
	now  func() time.Time
}

func NewRecorder(repo Repository) *Recorder {
	return &Recorder{repo: repo, now: time.Now}
}

// Record stores one transition.
func (r *Recorder) Record(ctx context.Context, resourceType, resourceID, op, from, to, changedBy, reason string) error {
	e := &Entry{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Operation:    op,
		FromStatus:   from,
		ToStatus:     to,
		ChangedBy:    changedBy,
		ChangedAt:    r.now(),
	}
	if reason != "" {
		e.Reason = &reason
	}
	if err := r.repo.Create(ctx, e); err != nil {
		return fmt.Errorf("record %s %s: %w", resourceType, op, err)
	}
	return nil
}

// History returns the transitions of a resource, oldest first.
func (r *Recorder) History(ctx context.Context, resourceType, resourceID string) ([]*Entry, error) {
	return r.repo.GetByResource(ctx, resourceType, resourceID)
}

// =========== Postgres ===========

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *repoPG) Create(ctx context.Context, e *Entry) error {
	e.ID = uuid.NewString()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO status_history (id, resource_type, resource_id, operation, from_status, to_status, changed_by, changed_at, reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.ResourceType, e.ResourceID, e.Operation, e.FromStatus, e.ToStatus, e.ChangedBy, e.ChangedAt, e.Reason)
	return err
}

func (r *repoPG) GetByResource(ctx context.Context, resourceType, resourceID string) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, resource_type, resource_id, operation, from_status, to_status, changed_by, changed_at, reason
		FROM status_history WHERE resource_type = $1 AND resource_id = $2 ORDER BY changed_at ASC`,
		resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.ResourceType, &e.ResourceID, &e.Operation,
			&e.FromStatus, &e.ToStatus, &e.ChangedBy, &e.ChangedAt, &e.Reason); err != nil {
			return nil, err
		}
		items = append(items, &e)
	}
	return items, rows.Err()
}

// =========== In-memory ===========

// MemoryRepo is used in development mode and tests.
type MemoryRepo struct {
	mu      sync.Mutex
	entries []*Entry
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (m *MemoryRepo) Create(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = uuid.NewString()
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryRepo) GetByResource(_ context.Context, resourceType, resourceID string) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Entry
	for _, e := range m.entries {
		if e.ResourceType == resourceType && e.ResourceID == resourceID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}
