package clinicaldoc

import (
	"context"
)

// NoteRepository persists progress notes with their addenda. Update is
// conditional on VersionID and bumps it on success.
type NoteRepository interface {
	Create(ctx context.Context, n *ProgressNote) error
	GetByID(ctx context.Context, id string) (*ProgressNote, error)
	Update(ctx context.Context, n *ProgressNote) error
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]*ProgressNote, int, error)
}

// SummaryRepository persists discharge summaries. Update is conditional on
// VersionID and bumps it on success.
type SummaryRepository interface {
	Create(ctx context.Context, s *DischargeSummary) error
	GetByID(ctx context.Context, id string) (*DischargeSummary, error)
	Update(ctx context.Context, s *DischargeSummary) error
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]*DischargeSummary, int, error)
}
