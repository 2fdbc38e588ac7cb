package clinicaldoc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinicalrecord/internal/platform/db"
	"github.com/ehr/clinicalrecord/internal/platform/events"
	"github.com/ehr/clinicalrecord/internal/platform/lifecycle"
	"github.com/ehr/clinicalrecord/internal/platform/metrics"
	"github.com/ehr/clinicalrecord/internal/platform/sequence"
	"github.com/ehr/clinicalrecord/internal/platform/statushistory"
)

// Actor identifies the user performing an operation.
type Actor struct {
	ID   string
	Name string
}

type Service struct {
	notes     NoteRepository
	summaries SummaryRepository
	history   *statushistory.Recorder
	numbers   *sequence.Generator
	events    events.Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(notes NoteRepository, summaries SummaryRepository, history *statushistory.Recorder,
	numbers *sequence.Generator, pub events.Publisher, m *metrics.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		notes:     notes,
		summaries: summaries,
		history:   history,
		numbers:   numbers,
		events:    pub,
		metrics:   m,
		logger:    logger.With().Str("component", "clinicaldoc").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// =========== Progress Notes ===========

// CreateNoteInput is the payload for a new draft note. The author is the
// acting user.
type CreateNoteInput struct {
	PatientID   string  `json:"patient_id" validate:"required"`
	EncounterID *string `json:"encounter_id,omitempty"`
	NoteContent
}

func (s *Service) CreateNote(ctx context.Context, in CreateNoteInput, actor Actor) (*ProgressNote, error) {
	if strings.TrimSpace(in.PatientID) == "" {
		return nil, &lifecycle.ValidationError{Errors: []string{"patient_id is required"}}
	}
	if strings.TrimSpace(actor.ID) == "" {
		return nil, &lifecycle.ValidationError{Errors: []string{"author is required"}}
	}
	now := s.now()
	n := ProgressNote{
		ID:          uuid.NewString(),
		PatientID:   in.PatientID,
		EncounterID: in.EncounterID,
		AuthorID:    actor.ID,
		AuthorName:  actor.Name,
		NoteType:    "progress",
		NoteDate:    now,
		Status:      NoteDraft,
		Addenda:     []NoteAddendum{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.NoteDate != nil {
		d := in.NoteDate.UTC()
		in.NoteDate = &d
	}
	n, err := EditNote(n, in.NoteContent)
	if err != nil {
		return nil, err
	}

	if err := s.notes.Create(ctx, &n); err != nil {
		return nil, fmt.Errorf("create progress note: %w", err)
	}
	if err := s.history.Record(ctx, noteEntity, n.ID, "create", "", string(n.Status), actor.ID, ""); err != nil {
		return nil, err
	}
	s.logger.Info().Str("note_id", n.ID).Str("patient_id", n.PatientID).Msg("progress note created")
	return &n, nil
}

func (s *Service) GetNote(ctx context.Context, id string) (*ProgressNote, error) {
	return s.notes.GetByID(ctx, id)
}

func (s *Service) SearchNotes(ctx context.Context, params map[string]string, limit, offset int) ([]*ProgressNote, int, error) {
	return s.notes.Search(ctx, params, limit, offset)
}

func (s *Service) NoteHistory(ctx context.Context, id string) ([]*statushistory.Entry, error) {
	if _, err := s.notes.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.history.History(ctx, noteEntity, id)
}

// applyNote loads the note, runs fn and persists the result. A note that
// becomes locked publishes NoteLocked.
func (s *Service) applyNote(ctx context.Context, id string, expectedVersion int, op string, actor Actor,
	fn func(ProgressNote) (ProgressNote, error)) (n *ProgressNote, err error) {
	defer func() { s.metrics.ObserveTransition(noteEntity, op, err) }()

	cur, err := s.notes.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if expectedVersion > 0 && cur.VersionID != expectedVersion {
		return nil, lifecycle.ErrVersionConflict
	}
	updated, err := fn(*cur)
	if err != nil {
		return nil, err
	}
	updated.UpdatedAt = s.now()
	if err := s.notes.Update(ctx, &updated); err != nil {
		return nil, fmt.Errorf("%s progress note %s: %w", op, id, err)
	}

	if updated.Status != cur.Status {
		if err := s.history.Record(ctx, noteEntity, id, op, string(cur.Status), string(updated.Status), actor.ID, ""); err != nil {
			return nil, err
		}
	}
	if updated.IsLocked && !cur.IsLocked {
		s.publish(ctx, events.NoteLocked, events.NoteLockedPayload{
			NoteID:    updated.ID,
			PatientID: updated.PatientID,
			LockedBy:  updated.LockedBy,
			LockedAt:  *updated.LockedAt,
		})
	}
	s.logger.Debug().
		Str("note_id", id).
		Str("operation", op).
		Str("from", string(cur.Status)).
		Str("to", string(updated.Status)).
		Msg("progress note transition")
	return &updated, nil
}

func (s *Service) UpdateNote(ctx context.Context, id string, version int, c NoteContent, actor Actor) (*ProgressNote, error) {
	return s.applyNote(ctx, id, version, OpEditNote, actor, func(cur ProgressNote) (ProgressNote, error) {
		return EditNote(cur, c)
	})
}

func (s *Service) SignNote(ctx context.Context, id string, version int, actor Actor) (*ProgressNote, error) {
	return s.applyNote(ctx, id, version, OpSignNote, actor, func(cur ProgressNote) (ProgressNote, error) {
		return SignNote(cur, s.now())
	})
}

// CosignNote cosigns as the acting user.
func (s *Service) CosignNote(ctx context.Context, id string, version int, actor Actor) (*ProgressNote, error) {
	return s.applyNote(ctx, id, version, OpCosignNote, actor, func(cur ProgressNote) (ProgressNote, error) {
		return CosignNote(cur, actor.ID, actor.Name, s.now())
	})
}

func (s *Service) AddAddendum(ctx context.Context, id string, version int, in NewAddendum, actor Actor) (*ProgressNote, error) {
	in.AuthorID = actor.ID
	in.AuthorName = actor.Name
	return s.applyNote(ctx, id, version, OpAddAddendum, actor, func(cur ProgressNote) (ProgressNote, error) {
		return AddAddendum(cur, in, s.now())
	})
}

// =========== Discharge Summaries ===========

// CreateSummaryInput is the payload for a new draft summary. AttendingID
// defaults to the acting user.
type CreateSummaryInput struct {
	PatientID     string    `json:"patient_id" validate:"required"`
	AdmissionID   string    `json:"admission_id" validate:"required"`
	AdmissionDate time.Time `json:"admission_date" validate:"required"`
	AttendingID   string    `json:"attending_id,omitempty"`
	SummaryContent
}

// CreateSummary opens the draft summary of an admission. An admission has at
// most one summary; a second one fails with lifecycle.ErrAlreadyExists.
func (s *Service) CreateSummary(ctx context.Context, in CreateSummaryInput, actor Actor) (*DischargeSummary, error) {
	var errs []string
	if strings.TrimSpace(in.PatientID) == "" {
		errs = append(errs, "patient_id is required")
	}
	if strings.TrimSpace(in.AdmissionID) == "" {
		errs = append(errs, "admission_id is required")
	}
	if in.AdmissionDate.IsZero() {
		errs = append(errs, "admission_date is required")
	}
	if len(errs) > 0 {
		return nil, &lifecycle.ValidationError{Errors: errs}
	}
	if in.AttendingID == "" {
		in.AttendingID = actor.ID
	}

	number, err := s.numbers.Next(ctx, db.TenantFromContext(ctx), sequence.PrefixSummary)
	if err != nil {
		return nil, fmt.Errorf("assign summary number: %w", err)
	}

	now := s.now()
	ds := DischargeSummary{
		ID:            uuid.NewString(),
		SummaryNumber: number,
		PatientID:     in.PatientID,
		AdmissionID:   in.AdmissionID,
		AdmissionDate: in.AdmissionDate.UTC(),
		AttendingID:   in.AttendingID,
		Status:        SummaryDraft,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if ds, err = EditSummary(ds, in.SummaryContent); err != nil {
		return nil, err
	}

	if err := s.summaries.Create(ctx, &ds); err != nil {
		return nil, fmt.Errorf("create discharge summary: %w", err)
	}
	if err := s.history.Record(ctx, summaryEntity, ds.ID, "create", "", string(ds.Status), actor.ID, ""); err != nil {
		return nil, err
	}
	s.logger.Info().Str("summary_id", ds.ID).Str("summary_number", ds.SummaryNumber).Msg("discharge summary created")
	return &ds, nil
}

func (s *Service) GetSummary(ctx context.Context, id string) (*DischargeSummary, error) {
	return s.summaries.GetByID(ctx, id)
}

func (s *Service) SearchSummaries(ctx context.Context, params map[string]string, limit, offset int) ([]*DischargeSummary, int, error) {
	return s.summaries.Search(ctx, params, limit, offset)
}

func (s *Service) SummaryHistory(ctx context.Context, id string) ([]*statushistory.Entry, error) {
	if _, err := s.summaries.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.history.History(ctx, summaryEntity, id)
}

// ValidateSummary runs the approval checks without changing anything.
func (s *Service) ValidateSummary(ctx context.Context, id string) (ApprovalCheck, error) {
	ds, err := s.summaries.GetByID(ctx, id)
	if err != nil {
		return ApprovalCheck{}, err
	}
	return ValidateForApproval(*ds), nil
}

// SummaryLengthOfStay measures the stay, counting up to now while the
// patient is still admitted.
func (s *Service) SummaryLengthOfStay(ctx context.Context, id string) (Stay, error) {
	ds, err := s.summaries.GetByID(ctx, id)
	if err != nil {
		return Stay{}, err
	}
	return LengthOfStay(*ds, s.now()), nil
}

func (s *Service) applySummary(ctx context.Context, id string, expectedVersion int, op string, actor Actor,
	fn func(DischargeSummary) (DischargeSummary, error)) (ds *DischargeSummary, err error) {
	defer func() { s.metrics.ObserveTransition(summaryEntity, op, err) }()

	cur, err := s.summaries.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if expectedVersion > 0 && cur.VersionID != expectedVersion {
		return nil, lifecycle.ErrVersionConflict
	}
	updated, err := fn(*cur)
	if err != nil {
		return nil, err
	}
	updated.UpdatedAt = s.now()
	if err := s.summaries.Update(ctx, &updated); err != nil {
		return nil, fmt.Errorf("%s discharge summary %s: %w", op, id, err)
	}

	if updated.Status != cur.Status {
		if err := s.history.Record(ctx, summaryEntity, id, op, string(cur.Status), string(updated.Status), actor.ID, ""); err != nil {
			return nil, err
		}
	}
	s.logger.Debug().
		Str("summary_id", id).
		Str("operation", op).
		Str("from", string(cur.Status)).
		Str("to", string(updated.Status)).
		Msg("discharge summary transition")
	return &updated, nil
}

func (s *Service) UpdateSummary(ctx context.Context, id string, version int, c SummaryContent, actor Actor) (*DischargeSummary, error) {
	return s.applySummary(ctx, id, version, OpEditSummary, actor, func(cur DischargeSummary) (DischargeSummary, error) {
		return EditSummary(cur, c)
	})
}

func (s *Service) SubmitSummary(ctx context.Context, id string, version int, actor Actor) (*DischargeSummary, error) {
	return s.applySummary(ctx, id, version, OpSubmitSummary, actor, SubmitSummaryForReview)
}

// ApproveSummary approves as the acting user. Each failed approval rule is
// counted.
func (s *Service) ApproveSummary(ctx context.Context, id string, version int, actor Actor) (*DischargeSummary, error) {
	return s.applySummary(ctx, id, version, OpApproveSummary, actor, func(cur DischargeSummary) (DischargeSummary, error) {
		next, err := ApproveSummary(cur, actor.ID, actor.Name, s.now())
		if err != nil && lifecycle.In(cur.Status, SummaryDraft, SummaryPendingReview) {
			for _, rule := range ValidateForApproval(cur).FailedRules {
				s.metrics.ValidationFailure(rule)
			}
		}
		return next, err
	})
}

func (s *Service) FinalizeSummary(ctx context.Context, id string, version int, actor Actor) (*DischargeSummary, error) {
	ds, err := s.applySummary(ctx, id, version, OpFinalizeSummary, actor, func(cur DischargeSummary) (DischargeSummary, error) {
		return FinalizeSummary(cur, s.now())
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.SummaryFinalized, events.SummaryFinalizedPayload{
		SummaryID:     ds.ID,
		SummaryNumber: ds.SummaryNumber,
		PatientID:     ds.PatientID,
		AdmissionID:   ds.AdmissionID,
		LockedAt:      *ds.LockedAt,
	})
	return ds, nil
}

// publish delivers an event. The change is already persisted, so a delivery
// failure is logged rather than returned.
func (s *Service) publish(ctx context.Context, eventType string, payload interface{}) {
	if s.events == nil {
		return
	}
	e, err := events.New(eventType, db.TenantFromContext(ctx), payload)
	if err == nil {
		err = s.events.Publish(ctx, e)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("event_type", eventType).Msg("failed to publish event")
	}
}
