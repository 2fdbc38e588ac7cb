package clinicaldoc

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/clinicalrecord/internal/platform/lifecycle"
)

const noteEntity = "progress_note"

// Progress note operations.
const (
	OpEditNote    = "edit"
	OpSignNote    = "sign"
	OpCosignNote  = "cosign"
	OpAddAddendum = "add_addendum"
)

func noteLocked(n ProgressNote, op string) error {
	return &lifecycle.InvalidTransitionError{
		Entity: noteEntity, From: string(n.Status), Attempted: op, Reason: "note is locked",
	}
}

func lockNote(n *ProgressNote, by string, at time.Time) {
	n.IsLocked = true
	n.LockedAt = &at
	n.LockedBy = by
}

// CanEdit reports whether the note body may still change.
func CanEdit(n ProgressNote) bool {
	return !n.IsLocked && lifecycle.In(n.Status, NoteDraft, NoteSigned)
}

// EditNote replaces the body of an editable note.
func EditNote(n ProgressNote, c NoteContent) (ProgressNote, error) {
	if n.IsLocked {
		return n, noteLocked(n, OpEditNote)
	}
	if !CanEdit(n) {
		return n, lifecycle.Denied(noteEntity, string(n.Status), OpEditNote)
	}
	next := n.clone()
	if c.NoteType != "" {
		next.NoteType = c.NoteType
	}
	if c.NoteDate != nil {
		next.NoteDate = *c.NoteDate
	}
	next.Subjective = c.Subjective
	next.Objective = c.Objective
	next.Assessment = c.Assessment
	next.Plan = c.Plan
	next.Content = c.Content
	if c.CosignerID != "" {
		next.CosignerID = c.CosignerID
		next.CosignerName = c.CosignerName
	}
	return next, nil
}

// SignNote records the author's signature. A note without a declared
// cosigner is final and locked on signature; otherwise it waits in signed.
// A draft amended before signature is signed the same way.
func SignNote(n ProgressNote, at time.Time) (ProgressNote, error) {
	if n.IsLocked {
		return n, noteLocked(n, OpSignNote)
	}
	if !unsigned(n) {
		return n, lifecycle.Denied(noteEntity, string(n.Status), OpSignNote)
	}
	next := n.clone()
	next.SignedDate = &at
	if next.CosignerID == "" {
		next.Status = NoteFinal
		lockNote(&next, next.AuthorID, at)
		return next, nil
	}
	next.Status = NoteSigned
	return next, nil
}

func unsigned(n ProgressNote) bool {
	return n.Status == NoteDraft || (n.Status == NoteAmended && n.SignedDate == nil)
}

// CosignNote completes a signed note, including one amended while it waited
// for the cosigner. When a cosigner was declared, only that user may cosign.
func CosignNote(n ProgressNote, cosignerID, cosignerName string, at time.Time) (ProgressNote, error) {
	if n.IsLocked {
		return n, noteLocked(n, OpCosignNote)
	}
	if !lifecycle.In(n.Status, NoteSigned, NoteAmended) || n.SignedDate == nil {
		return n, lifecycle.Denied(noteEntity, string(n.Status), OpCosignNote)
	}
	if strings.TrimSpace(cosignerID) == "" {
		return n, &lifecycle.ValidationError{Errors: []string{"cosigner is required"}}
	}
	if n.CosignerID != "" && n.CosignerID != cosignerID {
		return n, &lifecycle.InvalidTransitionError{
			Entity: noteEntity, From: string(n.Status), Attempted: OpCosignNote,
			Reason: "cosigner does not match the declared cosigner",
		}
	}
	next := n.clone()
	next.Status = NoteFinal
	next.CosignerID = cosignerID
	if cosignerName != "" {
		next.CosignerName = cosignerName
	}
	next.CosignedDate = &at
	lockNote(&next, cosignerID, at)
	return next, nil
}

// AddAddendum appends a correction or clarification to a note, locked or
// not. The original body is left untouched.
func AddAddendum(n ProgressNote, in NewAddendum, at time.Time) (ProgressNote, error) {
	var errs []string
	if strings.TrimSpace(in.Content) == "" {
		errs = append(errs, "Addendum content is required")
	}
	if strings.TrimSpace(in.Reason) == "" {
		errs = append(errs, "Addendum reason is required")
	}
	if len(errs) > 0 {
		return n, &lifecycle.ValidationError{Errors: errs}
	}

	next := n.clone()
	next.Addenda = append(next.Addenda, NoteAddendum{
		ID:         uuid.NewString(),
		NoteID:     n.ID,
		AuthorID:   in.AuthorID,
		AuthorName: in.AuthorName,
		Reason:     strings.TrimSpace(in.Reason),
		Content:    in.Content,
		CreatedAt:  at,
	})
	next.Status = NoteAmended
	next.HasAddendum = true
	return next, nil
}
