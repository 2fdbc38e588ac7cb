package clinicaldoc

import (
	"time"
)

// NoteStatus is the signature state of a progress note.
type NoteStatus string

const (
	NoteDraft    NoteStatus = "draft"
	NoteSigned   NoteStatus = "signed"
	NoteCosigned NoteStatus = "cosigned"
	NoteFinal    NoteStatus = "final"
	NoteAmended  NoteStatus = "amended"
)

// SummaryStatus is the review state of a discharge summary.
type SummaryStatus string

const (
	SummaryDraft         SummaryStatus = "draft"
	SummaryPendingReview SummaryStatus = "pending_review"
	SummaryApproved      SummaryStatus = "approved"
	SummaryFinal         SummaryStatus = "final"
	SummaryAmended       SummaryStatus = "amended"
)

// NoteAddendum is appended to a signed note. It is never edited or removed.
type NoteAddendum struct {
	ID         string    `json:"id"`
	NoteID     string    `json:"note_id"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name,omitempty"`
	Reason     string    `json:"reason"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// ProgressNote maps to the progress_note table. Either the SOAP sections or
// Content carry the body, depending on the note type.
type ProgressNote struct {
	ID           string         `db:"id" json:"id"`
	PatientID    string         `db:"patient_id" json:"patient_id"`
	EncounterID  *string        `db:"encounter_id" json:"encounter_id,omitempty"`
	AuthorID     string         `db:"author_id" json:"author_id"`
	AuthorName   string         `db:"author_name" json:"author_name,omitempty"`
	NoteType     string         `db:"note_type" json:"note_type"`
	NoteDate     time.Time      `db:"note_date" json:"note_date"`
	Subjective   string         `db:"subjective" json:"subjective,omitempty"`
	Objective    string         `db:"objective" json:"objective,omitempty"`
	Assessment   string         `db:"assessment" json:"assessment,omitempty"`
	Plan         string         `db:"plan" json:"plan,omitempty"`
	Content      string         `db:"content" json:"content,omitempty"`
	Status       NoteStatus     `db:"status" json:"status"`
	SignedDate   *time.Time     `db:"signed_date" json:"signed_date,omitempty"`
	CosignerID   string         `db:"cosigner_id" json:"cosigner_id,omitempty"`
	CosignerName string         `db:"cosigner_name" json:"cosigner_name,omitempty"`
	CosignedDate *time.Time     `db:"cosigned_date" json:"cosigned_date,omitempty"`
	IsLocked     bool           `db:"is_locked" json:"is_locked"`
	LockedAt     *time.Time     `db:"locked_at" json:"locked_at,omitempty"`
	LockedBy     string         `db:"locked_by" json:"locked_by,omitempty"`
	HasAddendum  bool           `db:"has_addendum" json:"has_addendum"`
	Addenda      []NoteAddendum `db:"addenda" json:"addenda"`
	VersionID    int            `db:"version_id" json:"version_id"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`
}

func (n ProgressNote) clone() ProgressNote {
	out := n
	if n.Addenda != nil {
		out.Addenda = make([]NoteAddendum, len(n.Addenda))
		copy(out.Addenda, n.Addenda)
	}
	return out
}

// NoteContent is the editable body of a note. A declared cosigner can be
// set or changed while the note is editable.
type NoteContent struct {
	NoteType     string     `json:"note_type,omitempty"`
	NoteDate     *time.Time `json:"note_date,omitempty"`
	Subjective   string     `json:"subjective,omitempty"`
	Objective    string     `json:"objective,omitempty"`
	Assessment   string     `json:"assessment,omitempty"`
	Plan         string     `json:"plan,omitempty"`
	Content      string     `json:"content,omitempty"`
	CosignerID   string     `json:"cosigner_id,omitempty"`
	CosignerName string     `json:"cosigner_name,omitempty"`
}

// NewAddendum is the input to AddAddendum.
type NewAddendum struct {
	AuthorID   string `json:"-"`
	AuthorName string `json:"-"`
	Reason     string `json:"reason" validate:"notblank"`
	Content    string `json:"content" validate:"notblank"`
}

// DischargeMedication is one line of the discharge medication list.
type DischargeMedication struct {
	Name         string `json:"name"`
	Dose         string `json:"dose,omitempty"`
	Route        string `json:"route,omitempty"`
	Frequency    string `json:"frequency,omitempty"`
	Duration     string `json:"duration,omitempty"`
	Instructions string `json:"instructions,omitempty"`
	// new, continued, changed or stopped relative to the home list
	Change string `json:"change,omitempty"`
}

// FollowUp is an appointment arranged at discharge.
type FollowUp struct {
	Specialty    string     `json:"specialty"`
	ProviderName string     `json:"provider_name,omitempty"`
	Date         *time.Time `json:"date,omitempty"`
	Instructions string     `json:"instructions,omitempty"`
}

// Referral is a specialist referral made at discharge.
type Referral struct {
	Specialty string `json:"specialty"`
	Reason    string `json:"reason,omitempty"`
	Urgency   string `json:"urgency,omitempty"`
}

// DischargeSummary maps to the discharge_summary table.
type DischargeSummary struct {
	ID                    string                `db:"id" json:"id"`
	SummaryNumber         string                `db:"summary_number" json:"summary_number"`
	PatientID             string                `db:"patient_id" json:"patient_id"`
	AdmissionID           string                `db:"admission_id" json:"admission_id"`
	AdmissionDate         time.Time             `db:"admission_date" json:"admission_date"`
	DischargeDate         *time.Time            `db:"discharge_date" json:"discharge_date,omitempty"`
	AttendingID           string                `db:"attending_id" json:"attending_id"`
	PrincipalDiagnosis    string                `db:"principal_diagnosis" json:"principal_diagnosis"`
	SecondaryDiagnoses    []string              `db:"secondary_diagnoses" json:"secondary_diagnoses"`
	HospitalCourse        string                `db:"hospital_course" json:"hospital_course"`
	ProceduresPerformed   []string              `db:"procedures_performed" json:"procedures_performed"`
	ConditionAtDischarge  string                `db:"condition_at_discharge" json:"condition_at_discharge"`
	DischargeDisposition  string                `db:"discharge_disposition" json:"discharge_disposition"`
	FollowUpInstructions  string                `db:"follow_up_instructions" json:"follow_up_instructions"`
	WarningSigns          []string              `db:"warning_signs" json:"warning_signs"`
	MedicationsReconciled bool                  `db:"medications_reconciled" json:"medications_reconciled"`
	Medications           []DischargeMedication `db:"medications" json:"medications"`
	FollowUps             []FollowUp            `db:"follow_ups" json:"follow_ups"`
	Referrals             []Referral            `db:"referrals" json:"referrals"`
	Status                SummaryStatus         `db:"status" json:"status"`
	ApprovedBy            string                `db:"approved_by" json:"approved_by,omitempty"`
	ApprovedByName        string                `db:"approved_by_name" json:"approved_by_name,omitempty"`
	ApprovedDate          *time.Time            `db:"approved_date" json:"approved_date,omitempty"`
	IsLocked              bool                  `db:"is_locked" json:"is_locked"`
	LockedAt              *time.Time            `db:"locked_at" json:"locked_at,omitempty"`
	VersionID             int                   `db:"version_id" json:"version_id"`
	CreatedAt             time.Time             `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time             `db:"updated_at" json:"updated_at"`
}

func (s DischargeSummary) clone() DischargeSummary {
	out := s
	out.SecondaryDiagnoses = cloneSlice(s.SecondaryDiagnoses)
	out.ProceduresPerformed = cloneSlice(s.ProceduresPerformed)
	out.WarningSigns = cloneSlice(s.WarningSigns)
	out.Medications = cloneSlice(s.Medications)
	out.FollowUps = cloneSlice(s.FollowUps)
	out.Referrals = cloneSlice(s.Referrals)
	return out
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}

// SummaryContent is the editable clinical body of a discharge summary.
type SummaryContent struct {
	DischargeDate         *time.Time            `json:"discharge_date,omitempty"`
	PrincipalDiagnosis    string                `json:"principal_diagnosis"`
	SecondaryDiagnoses    []string              `json:"secondary_diagnoses"`
	HospitalCourse        string                `json:"hospital_course"`
	ProceduresPerformed   []string              `json:"procedures_performed"`
	ConditionAtDischarge  string                `json:"condition_at_discharge"`
	DischargeDisposition  string                `json:"discharge_disposition"`
	FollowUpInstructions  string                `json:"follow_up_instructions"`
	WarningSigns          []string              `json:"warning_signs"`
	MedicationsReconciled bool                  `json:"medications_reconciled"`
	Medications           []DischargeMedication `json:"medications"`
	FollowUps             []FollowUp            `json:"follow_ups"`
	Referrals             []Referral            `json:"referrals"`
}
