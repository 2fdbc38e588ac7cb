package clinicaldoc

import (
	"math"
	"strings"
	"time"

	"github.com/ehr/clinicalrecord/internal/platform/lifecycle"
)

const summaryEntity = "discharge_summary"

// Discharge summary operations.
const (
	OpEditSummary     = "edit"
	OpSubmitSummary   = "submit"
	OpApproveSummary  = "approve"
	OpFinalizeSummary = "finalize"
)

type approvalRule struct {
	Key     string
	Message string
	ok      func(DischargeSummary) bool
}

func present(s string) bool { return strings.TrimSpace(s) != "" }

// approvalRules are evaluated in order; every failure is reported.
var approvalRules = []approvalRule{
	{"principal_diagnosis", "Principal diagnosis is required", func(s DischargeSummary) bool { return present(s.PrincipalDiagnosis) }},
	{"hospital_course", "Hospital course is required", func(s DischargeSummary) bool { return present(s.HospitalCourse) }},
	{"condition_at_discharge", "Condition at discharge is required", func(s DischargeSummary) bool { return present(s.ConditionAtDischarge) }},
	{"discharge_disposition", "Discharge disposition is required", func(s DischargeSummary) bool { return present(s.DischargeDisposition) }},
	{"follow_up_instructions", "Follow-up instructions are required", func(s DischargeSummary) bool { return present(s.FollowUpInstructions) }},
	{"warning_signs", "At least one warning sign is required", func(s DischargeSummary) bool {
		for _, w := range s.WarningSigns {
			if present(w) {
				return true
			}
		}
		return false
	}},
	{"medications_reconciled", "Medication reconciliation not completed", func(s DischargeSummary) bool { return s.MedicationsReconciled }},
}

// ApprovalCheck is the outcome of ValidateForApproval.
type ApprovalCheck struct {
	IsValid     bool     `json:"is_valid"`
	Errors      []string `json:"errors"`
	FailedRules []string `json:"failed_rules"`
}

// ValidateForApproval runs every approval rule against the summary.
func ValidateForApproval(s DischargeSummary) ApprovalCheck {
	check := ApprovalCheck{Errors: []string{}, FailedRules: []string{}}
	for _, r := range approvalRules {
		if !r.ok(s) {
			check.Errors = append(check.Errors, r.Message)
			check.FailedRules = append(check.FailedRules, r.Key)
		}
	}
	check.IsValid = len(check.Errors) == 0
	return check
}

// EditSummary replaces the clinical body while the summary is still under
// preparation.
func EditSummary(s DischargeSummary, c SummaryContent) (DischargeSummary, error) {
	if s.IsLocked || !lifecycle.In(s.Status, SummaryDraft, SummaryPendingReview) {
		return s, lifecycle.Denied(summaryEntity, string(s.Status), OpEditSummary)
	}
	next := s.clone()
	if c.DischargeDate != nil {
		d := *c.DischargeDate
		next.DischargeDate = &d
	}
	next.PrincipalDiagnosis = c.PrincipalDiagnosis
	next.SecondaryDiagnoses = cloneSlice(c.SecondaryDiagnoses)
	next.HospitalCourse = c.HospitalCourse
	next.ProceduresPerformed = cloneSlice(c.ProceduresPerformed)
	next.ConditionAtDischarge = c.ConditionAtDischarge
	next.DischargeDisposition = c.DischargeDisposition
	next.FollowUpInstructions = c.FollowUpInstructions
	next.WarningSigns = cloneSlice(c.WarningSigns)
	next.MedicationsReconciled = c.MedicationsReconciled
	next.Medications = cloneSlice(c.Medications)
	next.FollowUps = cloneSlice(c.FollowUps)
	next.Referrals = cloneSlice(c.Referrals)
	return next, nil
}

// SubmitSummaryForReview hands a draft to the approving physician.
func SubmitSummaryForReview(s DischargeSummary) (DischargeSummary, error) {
	if s.Status != SummaryDraft {
		return s, lifecycle.Denied(summaryEntity, string(s.Status), OpSubmitSummary)
	}
	next := s.clone()
	next.Status = SummaryPendingReview
	return next, nil
}

// ApproveSummary approves a complete summary. An incomplete one fails with a
// ValidationError listing every missing element.
func ApproveSummary(s DischargeSummary, by, byName string, at time.Time) (DischargeSummary, error) {
	if !lifecycle.In(s.Status, SummaryDraft, SummaryPendingReview) {
		return s, lifecycle.Denied(summaryEntity, string(s.Status), OpApproveSummary)
	}
	if check := ValidateForApproval(s); !check.IsValid {
		return s, &lifecycle.ValidationError{Errors: check.Errors}
	}
	next := s.clone()
	next.Status = SummaryApproved
	next.ApprovedBy = by
	next.ApprovedByName = byName
	next.ApprovedDate = &at
	return next, nil
}

// FinalizeSummary locks an approved summary.
func FinalizeSummary(s DischargeSummary, at time.Time) (DischargeSummary, error) {
	if s.Status != SummaryApproved {
		return s, lifecycle.Denied(summaryEntity, string(s.Status), OpFinalizeSummary)
	}
	next := s.clone()
	next.Status = SummaryFinal
	next.IsLocked = true
	next.LockedAt = &at
	return next, nil
}

// Stay is the computed length of stay.
type Stay struct {
	Days                   int  `json:"days"`
	IsChronologicallyValid bool `json:"is_chronologically_valid"`
}

// LengthOfStay counts started days between admission and discharge, using
// asOf for a patient not yet discharged. A discharge before admission is
// reported with its absolute length and IsChronologicallyValid false.
func LengthOfStay(s DischargeSummary, asOf time.Time) Stay {
	end := asOf
	if s.DischargeDate != nil {
		end = *s.DischargeDate
	}
	d := end.Sub(s.AdmissionDate)
	valid := d >= 0
	if d < 0 {
		d = -d
	}
	days := int(math.Ceil(d.Hours() / 24))
	return Stay{Days: days, IsChronologicallyValid: valid}
}
