package laborder

import (
	"time"
)

// Status is the lifecycle state of a laboratory order.
type Status string

const (
	StatusOrdered         Status = "ordered"
	StatusAcknowledged    Status = "acknowledged"
	StatusSamplePending   Status = "sample_pending"
	StatusSampleCollected Status = "sample_collected"
	StatusSampleReceived  Status = "sample_received"
	StatusProcessing      Status = "processing"
	StatusPartialResults  Status = "partial_results"
	StatusCompleted       Status = "completed"
	StatusVerified        Status = "verified"
	StatusReported        Status = "reported"
	StatusCancelled       Status = "cancelled"
)

// Priority is the urgency requested by the ordering doctor.
type Priority string

const (
	PriorityRoutine Priority = "routine"
	PriorityUrgent  Priority = "urgent"
	PriorityStat    Priority = "stat"
	PriorityASAP    Priority = "asap"
)

var validPriorities = map[Priority]bool{
	PriorityRoutine: true, PriorityUrgent: true, PriorityStat: true, PriorityASAP: true,
}

// SampleStatus tracks the physical specimen for an order.
type SampleStatus string

const (
	SamplePending   SampleStatus = "pending"
	SampleCollected SampleStatus = "collected"
	SampleReceived  SampleStatus = "received"
	SampleRejected  SampleStatus = "rejected"
)

// TestStatus is the processing state of a single test within an order.
type TestStatus string

const (
	TestPending    TestStatus = "pending"
	TestInProgress TestStatus = "in_progress"
	TestCompleted  TestStatus = "completed"
	TestVerified   TestStatus = "verified"
	TestCancelled  TestStatus = "cancelled"
)

var validTestStatuses = map[TestStatus]bool{
	TestPending: true, TestInProgress: true, TestCompleted: true, TestVerified: true, TestCancelled: true,
}

// Flag is the interpretation attached to a result. The set is closed.
type Flag string

const (
	FlagNormal        Flag = "normal"
	FlagLow           Flag = "low"
	FlagHigh          Flag = "high"
	FlagCriticalLow   Flag = "critical_low"
	FlagCriticalHigh  Flag = "critical_high"
	FlagPositive      Flag = "positive"
	FlagNegative      Flag = "negative"
	FlagReactive      Flag = "reactive"
	FlagNonReactive   Flag = "non_reactive"
	FlagIndeterminate Flag = "indeterminate"
)

var validFlags = map[Flag]bool{
	FlagNormal: true, FlagLow: true, FlagHigh: true, FlagCriticalLow: true, FlagCriticalHigh: true,
	FlagPositive: true, FlagNegative: true, FlagReactive: true, FlagNonReactive: true, FlagIndeterminate: true,
}

// Valid reports whether f belongs to the closed flag set.
func (f Flag) Valid() bool { return validFlags[f] }

// ReferenceRange holds the numeric limits a result is interpreted against.
// Critical limits are optional.
type ReferenceRange struct {
	Low          *float64 `json:"low,omitempty"`
	High         *float64 `json:"high,omitempty"`
	CriticalLow  *float64 `json:"critical_low,omitempty"`
	CriticalHigh *float64 `json:"critical_high,omitempty"`
	Text         string   `json:"text,omitempty"`
}

// Result is a single measured or qualitative value. It is never edited once
// recorded; a correction is a new Result.
type Result struct {
	ID             string          `json:"id"`
	Parameter      string          `json:"parameter"`
	Value          string          `json:"value,omitempty"`
	NumericValue   *float64        `json:"numeric_value,omitempty"`
	Unit           string          `json:"unit,omitempty"`
	ReferenceRange *ReferenceRange `json:"reference_range,omitempty"`
	Flag           Flag            `json:"flag"`
	IsCritical     bool            `json:"is_critical"`
	IsAbnormal     bool            `json:"is_abnormal"`
	Comment        string          `json:"comment,omitempty"`
	RecordedBy     string          `json:"recorded_by,omitempty"`
	RecordedAt     time.Time       `json:"recorded_at"`
}

// Test is an analyte panel requested within an order.
type Test struct {
	ID               string     `json:"id"`
	TestCode         string     `json:"test_code"`
	TestName         string     `json:"test_name"`
	Category         string     `json:"category,omitempty"`
	Status           TestStatus `json:"status"`
	HasCriticalValue bool       `json:"has_critical_value"`
	HasAbnormalValue bool       `json:"has_abnormal_value"`
	Results          []Result   `json:"results"`
	AddedAt          time.Time  `json:"added_at"`
}

// Order maps to the lab_order table.
type Order struct {
	ID                   string       `db:"id" json:"id"`
	OrderNumber          string       `db:"order_number" json:"order_number"`
	PatientID            string       `db:"patient_id" json:"patient_id"`
	DoctorID             string       `db:"doctor_id" json:"doctor_id"`
	EncounterID          *string      `db:"encounter_id" json:"encounter_id,omitempty"`
	Status               Status       `db:"status" json:"status"`
	Priority             Priority     `db:"priority" json:"priority"`
	OrderDate            time.Time    `db:"order_date" json:"order_date"`
	ClinicalNotes        *string      `db:"clinical_notes" json:"clinical_notes,omitempty"`
	SampleStatus         SampleStatus `db:"sample_status" json:"sample_status,omitempty"`
	SampleNumber         string       `db:"sample_number" json:"sample_number,omitempty"`
	SampleCollectionDate *time.Time   `db:"sample_collection_date" json:"sample_collection_date,omitempty"`
	SampleCollectedBy    string       `db:"sample_collected_by" json:"sample_collected_by,omitempty"`
	ReceivedInLabDate    *time.Time   `db:"received_in_lab_date" json:"received_in_lab_date,omitempty"`
	ReceivedBy           string       `db:"received_by" json:"received_by,omitempty"`
	CompletedDate        *time.Time   `db:"completed_date" json:"completed_date,omitempty"`
	CancelledAt          *time.Time   `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CancelledBy          string       `db:"cancelled_by" json:"cancelled_by,omitempty"`
	CancelReason         string       `db:"cancel_reason" json:"cancel_reason,omitempty"`
	CriticalValueAlerted bool         `db:"critical_value_alerted" json:"critical_value_alerted"`
	Tests                []Test       `db:"tests" json:"tests"`
	VersionID            int          `db:"version_id" json:"version_id"`
	CreatedAt            time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time    `db:"updated_at" json:"updated_at"`
}

// GetVersionID returns the current version.
func (o *Order) GetVersionID() int { return o.VersionID }

// SetVersionID sets the current version.
func (o *Order) SetVersionID(v int) { o.VersionID = v }

// FindTest returns the index of the test with the given id, or -1.
func (o Order) FindTest(testID string) int {
	for i := range o.Tests {
		if o.Tests[i].ID == testID {
			return i
		}
	}
	return -1
}

// clone returns a deep copy so transitions never alias their input.
func (o Order) clone() Order {
	out := o
	if o.Tests != nil {
		out.Tests = make([]Test, len(o.Tests))
		for i, t := range o.Tests {
			out.Tests[i] = t.clone()
		}
	}
	return out
}

func (t Test) clone() Test {
	out := t
	if t.Results != nil {
		out.Results = make([]Result, len(t.Results))
		copy(out.Results, t.Results)
	}
	return out
}

// NewTest is the catalog-derived input used to append a test to an order.
// The test code is not checked against the catalog here.
type NewTest struct {
	ID       string `json:"id,omitempty"`
	TestCode string `json:"test_code" validate:"required"`
	TestName string `json:"test_name" validate:"required"`
	Category string `json:"category,omitempty"`
}

// NewResult is the input recorded against a test.
type NewResult struct {
	ID             string          `json:"id,omitempty"`
	Parameter      string          `json:"parameter" validate:"required"`
	Value          string          `json:"value,omitempty"`
	NumericValue   *float64        `json:"numeric_value,omitempty"`
	Unit           string          `json:"unit,omitempty"`
	ReferenceRange *ReferenceRange `json:"reference_range,omitempty"`
	Flag           Flag            `json:"flag,omitempty"`
	Comment        string          `json:"comment,omitempty"`
	RecordedBy     string          `json:"recorded_by,omitempty"`
}

// Collection describes a sample collection event. SampleNumber is only used
// when the order has none yet.
type Collection struct {
	CollectedBy  string
	CollectedAt  time.Time
	SampleNumber string
}
