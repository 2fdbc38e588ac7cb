package laborder

import (
	"math"
	"time"
)

// Classification is the pair of derived booleans for a single flag.
type Classification struct {
	IsCritical bool `json:"is_critical"`
	IsAbnormal bool `json:"is_abnormal"`
}

// ClassifyResult derives the critical and abnormal booleans for a flag.
// positive, reactive and indeterminate are always abnormal.
func ClassifyResult(flag Flag) Classification {
	return Classification{
		IsCritical: flag == FlagCriticalLow || flag == FlagCriticalHigh,
		IsAbnormal: flag != FlagNormal && flag != FlagNegative && flag != FlagNonReactive,
	}
}

// TestFlags is the aggregate of all results in a test.
type TestFlags struct {
	HasCriticalValue bool `json:"has_critical_value"`
	HasAbnormalValue bool `json:"has_abnormal_value"`
}

// AggregateTestFlags ORs ClassifyResult over the results of a test.
func AggregateTestFlags(t Test) TestFlags {
	var f TestFlags
	for _, r := range t.Results {
		c := ClassifyResult(r.Flag)
		f.HasCriticalValue = f.HasCriticalValue || c.IsCritical
		f.HasAbnormalValue = f.HasAbnormalValue || c.IsAbnormal
	}
	return f
}

// AggregateOrderAlert ORs HasCriticalValue over the tests of an order.
func AggregateOrderAlert(o Order) bool {
	for _, t := range o.Tests {
		if t.HasCriticalValue {
			return true
		}
	}
	return false
}

// AllTestsComplete reports whether every test is completed or verified.
// An order with no tests is vacuously complete.
func AllTestsComplete(o Order) bool {
	for _, t := range o.Tests {
		if t.Status != TestCompleted && t.Status != TestVerified {
			return false
		}
	}
	return true
}

// CanCancel reports whether the order has not progressed past sample
// pending.
func CanCancel(o Order) bool {
	switch o.Status {
	case StatusOrdered, StatusAcknowledged, StatusSamplePending:
		return true
	}
	return false
}

// TurnaroundHours returns the whole hours between order and completion,
// rounded half up, or nil when the order is not completed. A completion
// earlier than the order date yields a negative value; it is not clamped.
func TurnaroundHours(o Order) *int {
	if o.CompletedDate == nil {
		return nil
	}
	hours := o.CompletedDate.Sub(o.OrderDate).Hours()
	h := int(math.Floor(hours + 0.5))
	return &h
}

// DeriveFlag interprets a numeric value against a reference range. It
// returns false when there is nothing to interpret against.
func DeriveFlag(value *float64, rr *ReferenceRange) (Flag, bool) {
	if value == nil || rr == nil {
		return "", false
	}
	v := *value
	switch {
	case rr.CriticalLow != nil && v <= *rr.CriticalLow:
		return FlagCriticalLow, true
	case rr.CriticalHigh != nil && v >= *rr.CriticalHigh:
		return FlagCriticalHigh, true
	case rr.Low != nil && v < *rr.Low:
		return FlagLow, true
	case rr.High != nil && v > *rr.High:
		return FlagHigh, true
	case rr.Low != nil || rr.High != nil:
		return FlagNormal, true
	}
	return "", false
}

// Summary is a read model with the derived figures of an order.
type Summary struct {
	OrderID              string `json:"order_id"`
	Status               Status `json:"status"`
	TestCount            int    `json:"test_count"`
	ResultCount          int    `json:"result_count"`
	AllTestsComplete     bool   `json:"all_tests_complete"`
	CriticalValueAlerted bool   `json:"critical_value_alerted"`
	TurnaroundHours      *int   `json:"turnaround_hours,omitempty"`
	CanCancel            bool   `json:"can_cancel"`
}

// Summarize computes the derived read model of an order.
func Summarize(o Order) Summary {
	s := Summary{
		OrderID:              o.ID,
		Status:               o.Status,
		TestCount:            len(o.Tests),
		AllTestsComplete:     AllTestsComplete(o),
		CriticalValueAlerted: o.CriticalValueAlerted,
		TurnaroundHours:      TurnaroundHours(o),
		CanCancel:            CanCancel(o),
	}
	for _, t := range o.Tests {
		s.ResultCount += len(t.Results)
	}
	return s
}

func timePtr(t time.Time) *time.Time { return &t }
