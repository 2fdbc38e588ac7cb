package laborder

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/clinicalrecord/internal/platform/lifecycle"
	"github.com/ehr/clinicalrecord/internal/platform/sequence"
)

const entity = "lab_order"

// Operation names used in transition errors, status history and metrics.
const (
	OpAcknowledge     = "acknowledge"
	OpRequestSample   = "request_sample"
	OpCollectSample   = "collect_sample"
	OpReceiveInLab    = "receive_in_lab"
	OpStartProcessing = "start_processing"
	OpPartialResults  = "partial_results"
	OpAddTest         = "add_test"
	OpAddResult       = "add_result"
	OpSetTestStatus   = "set_test_status"
	OpComplete        = "complete"
	OpVerify          = "verify"
	OpReport          = "report"
	OpCancel          = "cancel"
)

// Every transition below takes the order by value and returns a new value.
// The input is never modified, and on error it is returned unchanged.

func notCancelled(o Order, op string) error {
	if o.Status == StatusCancelled {
		return &lifecycle.InvalidTransitionError{
			Entity: entity, From: string(o.Status), Attempted: op, Reason: "order is cancelled",
		}
	}
	return nil
}

func advance(o Order, op string, to Status, from ...Status) (Order, error) {
	if !lifecycle.In(o.Status, from...) {
		return o, lifecycle.Denied(entity, string(o.Status), op)
	}
	next := o.clone()
	next.Status = to
	return next, nil
}

// AcknowledgeOrder marks a new order as seen by the lab.
func AcknowledgeOrder(o Order) (Order, error) {
	return advance(o, OpAcknowledge, StatusAcknowledged, StatusOrdered)
}

// RequestSample moves the order to waiting for a specimen.
func RequestSample(o Order) (Order, error) {
	next, err := advance(o, OpRequestSample, StatusSamplePending, StatusOrdered, StatusAcknowledged)
	if err != nil {
		return o, err
	}
	next.SampleStatus = SamplePending
	return next, nil
}

// CollectSample records specimen collection and assigns a sample number if
// the order has none.
func CollectSample(o Order, c Collection) (Order, error) {
	if err := notCancelled(o, OpCollectSample); err != nil {
		return o, err
	}
	next := o.clone()
	next.Status = StatusSampleCollected
	next.SampleStatus = SampleCollected
	next.SampleCollectionDate = timePtr(c.CollectedAt)
	next.SampleCollectedBy = c.CollectedBy
	if next.SampleNumber == "" {
		next.SampleNumber = c.SampleNumber
		if next.SampleNumber == "" {
			next.SampleNumber = sequence.RandomCode(sequence.PrefixSample, c.CollectedAt)
		}
	}
	return next, nil
}

// ReceiveInLab records receipt of the specimen in the laboratory.
func ReceiveInLab(o Order, receivedBy string, at time.Time) (Order, error) {
	if err := notCancelled(o, OpReceiveInLab); err != nil {
		return o, err
	}
	next := o.clone()
	next.Status = StatusSampleReceived
	next.SampleStatus = SampleReceived
	next.ReceivedInLabDate = timePtr(at)
	next.ReceivedBy = receivedBy
	return next, nil
}

// StartProcessing moves a received order onto the analyzers.
func StartProcessing(o Order) (Order, error) {
	return advance(o, OpStartProcessing, StatusProcessing, StatusSampleReceived)
}

// MarkPartialResults flags that some, but not all, results are available.
func MarkPartialResults(o Order) (Order, error) {
	return advance(o, OpPartialResults, StatusPartialResults, StatusProcessing, StatusPartialResults)
}

// AddTest appends a new test with zeroed flags.
func AddTest(o Order, in NewTest, at time.Time) (Order, error) {
	if err := notCancelled(o, OpAddTest); err != nil {
		return o, err
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	next := o.clone()
	next.Tests = append(next.Tests, Test{
		ID:       id,
		TestCode: in.TestCode,
		TestName: in.TestName,
		Category: in.Category,
		Status:   TestPending,
		Results:  []Result{},
		AddedAt:  at,
	})
	return next, nil
}

// AddResult appends a result to the named test and recomputes the test and
// order aggregates. The aggregates only ever turn on: a critical value once
// seen is never cleared here.
func AddResult(o Order, testID string, in NewResult, at time.Time) (Order, error) {
	if err := notCancelled(o, OpAddResult); err != nil {
		return o, err
	}
	idx := o.FindTest(testID)
	if idx < 0 {
		return o, &lifecycle.NotFoundError{Kind: "test", ID: testID}
	}

	flag := in.Flag
	if flag == "" {
		derived, ok := DeriveFlag(in.NumericValue, in.ReferenceRange)
		if !ok {
			return o, &lifecycle.ValidationError{Errors: []string{"result flag is required"}}
		}
		flag = derived
	}
	if !flag.Valid() {
		return o, &lifecycle.ValidationError{Errors: []string{"invalid result flag: " + string(flag)}}
	}

	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	c := ClassifyResult(flag)

	next := o.clone()
	t := &next.Tests[idx]
	t.Results = append(t.Results, Result{
		ID:             id,
		Parameter:      in.Parameter,
		Value:          in.Value,
		NumericValue:   in.NumericValue,
		Unit:           in.Unit,
		ReferenceRange: in.ReferenceRange,
		Flag:           flag,
		IsCritical:     c.IsCritical,
		IsAbnormal:     c.IsAbnormal,
		Comment:        in.Comment,
		RecordedBy:     in.RecordedBy,
		RecordedAt:     at,
	})

	agg := AggregateTestFlags(*t)
	t.HasCriticalValue = t.HasCriticalValue || agg.HasCriticalValue
	t.HasAbnormalValue = t.HasAbnormalValue || agg.HasAbnormalValue
	next.CriticalValueAlerted = next.CriticalValueAlerted || AggregateOrderAlert(next)
	return next, nil
}

// SetTestStatus changes the processing state of one test.
func SetTestStatus(o Order, testID string, status TestStatus) (Order, error) {
	if err := notCancelled(o, OpSetTestStatus); err != nil {
		return o, err
	}
	if !validTestStatuses[status] {
		return o, &lifecycle.ValidationError{Errors: []string{"invalid test status: " + string(status)}}
	}
	idx := o.FindTest(testID)
	if idx < 0 {
		return o, &lifecycle.NotFoundError{Kind: "test", ID: testID}
	}
	next := o.clone()
	next.Tests[idx].Status = status
	return next, nil
}

// CompleteOrder marks the order completed. Whether every test is complete
// is the caller's check (see AllTestsComplete).
func CompleteOrder(o Order, at time.Time) (Order, error) {
	if err := notCancelled(o, OpComplete); err != nil {
		return o, err
	}
	next := o.clone()
	next.Status = StatusCompleted
	next.CompletedDate = timePtr(at)
	return next, nil
}

// VerifyOrder records technical verification of a completed order.
func VerifyOrder(o Order) (Order, error) {
	return advance(o, OpVerify, StatusVerified, StatusCompleted)
}

// ReportOrder records release of verified results to the requester.
func ReportOrder(o Order) (Order, error) {
	return advance(o, OpReport, StatusReported, StatusVerified)
}

// CancelOrder moves the order to the terminal cancelled state. Only orders
// that have not yet had a sample collected can be cancelled.
func CancelOrder(o Order, by, reason string, at time.Time) (Order, error) {
	if !CanCancel(o) {
		return o, lifecycle.Denied(entity, string(o.Status), OpCancel)
	}
	next := o.clone()
	next.Status = StatusCancelled
	next.CancelledAt = timePtr(at)
	next.CancelledBy = by
	next.CancelReason = strings.TrimSpace(reason)
	return next, nil
}
