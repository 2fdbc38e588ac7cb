package laborder

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

// ErrTestsIncomplete is returned when completing an order that still has
// tests outside completed/verified. It matches lifecycle.ErrInvalidTransition.
var ErrTestsIncomplete = fmt.Errorf("%w: not all tests are complete", lifecycle.ErrInvalidTransition)

// Actor identifies the user performing an operation.
type Actor struct {
	ID   string
	Name string
}

type Service struct {
	orders  OrderRepository
	history *statushistory.Recorder
	numbers *sequence.Generator
	events  events.Publisher
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewService(orders OrderRepository, history *statushistory.Recorder, numbers *sequence.Generator,
	pub events.Publisher, m *metrics.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		orders:  orders,
		history: history,
		numbers: numbers,
		events:  pub,
		metrics: m,
		logger:  logger.With().Str("component", "laborder").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateOrderInput is the payload for a new order.
type CreateOrderInput struct {
	PatientID     string     `json:"patient_id" validate:"required"`
	DoctorID      string     `json:"doctor_id" validate:"required"`
	EncounterID   *string    `json:"encounter_id,omitempty"`
	Priority      Priority   `json:"priority,omitempty" validate:"omitempty,oneof=routine urgent stat asap"`
	OrderDate     *time.Time `json:"order_date,omitempty"`
	ClinicalNotes *string    `json:"clinical_notes,omitempty"`
	Tests         []NewTest  `json:"tests,omitempty" validate:"dive"`
}

func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput, actor Actor) (*Order, error) {
	if strings.TrimSpace(in.PatientID) == "" {
		return nil, &lifecycle.ValidationError{Errors: []string{"patient_id is required"}}
	}
	if strings.TrimSpace(in.DoctorID) == "" {
		return nil, &lifecycle.ValidationError{Errors: []string{"doctor_id is required"}}
	}
	if in.Priority == "" {
		in.Priority = PriorityRoutine
	}
	if !validPriorities[in.Priority] {
		return nil, &lifecycle.ValidationError{Errors: []string{"invalid priority: " + string(in.Priority)}}
	}

	number, err := s.numbers.Next(ctx, db.TenantFromContext(ctx), sequence.PrefixOrder)
	if err != nil {
		return nil, fmt.Errorf("assign order number: %w", err)
	}

	now := s.now()
	o := Order{
		ID:            uuid.NewString(),
		OrderNumber:   number,
		PatientID:     in.PatientID,
		DoctorID:      in.DoctorID,
		EncounterID:   in.EncounterID,
		Status:        StatusOrdered,
		Priority:      in.Priority,
		OrderDate:     now,
		ClinicalNotes: in.ClinicalNotes,
		Tests:         []Test{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if in.OrderDate != nil {
		o.OrderDate = in.OrderDate.UTC()
	}
	for _, t := range in.Tests {
		if o, err = AddTest(o, t, now); err != nil {
			return nil, err
		}
	}

	if err := s.orders.Create(ctx, &o); err != nil {
		return nil, fmt.Errorf("create lab order: %w", err)
	}
	if err := s.history.Record(ctx, entity, o.ID, "create", "", string(o.Status), actor.ID, ""); err != nil {
		return nil, err
	}
	s.logger.Info().Str("order_id", o.ID).Str("order_number", o.OrderNumber).Msg("lab order created")
	return &o, nil
}

func (s *Service) GetOrder(ctx context.Context, id string) (*Order, error) {
	return s.orders.GetByID(ctx, id)
}

func (s *Service) ListOrdersByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Order, int, error) {
	return s.orders.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) SearchOrders(ctx context.Context, params map[string]string, limit, offset int) ([]*Order, int, error) {
	return s.orders.Search(ctx, params, limit, offset)
}

func (s *Service) StatusHistory(ctx context.Context, id string) ([]*statushistory.Entry, error) {
	if _, err := s.orders.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.history.History(ctx, entity, id)
}

// apply loads the order, runs fn, persists the result and records any status
// change. expectedVersion of zero skips the staleness check.
func (s *Service) apply(ctx context.Context, id string, expectedVersion int, op string, actor Actor, reason string,
	fn func(Order) (Order, error)) (prev, next *Order, err error) {
	defer func() { s.metrics.ObserveTransition(entity, op, err) }()

	cur, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if expectedVersion > 0 && cur.VersionID != expectedVersion {
		return nil, nil, lifecycle.ErrVersionConflict
	}

	updated, err := fn(*cur)
	if err != nil {
		return nil, nil, err
	}
	updated.UpdatedAt = s.now()
	if err := s.orders.Update(ctx, &updated); err != nil {
		return nil, nil, fmt.Errorf("%s lab order %s: %w", op, id, err)
	}

	if updated.Status != cur.Status {
		if err := s.history.Record(ctx, entity, id, op, string(cur.Status), string(updated.Status), actor.ID, reason); err != nil {
			return nil, nil, err
		}
	}
	s.logger.Debug().
		Str("order_id", id).
		Str("operation", op).
		Str("from", string(cur.Status)).
		Str("to", string(updated.Status)).
		Msg("lab order transition")
	return cur, &updated, nil
}

func (s *Service) Acknowledge(ctx context.Context, id string, version int, actor Actor) (*Order, error) {
	_, o, err := s.apply(ctx, id, version, OpAcknowledge, actor, "", AcknowledgeOrder)
	return o, err
}

func (s *Service) RequestSample(ctx context.Context, id string, version int, actor Actor) (*Order, error) {
	_, o, err := s.apply(ctx, id, version, OpRequestSample, actor, "", RequestSample)
	return o, err
}

// CollectSample assigns the next tenant sample number when neither the order
// nor the caller supplies one.
func (s *Service) CollectSample(ctx context.Context, id string, version int, sampleNumber string, at *time.Time, actor Actor) (*Order, error) {
	_, o, err := s.apply(ctx, id, version, OpCollectSample, actor, "", func(cur Order) (Order, error) {
		if err := notCancelled(cur, OpCollectSample); err != nil {
			return cur, err
		}
		c := Collection{CollectedBy: actor.ID, CollectedAt: s.now(), SampleNumber: sampleNumber}
		if at != nil {
			c.CollectedAt = at.UTC()
		}
		if cur.SampleNumber == "" && c.SampleNumber == "" {
			n, err := s.numbers.Next(ctx, db.TenantFromContext(ctx), sequence.PrefixSample)
			if err != nil {
				return cur, fmt.Errorf("assign sample number: %w", err)
			}
			c.SampleNumber = n
		}
		return CollectSample(cur, c)
	})
	return o, err
}

func (s *Service) ReceiveInLab(ctx context.Context, id string, version int, actor Actor) (*Order, error) {
	_, o, err := s.apply(ctx, id, version, OpReceiveInLab, actor, "", func(cur Order) (Order, error) {
		return ReceiveInLab(cur, actor.ID, s.now())
	})
	return o, err
}

func (s *Service) StartProcessing(ctx context.Context, id string, version int, actor Actor) (*Order, error) {
	_, o, err := s.apply(ctx, id, version, OpStartProcessing, actor, "", StartProcessing)
	return o, err
}

func (s *Service) MarkPartialResults(ctx context.Context, id string, version int, actor Actor) (*Order, error) {
	_, o, err := s.apply(ctx, id, version, OpPartialResults, actor, "", MarkPartialResults)
	return o, err
}

func (s *Service) AddTest(ctx context.Context, id string, version int, in NewTest, actor Actor) (*Order, error) {
	_, o, err := s.apply(ctx, id, version, OpAddTest, actor, "", func(cur Order) (Order, error) {
		return AddTest(cur, in, s.now())
	})
	return o, err
}

func (s *Service) SetTestStatus(ctx context.Context, id string, version int, testID string, status TestStatus, actor Actor) (*Order, error) {
	_, o, err := s.apply(ctx, id, version, OpSetTestStatus, actor, "", func(cur Order) (Order, error) {
		return SetTestStatus(cur, testID, status)
	})
	return o, err
}

// AddResult records a result and publishes a critical value event when the
// new result is critical.
func (s *Service) AddResult(ctx context.Context, id string, version int, testID string, in NewResult, actor Actor) (*Order, error) {
	if in.RecordedBy == "" {
		in.RecordedBy = actor.ID
	}
	prev, o, err := s.apply(ctx, id, version, OpAddResult, actor, "", func(cur Order) (Order, error) {
		return AddResult(cur, testID, in, s.now())
	})
	if err != nil {
		return nil, err
	}

	t := o.Tests[o.FindTest(testID)]
	r := t.Results[len(t.Results)-1]
	if r.IsCritical {
		s.metrics.CriticalResult()
		s.publish(ctx, events.CriticalValue, events.CriticalValuePayload{
			OrderID:     o.ID,
			OrderNumber: o.OrderNumber,
			PatientID:   o.PatientID,
			DoctorID:    o.DoctorID,
			TestID:      t.ID,
			TestCode:    t.TestCode,
			ResultID:    r.ID,
			Parameter:   r.Parameter,
			Value:       r.Value,
			Flag:        string(r.Flag),
			FirstAlert:  !prev.CriticalValueAlerted,
		})
	}
	return o, nil
}

func (s *Service) Complete(ctx context.Context, id string, version int, actor Actor) (*Order, error) {
	_, o, err := s.apply(ctx, id, version, OpComplete, actor, "", func(cur Order) (Order, error) {
		if err := notCancelled(cur, OpComplete); err != nil {
			return cur, err
		}
		if !AllTestsComplete(cur) {
			return cur, ErrTestsIncomplete
		}
		return CompleteOrder(cur, s.now())
	})
	return o, err
}

func (s *Service) Verify(ctx context.Context, id string, version int, actor Actor) (*Order, error) {
	_, o, err := s.apply(ctx, id, version, OpVerify, actor, "", VerifyOrder)
	return o, err
}

func (s *Service) Report(ctx context.Context, id string, version int, actor Actor) (*Order, error) {
	_, o, err := s.apply(ctx, id, version, OpReport, actor, "", ReportOrder)
	return o, err
}

func (s *Service) Cancel(ctx context.Context, id string, version int, reason string, actor Actor) (*Order, error) {
	reason = strings.TrimSpace(reason)
	_, o, err := s.apply(ctx, id, version, OpCancel, actor, reason, func(cur Order) (Order, error) {
		return CancelOrder(cur, actor.ID, reason, s.now())
	})
	return o, err
}

// publish delivers an event. The transition is already persisted, so a
// delivery failure is logged rather than returned.
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
