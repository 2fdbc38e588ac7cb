package laborder

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/clinicalrecord/internal/platform/events"
	"github.com/ehr/clinicalrecord/internal/platform/lifecycle"
	"github.com/ehr/clinicalrecord/internal/platform/metrics"
	"github.com/ehr/clinicalrecord/internal/platform/sequence"
	"github.com/ehr/clinicalrecord/internal/platform/statushistory"
)

// -- Mock Repository --

type mockOrderRepo struct {
	mu     sync.Mutex
	orders map[string]Order
}

func newMockOrderRepo() *mockOrderRepo {
	return &mockOrderRepo{orders: make(map[string]Order)}
}

func (m *mockOrderRepo) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.VersionID = 1
	m.orders[o.ID] = o.clone()
	return nil
}

func (m *mockOrderRepo) GetByID(_ context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, &lifecycle.NotFoundError{Kind: "lab order", ID: id}
	}
	out := o.clone()
	return &out, nil
}

func (m *mockOrderRepo) Update(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.orders[o.ID]
	if !ok {
		return &lifecycle.NotFoundError{Kind: "lab order", ID: o.ID}
	}
	if stored.VersionID != o.VersionID {
		return lifecycle.ErrVersionConflict
	}
	o.VersionID++
	m.orders[o.ID] = o.clone()
	return nil
}

func (m *mockOrderRepo) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Order, int, error) {
	return m.Search(ctx, map[string]string{"patient": patientID}, limit, offset)
}

func (m *mockOrderRepo) Search(_ context.Context, params map[string]string, limit, offset int) ([]*Order, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Order
	for _, o := range m.orders {
		if p, ok := params["patient"]; ok && o.PatientID != p {
			continue
		}
		if s, ok := params["status"]; ok && string(o.Status) != s {
			continue
		}
		out := o.clone()
		result = append(result, &out)
	}
	return result, len(result), nil
}

type testEnv struct {
	svc     *Service
	repo    *mockOrderRepo
	events  *events.Recorder
	metrics *metrics.Metrics
}

func newTestEnv() *testEnv {
	repo := newMockOrderRepo()
	rec := &events.Recorder{}
	m := metrics.New()
	svc := NewService(repo,
		statushistory.NewRecorder(statushistory.NewMemoryRepo()),
		sequence.NewGenerator(sequence.NewMemoryCounter()),
		rec, m, zerolog.Nop())
	svc.now = func() time.Time { return testNow }
	return &testEnv{svc: svc, repo: repo, events: rec, metrics: m}
}

func newTestService() *Service { return newTestEnv().svc }

var tech = Actor{ID: "tech-1", Name: "Lab Tech"}

func createOrder(t *testing.T, svc *Service) *Order {
	t.Helper()
	o, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		PatientID: "patient-1",
		DoctorID:  "doctor-1",
		Tests:     []NewTest{{ID: "test-1", TestCode: "K", TestName: "Potassium", Category: "chemistry"}},
	}, Actor{ID: "doctor-1"})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return o
}

func TestService_CreateOrder(t *testing.T) {
	svc := newTestService()
	o := createOrder(t, svc)

	if o.Status != StatusOrdered || o.Priority != PriorityRoutine {
		t.Errorf("unexpected status/priority %s/%s", o.Status, o.Priority)
	}
	if !strings.HasPrefix(o.OrderNumber, sequence.PrefixOrder) || !strings.HasSuffix(o.OrderNumber, "000001") {
		t.Errorf("unexpected order number %q", o.OrderNumber)
	}
	if len(o.Tests) != 1 || o.Tests[0].Status != TestPending {
		t.Errorf("expected one pending test, got %+v", o.Tests)
	}
	if o.VersionID != 1 {
		t.Errorf("expected version 1, got %d", o.VersionID)
	}

	second := createOrder(t, svc)
	if !strings.HasSuffix(second.OrderNumber, "000002") {
		t.Errorf("expected sequential order number, got %q", second.OrderNumber)
	}

	history, err := svc.StatusHistory(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != 1 || history[0].ToStatus != string(StatusOrdered) {
		t.Errorf("expected a create entry, got %+v", history)
	}
}

func TestService_CreateOrder_Validation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if _, err := svc.CreateOrder(ctx, CreateOrderInput{DoctorID: "d"}, tech); !errors.Is(err, lifecycle.ErrValidation) {
		t.Errorf("expected validation error for missing patient, got %v", err)
	}
	if _, err := svc.CreateOrder(ctx, CreateOrderInput{PatientID: "p", DoctorID: "d", Priority: "whenever"}, tech); !errors.Is(err, lifecycle.ErrValidation) {
		t.Errorf("expected validation error for bad priority, got %v", err)
	}
}

func TestService_FullWorkflow(t *testing.T) {
	env := newTestEnv()
	svc := env.svc
	ctx := context.Background()
	o := createOrder(t, svc)

	steps := []struct {
		name string
		fn   func() (*Order, error)
		want Status
	}{
		{"acknowledge", func() (*Order, error) { return svc.Acknowledge(ctx, o.ID, 0, tech) }, StatusAcknowledged},
		{"request sample", func() (*Order, error) { return svc.RequestSample(ctx, o.ID, 0, tech) }, StatusSamplePending},
		{"collect", func() (*Order, error) { return svc.CollectSample(ctx, o.ID, 0, "", nil, tech) }, StatusSampleCollected},
		{"receive", func() (*Order, error) { return svc.ReceiveInLab(ctx, o.ID, 0, tech) }, StatusSampleReceived},
		{"process", func() (*Order, error) { return svc.StartProcessing(ctx, o.ID, 0, tech) }, StatusProcessing},
	}
	for _, s := range steps {
		got, err := s.fn()
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", s.name, err)
		}
		if got.Status != s.want {
			t.Fatalf("%s: status = %s, want %s", s.name, got.Status, s.want)
		}
	}

	got, _ := svc.GetOrder(ctx, o.ID)
	if !strings.HasPrefix(got.SampleNumber, sequence.PrefixSample) || !strings.HasSuffix(got.SampleNumber, "000001") {
		t.Errorf("expected sequenced sample number, got %q", got.SampleNumber)
	}
	if got.SampleCollectedBy != tech.ID || got.ReceivedBy != tech.ID {
		t.Errorf("expected acting user recorded, got %q/%q", got.SampleCollectedBy, got.ReceivedBy)
	}

	// Critical potassium.
	got, err := svc.AddResult(ctx, o.ID, 0, "test-1", NewResult{Parameter: "K", Value: "6.8", Flag: FlagCriticalHigh}, tech)
	if err != nil {
		t.Fatalf("AddResult: %v", err)
	}
	if !got.CriticalValueAlerted || !got.Tests[0].HasCriticalValue {
		t.Error("expected critical aggregates to be set")
	}
	if got.Tests[0].Results[0].RecordedBy != tech.ID {
		t.Errorf("expected RecordedBy defaulted to actor, got %q", got.Tests[0].Results[0].RecordedBy)
	}

	// A normal repeat does not clear the alert; a second critical is not a first alert.
	if _, err := svc.AddResult(ctx, o.ID, 0, "test-1", NewResult{Parameter: "K", Value: "4.1", Flag: FlagNormal}, tech); err != nil {
		t.Fatalf("AddResult: %v", err)
	}
	got, err = svc.AddResult(ctx, o.ID, 0, "test-1", NewResult{Parameter: "K", Value: "7.0", Flag: FlagCriticalHigh}, tech)
	if err != nil {
		t.Fatalf("AddResult: %v", err)
	}
	if !got.CriticalValueAlerted {
		t.Error("critical alert must stay set")
	}

	published := env.events.OfType(events.CriticalValue)
	if len(published) != 2 {
		t.Fatalf("expected 2 critical value events, got %d", len(published))
	}
	var first, second events.CriticalValuePayload
	_ = json.Unmarshal(published[0].Payload, &first)
	_ = json.Unmarshal(published[1].Payload, &second)
	if !first.FirstAlert || second.FirstAlert {
		t.Errorf("FirstAlert = %v/%v, want true/false", first.FirstAlert, second.FirstAlert)
	}
	if first.OrderNumber != o.OrderNumber || first.TestCode != "K" || first.Flag != string(FlagCriticalHigh) {
		t.Errorf("unexpected payload %+v", first)
	}

	if _, err := svc.Complete(ctx, o.ID, 0, tech); !errors.Is(err, ErrTestsIncomplete) {
		t.Fatalf("expected ErrTestsIncomplete, got %v", err)
	}
	if _, err := svc.SetTestStatus(ctx, o.ID, 0, "test-1", TestCompleted, tech); err != nil {
		t.Fatalf("SetTestStatus: %v", err)
	}
	for _, step := range []func() (*Order, error){
		func() (*Order, error) { return svc.Complete(ctx, o.ID, 0, tech) },
		func() (*Order, error) { return svc.Verify(ctx, o.ID, 0, tech) },
		func() (*Order, error) { return svc.Report(ctx, o.ID, 0, tech) },
	} {
		if _, err := step(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	final, _ := svc.GetOrder(ctx, o.ID)
	if final.Status != StatusReported || final.CompletedDate == nil {
		t.Errorf("unexpected final order %+v", final)
	}
	if h := TurnaroundHours(*final); h == nil || *h != 0 {
		t.Errorf("expected zero turnaround with a frozen clock, got %v", h)
	}

	history, _ := svc.StatusHistory(ctx, o.ID)
	// create + 5 workflow steps + complete + verify + report
	if len(history) != 9 {
		t.Errorf("expected 9 history entries, got %d", len(history))
	}
}

func TestService_CollectSample_KeepsExistingNumber(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	o := createOrder(t, svc)

	got, err := svc.CollectSample(ctx, o.ID, 0, "SMP-EXT-1", nil, tech)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.SampleNumber != "SMP-EXT-1" {
		t.Errorf("expected caller sample number, got %q", got.SampleNumber)
	}

	again, err := svc.CollectSample(ctx, o.ID, 0, "", nil, tech)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.SampleNumber != "SMP-EXT-1" {
		t.Errorf("recollection must keep the sample number, got %q", again.SampleNumber)
	}
}

func TestService_VersionConflict(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	o := createOrder(t, svc)

	if _, err := svc.Acknowledge(ctx, o.ID, 1, tech); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.RequestSample(ctx, o.ID, 1, tech); !errors.Is(err, lifecycle.ErrVersionConflict) {
		t.Errorf("expected version conflict for stale version, got %v", err)
	}
	got, err := svc.RequestSample(ctx, o.ID, 2, tech)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.VersionID != 3 {
		t.Errorf("expected version 3, got %d", got.VersionID)
	}
}

func TestService_Cancel(t *testing.T) {
	env := newTestEnv()
	svc := env.svc
	ctx := context.Background()

	o := createOrder(t, svc)
	got, err := svc.Cancel(ctx, o.ID, 0, "  duplicate order ", Actor{ID: "doctor-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusCancelled || got.CancelReason != "duplicate order" || got.CancelledBy != "doctor-1" {
		t.Errorf("unexpected cancelled order %+v", got)
	}
	history, _ := svc.StatusHistory(ctx, o.ID)
	last := history[len(history)-1]
	if last.Reason == nil || *last.Reason != "duplicate order" {
		t.Errorf("expected cancel reason in history, got %+v", last)
	}

	// Terminal: nothing else applies.
	if _, err := svc.CollectSample(ctx, o.ID, 0, "", nil, tech); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Errorf("expected invalid transition after cancel, got %v", err)
	}

	collected := createOrder(t, svc)
	if _, err := svc.CollectSample(ctx, collected.ID, 0, "", nil, tech); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Cancel(ctx, collected.ID, 0, "late", tech); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Errorf("expected invalid transition cancelling a collected order, got %v", err)
	}
}

func TestService_AddResult_UnknownTest(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	o := createOrder(t, svc)

	_, err := svc.AddResult(ctx, o.ID, 0, "missing", NewResult{Parameter: "K", Flag: FlagNormal}, tech)
	var nf *lifecycle.NotFoundError
	if !errors.As(err, &nf) || nf.Kind != "test" {
		t.Fatalf("expected test NotFoundError, got %v", err)
	}
	stored, _ := svc.GetOrder(ctx, o.ID)
	if stored.VersionID != 1 {
		t.Error("failed transition must not persist")
	}
}

func TestService_AddResult_DerivesFlag(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	o := createOrder(t, env.svc)

	v := 2.4
	low, critLow := 3.5, 2.5
	got, err := env.svc.AddResult(ctx, o.ID, 0, "test-1", NewResult{
		Parameter:      "K",
		NumericValue:   &v,
		ReferenceRange: &ReferenceRange{Low: &low, CriticalLow: &critLow},
	}, tech)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f := got.Tests[0].Results[0].Flag; f != FlagCriticalLow {
		t.Errorf("expected derived critical_low, got %s", f)
	}
	if len(env.events.OfType(events.CriticalValue)) != 1 {
		t.Error("expected a critical value event for a derived critical flag")
	}
}

func TestService_NotFound(t *testing.T) {
	svc := newTestService()
	if _, err := svc.Acknowledge(context.Background(), "nope", 0, tech); !errors.Is(err, lifecycle.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.StatusHistory(context.Background(), "nope"); !errors.Is(err, lifecycle.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_SearchOrders(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	a := createOrder(t, svc)
	createOrder(t, svc)
	if _, err := svc.Acknowledge(ctx, a.ID, 0, tech); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	items, total, err := svc.SearchOrders(ctx, map[string]string{"status": "acknowledged"}, 20, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || items[0].ID != a.ID {
		t.Errorf("expected only the acknowledged order, got %d", total)
	}
	_, total, _ = svc.ListOrdersByPatient(ctx, "patient-1", 20, 0)
	if total != 2 {
		t.Errorf("expected 2 orders for patient, got %d", total)
	}
}
