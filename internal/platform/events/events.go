// Package events publishes clinical record events (critical lab values,
// locked notes, finalized summaries) to interested consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Routing keys.
const (
	CriticalValue    = "lab.critical_value"
	NoteLocked       = "note.locked"
	SummaryFinalized = "summary.finalized"
)

// Exchange is the topic exchange all events are published to.
const Exchange = "clinical.events"

// Event is the envelope written to the wire.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Tenant     string          `json:"tenant,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// New wraps payload in an envelope.
func New(eventType, tenant string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Tenant:     tenant,
		OccurredAt: time.Now().UTC(),
		Payload:    raw,
	}, nil
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// CriticalValuePayload is published when a result with a critical flag is
// recorded.
type CriticalValuePayload struct {
	OrderID     string `json:"order_id"`
	OrderNumber string `json:"order_number"`
	PatientID   string `json:"patient_id"`
	DoctorID    string `json:"doctor_id"`
	TestID      string `json:"test_id"`
	TestCode    string `json:"test_code"`
	ResultID    string `json:"result_id"`
	Parameter   string `json:"parameter"`
	Value       string `json:"value,omitempty"`
	Flag        string `json:"flag"`
	FirstAlert  bool   `json:"first_alert"`
}

// NoteLockedPayload is published when a progress note becomes immutable.
type NoteLockedPayload struct {
	NoteID    string    `json:"note_id"`
	PatientID string    `json:"patient_id"`
	LockedBy  string    `json:"locked_by"`
	LockedAt  time.Time `json:"locked_at"`
}

// SummaryFinalizedPayload is published when a discharge summary is locked.
type SummaryFinalizedPayload struct {
	SummaryID     string    `json:"summary_id"`
	SummaryNumber string    `json:"summary_number"`
	PatientID     string    `json:"patient_id"`
	AdmissionID   string    `json:"admission_id"`
	LockedAt      time.Time `json:"locked_at"`
}

// =========== RabbitMQ ===========

// AMQPPublisher publishes persistent JSON messages with publisher confirms.
type AMQPPublisher struct {
	mu       sync.Mutex
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
	timeout  time.Duration
}

// NewAMQPPublisher declares the durable topic exchange and enables
// confirms on a dedicated channel.
func NewAMQPPublisher(conn *amqp.Connection) (*AMQPPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		Exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", Exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	return &AMQPPublisher{
		ch:       ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		timeout:  5 * time.Second,
	}, nil
}

// Dial connects to the broker.
func Dial(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	return conn, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// One in-flight publish at a time keeps confirmations in order.
	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.PublishWithContext(ctx, Exchange, e.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Timestamp:    e.OccurredAt,
		Type:         e.Type,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}

	select {
	case conf, ok := <-p.confirms:
		if !ok {
			return fmt.Errorf("publish %s: channel closed", e.Type)
		}
		if !conf.Ack {
			return fmt.Errorf("publish %s: broker nacked", e.Type)
		}
		return nil
	case <-time.After(p.timeout):
		return fmt.Errorf("publish %s: confirm timeout", e.Type)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the channel.
func (p *AMQPPublisher) Close() error {
	return p.ch.Close()
}

// =========== Log-only ===========

// LogPublisher writes events to the structured log. It is used when no
// broker is configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	p.logger.Info().
		Str("event_id", e.ID).
		Str("event_type", e.Type).
		Str("tenant", e.Tenant).
		RawJSON("payload", e.Payload).
		Msg("clinical event")
	return nil
}

// =========== In-memory ===========

// Recorder keeps published events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events with the given routing key.
func (r *Recorder) OfType(eventType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
