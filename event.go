package topicbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/casualjim/topicbus/envelope"
	"github.com/casualjim/topicbus/internal/broker"
	"github.com/casualjim/topicbus/internal/metrics"
	"github.com/casualjim/topicbus/pkg/slogx"
	"github.com/casualjim/topicbus/routing"
)

// Acknowledger settles deliveries on the channel they arrived on.
type Acknowledger = broker.Acknowledger

// ErrSettled is returned when an event is acknowledged, rejected or dropped
// after it was already settled.
var ErrSettled = errors.New("event already settled")

// DeliveryInfo is the broker metadata of an inbound message.
type DeliveryInfo struct {
	Tag         uint64
	Queue       string
	Exchange    string
	RoutingKey  string
	ConsumerTag string
	MessageID   string
	Redelivered bool
	Timestamp   time.Time
	Headers     map[string]any
}

// Event is one inbound delivery handed to a Handler.
//
// Body holds the raw message. Validate or Envelope parse and validate it once,
// later calls return the cached result. Exactly one of Ack, Reject or Drop
// settles the delivery. With a nil Channel they do nothing, which is handy
// for events built in tests.
type Event struct {
	Channel  Acknowledger
	Body     []byte
	Delivery DeliveryInfo

	schemas *envelope.Registry
	metrics *metrics.Collectors
	logger  *slog.Logger

	mu        sync.Mutex
	settled   string
	validated bool
	env       envelope.Envelope
	err       error
	domain    string
	typ       string
}

func newEvent(d broker.Delivery, schemas *envelope.Registry, m *metrics.Collectors, logger *slog.Logger) *Event {
	return &Event{
		Channel: d.Acknowledger,
		Body:    d.Body,
		Delivery: DeliveryInfo{
			Tag:         d.Tag,
			Queue:       d.Queue,
			Exchange:    d.Exchange,
			RoutingKey:  d.RoutingKey,
			ConsumerTag: d.ConsumerTag,
			MessageID:   d.MessageID,
			Redelivered: d.Redelivered,
			Timestamp:   d.Timestamp,
			Headers:     d.Headers,
		},
		schemas: schemas,
		metrics: m,
		logger:  logger,
	}
}

// Validate parses Body and validates it against reg. The first call decides,
// later calls return the cached envelope or error whatever reg they pass.
func (e *Event) Validate(reg *envelope.Registry) (envelope.Envelope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.validated {
		return e.env, e.err
	}
	e.validated = true

	parsed, err := envelope.Parse(e.Body)
	var env envelope.Envelope
	if err == nil {
		env, err = reg.Validate(parsed)
	}
	if err == nil {
		e.domain, e.typ, err = env.Split()
	}
	if err != nil {
		e.err = err
		if e.metrics != nil {
			e.metrics.Invalid.WithLabelValues(invalidLabel(parsed.EventName)).Inc()
		}
		return envelope.Envelope{}, err
	}
	e.env = env
	return env, nil
}

func invalidLabel(name string) string {
	// malformed names share one label
	if routing.Valid(name) {
		return name
	}
	return "invalid"
}

// Envelope validates Body against the schema registry of the bus that
// delivered the event. Without a registry it fails with *envelope.ConfigError.
func (e *Event) Envelope() (envelope.Envelope, error) {
	return e.Validate(e.schemas)
}

// EventName returns the validated event name, empty before validation.
func (e *Event) EventName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.env.EventName
}

// Domain returns the domain of the validated event name.
func (e *Event) Domain() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.domain
}

// Type returns the type of the validated event name.
func (e *Event) Type() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.typ
}

// Settled reports how the event was settled: "ack", "reject", "drop" or empty.
func (e *Event) Settled() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settled
}

// Ack acknowledges the delivery.
func (e *Event) Ack(ctx context.Context) error {
	return e.settle(ctx, metrics.OutcomeAck, func(a Acknowledger) error {
		return a.Ack(e.Delivery.Tag)
	})
}

// Reject returns the delivery to its queue.
func (e *Event) Reject(ctx context.Context) error {
	return e.settle(ctx, metrics.OutcomeReject, func(a Acknowledger) error {
		return a.Reject(e.Delivery.Tag, true)
	})
}

// Drop rejects the delivery without requeueing it.
func (e *Event) Drop(ctx context.Context) error {
	return e.settle(ctx, metrics.OutcomeDrop, func(a Acknowledger) error {
		return a.Reject(e.Delivery.Tag, false)
	})
}

func (e *Event) settle(ctx context.Context, outcome string, fn func(Acknowledger) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.settled != "" {
		return fmt.Errorf("%s after %s: %w", outcome, e.settled, ErrSettled)
	}
	if e.Channel == nil {
		return nil
	}
	if err := fn(e.Channel); err != nil {
		return fmt.Errorf("%s delivery %d: %w", outcome, e.Delivery.Tag, err)
	}
	e.settled = outcome
	if e.logger != nil {
		e.logger.DebugContext(ctx, "settled",
			slogx.Queue(e.Delivery.Queue),
			slogx.DeliveryTag(e.Delivery.Tag),
			slog.String("outcome", outcome),
		)
	}
	return nil
}
