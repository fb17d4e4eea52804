package broker

import (
	"context"
	"time"

	"github.com/casualjim/topicbus/internal/metrics"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Acknowledger settles deliveries on the channel they arrived on.
type Acknowledger interface {
	Ack(tag uint64) error
	Reject(tag uint64, requeue bool) error
}

// Delivery is one inbound message plus the metadata needed to settle it.
type Delivery struct {
	Acknowledger Acknowledger
	Tag          uint64
	Body         []byte
	Queue        string
	Exchange     string
	RoutingKey   string
	ConsumerTag  string
	ContentType  string
	MessageID    string
	Redelivered  bool
	Timestamp    time.Time
	Headers      map[string]any
}

// DeliveryFunc receives deliveries from a queue consumer. It runs on the
// consumer goroutine: the next delivery is not handed over until it returns.
type DeliveryFunc func(ctx context.Context, d Delivery)

func newDelivery(ack Acknowledger, queue string, d amqp.Delivery) Delivery {
	return Delivery{
		Acknowledger: ack,
		Tag:          d.DeliveryTag,
		Body:         d.Body,
		Queue:        queue,
		Exchange:     d.Exchange,
		RoutingKey:   d.RoutingKey,
		ConsumerTag:  d.ConsumerTag,
		ContentType:  d.ContentType,
		MessageID:    d.MessageId,
		Redelivered:  d.Redelivered,
		Timestamp:    d.Timestamp,
		Headers:      d.Headers,
	}
}

// channelAcker settles deliveries through the session's serialized channel.
type channelAcker struct {
	s       *session
	queue   string
	metrics *metrics.Collectors
}

func (a *channelAcker) Ack(tag uint64) error {
	err := a.s.withChannel(func(ch Channel) error {
		return ch.Ack(tag, false)
	})
	if err == nil {
		a.metrics.Settled.WithLabelValues(a.queue, metrics.OutcomeAck).Inc()
	}
	return err
}

func (a *channelAcker) Reject(tag uint64, requeue bool) error {
	err := a.s.withChannel(func(ch Channel) error {
		return ch.Reject(tag, requeue)
	})
	if err == nil {
		outcome := metrics.OutcomeDrop
		if requeue {
			outcome = metrics.OutcomeReject
		}
		a.metrics.Settled.WithLabelValues(a.queue, outcome).Inc()
	}
	return err
}
