package broker

import (
	"context"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Dialer opens transport connections. The default dials RabbitMQ with
// amqp091-go, tests substitute an in-memory broker.
type Dialer interface {
	Dial(ctx context.Context, cfg Config) (Connection, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, cfg Config) (Connection, error)

func (f DialerFunc) Dial(ctx context.Context, cfg Config) (Connection, error) {
	return f(ctx, cfg)
}

// Connection is the subset of *amqp.Connection the manager uses.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Channel is the subset of *amqp.Channel the manager uses.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Ack(tag uint64, multiple bool) error
	Reject(tag uint64, requeue bool) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

const defaultDialTimeout = 30 * time.Second

// AMQPDialer returns a Dialer connecting to a real broker with amqp091-go.
// The dial honours ctx, the AMQP handshake is bounded by timeout.
func AMQPDialer(timeout time.Duration) Dialer {
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	return amqpDialer{timeout: timeout}
}

type amqpDialer struct {
	timeout time.Duration
}

func (d amqpDialer) Dial(ctx context.Context, cfg Config) (Connection, error) {
	props := amqp.NewConnectionProperties()
	if cfg.ConnectionName != "" {
		props.SetClientConnectionName(cfg.ConnectionName)
	}

	conn, err := amqp.DialConfig(cfg.URI().String(), amqp.Config{
		Vhost:      cfg.Vhost,
		Heartbeat:  cfg.Heartbeat,
		Locale:     "en_US",
		Properties: props,
		Dial: func(network, addr string) (net.Conn, error) {
			nd := net.Dialer{Timeout: d.timeout}
			c, err := nd.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			// amqp091 clears the deadline once the handshake completes
			if err := c.SetDeadline(time.Now().Add(d.timeout)); err != nil {
				_ = c.Close()
				return nil, err
			}
			return c, nil
		},
	})
	if err != nil {
		return nil, err
	}
	return &amqpConnection{conn: conn}, nil
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *amqpConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c *amqpConnection) IsClosed() bool { return c.conn.IsClosed() }

func (c *amqpConnection) Close() error { return c.conn.Close() }
