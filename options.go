package topicbus

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/casualjim/topicbus/envelope"
	"github.com/fogfish/opts"
	"github.com/prometheus/client_golang/prometheus"
)

// Option configures a Bus.
type Option = opts.Option[Bus]

// WithConfig sets the broker configuration. It is required.
func WithConfig(cfg Config) Option {
	return opts.Type[Bus](func(b *Bus) error {
		b.cfg = cfg
		b.hasConfig = true
		return nil
	})
}

// WithSchemas sets the schema registry used by the bus to validate inbound
// envelopes before they are counted as valid.
func WithSchemas(reg *envelope.Registry) Option {
	return opts.Type[Bus](func(b *Bus) error {
		if reg == nil {
			return errors.New("schema registry is required")
		}
		b.schemas = reg
		return nil
	})
}

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return opts.Type[Bus](func(b *Bus) error {
		if logger == nil {
			return errors.New("logger is required")
		}
		b.logger = logger
		return nil
	})
}

// WithMetrics registers the bus collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return opts.Type[Bus](func(b *Bus) error {
		if reg == nil {
			return errors.New("metrics registerer is required")
		}
		b.registerer = reg
		return nil
	})
}

// WithDialer replaces the AMQP dialer, mostly useful in tests.
func WithDialer(dialer Dialer) Option {
	return opts.Type[Bus](func(b *Bus) error {
		if dialer == nil {
			return errors.New("dialer is required")
		}
		b.dialer = dialer
		return nil
	})
}

// WithBufferSize puts a bounded queue of n deliveries between each consumer
// and its handler. The consumer blocks while the queue is full. Zero, the
// default, calls the handler directly from the consumer.
func WithBufferSize(n int) Option {
	return opts.Type[Bus](func(b *Bus) error {
		if n < 0 {
			return fmt.Errorf("invalid buffer size %d", n)
		}
		b.bufferSize = n
		return nil
	})
}

// WithGroup sets the default consumer group for listeners registered without
// one. It defaults to the configured prefix.
var WithGroup = opts.ForName[Bus, string]("group")

// WithPrefetch sets the channel prefetch count.
func WithPrefetch(n int) Option {
	return opts.Type[Bus](func(b *Bus) error {
		if n < 0 {
			return fmt.Errorf("invalid prefetch %d", n)
		}
		b.prefetch = n
		return nil
	})
}

// WithStopTimeout bounds how long Run waits for the bus to stop.
func WithStopTimeout(d time.Duration) Option {
	return opts.Type[Bus](func(b *Bus) error {
		if d <= 0 {
			return fmt.Errorf("invalid stop timeout %s", d)
		}
		b.stopTimeout = d
		return nil
	})
}
