package broker

import (
	"errors"
	"log/slog"

	"github.com/casualjim/topicbus/internal/metrics"
	"github.com/fogfish/opts"
)

// Option configures a Manager.
type Option = opts.Option[Manager]

// WithPrefetch sets the per-channel prefetch count. Zero leaves the broker default.
var WithPrefetch = opts.ForName[Manager, int]("prefetch")

// WithLogger sets the base logger, the manager tags it with its own logger name.
func WithLogger(logger *slog.Logger) Option {
	return opts.Type[Manager](func(m *Manager) error {
		if logger == nil {
			return errors.New("logger is required")
		}
		m.logger = logger
		return nil
	})
}

// WithDialer replaces the amqp091 dialer.
func WithDialer(dialer Dialer) Option {
	return opts.Type[Manager](func(m *Manager) error {
		if dialer == nil {
			return errors.New("dialer is required")
		}
		m.dialer = dialer
		return nil
	})
}

// WithMetrics reports connection, publish and delivery metrics to c.
func WithMetrics(c *metrics.Collectors) Option {
	return opts.Type[Manager](func(m *Manager) error {
		if c == nil {
			return errors.New("metrics collectors are required")
		}
		m.metrics = c
		return nil
	})
}
