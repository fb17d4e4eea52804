// Package metrics provides Prometheus collectors for the event bus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Settlement outcomes of a delivery.
const (
	OutcomeAck    = "ack"
	OutcomeReject = "reject"
	OutcomeDrop   = "drop"
)

// Collectors groups the bus metrics. Labels carry exchange and queue names
// only, never session or delivery identifiers.
type Collectors struct {
	Published       *prometheus.CounterVec
	PublishFailures *prometheus.CounterVec
	Deliveries      *prometheus.CounterVec
	Settled         *prometheus.CounterVec
	Invalid         *prometheus.CounterVec
	Disconnects     prometheus.Counter
	ConnectionState prometheus.Gauge
	Listeners       prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg creates
// unregistered collectors, which is what tests and embedders without a
// metrics endpoint want.
func New(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		Published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "topicbus_published_total",
			Help: "Total number of messages published, by exchange.",
		}, []string{"exchange"}),
		PublishFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "topicbus_publish_failures_total",
			Help: "Total number of failed publishes, by exchange.",
		}, []string{"exchange"}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "topicbus_deliveries_total",
			Help: "Total number of deliveries handed to listeners, by queue.",
		}, []string{"queue"}),
		Settled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "topicbus_settled_total",
			Help: "Total number of settled deliveries, by queue and outcome (ack/reject/drop).",
		}, []string{"queue", "outcome"}),
		Invalid: f.NewCounterVec(prometheus.CounterOpts{
			Name: "topicbus_invalid_envelopes_total",
			Help: "Total number of inbound envelopes that failed parsing or validation, by event name.",
		}, []string{"event_name"}),
		Disconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "topicbus_disconnects_total",
			Help: "Total number of broker initiated disconnects.",
		}),
		ConnectionState: f.NewGauge(prometheus.GaugeOpts{
			Name: "topicbus_connection_state",
			Help: "Current connection state (0 disconnected, 1 connecting, 2 open, 3 closing, 4 closed).",
		}),
		Listeners: f.NewGauge(prometheus.GaugeOpts{
			Name: "topicbus_active_listeners",
			Help: "Number of active queue consumers.",
		}),
	}
}
