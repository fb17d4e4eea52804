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
	"github.com/fogfish/opts"
	"github.com/prometheus/client_golang/prometheus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type (
	// Config describes how to reach the broker.
	Config = broker.Config
	// Dialer opens broker connections.
	Dialer = broker.Dialer
	// State is the connection state of a Bus.
	State = broker.State
)

// Connection states.
const (
	StateDisconnected = broker.StateDisconnected
	StateConnecting   = broker.StateConnecting
	StateOpen         = broker.StateOpen
	StateClosing      = broker.StateClosing
	StateClosed       = broker.StateClosed
)

var (
	// ErrDisconnected is the cause of a broker initiated close.
	ErrDisconnected = broker.ErrDisconnected
	// ErrStopped is the cancellation cause seen by handlers during Stop.
	ErrStopped = broker.ErrStopped
)

// ConfigFromMap builds a Config from a flat key/value map, see pkg/config.
func ConfigFromMap(m map[string]string) (Config, error) {
	return broker.ConfigFromMap(m)
}

const defaultStopTimeout = 10 * time.Second

// Handler receives the events of one event name. It must settle ev.
type Handler func(ctx context.Context, ev *Event)

type listener struct {
	eventName string
	group     string
	handler   Handler
}

// Bus maps event names to broker queues and dispatches deliveries to handlers.
type Bus struct {
	cfg         Config
	hasConfig   bool
	schemas     *envelope.Registry
	logger      *slog.Logger
	registerer  prometheus.Registerer
	dialer      Dialer
	bufferSize  int
	group       string
	prefetch    int
	stopTimeout time.Duration

	manager *broker.Manager
	metrics *metrics.Collectors

	lmu       sync.RWMutex
	listeners *orderedmap.OrderedMap[string, *listener]

	// startMu serializes Start, it guards bound and boundGen
	startMu  sync.Mutex
	bound    map[string]*binding
	boundGen uint64
}

// New creates a Bus. WithConfig is required.
func New(options ...Option) (*Bus, error) {
	b := &Bus{
		logger:      slog.Default(),
		stopTimeout: defaultStopTimeout,
		listeners:   orderedmap.New[string, *listener](),
		bound:       make(map[string]*binding),
	}
	if err := opts.Apply(b, options); err != nil {
		return nil, err
	}
	if !b.hasConfig {
		return nil, errors.New("broker configuration is required")
	}
	if b.group == "" {
		b.group = b.cfg.Prefix
	}

	b.metrics = metrics.New(b.registerer)
	base := b.logger
	b.logger = slogx.Named(base, "topicbus")

	mopts := []broker.Option{
		broker.WithLogger(base),
		broker.WithMetrics(b.metrics),
		broker.WithPrefetch(b.prefetch),
	}
	if b.dialer != nil {
		mopts = append(mopts, broker.WithDialer(b.dialer))
	}
	m, err := broker.New(b.cfg, mopts...)
	if err != nil {
		return nil, err
	}
	b.manager = m
	return b, nil
}

// Listen registers handler for eventName in group. An empty group uses the
// default group. Registering an event name again replaces its handler and
// group. A bound listener dispatches to the new handler at once, a new group
// takes effect on the next Start, which moves the consumer to the new queue.
// Listen only records the registration, Start binds it.
func (b *Bus) Listen(eventName, group string, handler Handler) error {
	if _, _, err := routing.Split(eventName); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("listen %q: handler is required", eventName)
	}
	if group == "" {
		group = b.group
	}
	if group == "" {
		return fmt.Errorf("listen %q: consumer group is required", eventName)
	}

	b.lmu.Lock()
	_, replaced := b.listeners.Set(eventName, &listener{eventName: eventName, group: group, handler: handler})
	b.lmu.Unlock()

	if replaced {
		b.logger.Debug("replaced listener", slogx.EventName(eventName), slog.String("group", group))
	}
	return nil
}

// Listeners returns the registered event names in registration order.
func (b *Bus) Listeners() []string {
	b.lmu.RLock()
	defer b.lmu.RUnlock()
	names := make([]string, 0, b.listeners.Len())
	for p := b.listeners.Oldest(); p != nil; p = p.Next() {
		names = append(names, p.Key)
	}
	return names
}

func (b *Bus) handler(eventName string) (Handler, bool) {
	b.lmu.RLock()
	defer b.lmu.RUnlock()
	l, ok := b.listeners.Get(eventName)
	if !ok {
		return nil, false
	}
	return l.handler, true
}

func (b *Bus) snapshot() []*listener {
	b.lmu.RLock()
	defer b.lmu.RUnlock()
	out := make([]*listener, 0, b.listeners.Len())
	for p := b.listeners.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Value)
	}
	return out
}

// Start connects and starts a consumer for every registered listener that is
// not bound on the current connection yet. Calling it again does not create
// duplicate consumers, after a reconnect every listener is bound again. A
// listener re-registered with another group has its old consumer cancelled
// before the new one starts.
func (b *Bus) Start(ctx context.Context) error {
	if err := b.manager.Connect(ctx); err != nil {
		return err
	}

	b.startMu.Lock()
	defer b.startMu.Unlock()

	if gen := b.manager.Generation(); gen != b.boundGen {
		clear(b.bound)
		b.boundGen = gen
	}

	for _, l := range b.snapshot() {
		if cur, ok := b.bound[l.eventName]; ok {
			if cur.group == l.group {
				continue
			}
			if err := cur.consumer.Cancel(ctx); err != nil {
				return fmt.Errorf("rebind listener %q: %w", l.eventName, err)
			}
			delete(b.bound, l.eventName)
			b.logger.InfoContext(ctx, "moved listener",
				slogx.EventName(l.eventName),
				slog.String("from", cur.group),
				slog.String("to", l.group),
			)
		}

		c, err := b.bind(ctx, l)
		if err != nil {
			return fmt.Errorf("start listener %q: %w", l.eventName, err)
		}
		b.bound[l.eventName] = &binding{group: l.group, consumer: c}
	}
	return nil
}

// Emit connects if needed and publishes env to the exchange of its event name.
func (b *Bus) Emit(ctx context.Context, env envelope.Envelope) error {
	if _, _, err := env.Split(); err != nil {
		return err
	}
	if err := b.manager.Connect(ctx); err != nil {
		return err
	}
	body, err := envelope.Serialize(env)
	if err != nil {
		return err
	}
	return b.manager.Emit(ctx, env.EventName, body)
}

// EmitValues builds an envelope from content and context values and emits it.
func (b *Bus) EmitValues(ctx context.Context, eventName string, content, evtContext any) error {
	env, err := envelope.FromValues(eventName, content, evtContext)
	if err != nil {
		return err
	}
	return b.Emit(ctx, env)
}

// Run starts the bus and blocks until ctx is done or the connection is lost.
// A cancelled ctx stops the bus and returns the result of Stop, a lost
// connection returns an error wrapping ErrDisconnected.
func (b *Bus) Run(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		return err
	}
	b.logger.InfoContext(ctx, "running", slog.Int("listeners", len(b.snapshot())))

	var runErr error
	select {
	case <-ctx.Done():
		b.logger.InfoContext(ctx, "shutting down", slogx.Error(context.Cause(ctx)))
	case <-b.manager.Done():
		runErr = b.manager.Err()
		if runErr != nil {
			b.logger.ErrorContext(ctx, "connection lost", slogx.Error(runErr))
		}
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.stopTimeout)
	defer cancel()
	return errors.Join(runErr, b.Stop(stopCtx))
}

// Stop cancels every listener and closes the connection. Stopping twice is a no-op.
func (b *Bus) Stop(ctx context.Context) error {
	return b.manager.Stop(ctx)
}

// State returns the connection state.
func (b *Bus) State() State { return b.manager.State() }

// Err returns the cause of the last broker initiated close, if any.
func (b *Bus) Err() error { return b.manager.Err() }

// Schemas returns the schema registry the bus was configured with, possibly nil.
func (b *Bus) Schemas() *envelope.Registry { return b.schemas }
