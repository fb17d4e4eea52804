package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casualjim/topicbus/internal/metrics"
	"github.com/casualjim/topicbus/internal/registry"
	"github.com/casualjim/topicbus/internal/tasks"
	"github.com/casualjim/topicbus/pkg/jsonx"
	"github.com/casualjim/topicbus/pkg/slogx"
	"github.com/casualjim/topicbus/pkg/uuidx"
	"github.com/casualjim/topicbus/routing"
	"github.com/fogfish/opts"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	exchangeKind = "topic"
	contentType  = "application/json"
)

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Manager owns one AMQP connection and channel at a time.
// All methods are safe for concurrent use.
type Manager struct {
	cfg      Config
	dialer   Dialer
	logger   *slog.Logger
	metrics  *metrics.Collectors
	prefetch int

	// lifecycle serializes Connect and Stop
	lifecycle sync.Mutex

	mu    sync.RWMutex
	state State
	sess  *session
	err   error
	gen   uint64
}

// New creates a disconnected Manager for cfg.
func New(cfg Config, options ...Option) (*Manager, error) {
	m := &Manager{
		cfg:    cfg,
		dialer: AMQPDialer(0),
		logger: slog.Default(),
	}
	if err := opts.Apply(m, options); err != nil {
		return nil, err
	}
	if m.prefetch < 0 {
		return nil, fmt.Errorf("invalid prefetch %d", m.prefetch)
	}
	if m.metrics == nil {
		m.metrics = metrics.New(nil)
	}
	m.logger = slogx.Named(m.logger, "broker")
	return m, nil
}

// session is everything that lives and dies with one connection.
type session struct {
	gen   uint64
	conn  Connection
	chMu  sync.Mutex
	ch    Channel
	tasks *tasks.Group
	// exchanges declared on ch
	exchanges registry.Registry[struct{}]

	// close notifications of conn and ch
	connClosed <-chan *amqp.Error
	chClosed   <-chan *amqp.Error

	done     chan struct{}
	doneOnce sync.Once
	stopping atomic.Bool
}

func (s *session) withChannel(fn func(Channel) error) error {
	s.chMu.Lock()
	defer s.chMu.Unlock()
	if s.ch == nil || s.ch.IsClosed() {
		return ErrNotConnected
	}
	return fn(s.ch)
}

func (s *session) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Connect opens the connection and channel and starts the disconnect watcher.
// It is a no-op while the manager is open.
func (m *Manager) Connect(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.state == StateOpen {
		m.mu.Unlock()
		return nil
	}
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	log := m.logger.With(slog.String("broker", m.cfg.Redacted()))
	log.DebugContext(ctx, "connecting")

	s, err := m.open(ctx)
	if err != nil {
		m.mu.Lock()
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		log.ErrorContext(ctx, "failed to connect", slogx.Error(err))
		return &ConnectionError{Addr: m.cfg.Addr(), Err: err}
	}

	m.mu.Lock()
	m.gen++
	s.gen = m.gen
	m.sess = s
	m.err = nil
	m.setStateLocked(StateOpen)
	m.mu.Unlock()

	s.tasks.Go(context.WithoutCancel(ctx), tasks.RoleWatcher, func(context.Context) error {
		return m.watch(s)
	})

	log.InfoContext(ctx, "connected", slog.Uint64("generation", s.gen))
	return nil
}

func (m *Manager) open(ctx context.Context) (*session, error) {
	conn, err := m.dialer.Dial(ctx, m.cfg)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if m.prefetch > 0 {
		if err := ch.Qos(m.prefetch, 0, false); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("set prefetch: %w", err)
		}
	}

	return &session{
		conn:       conn,
		ch:         ch,
		tasks:      tasks.New(),
		exchanges:  registry.New[struct{}](),
		connClosed: conn.NotifyClose(make(chan *amqp.Error, 1)),
		chClosed:   ch.NotifyClose(make(chan *amqp.Error, 1)),
		done:       make(chan struct{}),
	}, nil
}

// watch blocks until the connection or the channel of s closes. The broker
// closes a channel on its own after a channel exception, leaving the
// connection up, so either one ends the session.
//
// Unless the close was caused by Stop it marks the manager closed, cancels
// every task of the session except itself and an in-flight stop and closes
// the connection.
func (m *Manager) watch(s *session) error {
	var (
		amqpErr *amqp.Error
		source  string
	)
	select {
	case amqpErr = <-s.connClosed:
		source = "connection"
	case amqpErr = <-s.chClosed:
		source = "channel"
	}

	if s.stopping.Load() {
		return nil
	}

	cause := ErrDisconnected
	if amqpErr != nil {
		cause = fmt.Errorf("%w: %w", ErrDisconnected, amqpErr)
	}

	m.mu.Lock()
	if m.sess == s {
		m.setStateLocked(StateClosing)
		m.err = cause
		m.setStateLocked(StateClosed)
	}
	m.mu.Unlock()

	m.metrics.Disconnects.Inc()
	n := s.tasks.CancelAll(cause, tasks.RoleWatcher, tasks.RoleStop)
	m.logger.Error("broker connection lost",
		slogx.Error(cause),
		slog.String("closed", source),
		slog.Uint64("generation", s.gen),
		slog.Int("cancelled", n),
	)
	if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		m.logger.Warn("failed to close broker connection", slogx.Error(err))
	}
	s.finish()
	return cause
}

// Stop cancels the session's tasks, closes the channel and the connection and
// waits for the tasks to return or ctx to be done. Stopping a stopped manager
// is a no-op.
func (m *Manager) Stop(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	s := m.sess
	if s == nil || !s.stopping.CompareAndSwap(false, true) {
		m.mu.Unlock()
		return nil
	}
	if m.state == StateOpen {
		m.setStateLocked(StateClosing)
	}
	m.mu.Unlock()

	ctx, release := s.tasks.Track(ctx, tasks.RoleStop)
	defer release()

	n := s.tasks.CancelAll(ErrStopped, tasks.RoleWatcher, tasks.RoleStop)
	m.logger.DebugContext(ctx, "stopping", slog.Int("cancelled", n))

	var errs error
	s.chMu.Lock()
	if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = errors.Join(errs, fmt.Errorf("close channel: %w", err))
	}
	s.chMu.Unlock()
	if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = errors.Join(errs, fmt.Errorf("close connection: %w", err))
	}

	if err := s.tasks.Wait(ctx); err != nil {
		errs = errors.Join(errs, fmt.Errorf("wait for tasks: %w", err))
	}
	s.finish()

	m.mu.Lock()
	if m.sess == s {
		m.setStateLocked(StateClosed)
	}
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "stopped", slog.Uint64("generation", s.gen))
	return errs
}

// DeclareExchange declares a durable topic exchange. Exchanges already
// declared on the current channel are skipped.
func (m *Manager) DeclareExchange(ctx context.Context, name string) error {
	s, err := m.current()
	if err != nil {
		return err
	}
	return m.declareExchange(ctx, s, name)
}

func (m *Manager) declareExchange(ctx context.Context, s *session, name string) error {
	if _, ok := s.exchanges.Get(name); ok {
		return nil
	}
	err := s.withChannel(func(ch Channel) error {
		return ch.ExchangeDeclare(name, exchangeKind, true, false, false, false, nil)
	})
	if err != nil {
		return fmt.Errorf("declare exchange %q: %w", name, err)
	}
	s.exchanges.Add(name, struct{}{})
	m.logger.DebugContext(ctx, "declared exchange", slogx.Exchange(name))
	return nil
}

// BindQueue declares the exchange and the durable queue of eventName for
// group and binds them. An empty group falls back to the configured prefix.
func (m *Manager) BindQueue(ctx context.Context, eventName, group string) (string, error) {
	s, err := m.current()
	if err != nil {
		return "", err
	}
	return m.bindQueue(ctx, s, eventName, group)
}

func (m *Manager) bindQueue(ctx context.Context, s *session, eventName, group string) (string, error) {
	if group == "" {
		group = m.cfg.Prefix
	}
	if group == "" {
		return "", fmt.Errorf("bind %q: consumer group is required", eventName)
	}

	r, err := routing.For(eventName, group)
	if err != nil {
		return "", err
	}
	if err := m.declareExchange(ctx, s, r.Exchange); err != nil {
		return "", err
	}

	err = s.withChannel(func(ch Channel) error {
		if _, err := ch.QueueDeclare(r.Queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %q: %w", r.Queue, err)
		}
		if err := ch.QueueBind(r.Queue, r.RoutingKey, r.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %q: %w", r.Queue, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return r.Queue, nil
}

// Emit publishes payload to the exchange of eventName with the event type as
// routing key. Byte slices and strings are sent as-is, anything else is JSON
// encoded first.
func (m *Manager) Emit(ctx context.Context, eventName string, payload any) error {
	r, err := routing.For(eventName, "")
	if err != nil {
		return err
	}
	body, err := jsonx.Encode(payload)
	if err != nil {
		return fmt.Errorf("encode %q: %w", eventName, err)
	}

	s, err := m.current()
	if err != nil {
		return err
	}

	ctx, release := s.tasks.Track(ctx, tasks.RolePublish)
	defer release()

	if err := m.declareExchange(ctx, s, r.Exchange); err != nil {
		m.metrics.PublishFailures.WithLabelValues(r.Exchange).Inc()
		return err
	}

	err = s.withChannel(func(ch Channel) error {
		return ch.PublishWithContext(ctx, r.Exchange, r.RoutingKey, false, false, amqp.Publishing{
			ContentType:  contentType,
			DeliveryMode: amqp.Persistent,
			MessageId:    uuidx.NewString(),
			Timestamp:    time.Now().UTC(),
			Body:         body,
		})
	})
	if err != nil {
		m.metrics.PublishFailures.WithLabelValues(r.Exchange).Inc()
		if cause := context.Cause(ctx); cause != nil && !errors.Is(err, cause) {
			err = fmt.Errorf("%w: %w", err, cause)
		}
		return fmt.Errorf("publish %q: %w", eventName, err)
	}
	m.metrics.Published.WithLabelValues(r.Exchange).Inc()
	return nil
}

// Listen binds the queue of eventName for group and consumes it with manual
// acknowledgement. Deliveries are handed to fn one at a time until the
// manager stops, the connection is lost or the returned Consumer is cancelled.
func (m *Manager) Listen(ctx context.Context, eventName, group string, fn DeliveryFunc) (*Consumer, error) {
	if fn == nil {
		return nil, errors.New("delivery func is required")
	}
	s, err := m.current()
	if err != nil {
		return nil, err
	}

	queue, err := m.bindQueue(ctx, s, eventName, group)
	if err != nil {
		return nil, err
	}

	tag := "topicbus-" + uuidx.NewString()
	var deliveries <-chan amqp.Delivery
	err = s.withChannel(func(ch Channel) error {
		d, err := ch.Consume(queue, tag, false, false, false, false, nil)
		deliveries = d
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("consume %q: %w", queue, err)
	}

	ack := &channelAcker{s: s, queue: queue, metrics: m.metrics}
	h := s.tasks.Go(context.WithoutCancel(ctx), tasks.RoleListener, func(ctx context.Context) error {
		return m.consume(ctx, s, tag, queue, deliveries, ack, fn)
	})

	m.logger.InfoContext(ctx, "listening", slogx.EventName(eventName), slogx.Queue(queue))
	return &Consumer{Queue: queue, Tag: tag, handle: h}, nil
}

func (m *Manager) consume(ctx context.Context, s *session, tag, queue string, deliveries <-chan amqp.Delivery, ack Acknowledger, fn DeliveryFunc) error {
	m.metrics.Listeners.Inc()
	defer m.metrics.Listeners.Dec()

	log := m.logger.With(slogx.Queue(queue))
	for {
		select {
		case <-ctx.Done():
			_ = s.withChannel(func(ch Channel) error {
				return ch.Cancel(tag, false)
			})
			cause := context.Cause(ctx)
			log.DebugContext(ctx, "consumer cancelled", slogx.Error(cause))
			return cause
		case d, ok := <-deliveries:
			if !ok {
				// the channel went away, the watcher or Stop cancels ctx
				log.WarnContext(ctx, "delivery stream closed")
				deliveries = nil
				continue
			}
			m.metrics.Deliveries.WithLabelValues(queue).Inc()
			fn(ctx, newDelivery(ack, queue, d))
		}
	}
}

// Spawn runs fn as a task of the current connection under role. It is
// cancelled together with the listeners of that connection.
func (m *Manager) Spawn(ctx context.Context, role tasks.Role, fn func(context.Context) error) (*tasks.Handle, error) {
	s, err := m.current()
	if err != nil {
		return nil, err
	}
	return s.tasks.Go(ctx, role, fn), nil
}

// Tasks returns how many tasks of the current connection run under role.
func (m *Manager) Tasks(role tasks.Role) int {
	s, err := m.current()
	if err != nil {
		return 0
	}
	return s.tasks.Count(role)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Done is closed when the current connection is gone, either lost or stopped.
// It is closed already when the manager never connected.
func (m *Manager) Done() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.sess == nil {
		return closedChan
	}
	return m.sess.done
}

// Err returns the cause of a broker initiated close, wrapping ErrDisconnected.
// It is nil while connected and after a graceful Stop.
func (m *Manager) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

// Generation counts successful connects. It identifies the current connection.
func (m *Manager) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gen
}

// Config returns the broker configuration.
func (m *Manager) Config() Config { return m.cfg }

func (m *Manager) current() (*session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateOpen || m.sess == nil {
		return nil, ErrNotConnected
	}
	return m.sess, nil
}

func (m *Manager) setStateLocked(st State) {
	m.state = st
	m.metrics.ConnectionState.Set(float64(st))
}
