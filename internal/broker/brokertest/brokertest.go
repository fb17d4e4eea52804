// Package brokertest provides an in-memory AMQP broker for tests. It
// implements the broker transport interfaces, routes publishes to bound
// queues by exact routing key and records every settlement.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casualjim/topicbus/internal/broker"
	amqp "github.com/rabbitmq/amqp091-go"
)

const consumerBuffer = 1024

// Message is a recorded publish.
type Message struct {
	Exchange     string
	RoutingKey   string
	ContentType  string
	DeliveryMode uint8
	MessageID    string
	Body         []byte
}

// Rejection is a recorded basic.reject.
type Rejection struct {
	Tag     uint64
	Requeue bool
}

type binding struct {
	queue string
	key   string
}

type consumer struct {
	tag     string
	queue   string
	ch      *Channel
	out     chan amqp.Delivery
	stopped bool
}

type queue struct {
	name      string
	ready     []amqp.Delivery
	consumers []*consumer
	next      int
}

// Broker is an in-memory broker. The zero value is not usable, create one with New.
type Broker struct {
	// FailDial makes every dial fail with this error when set.
	FailDial error
	// OpDelay is slept inside every channel operation, to widen race windows.
	OpDelay time.Duration
	// FailConsume makes every basic.consume fail with this error when set.
	// Unless it is an *amqp.Error the channel stays open.
	FailConsume error

	mu        sync.Mutex
	exchanges map[string]string
	queues    map[string]*queue
	bindings  map[string][]binding
	published []Message
	acked     []uint64
	rejected  []Rejection
	unacked   map[uint64]string
	conns     []*Conn
	dials     int
	tag       uint64

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		exchanges: make(map[string]string),
		queues:    make(map[string]*queue),
		bindings:  make(map[string][]binding),
		unacked:   make(map[uint64]string),
	}
}

var _ broker.Dialer = (*Broker)(nil)

// Dial implements broker.Dialer.
func (b *Broker) Dial(ctx context.Context, _ broker.Config) (broker.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.FailDial != nil {
		return nil, b.FailDial
	}
	c := &Conn{b: b}
	b.conns = append(b.conns, c)
	return c, nil
}

// Disconnect closes every open connection as if the server had forced it.
func (b *Broker) Disconnect(reason string) {
	b.mu.Lock()
	conns := append([]*Conn(nil), b.conns...)
	b.mu.Unlock()

	for _, c := range conns {
		c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: reason, Server: true})
	}
}

// CloseChannels closes every open channel with a channel exception, as the
// server does after a failed channel operation. Connections stay open.
func (b *Broker) CloseChannels(reason string) {
	b.mu.Lock()
	conns := append([]*Conn(nil), b.conns...)
	b.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		channels := append([]*Channel(nil), c.channels...)
		c.mu.Unlock()
		for _, ch := range channels {
			ch.shutdown(&amqp.Error{Code: amqp.PreconditionFailed, Reason: reason, Server: true})
		}
	}
}

// Deliver puts body on queue as if it had been routed there.
func (b *Broker) Deliver(queueName string, body []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return 0, fmt.Errorf("no queue %q", queueName)
	}
	return b.enqueueLocked(q, "", "", body, contentTypeJSON), nil
}

const contentTypeJSON = "application/json"

func (b *Broker) enqueueLocked(q *queue, exchange, key string, body []byte, contentType string) uint64 {
	b.tag++
	d := amqp.Delivery{
		DeliveryTag: b.tag,
		Exchange:    exchange,
		RoutingKey:  key,
		ContentType: contentType,
		Body:        append([]byte(nil), body...),
		Timestamp:   time.Now().UTC(),
	}
	b.unacked[d.DeliveryTag] = q.name
	b.dispatchLocked(q, d)
	return d.DeliveryTag
}

func (b *Broker) dispatchLocked(q *queue, d amqp.Delivery) {
	live := q.consumers[:0]
	for _, c := range q.consumers {
		if !c.stopped {
			live = append(live, c)
		}
	}
	q.consumers = live
	if len(live) == 0 {
		q.ready = append(q.ready, d)
		return
	}
	c := live[q.next%len(live)]
	q.next++
	d.ConsumerTag = c.tag
	c.out <- d
}

func (b *Broker) stopConsumerLocked(c *consumer) {
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.out)
}

// Published returns the recorded publishes.
func (b *Broker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published...)
}

// Acked returns the acknowledged delivery tags.
func (b *Broker) Acked() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.acked...)
}

// Rejected returns the recorded rejections.
func (b *Broker) Rejected() []Rejection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Rejection(nil), b.rejected...)
}

// Unacked returns the number of deliveries not settled yet.
func (b *Broker) Unacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.unacked)
}

// ExchangeKind returns the kind of a declared exchange.
func (b *Broker) ExchangeKind(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k, ok := b.exchanges[name]
	return k, ok
}

// Queues returns the names of the declared queues, sorted.
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for n := range b.queues {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Bindings returns how many bindings exist from exchange to queue.
func (b *Broker) Bindings(exchange, queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, bd := range b.bindings[exchange] {
		if bd.queue == queueName {
			n++
		}
	}
	return n
}

// Consumers returns the number of active consumers on a queue.
func (b *Broker) Consumers(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return 0
	}
	n := 0
	for _, c := range q.consumers {
		if !c.stopped {
			n++
		}
	}
	return n
}

// Dials returns how many dials were attempted.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// MaxConcurrentOps returns the highest number of channel operations seen in
// flight at the same time.
func (b *Broker) MaxConcurrentOps() int {
	return int(b.maxInflight.Load())
}

func (b *Broker) enter() func() {
	n := b.inflight.Add(1)
	for {
		cur := b.maxInflight.Load()
		if n <= cur || b.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}
	if b.OpDelay > 0 {
		time.Sleep(b.OpDelay)
	}
	return func() { b.inflight.Add(-1) }
}

// Conn is a connection to the in-memory broker.
type Conn struct {
	b *Broker

	mu       sync.Mutex
	closed   bool
	notify   []chan *amqp.Error
	channels []*Channel
}

// Channel implements broker.Connection.
func (c *Conn) Channel() (broker.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{b: c.b, conn: c, consumers: make(map[string]*consumer)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose implements broker.Connection.
func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// IsClosed implements broker.Connection.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close implements broker.Connection.
func (c *Conn) Close() error {
	if !c.shutdown(nil) {
		return amqp.ErrClosed
	}
	return nil
}

func (c *Conn) shutdown(reason *amqp.Error) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	channels := c.channels
	notify := c.notify
	c.notify = nil
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(reason)
	}
	notifyClose(notify, reason)
	return true
}

func notifyClose(receivers []chan *amqp.Error, reason *amqp.Error) {
	for _, n := range receivers {
		if reason != nil {
			select {
			case n <- reason:
			default:
			}
		}
		close(n)
	}
}

// Channel is a channel on a Conn. Like a server channel it closes itself
// after any operation fails with an *amqp.Error.
type Channel struct {
	b      *Broker
	conn   *Conn
	closed atomic.Bool
	// consumers is guarded by b.mu
	consumers map[string]*consumer

	mu     sync.Mutex
	notify []chan *amqp.Error
}

var _ broker.Channel = (*Channel)(nil)

func (ch *Channel) check() error {
	if ch.closed.Load() {
		return amqp.ErrClosed
	}
	return nil
}

func (ch *Channel) shutdown(reason *amqp.Error) {
	if !ch.closed.CompareAndSwap(false, true) {
		return
	}
	ch.b.mu.Lock()
	for _, c := range ch.consumers {
		ch.b.stopConsumerLocked(c)
	}
	ch.b.mu.Unlock()

	ch.mu.Lock()
	notify := ch.notify
	ch.notify = nil
	ch.mu.Unlock()
	notifyClose(notify, reason)
}

// raise closes the channel when *errp is a channel exception. Deferred
// before b.mu is taken, so it runs once the lock is released.
func (ch *Channel) raise(errp *error) {
	var aerr *amqp.Error
	if errors.As(*errp, &aerr) {
		ch.shutdown(aerr)
	}
}

// NotifyClose implements broker.Channel.
func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed.Load() {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	defer ch.b.enter()()
	return ch.check()
}

func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) (err error) {
	defer ch.b.enter()()
	defer ch.raise(&err)
	if err := ch.check(); err != nil {
		return err
	}
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if existing, ok := ch.b.exchanges[name]; ok && existing != kind {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "inequivalent arg 'type' for exchange " + name}
	}
	ch.b.exchanges[name] = kind
	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	defer ch.b.enter()()
	if err := ch.check(); err != nil {
		return amqp.Queue{}, err
	}
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	q, ok := ch.b.queues[name]
	if !ok {
		q = &queue{name: name}
		ch.b.queues[name] = q
	}
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) (err error) {
	defer ch.b.enter()()
	defer ch.raise(&err)
	if err := ch.check(); err != nil {
		return err
	}
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if _, ok := ch.b.exchanges[exchange]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "no exchange " + exchange}
	}
	if _, ok := ch.b.queues[name]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "no queue " + name}
	}
	for _, bd := range ch.b.bindings[exchange] {
		if bd.queue == name && bd.key == key {
			return nil
		}
	}
	ch.b.bindings[exchange] = append(ch.b.bindings[exchange], binding{queue: name, key: key})
	return nil
}

func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (err error) {
	defer ch.b.enter()()
	defer ch.raise(&err)
	if err := ch.check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if _, ok := ch.b.exchanges[exchange]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "no exchange " + exchange}
	}
	ch.b.published = append(ch.b.published, Message{
		Exchange:     exchange,
		RoutingKey:   key,
		ContentType:  msg.ContentType,
		DeliveryMode: msg.DeliveryMode,
		MessageID:    msg.MessageId,
		Body:         append([]byte(nil), msg.Body...),
	})
	for _, bd := range ch.b.bindings[exchange] {
		if bd.key == key || bd.key == "#" {
			ch.b.enqueueLocked(ch.b.queues[bd.queue], exchange, key, msg.Body, msg.ContentType)
		}
	}
	return nil
}

func (ch *Channel) Consume(queueName, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (_ <-chan amqp.Delivery, err error) {
	defer ch.b.enter()()
	defer ch.raise(&err)
	if err := ch.check(); err != nil {
		return nil, err
	}
	if autoAck {
		return nil, errors.New("brokertest: auto ack is not supported")
	}
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.b.FailConsume != nil {
		return nil, ch.b.FailConsume
	}
	q, ok := ch.b.queues[queueName]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "no queue " + queueName}
	}
	if _, dup := ch.consumers[consumerTag]; dup {
		return nil, &amqp.Error{Code: amqp.NotAllowed, Reason: "duplicate consumer tag " + consumerTag}
	}
	c := &consumer{tag: consumerTag, queue: queueName, ch: ch, out: make(chan amqp.Delivery, consumerBuffer)}
	ch.consumers[consumerTag] = c
	q.consumers = append(q.consumers, c)

	ready := q.ready
	q.ready = nil
	for _, d := range ready {
		ch.b.dispatchLocked(q, d)
	}
	return c.out, nil
}

func (ch *Channel) Cancel(consumerTag string, noWait bool) error {
	defer ch.b.enter()()
	if err := ch.check(); err != nil {
		return err
	}
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	c, ok := ch.consumers[consumerTag]
	if !ok {
		return nil
	}
	delete(ch.consumers, consumerTag)
	ch.b.stopConsumerLocked(c)
	return nil
}

func (ch *Channel) Ack(tag uint64, multiple bool) (err error) {
	defer ch.b.enter()()
	defer ch.raise(&err)
	if err := ch.check(); err != nil {
		return err
	}
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if _, ok := ch.b.unacked[tag]; !ok {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("unknown delivery tag %d", tag)}
	}
	delete(ch.b.unacked, tag)
	ch.b.acked = append(ch.b.acked, tag)
	return nil
}

// Reject records the rejection. Requeued deliveries are not redelivered.
func (ch *Channel) Reject(tag uint64, requeue bool) (err error) {
	defer ch.b.enter()()
	defer ch.raise(&err)
	if err := ch.check(); err != nil {
		return err
	}
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if _, ok := ch.b.unacked[tag]; !ok {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("unknown delivery tag %d", tag)}
	}
	delete(ch.b.unacked, tag)
	ch.b.rejected = append(ch.b.rejected, Rejection{Tag: tag, Requeue: requeue})
	return nil
}

func (ch *Channel) IsClosed() bool { return ch.closed.Load() }

func (ch *Channel) Close() error {
	if ch.closed.Load() {
		return amqp.ErrClosed
	}
	ch.shutdown(nil)
	return nil
}
