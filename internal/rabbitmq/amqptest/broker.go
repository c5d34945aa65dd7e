// Package amqptest provides an in-memory broker that implements the
// rabbitmq connection and channel interfaces.
//
// It covers what the service uses: durable queues on the default exchange,
// manual acknowledgements with requeue, per-consumer prefetch, publisher
// confirms and close notifications. Exchanges, bindings and transactions
// are not modelled.
package amqptest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hydrovis/rnr/internal/rabbitmq"
)

// Broker is an in-memory AMQP broker. The zero value is not usable; use New.
type Broker struct {
	mu       sync.Mutex
	queues   map[string]*queue
	conns    map[*Connection]struct{}
	dialErr  error
	dials    int
	nackWhen func(routingKey string, msg amqp.Publishing) bool
	holdWhen func(routingKey string, msg amqp.Publishing) bool
	ctagSeq  int
	qnameSeq int
}

type message struct {
	publishing  amqp.Publishing
	routingKey  string
	redelivered bool
}

type queue struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  bool
	messages   []message
	consumers  []*consumer
	next       int
}

type pending struct {
	queue    *queue
	msg      message
	consumer *consumer
}

// New creates an empty broker
func New() *Broker {
	return &Broker{
		queues: make(map[string]*queue),
		conns:  make(map[*Connection]struct{}),
	}
}

// Dialer returns a dialer connecting to this broker
func (b *Broker) Dialer() rabbitmq.Dialer {
	return func(url string, config amqp.Config) (rabbitmq.AMQPConnection, error) {
		return b.Dial()
	}
}

// Dial opens a connection to the broker
func (b *Broker) Dial() (*Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}

	conn := &Connection{
		broker:   b,
		channels: make(map[*Channel]struct{}),
	}
	b.conns[conn] = struct{}{}
	return conn, nil
}

// SetDialError makes every following dial fail with err; nil restores dialing
func (b *Broker) SetDialError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// Dials returns how many dials were attempted
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// NackWhen makes the broker negatively confirm publishes matching fn.
// Nacked messages are not enqueued.
func (b *Broker) NackWhen(fn func(routingKey string, msg amqp.Publishing) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nackWhen = fn
}

// HoldConfirmsWhen makes the broker enqueue publishes matching fn but never
// confirm them, as a broker stalled under flow control would.
func (b *Broker) HoldConfirmsWhen(fn func(routingKey string, msg amqp.Publishing) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holdWhen = fn
}

// DropConnections closes every open connection abruptly, as a broker
// restart would. Listeners registered with NotifyClose receive err.
func (b *Broker) DropConnections(err *amqp.Error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for conn := range b.conns {
		conn.closeLocked(err)
	}
}

// Connections returns the number of open connections
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// DeclareQueue creates a queue outside of any channel
func (b *Broker) DeclareQueue(name string, durable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &queue{name: name, durable: durable}
	}
}

// Queue returns the queue's properties, ready message count and consumer count
func (b *Broker) Queue(name string) (amqp.Queue, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return amqp.Queue{}, false
	}
	return q.info(), true
}

// Depth returns the number of ready messages in a queue
func (b *Broker) Depth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[name]; ok {
		return len(q.messages)
	}
	return 0
}

// Unacked returns how many deliveries from a queue await settlement
func (b *Broker) Unacked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	for conn := range b.conns {
		for ch := range conn.channels {
			for _, p := range ch.unacked {
				if p.queue.name == name {
					count++
				}
			}
		}
	}
	return count
}

// Publish enqueues a message directly on a queue
func (b *Broker) Publish(name string, body []byte, headers amqp.Table) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return fmt.Errorf("amqptest: no queue %q", name)
	}
	q.messages = append(q.messages, message{
		routingKey: name,
		publishing: amqp.Publishing{
			Headers:     headers,
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        body,
		},
	})
	b.dispatchLocked(q)
	return nil
}

// Get removes and returns the next ready message of a queue
func (b *Broker) Get(name string) (amqp.Publishing, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok || len(q.messages) == 0 {
		return amqp.Publishing{}, false
	}
	m := q.messages[0]
	q.messages = q.messages[1:]
	return m.publishing, true
}

func (q *queue) info() amqp.Queue {
	return amqp.Queue{
		Name:      q.name,
		Messages:  len(q.messages),
		Consumers: len(q.consumers),
	}
}

// dispatchLocked hands ready messages to consumers with spare prefetch,
// round robin.
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.messages) > 0 {
		c := q.nextReady()
		if c == nil {
			return
		}
		m := q.messages[0]
		q.messages = q.messages[1:]
		c.channel.deliverLocked(c, q, m)
	}
}

func (q *queue) nextReady() *consumer {
	for i := range q.consumers {
		c := q.consumers[(q.next+i)%len(q.consumers)]
		if c.hasCapacity() {
			q.next = (q.next + i + 1) % len(q.consumers)
			return c
		}
	}
	return nil
}

func (q *queue) removeConsumer(c *consumer) {
	q.consumers = slices.DeleteFunc(q.consumers, func(other *consumer) bool {
		return other == c
	})
	q.next = 0
}

// requeueLocked puts messages back at the head of the queue, in order
func (b *Broker) requeueLocked(q *queue, msgs []message) {
	for i := range msgs {
		msgs[i].redelivered = true
	}
	q.messages = append(msgs, q.messages...)
}

// Connection is a connection to the in-memory broker
type Connection struct {
	broker    *Broker
	closed    bool
	channels  map[*Channel]struct{}
	listeners []chan *amqp.Error
}

// Channel opens a channel
func (c *Connection) Channel() (rabbitmq.AMQPChannel, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{
		broker:    c.broker,
		conn:      c,
		unacked:   make(map[uint64]*pending),
		consumers: make(map[string]*consumer),
	}
	c.channels[ch] = struct{}{}
	return ch, nil
}

// NotifyClose registers a listener for the connection closing
func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.listeners = append(c.listeners, receiver)
	return receiver
}

// IsClosed reports whether the connection is closed
func (c *Connection) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close closes the connection and its channels gracefully
func (c *Connection) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	c.closeLocked(nil)
	return nil
}

func (c *Connection) closeLocked(err *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true
	for ch := range c.channels {
		ch.closeLocked(err)
	}
	notifyClosed(c.listeners, err)
	c.listeners = nil
	delete(c.broker.conns, c)
}

func notifyClosed(listeners []chan *amqp.Error, err *amqp.Error) {
	for _, l := range listeners {
		if err != nil {
			select {
			case l <- err:
			default:
			}
		}
		close(l)
	}
}

// Channel is a channel on the in-memory broker. It is also the Acknowledger
// of the deliveries it hands out.
type Channel struct {
	broker *Broker
	conn   *Connection

	closed    bool
	prefetch  int
	tag       uint64
	unacked   map[uint64]*pending
	consumers map[string]*consumer

	confirming bool
	published  uint64
	confirms   []chan amqp.Confirmation
	listeners  []chan *amqp.Error
}

// Qos sets the prefetch count for consumers started afterwards
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// QueueDeclare creates a queue or checks that an existing one matches.
// A mismatch closes the channel with PRECONDITION_FAILED.
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if name == "" {
		ch.broker.qnameSeq++
		name = fmt.Sprintf("amq.gen-%d", ch.broker.qnameSeq)
	}

	if q, ok := ch.broker.queues[name]; ok {
		if q.durable != durable || q.autoDelete != autoDelete || q.exclusive != exclusive {
			return amqp.Queue{}, ch.failLocked(&amqp.Error{
				Code:    amqp.PreconditionFailed,
				Reason:  fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'durable' for queue '%s' in vhost '/'", name),
				Server:  true,
				Recover: false,
			})
		}
		return q.info(), nil
	}

	q := &queue{name: name, durable: durable, autoDelete: autoDelete, exclusive: exclusive}
	ch.broker.queues[name] = q
	return q.info(), nil
}

// QueueDeclarePassive returns an existing queue. A missing queue closes the
// channel with NOT_FOUND.
func (ch *Channel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := ch.broker.queues[name]
	if !ok {
		return amqp.Queue{}, ch.failLocked(notFound(name))
	}
	return q.info(), nil
}

// Consume starts a consumer on a queue
func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := ch.broker.queues[queueName]
	if !ok {
		return nil, ch.failLocked(notFound(queueName))
	}
	if tag == "" {
		ch.broker.ctagSeq++
		tag = fmt.Sprintf("ctag-%d", ch.broker.ctagSeq)
	}
	if _, exists := ch.consumers[tag]; exists {
		return nil, ch.failLocked(&amqp.Error{
			Code:   amqp.NotAllowed,
			Reason: fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%s'", tag),
			Server: true,
		})
	}

	c := newConsumer(tag, ch, q, ch.prefetch, autoAck)
	ch.consumers[tag] = c
	q.consumers = append(q.consumers, c)
	go c.pump()

	ch.broker.dispatchLocked(q)
	return c.out, nil
}

// Cancel stops a consumer. Its unacknowledged deliveries stay on the channel.
func (ch *Channel) Cancel(tag string, noWait bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	c, ok := ch.consumers[tag]
	if !ok {
		return nil
	}
	delete(ch.consumers, tag)
	c.queue.removeConsumer(c)
	c.stop()
	return nil
}

// PublishWithContext publishes to the default exchange, routing to the queue
// named by key. Unroutable messages are dropped.
func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if exchange != "" {
		return ch.failLocked(&amqp.Error{
			Code:   amqp.NotFound,
			Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", exchange),
			Server: true,
		})
	}

	ack := ch.broker.nackWhen == nil || !ch.broker.nackWhen(key, msg)
	if ack {
		if q, ok := ch.broker.queues[key]; ok {
			q.messages = append(q.messages, message{publishing: msg, routingKey: key})
			ch.broker.dispatchLocked(q)
		}
	}

	if ch.confirming {
		ch.published++
		if ch.broker.holdWhen != nil && ch.broker.holdWhen(key, msg) {
			return nil
		}
		confirmation := amqp.Confirmation{DeliveryTag: ch.published, Ack: ack}
		for _, l := range ch.confirms {
			l <- confirmation
		}
	}
	return nil
}

// Confirm puts the channel in confirm mode
func (ch *Channel) Confirm(noWait bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirming = true
	return nil
}

// NotifyPublish registers a listener for publisher confirms. Confirmations
// are sent while the broker is locked, so the listener must be buffered for
// the number of outstanding publishes.
func (ch *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		close(confirm)
		return confirm
	}
	ch.confirms = append(ch.confirms, confirm)
	return confirm
}

// NotifyClose registers a listener for the channel closing
func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.listeners = append(ch.listeners, receiver)
	return receiver
}

// IsClosed reports whether the channel is closed
func (ch *Channel) IsClosed() bool {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.closed
}

// Close closes the channel, requeueing its unacknowledged deliveries
func (ch *Channel) Close() error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	ch.closeLocked(nil)
	return nil
}

// Ack implements amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, multiple, false)
}

// Nack implements amqp.Acknowledger
func (ch *Channel) Nack(tag uint64, multiple bool, requeue bool) error {
	return ch.settle(tag, multiple, requeue)
}

// Reject implements amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.settle(tag, false, requeue)
}

func (ch *Channel) settle(tag uint64, multiple, requeue bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	tags := []uint64{tag}
	if multiple {
		tags = tags[:0]
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
		slices.Sort(tags)
	}

	touched := make(map[*queue][]message)
	var order []*queue
	for _, t := range tags {
		p, ok := ch.unacked[t]
		if !ok {
			return ch.failLocked(&amqp.Error{
				Code:   amqp.PreconditionFailed,
				Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", t),
				Server: true,
			})
		}
		delete(ch.unacked, t)
		p.consumer.settled()

		if _, seen := touched[p.queue]; !seen {
			order = append(order, p.queue)
			touched[p.queue] = nil
		}
		if requeue {
			touched[p.queue] = append(touched[p.queue], p.msg)
		}
	}

	for _, q := range order {
		if msgs := touched[q]; len(msgs) > 0 {
			ch.broker.requeueLocked(q, msgs)
		}
		ch.broker.dispatchLocked(q)
	}
	return nil
}

func (ch *Channel) deliverLocked(c *consumer, q *queue, m message) {
	ch.tag++
	d := amqp.Delivery{
		Acknowledger:    ch,
		Headers:         m.publishing.Headers,
		ContentType:     m.publishing.ContentType,
		ContentEncoding: m.publishing.ContentEncoding,
		DeliveryMode:    m.publishing.DeliveryMode,
		MessageId:       m.publishing.MessageId,
		Timestamp:       m.publishing.Timestamp,
		ConsumerTag:     c.tag,
		DeliveryTag:     ch.tag,
		Redelivered:     m.redelivered,
		RoutingKey:      m.routingKey,
		Body:            m.publishing.Body,
	}
	if !c.autoAck {
		ch.unacked[ch.tag] = &pending{queue: q, msg: m, consumer: c}
	}
	c.push(d)
}

// failLocked closes the channel with a broker error and returns it
func (ch *Channel) failLocked(err *amqp.Error) error {
	ch.closeLocked(err)
	return err
}

func (ch *Channel) closeLocked(err *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true

	for tag, c := range ch.consumers {
		c.queue.removeConsumer(c)
		c.stop()
		delete(ch.consumers, tag)
	}

	tags := make([]uint64, 0, len(ch.unacked))
	for t := range ch.unacked {
		tags = append(tags, t)
	}
	slices.Sort(tags)

	requeued := make(map[*queue][]message)
	var order []*queue
	for _, t := range tags {
		p := ch.unacked[t]
		if _, seen := requeued[p.queue]; !seen {
			order = append(order, p.queue)
		}
		requeued[p.queue] = append(requeued[p.queue], p.msg)
	}
	ch.unacked = make(map[uint64]*pending)

	for _, q := range order {
		ch.broker.requeueLocked(q, requeued[q])
		ch.broker.dispatchLocked(q)
	}

	for _, l := range ch.confirms {
		close(l)
	}
	ch.confirms = nil
	notifyClosed(ch.listeners, err)
	ch.listeners = nil

	delete(ch.conn.channels, ch)
}

func notFound(queue string) *amqp.Error {
	return &amqp.Error{
		Code:   amqp.NotFound,
		Reason: fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", queue),
		Server: true,
	}
}

// consumer buffers deliveries and feeds them to the consumer channel from
// its own goroutine, so the broker never blocks on a slow reader.
type consumer struct {
	tag      string
	channel  *Channel
	queue    *queue
	prefetch int
	autoAck  bool
	inflight int // guarded by Broker.mu

	out  chan amqp.Delivery
	quit chan struct{}

	mu      sync.Mutex
	cond    *sync.Cond
	outbox  []amqp.Delivery
	stopped bool
}

func newConsumer(tag string, ch *Channel, q *queue, prefetch int, autoAck bool) *consumer {
	c := &consumer{
		tag:      tag,
		channel:  ch,
		queue:    q,
		prefetch: prefetch,
		autoAck:  autoAck,
		out:      make(chan amqp.Delivery),
		quit:     make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *consumer) hasCapacity() bool {
	return c.autoAck || c.prefetch <= 0 || c.inflight < c.prefetch
}

func (c *consumer) settled() {
	if c.inflight > 0 {
		c.inflight--
	}
}

func (c *consumer) push(d amqp.Delivery) {
	if !c.autoAck {
		c.inflight++
	}
	c.mu.Lock()
	c.outbox = append(c.outbox, d)
	c.mu.Unlock()
	c.cond.Signal()
}

func (c *consumer) stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.quit)
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *consumer) pump() {
	defer close(c.out)

	for {
		c.mu.Lock()
		for len(c.outbox) == 0 && !c.stopped {
			c.cond.Wait()
		}
		if c.stopped {
			c.mu.Unlock()
			return
		}
		d := c.outbox[0]
		c.outbox = c.outbox[1:]
		c.mu.Unlock()

		select {
		case c.out <- d:
		case <-c.quit:
			return
		}
	}
}
