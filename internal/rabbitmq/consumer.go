package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/sync/semaphore"

	"github.com/hydrovis/rnr/internal/reliability"
)

// Tier classifies a queue for scheduling
type Tier string

const (
	TierPriority Tier = "priority"
	TierBase     Tier = "base"
)

// Delivery is a decoded message handed to a MessageHandler
type Delivery struct {
	Message     Message
	Queue       string
	Tier        Tier
	RoutingKey  string
	MessageID   string
	Headers     amqp.Table
	Redelivered bool
	RetryCount  int
}

// MessageHandler processes a delivery. Returning nil acknowledges it;
// an error hands it to the consumer's FailureHandler.
type MessageHandler func(ctx context.Context, d *Delivery) error

// FailureHandler decides the fate of a delivery whose handler failed.
// A nil return lets the consumer acknowledge the delivery, an error makes
// it negatively acknowledge with requeue.
type FailureHandler interface {
	HandleFailure(ctx context.Context, queue string, d amqp.Delivery, cause error) error
}

// Binding attaches a handler to a queue with its own concurrency bound
type Binding struct {
	Tier        Tier
	Queue       string
	Handler     MessageHandler
	Concurrency int
}

// Consumer runs one subscription per binding.
//
// Every binding consumes on its own channel with prefetch equal to its
// concurrency and a matching semaphore, so one tier filling up never holds
// back another. An optional shared limit caps the total across tiers.
type Consumer struct {
	manager     *ConnectionManager
	bindings    []Binding
	topology    Topology
	failures    FailureHandler
	sharedLimit int
	logger      *slog.Logger
	meter       metric.Meter

	deliveries metric.Int64Counter
	inflight   metric.Int64UpDownCounter

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	shared  *semaphore.Weighted
	subs    []*subscription
	started bool

	loops    sync.WaitGroup
	handlers sync.WaitGroup
}

type subscription struct {
	binding Binding
	sem     *semaphore.Weighted
	tag     string

	// guarded by Consumer.mu
	channel    AMQPChannel
	generation int
	active     bool
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithTopology declares the topology before subscribing
func WithTopology(topology Topology) ConsumerOption {
	return func(c *Consumer) {
		c.topology = topology
	}
}

// WithFailureHandler sets the policy applied to failed deliveries
func WithFailureHandler(handler FailureHandler) ConsumerOption {
	return func(c *Consumer) {
		c.failures = handler
	}
}

// WithSharedLimit caps in-flight handlers across all bindings; 0 disables it
func WithSharedLimit(limit int) ConsumerOption {
	return func(c *Consumer) {
		c.sharedLimit = limit
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithMeter sets the meter for delivery metrics
func WithMeter(meter metric.Meter) ConsumerOption {
	return func(c *Consumer) {
		c.meter = meter
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, bindings []Binding, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:  manager,
		bindings: bindings,
		logger:   slog.Default(),
		meter:    otel.Meter(instrumentationName),
	}

	for _, opt := range options {
		opt(c)
	}

	c.initMetrics()
	return c
}

func (c *Consumer) initMetrics() {
	var err error
	c.deliveries, err = c.meter.Int64Counter("rnr.deliveries",
		metric.WithDescription("Deliveries handled, by tier and outcome"))
	if err != nil {
		c.logger.Warn("failed to create deliveries counter", "error", err)
		c.deliveries, _ = noop.NewMeterProvider().Meter(instrumentationName).Int64Counter("rnr.deliveries")
	}
	c.inflight, err = c.meter.Int64UpDownCounter("rnr.inflight",
		metric.WithDescription("Handlers currently running, by tier"))
	if err != nil {
		c.logger.Warn("failed to create inflight counter", "error", err)
		c.inflight, _ = noop.NewMeterProvider().Meter(instrumentationName).Int64UpDownCounter("rnr.inflight")
	}
}

// Start declares the topology and registers one subscription per binding.
// It returns once the subscriptions are registered; deliveries are handled
// in the background until ctx is cancelled or Stop is called.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrConsumerStarted
	}
	if len(c.bindings) == 0 {
		return ErrNoBindings
	}
	for _, b := range c.bindings {
		if b.Queue == "" || b.Handler == nil || b.Concurrency < 1 {
			return fmt.Errorf("%w: binding for tier %q needs a queue, a handler and concurrency >= 1",
				ErrInvalidConfiguration, b.Tier)
		}
	}

	if len(c.topology.Queues) > 0 {
		if err := NewTopologyManager(c.manager).DeclareTopology(c.topology); err != nil {
			return err
		}
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	if c.sharedLimit > 0 {
		c.shared = semaphore.NewWeighted(int64(c.sharedLimit))
	}

	c.subs = make([]*subscription, 0, len(c.bindings))
	for _, b := range c.bindings {
		sub := &subscription{
			binding: b,
			sem:     semaphore.NewWeighted(int64(b.Concurrency)),
			tag:     fmt.Sprintf("rnr-%s-%s", b.Tier, uuid.NewString()),
		}
		if err := c.subscribeLocked(sub); err != nil {
			c.cancel()
			c.closeChannelsLocked()
			return err
		}
		c.subs = append(c.subs, sub)
	}

	c.started = true
	c.manager.AddStateListener(c)
	return nil
}

// subscribeLocked opens a channel for sub, sets its prefetch and starts the
// consume loop. c.mu must be held.
func (c *Consumer) subscribeLocked(sub *subscription) error {
	ch, err := c.manager.Channel()
	if err != nil {
		return c.consumerError(sub, "open channel", err)
	}

	if err := ch.Qos(sub.binding.Concurrency, 0, false); err != nil {
		ch.Close()
		return c.consumerError(sub, "set qos", err)
	}

	deliveries, err := ch.Consume(
		sub.binding.Queue,
		sub.tag,
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return c.consumerError(sub, "consume", err)
	}

	sub.channel = ch
	sub.generation++
	sub.active = true

	c.loops.Add(1)
	go c.consume(sub, sub.generation, deliveries)

	c.logger.Info("subscribed to queue",
		"queue", sub.binding.Queue,
		"tier", sub.binding.Tier,
		"consumerTag", sub.tag,
		"prefetchCount", sub.binding.Concurrency,
	)
	return nil
}

func (c *Consumer) consumerError(sub *subscription, op string, err error) error {
	return &ConsumerError{
		Queue:       sub.binding.Queue,
		ConsumerTag: sub.tag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}

// consume takes deliveries off one subscription, waiting for a free slot
// before starting each handler.
func (c *Consumer) consume(sub *subscription, generation int, deliveries <-chan amqp.Delivery) {
	defer c.loops.Done()
	defer func() {
		c.mu.Lock()
		if sub.generation == generation {
			sub.active = false
		}
		c.mu.Unlock()
	}()

	ctx := c.ctx
	for {
		select {
		case <-ctx.Done():
			return

		case d, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", sub.binding.Queue)
				return
			}

			// Unacknowledged deliveries left behind here are requeued by the
			// broker when the channel closes.
			if err := sub.sem.Acquire(ctx, 1); err != nil {
				return
			}
			if c.shared != nil {
				if err := c.shared.Acquire(ctx, 1); err != nil {
					sub.sem.Release(1)
					return
				}
			}

			c.handlers.Add(1)
			go func(d amqp.Delivery) {
				defer c.handlers.Done()
				defer sub.sem.Release(1)
				if c.shared != nil {
					defer c.shared.Release(1)
				}
				c.handle(sub.binding, d)
			}(d)
		}
	}
}

// handle runs the handler and settles the delivery. Handlers are not
// cancelled when the consumer stops; they run to completion.
func (c *Consumer) handle(binding Binding, d amqp.Delivery) {
	ctx := context.WithoutCancel(c.ctx)
	tierAttr := attribute.String("tier", string(binding.Tier))

	c.inflight.Add(ctx, 1, metric.WithAttributes(tierAttr))
	defer c.inflight.Add(ctx, -1, metric.WithAttributes(tierAttr))

	outcome := "acked"
	defer func() {
		c.deliveries.Add(ctx, 1, metric.WithAttributes(tierAttr, attribute.String("outcome", outcome)))
	}()

	delivery, err := decodeDelivery(binding, d)
	if err == nil {
		err = runHandler(ctx, binding.Handler, delivery)
	} else {
		err = reliability.Permanent(err)
	}

	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			outcome = "ack_failed"
			c.logger.Error("failed to ack message", "queue", binding.Queue, "messageId", d.MessageId, "error", ackErr)
		}
		return
	}

	c.logger.Error("failed to handle message",
		"error", err,
		"queue", binding.Queue,
		"tier", binding.Tier,
		"messageId", d.MessageId,
	)
	outcome = c.settleFailure(ctx, binding, d, err)
}

func (c *Consumer) settleFailure(ctx context.Context, binding Binding, d amqp.Delivery, cause error) string {
	if c.failures != nil {
		err := c.failures.HandleFailure(ctx, binding.Queue, d, cause)
		if err == nil {
			if ackErr := d.Ack(false); ackErr != nil {
				c.logger.Error("failed to ack message", "queue", binding.Queue, "messageId", d.MessageId, "error", ackErr)
				return "ack_failed"
			}
			return "failed"
		}
		c.logger.Error("failure handler could not settle message",
			"queue", binding.Queue,
			"messageId", d.MessageId,
			"error", err,
		)
	}

	if nackErr := d.Nack(false, true); nackErr != nil {
		c.logger.Error("failed to nack message",
			"error", nackErr,
			"originalError", cause,
		)
		return "nack_failed"
	}
	return "requeued"
}

func runHandler(ctx context.Context, handler MessageHandler, d *Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in message handler: %v", r)
		}
	}()
	return handler(ctx, d)
}

func decodeDelivery(binding Binding, d amqp.Delivery) (*Delivery, error) {
	var msg Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return nil, fmt.Errorf("decode message body: %w", err)
	}
	if msg == nil {
		return nil, errors.New("decode message body: not a JSON object")
	}

	return &Delivery{
		Message:     msg,
		Queue:       binding.Queue,
		Tier:        binding.Tier,
		RoutingKey:  d.RoutingKey,
		MessageID:   d.MessageId,
		Headers:     d.Headers,
		Redelivered: d.Redelivered,
		RetryCount:  reliability.RetryCount(d.Headers),
	}, nil
}

// ActiveQueues returns the queues with a live subscription
func (c *Consumer) ActiveQueues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var queues []string
	for _, sub := range c.subs {
		if sub.active {
			queues = append(queues, sub.binding.Queue)
		}
	}
	return queues
}

// Wait blocks until the context passed to Start is done and every
// subscription loop and in-flight handler has finished.
func (c *Consumer) Wait() {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if ctx == nil {
		return
	}

	<-ctx.Done()
	c.loops.Wait()
	c.handlers.Wait()
}

// Stop cancels every subscription, waits for in-flight handlers to finish
// and closes the consumer channels.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	c.cancel()
	for _, sub := range c.subs {
		if sub.channel != nil && !sub.channel.IsClosed() {
			if err := sub.channel.Cancel(sub.tag, false); err != nil {
				c.logger.Warn("failed to cancel consumer", "queue", sub.binding.Queue, "error", err)
			}
		}
	}
	c.mu.Unlock()

	c.manager.RemoveStateListener(c)
	c.loops.Wait()
	c.handlers.Wait()

	c.mu.Lock()
	c.closeChannelsLocked()
	c.mu.Unlock()

	c.logger.Info("consumer stopped")
	return nil
}

func (c *Consumer) closeChannelsLocked() {
	for _, sub := range c.subs {
		if sub.channel != nil && !sub.channel.IsClosed() {
			sub.channel.Close()
		}
		sub.active = false
	}
}

// OnConnected re-subscribes bindings whose subscription died with the
// previous connection.
func (c *Consumer) OnConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started || c.ctx.Err() != nil {
		return
	}

	for _, sub := range c.subs {
		if sub.active && sub.channel != nil && !sub.channel.IsClosed() {
			continue
		}
		if err := c.subscribeLocked(sub); err != nil {
			c.logger.Error("failed to resubscribe after reconnect", "queue", sub.binding.Queue, "error", err)
		}
	}
}

// OnDisconnected implements ConnectionStateListener
func (c *Consumer) OnDisconnected(err error) {
	c.logger.Warn("consumer lost its connection", "error", err)
}

// OnReconnecting implements ConnectionStateListener
func (c *Consumer) OnReconnecting(attempt int) {}
