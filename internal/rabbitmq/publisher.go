package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Message is a flat JSON object
type Message map[string]any

// BatchResult reports what the broker confirmed for one Send.
// Indexes refer to positions in the batch.
type BatchResult struct {
	Published int
	Confirmed []int
	Nacked    []int
}

// Complete reports whether every message of the batch was confirmed
func (r BatchResult) Complete() bool {
	return len(r.Nacked) == 0 && len(r.Confirmed) == r.Published
}

// confirmWindow caps how many publishes are outstanding before confirmations
// are collected. amqp091-go blocks its reader when a NotifyPublish channel is
// full, so the window must fit the channel buffer.
const confirmWindow = 256

// Publisher sends JSON messages to the default exchange.
//
// All publishes go through one goroutine that owns the session for
// publishing, so batches from concurrent callers never interleave. The session
// runs in confirm mode: a batch is grouped, not atomic, and its BatchResult
// says which messages the broker accepted. Nothing already confirmed is
// retracted when a later message of the same batch fails.
type Publisher struct {
	manager        *ConnectionManager
	exchange       string
	confirmTimeout time.Duration
	logger         *slog.Logger
	tracer         trace.Tracer

	requests  chan publishRequest
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	// owned by run
	session  AMQPChannel
	confirms chan amqp.Confirmation
	lastTag  uint64
}

type publishRequest struct {
	ctx        context.Context
	routingKey string
	items      []amqp.Publishing
	reply      chan publishReply
}

type publishReply struct {
	result BatchResult
	err    error
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for the broker to confirm a window of publishes
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithExchange publishes to a named exchange instead of the default exchange
func WithExchange(exchange string) PublisherOption {
	return func(p *Publisher) {
		p.exchange = exchange
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithPublisherTracer sets the tracer used for publish spans
func WithPublisherTracer(tracer trace.Tracer) PublisherOption {
	return func(p *Publisher) {
		p.tracer = tracer
	}
}

// NewPublisher creates a publisher and starts its owner goroutine. Close stops it.
func NewPublisher(manager *ConnectionManager, options ...PublisherOption) *Publisher {
	p := &Publisher{
		manager:        manager,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
		tracer:         otel.Tracer(instrumentationName),
		requests:       make(chan publishRequest),
		done:           make(chan struct{}),
		stopped:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(p)
	}

	go p.run()

	return p
}

// Send publishes one or more messages tagged with routingKey.
//
// Without a session it fails immediately with ErrNoSession. Every message is
// encoded before anything is published, so an encoding failure publishes
// nothing and returns a *SerializationError.
func (p *Publisher) Send(ctx context.Context, routingKey string, messages ...Message) (BatchResult, error) {
	if len(messages) == 0 {
		return BatchResult{}, nil
	}

	if _, err := p.manager.Session(); err != nil {
		return BatchResult{}, p.publishError(routingKey, BatchResult{}, err)
	}

	items := make([]amqp.Publishing, 0, len(messages))
	for i, msg := range messages {
		body, err := json.Marshal(msg)
		if err != nil {
			return BatchResult{}, &SerializationError{Index: i, Err: err}
		}
		items = append(items, newPublishing(nil, body))
	}

	return p.submit(ctx, routingKey, items)
}

// Republish publishes an already encoded message. A message id and
// timestamp already set on msg are kept.
func (p *Publisher) Republish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	out := newPublishing(msg.Headers, msg.Body)
	if msg.MessageId != "" {
		out.MessageId = msg.MessageId
	}
	if !msg.Timestamp.IsZero() {
		out.Timestamp = msg.Timestamp
	}
	if msg.ContentType != "" {
		out.ContentType = msg.ContentType
		out.ContentEncoding = msg.ContentEncoding
	}
	_, err := p.submit(ctx, routingKey, []amqp.Publishing{out})
	return err
}

// Close stops the owner goroutine. Sends after Close fail with ErrPublisherClosed.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	<-p.stopped
	return nil
}

func newPublishing(headers amqp.Table, body []byte) amqp.Publishing {
	return amqp.Publishing{
		Headers:         headers,
		ContentType:     "application/json",
		ContentEncoding: "utf-8",
		DeliveryMode:    amqp.Persistent,
		MessageId:       uuid.NewString(),
		Timestamp:       time.Now(),
		Body:            body,
	}
}

func (p *Publisher) submit(ctx context.Context, routingKey string, items []amqp.Publishing) (BatchResult, error) {
	req := publishRequest{
		ctx:        ctx,
		routingKey: routingKey,
		items:      items,
		reply:      make(chan publishReply, 1),
	}

	select {
	case p.requests <- req:
	case <-p.done:
		return BatchResult{}, ErrPublisherClosed
	case <-ctx.Done():
		return BatchResult{}, ctx.Err()
	}

	select {
	case reply := <-req.reply:
		return reply.result, reply.err
	case <-ctx.Done():
		return BatchResult{}, ctx.Err()
	}
}

func (p *Publisher) run() {
	defer close(p.stopped)

	for {
		select {
		case <-p.done:
			return
		case req := <-p.requests:
			result, err := p.publishBatch(req)
			req.reply <- publishReply{result: result, err: err}
		}
	}
}

func (p *Publisher) publishBatch(req publishRequest) (BatchResult, error) {
	ctx, span := p.tracer.Start(req.ctx, "rnr.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination", req.routingKey),
			attribute.Int("messaging.batch.message_count", len(req.items)),
		),
	)
	defer span.End()

	propagator := otel.GetTextMapPropagator()
	for i := range req.items {
		if req.items[i].Headers == nil {
			req.items[i].Headers = amqp.Table{}
		}
		propagator.Inject(ctx, HeaderCarrier(req.items[i].Headers))
	}

	result := BatchResult{}
	err := p.publishWindows(ctx, req, &result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Error("publish failed",
			"routingKey", req.routingKey,
			"published", result.Published,
			"confirmed", len(result.Confirmed),
			"error", err,
		)
		return result, p.publishError(req.routingKey, result, err)
	}

	p.logger.Debug("batch published", "routingKey", req.routingKey, "messages", result.Published)
	return result, nil
}

func (p *Publisher) publishWindows(ctx context.Context, req publishRequest, result *BatchResult) error {
	session, err := p.manager.Session()
	if err != nil {
		return err
	}
	if err := p.bind(session); err != nil {
		return err
	}
	p.drainConfirms()

	for start := 0; start < len(req.items); start += confirmWindow {
		end := min(start+confirmWindow, len(req.items))
		firstTag := p.lastTag + 1

		var publishErr error
		sent := 0
		for i := start; i < end; i++ {
			if err := session.PublishWithContext(ctx, p.exchange, req.routingKey, false, false, req.items[i]); err != nil {
				publishErr = fmt.Errorf("message %d: %w", i, err)
				break
			}
			p.lastTag++
			sent++
			result.Published++
		}

		if err := p.awaitConfirms(ctx, start, firstTag, sent, result); err != nil {
			return err
		}
		if publishErr != nil {
			return publishErr
		}
	}

	if !result.Complete() {
		return ErrPartialBatch
	}
	return nil
}

// bind puts a new session in confirm mode and subscribes to its confirmations.
func (p *Publisher) bind(session AMQPChannel) error {
	if p.session == session && p.confirms != nil {
		return nil
	}

	if err := session.Confirm(false); err != nil {
		return &ChannelError{Op: "enable confirms", Err: err, Timestamp: time.Now()}
	}
	p.confirms = session.NotifyPublish(make(chan amqp.Confirmation, confirmWindow))
	p.session = session
	p.lastTag = 0
	return nil
}

// drainConfirms discards confirmations left over from a timed out window.
func (p *Publisher) drainConfirms() {
	for {
		select {
		case _, ok := <-p.confirms:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (p *Publisher) awaitConfirms(ctx context.Context, offset int, firstTag uint64, count int, result *BatchResult) error {
	if count == 0 {
		return nil
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	for received := 0; received < count; {
		select {
		case confirm, ok := <-p.confirms:
			if !ok {
				p.session, p.confirms = nil, nil
				return ErrChannelClosed
			}
			if confirm.DeliveryTag < firstTag {
				continue
			}
			index := offset + int(confirm.DeliveryTag-firstTag)
			if confirm.Ack {
				result.Confirmed = append(result.Confirmed, index)
			} else {
				result.Nacked = append(result.Nacked, index)
			}
			received++

		case <-timer.C:
			return fmt.Errorf("%w: confirmed %d/%d", ErrPublishTimeout, received, count)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *Publisher) publishError(routingKey string, result BatchResult, err error) error {
	return &PublishError{
		Exchange:   p.exchange,
		RoutingKey: routingKey,
		Result:     result,
		Err:        err,
		Timestamp:  time.Now(),
	}
}
