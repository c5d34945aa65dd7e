package reliability

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Header keys carried by requeued and dead-lettered messages.
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderLastError     = "x-last-error"
	HeaderOriginalQueue = "x-original-queue"
	HeaderFailedAt      = "x-failed-at"
)

// Republisher publishes an already encoded message to a routing key on the
// default exchange. Properties left empty are filled in by the publisher.
type Republisher interface {
	Republish(ctx context.Context, routingKey string, msg amqp.Publishing) error
}

// RequeuePolicy decides what happens to a delivery whose handler failed.
//
// A retryable failure is republished to its own queue with an incremented
// x-retry-count until MaxRetries is reached. After that, or for a permanent
// failure, the message goes to the error queue. A nil return means the
// original delivery can be acknowledged.
type RequeuePolicy struct {
	publisher  Republisher
	errorQueue string
	maxRetries int
	logger     *slog.Logger
}

// RequeueOption configures the requeue policy
type RequeueOption func(*RequeuePolicy)

// WithMaxRetries sets how many times a message is requeued before it is dead-lettered
func WithMaxRetries(retries int) RequeueOption {
	return func(p *RequeuePolicy) {
		p.maxRetries = retries
	}
}

// WithDLQLogger sets the logger
func WithDLQLogger(logger *slog.Logger) RequeueOption {
	return func(p *RequeuePolicy) {
		p.logger = logger
	}
}

// NewRequeuePolicy creates a policy that republishes through publisher and
// dead-letters to errorQueue.
func NewRequeuePolicy(publisher Republisher, errorQueue string, options ...RequeueOption) *RequeuePolicy {
	p := &RequeuePolicy{
		publisher:  publisher,
		errorQueue: errorQueue,
		maxRetries: 3,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// HandleFailure requeues or dead-letters d, which was consumed from queue.
func (p *RequeuePolicy) HandleFailure(ctx context.Context, queue string, d amqp.Delivery, cause error) error {
	if p.publisher == nil {
		return p.dlqError(queue, d, "republish", ErrNoPublisher)
	}

	retries := RetryCount(d.Headers)
	headers := copyHeaders(d.Headers)
	headers[HeaderLastError] = cause.Error()

	if IsRetryable(cause) && retries < p.maxRetries {
		headers[HeaderRetryCount] = int64(retries + 1)
		if err := p.publisher.Republish(ctx, queue, republishing(d, headers)); err != nil {
			return p.dlqError(queue, d, "requeue", err)
		}

		p.logger.Warn("message requeued after handler failure",
			"queue", queue,
			"messageId", d.MessageId,
			"retryCount", retries+1,
			"maxRetries", p.maxRetries,
			"error", cause,
		)
		return nil
	}

	if p.errorQueue == "" {
		return p.dlqError(queue, d, "dead-letter", ErrNoErrorQueue)
	}

	headers[HeaderRetryCount] = int64(retries)
	headers[HeaderOriginalQueue] = queue
	headers[HeaderFailedAt] = time.Now().UTC().Format(time.RFC3339)
	if err := p.publisher.Republish(ctx, p.errorQueue, republishing(d, headers)); err != nil {
		return p.dlqError(queue, d, "dead-letter", err)
	}

	p.logger.Error("message moved to error queue",
		"queue", queue,
		"errorQueue", p.errorQueue,
		"messageId", d.MessageId,
		"retryCount", retries,
		"error", cause,
	)
	return nil
}

// republishing copies d with new headers, keeping its message id and
// timestamp so every retry and the dead-lettered copy correlate with the
// first delivery.
func republishing(d amqp.Delivery, headers amqp.Table) amqp.Publishing {
	return amqp.Publishing{
		Headers:         headers,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    amqp.Persistent,
		MessageId:       d.MessageId,
		Timestamp:       d.Timestamp,
		Body:            d.Body,
	}
}

func (p *RequeuePolicy) dlqError(queue string, d amqp.Delivery, op string, err error) error {
	return &DLQError{
		Queue:     queue,
		MessageID: d.MessageId,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// RetryCount reads the x-retry-count header, tolerating the integer widths
// the AMQP table codec may produce.
func RetryCount(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	switch val := headers[HeaderRetryCount].(type) {
	case int:
		return val
	case int16:
		return int(val)
	case int32:
		return int(val)
	case int64:
		return int(val)
	case float64:
		return int(val)
	}
	return 0
}

func copyHeaders(headers amqp.Table) amqp.Table {
	out := make(amqp.Table, len(headers)+4)
	for k, v := range headers {
		out[k] = v
	}
	return out
}
