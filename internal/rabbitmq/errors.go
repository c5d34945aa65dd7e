package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hydrovis/rnr/internal/reliability"
)

var (
	// Connection errors
	ErrNotConnected      = errors.New("rabbitmq: not connected")
	ErrNoSession         = errors.New("rabbitmq: no session available")
	ErrConnectionTimeout = errors.New("rabbitmq: connection timeout")

	// Channel errors
	ErrChannelClosed = errors.New("rabbitmq: channel is closed")

	// Publisher errors
	ErrPublisherClosed = errors.New("rabbitmq: publisher is closed")
	ErrPublishTimeout  = errors.New("rabbitmq: publish timeout")
	ErrPartialBatch    = errors.New("rabbitmq: batch only partially confirmed")

	// Consumer errors
	ErrConsumerStarted = errors.New("rabbitmq: consumer already started")
	ErrNoBindings      = errors.New("rabbitmq: no queue bindings")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string      // Target exchange
	RoutingKey string      // Routing key used
	Result     BatchResult // What the broker confirmed before the failure
	Err        error       // Underlying error
	Timestamp  time.Time   // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %q/%q (%d/%d confirmed): %v",
		e.Exchange, e.RoutingKey, len(e.Result.Confirmed), e.Result.Published, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// SerializationError reports a message in a batch that could not be encoded as JSON
type SerializationError struct {
	Index int   // Position of the message in the batch
	Err   error // Underlying encoding error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("rabbitmq serialization error: message %d: %v", e.Index, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// TopologyError represents a topology-related error
type TopologyError struct {
	Component string    // Component type (queue)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// classifyDialError marks broker refusals that a retry cannot fix as permanent.
func classifyDialError(err error) error {
	switch {
	case errors.Is(err, amqp.ErrCredentials),
		errors.Is(err, amqp.ErrSASL),
		errors.Is(err, amqp.ErrVhost):
		return reliability.Permanent(err)
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.AccessRefused {
		return reliability.Permanent(err)
	}

	return err
}

// SanitizeURL removes the password from a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
