package rnr

import (
	"context"
	"log/slog"

	"github.com/hydrovis/rnr/internal/rabbitmq"
)

// Delivery is a decoded request handed to a Dispatcher
type Delivery = rabbitmq.Delivery

// Message is a JSON object sent or received on a queue
type Message = rabbitmq.Message

// BatchResult reports what the broker confirmed for one Send
type BatchResult = rabbitmq.BatchResult

// Dispatcher processes requests. Flood requests arrive on the priority
// queue, everything else on the base queue. Returning nil acknowledges the
// request; an error hands it to the retry and dead-letter policy.
type Dispatcher interface {
	ProcessFloodRequest(ctx context.Context, d *Delivery) error
	ProcessRequest(ctx context.Context, d *Delivery) error
}

// Sender publishes messages to a queue
type Sender interface {
	Send(ctx context.Context, routingKey string, messages ...Message) (BatchResult, error)
}

type senderKey struct{}

// ContextWithSender returns a context carrying s
func ContextWithSender(ctx context.Context, s Sender) context.Context {
	return context.WithValue(ctx, senderKey{}, s)
}

// SenderFrom returns the Sender a Service attached to a handler context
func SenderFrom(ctx context.Context) (Sender, bool) {
	s, ok := ctx.Value(senderKey{}).(Sender)
	return s, ok
}

// LogDispatcher logs and acknowledges every request. It stands in when no
// processing is linked into the binary.
type LogDispatcher struct {
	Logger *slog.Logger
}

func (d LogDispatcher) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// ProcessFloodRequest implements Dispatcher
func (d LogDispatcher) ProcessFloodRequest(ctx context.Context, delivery *Delivery) error {
	d.logger().Info("flood request received",
		"messageId", delivery.MessageID,
		"queue", delivery.Queue,
		"message", delivery.Message,
	)
	return nil
}

// ProcessRequest implements Dispatcher
func (d LogDispatcher) ProcessRequest(ctx context.Context, delivery *Delivery) error {
	d.logger().Info("request received",
		"messageId", delivery.MessageID,
		"queue", delivery.Queue,
		"message", delivery.Message,
	)
	return nil
}
