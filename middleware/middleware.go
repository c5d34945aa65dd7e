// Package middleware wraps delivery handlers with cross-cutting behavior.
package middleware

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/hydrovis/rnr/internal/rabbitmq"
)

// Middleware decorates a handler
type Middleware func(rabbitmq.MessageHandler) rabbitmq.MessageHandler

// Chain applies middlewares so that the first one is outermost
func Chain(h rabbitmq.MessageHandler, middlewares ...Middleware) rabbitmq.MessageHandler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

type options struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// Option configures Tracing
type Option func(*options)

// WithTracer sets the tracer
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

// WithPropagator sets the propagator used to read trace context from headers
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(o *options) {
		o.propagator = p
	}
}

// Tracing wraps a handler in a consumer span. A trace context carried in
// the message headers becomes the span's parent.
func Tracing(opts ...Option) Middleware {
	options := options{
		tracer:     otel.Tracer("github.com/hydrovis/rnr"),
		propagator: otel.GetTextMapPropagator(),
	}
	for _, o := range opts {
		o(&options)
	}

	return func(h rabbitmq.MessageHandler) rabbitmq.MessageHandler {
		return func(ctx context.Context, d *rabbitmq.Delivery) error {
			if d.Headers != nil {
				ctx = options.propagator.Extract(ctx, rabbitmq.HeaderCarrier(d.Headers))
			}

			ctx, span := options.tracer.Start(ctx, "rnr.handle",
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("messaging.system", "rabbitmq"),
					attribute.String("messaging.destination", d.Queue),
					attribute.String("messaging.operation", "process"),
					attribute.String("messaging.message_id", d.MessageID),
					attribute.String("rnr.tier", string(d.Tier)),
					attribute.Int("rnr.retry_count", d.RetryCount),
				),
			)
			defer span.End()

			err := h(ctx, d)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return err
		}
	}
}

// Logging logs the outcome and duration of every delivery
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(h rabbitmq.MessageHandler) rabbitmq.MessageHandler {
		return func(ctx context.Context, d *rabbitmq.Delivery) error {
			start := time.Now()

			logger.Debug("processing message",
				"messageId", d.MessageID,
				"queue", d.Queue,
				"tier", d.Tier,
				"retryCount", d.RetryCount,
			)

			err := h(ctx, d)
			duration := time.Since(start)

			if err != nil {
				logger.Error("message processing failed",
					"messageId", d.MessageID,
					"queue", d.Queue,
					"duration", duration,
					"error", err,
				)
			} else {
				logger.Info("message processed successfully",
					"messageId", d.MessageID,
					"queue", d.Queue,
					"duration", duration,
				)
			}

			return err
		}
	}
}
