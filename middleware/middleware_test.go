package middleware

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/hydrovis/rnr/internal/rabbitmq"
)

func testDelivery() *rabbitmq.Delivery {
	return &rabbitmq.Delivery{
		Message:   rabbitmq.Message{"site": "ABCD1"},
		Queue:     "priority_queue",
		Tier:      rabbitmq.TierPriority,
		MessageID: "m-1",
	}
}

func TestTracing(t *testing.T) {
	t.Run("records a consumer span", func(t *testing.T) {
		sr := tracetest.NewSpanRecorder()
		tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

		h := Tracing(WithTracer(tp.Tracer("test")))(func(ctx context.Context, d *rabbitmq.Delivery) error {
			assert.True(t, trace.SpanContextFromContext(ctx).IsValid())
			return nil
		})

		require.NoError(t, h(context.Background(), testDelivery()))

		spans := sr.Ended()
		require.Len(t, spans, 1)
		assert.Equal(t, "rnr.handle", spans[0].Name())
		assert.Equal(t, trace.SpanKindConsumer, spans[0].SpanKind())

		attrs := map[attribute.Key]attribute.Value{}
		for _, attr := range spans[0].Attributes() {
			attrs[attr.Key] = attr.Value
		}
		assert.Equal(t, "priority_queue", attrs["messaging.destination"].AsString())
		assert.Equal(t, "priority", attrs["rnr.tier"].AsString())
	})

	t.Run("marks failed deliveries", func(t *testing.T) {
		sr := tracetest.NewSpanRecorder()
		tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
		boom := errors.New("boom")

		h := Tracing(WithTracer(tp.Tracer("test")))(func(ctx context.Context, d *rabbitmq.Delivery) error {
			return boom
		})

		assert.ErrorIs(t, h(context.Background(), testDelivery()), boom)

		spans := sr.Ended()
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Error, spans[0].Status().Code)
		assert.Len(t, spans[0].Events(), 1)
	})

	t.Run("continues a trace carried in headers", func(t *testing.T) {
		sr := tracetest.NewSpanRecorder()
		tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
		propagator := propagation.TraceContext{}

		parentCtx, parent := tp.Tracer("producer").Start(context.Background(), "rnr.publish")
		headers := amqp.Table{}
		propagator.Inject(parentCtx, rabbitmq.HeaderCarrier(headers))
		parent.End()

		d := testDelivery()
		d.Headers = headers
		h := Tracing(WithTracer(tp.Tracer("test")), WithPropagator(propagator))(func(ctx context.Context, d *rabbitmq.Delivery) error {
			return nil
		})
		require.NoError(t, h(context.Background(), d))

		spans := sr.Ended()
		require.Len(t, spans, 2)
		assert.Equal(t, parent.SpanContext().TraceID(), spans[1].SpanContext().TraceID())
		assert.Equal(t, parent.SpanContext().SpanID(), spans[1].Parent().SpanID())
	})
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ok := Logging(logger)(func(ctx context.Context, d *rabbitmq.Delivery) error { return nil })
	require.NoError(t, ok(context.Background(), testDelivery()))
	assert.Contains(t, buf.String(), "message processed successfully")

	buf.Reset()
	failing := Logging(logger)(func(ctx context.Context, d *rabbitmq.Delivery) error { return errors.New("model crashed") })
	require.Error(t, failing(context.Background(), testDelivery()))
	assert.Contains(t, buf.String(), "message processing failed")
	assert.Contains(t, buf.String(), "model crashed")
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next rabbitmq.MessageHandler) rabbitmq.MessageHandler {
			return func(ctx context.Context, d *rabbitmq.Delivery) error {
				order = append(order, name)
				return next(ctx, d)
			}
		}
	}

	h := Chain(func(ctx context.Context, d *rabbitmq.Delivery) error {
		order = append(order, "handler")
		return nil
	}, mark("outer"), mark("inner"))

	require.NoError(t, h(context.Background(), testDelivery()))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}
