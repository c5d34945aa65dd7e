package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRepublisher struct {
	mock.Mock
}

func (m *mockRepublisher) Republish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	args := m.Called(ctx, routingKey, msg)
	return args.Error(0)
}

func TestRequeuePolicy(t *testing.T) {
	t.Run("creates with default options", func(t *testing.T) {
		policy := NewRequeuePolicy(nil, "error_queue")

		assert.NotNil(t, policy.logger)
		assert.Equal(t, 3, policy.maxRetries)
		assert.Equal(t, "error_queue", policy.errorQueue)
	})

	t.Run("requeues to the source queue with incremented retry count", func(t *testing.T) {
		pub := &mockRepublisher{}
		sent := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
		pub.On("Republish", mock.Anything, "base_queue", mock.MatchedBy(func(m amqp.Publishing) bool {
			h := m.Headers
			return h[HeaderRetryCount] == int64(2) && h[HeaderLastError] == "boom" && h["trace"] == "abc" &&
				m.MessageId == "m-1" && m.Timestamp.Equal(sent) && string(m.Body) == `{"x":1}`
		})).Return(nil)

		policy := NewRequeuePolicy(pub, "error_queue")
		d := amqp.Delivery{
			MessageId: "m-1",
			Timestamp: sent,
			Headers:   amqp.Table{HeaderRetryCount: int32(1), "trace": "abc"},
			Body:      []byte(`{"x":1}`),
		}

		err := policy.HandleFailure(context.Background(), "base_queue", d, errors.New("boom"))

		require.NoError(t, err)
		pub.AssertExpectations(t)
		assert.Equal(t, int32(1), d.Headers[HeaderRetryCount], "original headers must not be mutated")
	})

	t.Run("dead-letters once retries are exhausted", func(t *testing.T) {
		pub := &mockRepublisher{}
		pub.On("Republish", mock.Anything, "error_queue", mock.MatchedBy(func(m amqp.Publishing) bool {
			h := m.Headers
			return h[HeaderOriginalQueue] == "priority_queue" && h[HeaderFailedAt] != nil &&
				h[HeaderRetryCount] == int64(3) && m.MessageId == "m-3"
		})).Return(nil)

		policy := NewRequeuePolicy(pub, "error_queue", WithMaxRetries(3))
		d := amqp.Delivery{MessageId: "m-3", Headers: amqp.Table{HeaderRetryCount: int64(3)}, Body: []byte(`{}`)}

		err := policy.HandleFailure(context.Background(), "priority_queue", d, errors.New("boom"))

		require.NoError(t, err)
		pub.AssertExpectations(t)
	})

	t.Run("dead-letters permanent failures immediately", func(t *testing.T) {
		pub := &mockRepublisher{}
		pub.On("Republish", mock.Anything, "error_queue", mock.Anything).Return(nil)

		policy := NewRequeuePolicy(pub, "error_queue")
		err := policy.HandleFailure(context.Background(), "base_queue", amqp.Delivery{}, Permanent(errors.New("invalid json")))

		require.NoError(t, err)
		pub.AssertNumberOfCalls(t, "Republish", 1)
	})

	t.Run("reports republish failures", func(t *testing.T) {
		pub := &mockRepublisher{}
		pub.On("Republish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("no session"))

		policy := NewRequeuePolicy(pub, "error_queue")
		err := policy.HandleFailure(context.Background(), "base_queue", amqp.Delivery{MessageId: "m-2"}, errors.New("boom"))

		var dlqErr *DLQError
		require.ErrorAs(t, err, &dlqErr)
		assert.Equal(t, "requeue", dlqErr.Op)
		assert.Equal(t, "m-2", dlqErr.MessageID)
	})

	t.Run("fails without an error queue", func(t *testing.T) {
		policy := NewRequeuePolicy(&mockRepublisher{}, "", WithMaxRetries(0))
		err := policy.HandleFailure(context.Background(), "base_queue", amqp.Delivery{}, errors.New("boom"))

		assert.ErrorIs(t, err, ErrNoErrorQueue)
	})

	t.Run("fails without a publisher", func(t *testing.T) {
		policy := NewRequeuePolicy(nil, "error_queue")
		err := policy.HandleFailure(context.Background(), "base_queue", amqp.Delivery{}, errors.New("boom"))

		assert.ErrorIs(t, err, ErrNoPublisher)
	})
}

func TestRetryCount(t *testing.T) {
	assert.Equal(t, 0, RetryCount(nil))
	assert.Equal(t, 0, RetryCount(amqp.Table{}))
	assert.Equal(t, 2, RetryCount(amqp.Table{HeaderRetryCount: int32(2)}))
	assert.Equal(t, 4, RetryCount(amqp.Table{HeaderRetryCount: int64(4)}))
	assert.Equal(t, 1, RetryCount(amqp.Table{HeaderRetryCount: 1}))
	assert.Equal(t, 0, RetryCount(amqp.Table{HeaderRetryCount: "3"}))
}
