package health

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/hydrovis/rnr/internal/rabbitmq"
)

// DefaultBacklogThreshold is the ready message count above which a queue is degraded
const DefaultBacklogThreshold = 10000

// RabbitMQChecker checks the broker connection and session
type RabbitMQChecker struct {
	manager *rabbitmq.ConnectionManager
}

// NewRabbitMQChecker creates a new RabbitMQ health checker
func NewRabbitMQChecker(manager *rabbitmq.ConnectionManager) *RabbitMQChecker {
	return &RabbitMQChecker{manager: manager}
}

func (c *RabbitMQChecker) Name() string {
	return "rabbitmq"
}

func (c *RabbitMQChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	if !c.manager.Status() {
		result.Status = StatusUnhealthy
		result.Message = "Not connected"
		result.Duration = time.Since(start)
		return result
	}

	// a fresh channel proves the connection still answers
	ch, err := c.manager.Channel()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to open channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	ch.Close()

	result.Status = StatusHealthy
	result.Message = "Connection is healthy"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()

	return result
}

// QueueChecker checks that a queue exists and is not backed up
type QueueChecker struct {
	queueName string
	topology  *rabbitmq.TopologyManager
	threshold int
}

// NewQueueChecker creates a new queue health checker. A threshold of 0 uses
// DefaultBacklogThreshold.
func NewQueueChecker(queueName string, topology *rabbitmq.TopologyManager, threshold int) *QueueChecker {
	if threshold <= 0 {
		threshold = DefaultBacklogThreshold
	}
	return &QueueChecker{
		queueName: queueName,
		topology:  topology,
		threshold: threshold,
	}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queueName)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	queue, err := c.topology.Inspect(c.queueName)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s not accessible", c.queueName)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("Queue %s is accessible", c.queueName)
	result.Duration = time.Since(start)
	result.Details["queue_name"] = queue.Name
	result.Details["message_count"] = queue.Messages
	result.Details["consumer_count"] = queue.Consumers

	if queue.Messages > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has high message count", c.queueName)
	}

	return result
}

// Subscriptions reports the queues a consumer is actively reading
type Subscriptions interface {
	ActiveQueues() []string
}

// ConsumerChecker checks that every expected queue has a live subscription
type ConsumerChecker struct {
	consumer Subscriptions
	queues   []string
}

// NewConsumerChecker creates a checker expecting subscriptions on queues
func NewConsumerChecker(consumer Subscriptions, queues ...string) *ConsumerChecker {
	return &ConsumerChecker{
		consumer: consumer,
		queues:   queues,
	}
}

func (c *ConsumerChecker) Name() string {
	return "consumer"
}

func (c *ConsumerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	active := c.consumer.ActiveQueues()
	var missing []string
	for _, q := range c.queues {
		if !slices.Contains(active, q) {
			missing = append(missing, q)
		}
	}
	result.Details["active_queues"] = active

	switch {
	case len(missing) == 0:
		result.Status = StatusHealthy
		result.Message = "All subscriptions are active"
	case len(missing) < len(c.queues):
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Subscriptions inactive: %v", missing)
	default:
		result.Status = StatusUnhealthy
		result.Message = "No active subscriptions"
	}
	result.Duration = time.Since(start)

	return result
}
