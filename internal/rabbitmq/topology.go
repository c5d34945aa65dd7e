package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Topology is the set of queues the service relies on
type Topology struct {
	Queues []QueueDeclaration
}

// DefaultTopology declares the given queues durable.
// Empty names are skipped.
func DefaultTopology(names ...string) Topology {
	var topology Topology
	for _, name := range names {
		if name == "" {
			continue
		}
		topology.Queues = append(topology.Queues, QueueDeclaration{
			Name:    name,
			Durable: true,
		})
	}
	return topology
}

// TopologyManager declares and inspects queues
type TopologyManager struct {
	manager *ConnectionManager
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(manager *ConnectionManager) *TopologyManager {
	return &TopologyManager{
		manager: manager,
	}
}

// DeclareTopology declares every queue on the session.
//
// Declaration is idempotent, but a queue that already exists with different
// properties is refused by the broker, which also closes the session.
func (tm *TopologyManager) DeclareTopology(topology Topology) error {
	session, err := tm.manager.Session()
	if err != nil {
		return err
	}

	for _, queue := range topology.Queues {
		if _, err := declareQueue(session, queue); err != nil {
			return &TopologyError{
				Component: "queue",
				Name:      queue.Name,
				Op:        "declare",
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}
	return nil
}

// Inspect returns the queue's message and consumer counts without creating it.
// It uses a throwaway channel because the broker closes the channel when the
// queue does not exist.
func (tm *TopologyManager) Inspect(name string) (amqp.Queue, error) {
	ch, err := tm.manager.Channel()
	if err != nil {
		return amqp.Queue{}, err
	}
	defer func() {
		if !ch.IsClosed() {
			ch.Close()
		}
	}()

	q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
	if err != nil {
		return amqp.Queue{}, &TopologyError{
			Component: "queue",
			Name:      name,
			Op:        "inspect",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return q, nil
}

func declareQueue(ch AMQPChannel, queue QueueDeclaration) (amqp.Queue, error) {
	if queue.Name == "" {
		return amqp.Queue{}, fmt.Errorf("%w: queue name is required", ErrInvalidConfiguration)
	}
	return ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
}
