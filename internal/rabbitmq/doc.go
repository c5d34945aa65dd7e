// Package rabbitmq is the broker layer of the request service.
//
// This package includes:
//   - ConnectionManager: Owns the connection and its session, retries the initial connect and reconnects in the background
//   - Publisher: Sends JSON messages through a single owner goroutine with publisher confirms
//   - Consumer: Runs one bounded subscription per queue binding
//   - TopologyManager: Declares and inspects durable queues
//
// The AMQPConnection and AMQPChannel interfaces cover the parts of amqp091-go
// the package uses, so tests can run against the in-memory broker in amqptest.
package rabbitmq

const instrumentationName = "github.com/hydrovis/rnr"
