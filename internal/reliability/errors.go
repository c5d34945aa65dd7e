package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoErrorQueue is returned when a message must be dead-lettered but no error queue is configured
	ErrNoErrorQueue = errors.New("dlq: no error queue configured")
	// ErrNoPublisher is returned when the failure policy has nothing to republish with
	ErrNoPublisher = errors.New("dlq: no publisher configured")
)

// DLQError represents a failure to requeue or dead-letter a message
type DLQError struct {
	Queue     string
	MessageID string
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *DLQError) Error() string {
	return fmt.Sprintf("dlq error: %s failed for message %s from queue %s: %v",
		e.Op, e.MessageID, e.Queue, e.Err)
}

func (e *DLQError) Unwrap() error {
	return e.Err
}
