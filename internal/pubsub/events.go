// Package pubsub carries devbot's in-process event fan-out. Two feeds ride
// the same generic broker: the daemon log tail and task lifecycle
// snapshots, each consumed by an SSE endpoint.
package pubsub

import "time"

// EventType says what happened to the payload's subject.
type EventType string

const (
	// CreatedEvent announces a subject that did not exist before, such as
	// a task admitted by the webhook or a fresh log line.
	CreatedEvent EventType = "created"
	// UpdatedEvent announces a state change on an existing subject.
	UpdatedEvent EventType = "updated"
)

// Event wraps a payload with its type and publication time.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}
