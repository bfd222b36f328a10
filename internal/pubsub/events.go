// Package pubsub fans change events out to in-process subscribers.
package pubsub

import "time"

// EventType names the kind of change.
type EventType string

const (
	CreatedEvent EventType = "created"
	UpdatedEvent EventType = "updated"
	DeletedEvent EventType = "deleted"
	// ClearedEvent follows a bulk delete. It carries a zero payload.
	ClearedEvent EventType = "cleared"
)

// Event is one published change. Seq increases by one per event on a broker,
// so a subscriber can tell from a gap that it missed deliveries.
type Event[T any] struct {
	Seq       uint64
	Type      EventType
	Payload   T
	Timestamp time.Time
}
