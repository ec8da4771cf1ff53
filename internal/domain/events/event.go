// Package events provides domain event handling capabilities for communicating state changes
// and important activities across system boundaries in a decoupled way.
package events

import "time"

// EventType represents a domain event category, enabling type-safe event routing
// and handling. It allows the system to distinguish between different kinds of
// events like job item status changes and job stop requests.
type EventType string

// DomainEvent is implemented by all domain events. It exposes the event's type
// for routing and the time the event occurred for temporal tracking.
type DomainEvent interface {
	EventType() EventType
	OccurredAt() time.Time
}

// EventMetadata carries transport-level positioning information for a consumed
// event, such as the partition and offset it was read from.
type EventMetadata struct {
	Partition int32
	Offset    int64
}

// EventEnvelope wraps a domain event payload with the routing and transport
// metadata needed to move it across the event bus.
type EventEnvelope struct {
	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key enables consistent event routing, typically containing a business
	// identifier like a job ID that events can be partitioned by.
	Key string

	// Timestamp records when this envelope was created.
	Timestamp time.Time

	// Payload contains the actual event data. The concrete type depends on Type.
	Payload any

	// Metadata carries transport positioning for consumed events.
	Metadata EventMetadata
}
