package events

import "context"

// AckFunc acknowledges the processing outcome of a consumed event. Passing a
// non-nil error signals that processing failed and the transport should treat
// the event accordingly.
type AckFunc func(err error)

// HandlerFunc processes a single event envelope delivered by the event bus.
// Implementations must call ack exactly once when processing settles.
type HandlerFunc func(ctx context.Context, evt EventEnvelope, ack AckFunc) error

// EventHandler defines the contract for components that process domain events.
// Each handler must declare which event types it can process and implement the
// logic to handle those events.
type EventHandler interface {
	// HandleEvent processes a domain event and returns an error if processing fails.
	HandleEvent(ctx context.Context, evt EventEnvelope, ack AckFunc) error

	// SupportedEvents returns the event types this handler can process.
	SupportedEvents() []EventType
}
