// Package memory provides an in-memory implementation of the event bus.
// It offers a lightweight, non-persistent transport suitable for testing and
// single-process setups where durability is not required.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ahrav/datashuttle/internal/domain/events"
)

var _ events.EventBus = (*EventBus)(nil)

// EventBus dispatches published events synchronously to every handler
// subscribed to the event's type. Handlers run on the publisher's goroutine.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[events.EventType][]events.HandlerFunc
	closed   bool
}

// NewEventBus creates an empty in-memory event bus.
func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[events.EventType][]events.HandlerFunc)}
}

// Publish delivers the event to all handlers subscribed to its type, stopping
// at the first handler error.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var pParams events.PublishParams
	for _, opt := range opts {
		opt(&pParams)
	}
	if pParams.Key != "" {
		event.Key = pParams.Key
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errors.New("event bus is closed")
	}
	handlers := make([]events.HandlerFunc, len(b.handlers[event.Type]))
	copy(handlers, b.handlers[event.Type])
	b.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(ctx, event, func(error) {}); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a handler for each of the given event types.
func (b *EventBus) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("event bus is closed")
	}
	for _, et := range eventTypes {
		b.handlers[et] = append(b.handlers[et], handler)
	}
	return nil
}

// Close shuts down the bus. Further publishes and subscriptions fail.
func (b *EventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[events.EventType][]events.HandlerFunc)
	return nil
}

// DomainEventPublisher adapts the in-memory bus to the DomainEventPublisher port.
type DomainEventPublisher struct {
	bus *EventBus
}

// NewDomainEventPublisher creates a publisher backed by the in-memory bus.
func NewDomainEventPublisher(bus *EventBus) *DomainEventPublisher {
	return &DomainEventPublisher{bus: bus}
}

// PublishDomainEvent wraps the domain event in an envelope and publishes it.
func (p *DomainEventPublisher) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	evt := events.EventEnvelope{
		Type:      event.EventType(),
		Timestamp: event.OccurredAt(),
		Payload:   event,
	}
	return p.bus.Publish(ctx, evt, opts...)
}
