// Package serialization provides a registry-based system for serializing and
// deserializing domain events in the event bus infrastructure. It acts as a
// translation layer between domain objects and their JSON wire format.
//
// The package implements a registry pattern where serialization and
// deserialization functions are registered per event type. This keeps the
// domain layer clean of wire format concerns and lets new event types be added
// without touching existing code.
package serialization

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ahrav/datashuttle/internal/domain/events"
	"github.com/ahrav/datashuttle/internal/domain/pipeline"
)

// SerializeFunc converts a domain object into a serialized byte slice.
type SerializeFunc func(payload any) ([]byte, error)

// DeserializeFunc converts a serialized byte slice back into a domain object.
type DeserializeFunc func(data []byte) (any, error)

// Global registries map event types to their serialization functions.
// This allows for dynamic dispatch based on event type at runtime.
var (
	serializerRegistry   = map[events.EventType]SerializeFunc{}
	deserializerRegistry = map[events.EventType]DeserializeFunc{}
)

// RegisterSerializeFunc registers a serialization function for a given event type.
func RegisterSerializeFunc(eventType events.EventType, fn SerializeFunc) {
	serializerRegistry[eventType] = fn
}

// RegisterDeserializeFunc registers a deserialization function for a given event type.
func RegisterDeserializeFunc(eventType events.EventType, fn DeserializeFunc) {
	deserializerRegistry[eventType] = fn
}

// SerializePayload converts a domain object into bytes using the registered
// serializer for its event type.
func SerializePayload(eventType events.EventType, payload any) ([]byte, error) {
	fn, ok := serializerRegistry[eventType]
	if !ok {
		return nil, fmt.Errorf("no serializer registered for eventType=%s", eventType)
	}
	return fn(payload)
}

// DeserializePayload converts bytes back into a domain object using the
// registered deserializer for its event type.
func DeserializePayload(eventType events.EventType, data []byte) (any, error) {
	fn, ok := deserializerRegistry[eventType]
	if !ok {
		return nil, fmt.Errorf("no deserializer registered for eventType=%s", eventType)
	}
	return fn(data)
}

// universalEnvelope is the outer wire frame for every event. It carries the
// event type alongside the serialized payload so consumers can dispatch
// without knowing the topic's contents ahead of time.
type universalEnvelope struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// SerializeEventEnvelope wraps a payload in the universal envelope and
// serializes the whole frame for transport.
func SerializeEventEnvelope(eventType events.EventType, payload any) ([]byte, error) {
	payloadBytes, err := SerializePayload(eventType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(universalEnvelope{EventType: string(eventType), Payload: payloadBytes})
}

// UnmarshalUniversalEnvelope splits a wire frame into its event type and the
// still-serialized payload bytes.
func UnmarshalUniversalEnvelope(data []byte) (events.EventType, []byte, error) {
	var envelope universalEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", nil, fmt.Errorf("unmarshal universal envelope: %w", err)
	}
	return events.EventType(envelope.EventType), envelope.Payload, nil
}

func init() {
	RegisterEventSerializers()
}

// RegisterEventSerializers registers handlers for all supported event types.
// It runs at package init, before any event processing can occur.
func RegisterEventSerializers() {
	RegisterSerializeFunc(pipeline.EventTypeJobItemStatusChanged, serializeJobItemStatusChanged)
	RegisterDeserializeFunc(pipeline.EventTypeJobItemStatusChanged, deserializeJobItemStatusChanged)

	RegisterSerializeFunc(pipeline.EventTypeJobStopRequested, serializeJobStopRequested)
	RegisterDeserializeFunc(pipeline.EventTypeJobStopRequested, deserializeJobStopRequested)
}

type jobItemStatusChangedWire struct {
	OccurredAt   time.Time `json:"occurred_at"`
	JobID        string    `json:"job_id"`
	ShardingItem int       `json:"sharding_item"`
	Status       string    `json:"status"`
}

func serializeJobItemStatusChanged(payload any) ([]byte, error) {
	evt, ok := payload.(pipeline.JobItemStatusChangedEvent)
	if !ok {
		return nil, fmt.Errorf("serializeJobItemStatusChanged: payload is not JobItemStatusChangedEvent")
	}
	return json.Marshal(jobItemStatusChangedWire{
		OccurredAt:   evt.OccurredAt(),
		JobID:        evt.JobID,
		ShardingItem: evt.ShardingItem,
		Status:       evt.Status.String(),
	})
}

func deserializeJobItemStatusChanged(data []byte) (any, error) {
	var wire jobItemStatusChangedWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal JobItemStatusChangedEvent: %w", err)
	}
	return pipeline.ReconstructJobItemStatusChangedEvent(
		wire.OccurredAt,
		wire.JobID,
		wire.ShardingItem,
		pipeline.ParseJobItemStatus(wire.Status),
	), nil
}

type jobStopRequestedWire struct {
	OccurredAt time.Time `json:"occurred_at"`
	JobID      string    `json:"job_id"`
}

func serializeJobStopRequested(payload any) ([]byte, error) {
	evt, ok := payload.(pipeline.JobStopRequestedEvent)
	if !ok {
		return nil, fmt.Errorf("serializeJobStopRequested: payload is not JobStopRequestedEvent")
	}
	return json.Marshal(jobStopRequestedWire{OccurredAt: evt.OccurredAt(), JobID: evt.JobID})
}

func deserializeJobStopRequested(data []byte) (any, error) {
	var wire jobStopRequestedWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal JobStopRequestedEvent: %w", err)
	}
	return pipeline.ReconstructJobStopRequestedEvent(wire.OccurredAt, wire.JobID), nil
}
