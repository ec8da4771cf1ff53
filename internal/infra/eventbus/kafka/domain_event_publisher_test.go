package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/datashuttle/internal/domain/events"
	"github.com/ahrav/datashuttle/internal/domain/pipeline"
)

type mockEventBus struct{ mock.Mock }

func (m *mockEventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	return m.Called(ctx, event, opts).Error(0)
}

func (m *mockEventBus) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	return m.Called(ctx, eventTypes, handler).Error(0)
}

func (m *mockEventBus) Close() error { return m.Called().Error(0) }

func TestPublishDomainEventWrapsEnvelope(t *testing.T) {
	bus := new(mockEventBus)
	publisher := NewDomainEventPublisher(bus)

	evt := pipeline.NewJobItemStatusChangedEvent("p01job", 1, pipeline.JobItemStatusExecuteInventoryTask)

	bus.On("Publish", mock.Anything, mock.MatchedBy(func(envelope events.EventEnvelope) bool {
		return envelope.Type == pipeline.EventTypeJobItemStatusChanged &&
			envelope.Timestamp.Equal(evt.OccurredAt()) &&
			envelope.Payload == any(evt)
	}), mock.Anything).Return(nil)

	require.NoError(t, publisher.PublishDomainEvent(context.Background(), evt, events.WithKey("p01job")))
	bus.AssertExpectations(t)
}

func TestPublishDomainEventPropagatesBusError(t *testing.T) {
	bus := new(mockEventBus)
	publisher := NewDomainEventPublisher(bus)

	busErr := errors.New("broker unavailable")
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(busErr)

	err := publisher.PublishDomainEvent(context.Background(), pipeline.NewJobStopRequestedEvent("p01job"))
	require.ErrorIs(t, err, busErr)
}

func TestPublishOptionsPassThrough(t *testing.T) {
	bus := new(mockEventBus)
	publisher := NewDomainEventPublisher(bus)

	bus.On("Publish", mock.Anything, mock.Anything, mock.MatchedBy(func(opts []events.PublishOption) bool {
		var params events.PublishParams
		for _, opt := range opts {
			opt(&params)
		}
		return params.Key == "p02feed"
	})).Return(nil)

	require.NoError(t, publisher.PublishDomainEvent(context.Background(), pipeline.NewJobStopRequestedEvent("p02feed"), events.WithKey("p02feed")))
	bus.AssertExpectations(t)
}

func TestEventBusMetricsRequired(t *testing.T) {
	_, err := NewEventBusFromConfig(&Config{}, nil, nil, nil)
	assert.Error(t, err)
}
