package pipeline

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/datashuttle/internal/domain/events"
	"github.com/ahrav/datashuttle/internal/domain/pipeline"
	"github.com/ahrav/datashuttle/pkg/common/logger"
)

// stubEventBus captures the subscribed handler so tests can inject events.
type stubEventBus struct {
	mu      sync.Mutex
	handler events.HandlerFunc
}

func (b *stubEventBus) Publish(ctx context.Context, evt events.EventEnvelope, opts ...events.PublishOption) error {
	b.mu.Lock()
	handler := b.handler
	b.mu.Unlock()
	if handler == nil {
		return nil
	}
	return handler(ctx, evt, func(error) {})
}

func (b *stubEventBus) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
	return nil
}

func (b *stubEventBus) Close() error { return nil }

// fakeTaskFactory returns preconfigured tasks and records the item it saw.
// The status is captured at build time; the runner advances the shared item
// as soon as it starts.
type fakeTaskFactory struct {
	inventory   []pipeline.Task
	incremental []pipeline.Task

	mu         sync.Mutex
	lastItem   *pipeline.JobItemContext
	lastStatus pipeline.JobItemStatus
}

func (f *fakeTaskFactory) BuildTasks(ctx context.Context, item *pipeline.JobItemContext) ([]pipeline.Task, []pipeline.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastItem = item
	f.lastStatus = item.Status()
	return f.inventory, f.incremental, nil
}

func (f *fakeTaskFactory) seenItem() *pipeline.JobItemContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastItem
}

func (f *fakeTaskFactory) seenStatus() pipeline.JobItemStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastStatus
}

func newTestSupervisor(t *testing.T, factory pipeline.TaskFactory, repo pipeline.JobRepository, control pipeline.JobControl, bus events.EventBus) *Supervisor {
	t.Helper()

	registry := NewJobControlRegistry()
	registry.Register(pipeline.JobTypeMigration, control)

	return NewSupervisor(
		"controller-test",
		registry,
		factory,
		repo,
		bus,
		logger.New(io.Discard, logger.LevelDebug, "test", nil),
		noop.NewTracerProvider().Tracer("test"),
		NewNoopRunnerMetrics(),
	)
}

func TestLaunchJobItemStartsRunner(t *testing.T) {
	task := newFakeTask("inv-0", pipeline.PrimaryKeyPosition{Begin: 0, End: 10}, 1)
	factory := &fakeTaskFactory{inventory: []pipeline.Task{task}}

	repo := new(mockJobRepository)
	repo.On("IsJobStopping", mock.Anything, testJobID).Return(false, nil)
	repo.On("GetProgress", mock.Anything, testJobID, 0).Return(nil, pipeline.ErrNoJobItemProgress)

	control := new(mockJobControl)
	control.On("PersistJobItemProgress", mock.Anything, mock.Anything).Return(nil)
	control.On("UpdateJobItemStatus", mock.Anything, testJobID, 0, pipeline.JobItemStatusExecuteInventoryTask).Return(nil)

	sup := newTestSupervisor(t, factory, repo, control, &stubEventBus{})

	require.NoError(t, sup.LaunchJobItem(context.Background(), testJobID, 0))

	assert.Equal(t, 1, sup.RunnerCount())
	assert.Equal(t, int32(1), task.startCount.Load())
	require.NotNil(t, factory.seenItem())
	assert.Equal(t, pipeline.JobItemStatusPreparing, factory.seenStatus())
	assert.Equal(t, pipeline.JobItemStatusExecuteInventoryTask, factory.seenItem().Status())
}

func TestLaunchJobItemSkipsStoppingJob(t *testing.T) {
	factory := &fakeTaskFactory{}
	repo := new(mockJobRepository)
	repo.On("IsJobStopping", mock.Anything, testJobID).Return(true, nil)

	sup := newTestSupervisor(t, factory, repo, new(mockJobControl), &stubEventBus{})

	require.NoError(t, sup.LaunchJobItem(context.Background(), testJobID, 0))
	assert.Equal(t, 0, sup.RunnerCount())
	assert.Nil(t, factory.seenItem())
}

func TestLaunchJobItemResumesFromProgress(t *testing.T) {
	incremental := newFakeTask("inc-0", pipeline.LogPosition{Sequence: 42}, 1)
	factory := &fakeTaskFactory{incremental: []pipeline.Task{incremental}}

	persisted := pipeline.ReconstructJobItemProgress(
		testJobID, 0,
		pipeline.JobItemStatusExecuteInventoryTask,
		map[string]pipeline.Position{"inv-0": pipeline.FinishedPosition{}},
		map[string]pipeline.Position{"inc-0": pipeline.LogPosition{Sequence: 42}},
	)

	repo := new(mockJobRepository)
	repo.On("IsJobStopping", mock.Anything, testJobID).Return(false, nil)
	repo.On("GetProgress", mock.Anything, testJobID, 0).Return(persisted, nil)

	control := new(mockJobControl)
	control.On("PersistJobItemProgress", mock.Anything, mock.Anything).Return(nil)
	control.On("UpdateJobItemStatus", mock.Anything, testJobID, 0, pipeline.JobItemStatusExecuteIncrementalTask).Return(nil)

	sup := newTestSupervisor(t, factory, repo, control, &stubEventBus{})

	require.NoError(t, sup.LaunchJobItem(context.Background(), testJobID, 0))

	require.NotNil(t, factory.seenItem())
	assert.Equal(t, pipeline.JobItemStatusExecuteInventoryTask, factory.seenStatus())
	// No inventory tasks remain, so the runner moves straight to incremental.
	assert.Equal(t, int32(1), incremental.startCount.Load())
	assert.Equal(t, pipeline.JobItemStatusExecuteIncrementalTask, factory.seenItem().Status())
}

func TestStopEventStopsRunnersForJob(t *testing.T) {
	task := newFakeTask("inv-0", pipeline.PrimaryKeyPosition{Begin: 0, End: 10}, 1)
	factory := &fakeTaskFactory{inventory: []pipeline.Task{task}}

	repo := new(mockJobRepository)
	repo.On("IsJobStopping", mock.Anything, testJobID).Return(false, nil)
	repo.On("GetProgress", mock.Anything, testJobID, 0).Return(nil, pipeline.ErrNoJobItemProgress)

	control := new(mockJobControl)
	control.On("PersistJobItemProgress", mock.Anything, mock.Anything).Return(nil)
	control.On("UpdateJobItemStatus", mock.Anything, testJobID, 0, pipeline.JobItemStatusExecuteInventoryTask).Return(nil)

	bus := &stubEventBus{}
	sup := newTestSupervisor(t, factory, repo, control, bus)

	require.NoError(t, sup.eventBus.Subscribe(context.Background(), []events.EventType{pipeline.EventTypeJobStopRequested}, sup.handleStopEvent))
	require.NoError(t, sup.LaunchJobItem(context.Background(), testJobID, 0))
	require.Equal(t, 1, sup.RunnerCount())

	evt := pipeline.NewJobStopRequestedEvent(testJobID)
	require.NoError(t, bus.Publish(context.Background(), events.EventEnvelope{
		Type:    pipeline.EventTypeJobStopRequested,
		Payload: evt,
	}))

	assert.Equal(t, 0, sup.RunnerCount())
	assert.Equal(t, int32(1), task.stopCount.Load())
	assert.Equal(t, int32(1), task.closeCount.Load())
}

func TestStopEventForOtherJobLeavesRunners(t *testing.T) {
	task := newFakeTask("inv-0", pipeline.PrimaryKeyPosition{Begin: 0, End: 10}, 1)
	factory := &fakeTaskFactory{inventory: []pipeline.Task{task}}

	repo := new(mockJobRepository)
	repo.On("IsJobStopping", mock.Anything, testJobID).Return(false, nil)
	repo.On("GetProgress", mock.Anything, testJobID, 0).Return(nil, pipeline.ErrNoJobItemProgress)

	control := new(mockJobControl)
	control.On("PersistJobItemProgress", mock.Anything, mock.Anything).Return(nil)
	control.On("UpdateJobItemStatus", mock.Anything, testJobID, 0, pipeline.JobItemStatusExecuteInventoryTask).Return(nil)

	bus := &stubEventBus{}
	sup := newTestSupervisor(t, factory, repo, control, bus)

	require.NoError(t, bus.Subscribe(context.Background(), []events.EventType{pipeline.EventTypeJobStopRequested}, sup.handleStopEvent))
	require.NoError(t, sup.LaunchJobItem(context.Background(), testJobID, 0))

	require.NoError(t, bus.Publish(context.Background(), events.EventEnvelope{
		Type:    pipeline.EventTypeJobStopRequested,
		Payload: pipeline.NewJobStopRequestedEvent("p01another-job"),
	}))

	assert.Equal(t, 1, sup.RunnerCount())
	assert.Equal(t, int32(0), task.stopCount.Load())
}
