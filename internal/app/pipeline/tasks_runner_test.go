package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/datashuttle/internal/domain/pipeline"
	"github.com/ahrav/datashuttle/pkg/common/logger"
)

// fakeTask is a Task whose completions are driven by the test. Each unit of
// concurrency gets its own channel; completeUnit settles one of them.
type fakeTask struct {
	id        string
	startErr  error
	unitCount int

	mu    sync.Mutex
	pos   pipeline.Position
	units []chan error

	startCount atomic.Int32
	stopCount  atomic.Int32
	closeCount atomic.Int32
}

func newFakeTask(id string, pos pipeline.Position, unitCount int) *fakeTask {
	return &fakeTask{id: id, pos: pos, unitCount: unitCount}
}

func (f *fakeTask) ID() string { return f.id }

func (f *fakeTask) Position() pipeline.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos
}

func (f *fakeTask) setPosition(pos pipeline.Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pos = pos
}

func (f *fakeTask) Start(context.Context) ([]pipeline.Completion, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.startCount.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()
	completions := make([]pipeline.Completion, 0, f.unitCount)
	for i := 0; i < f.unitCount; i++ {
		ch := make(chan error, 1)
		f.units = append(f.units, ch)
		completions = append(completions, ch)
	}
	return completions, nil
}

// completeUnit settles the i-th completion of the most recent Start.
func (f *fakeTask) completeUnit(i int, err error) {
	f.mu.Lock()
	ch := f.units[i]
	f.mu.Unlock()
	ch <- err
	close(ch)
}

func (f *fakeTask) Stop(context.Context) error {
	f.stopCount.Add(1)
	return nil
}

func (f *fakeTask) Close(context.Context) error {
	f.closeCount.Add(1)
	return nil
}

type mockJobControl struct{ mock.Mock }

func (m *mockJobControl) PersistJobItemProgress(ctx context.Context, progress *pipeline.JobItemProgress) error {
	return m.Called(ctx, progress).Error(0)
}

func (m *mockJobControl) UpdateJobItemStatus(ctx context.Context, jobID string, shardingItem int, status pipeline.JobItemStatus) error {
	return m.Called(ctx, jobID, shardingItem, status).Error(0)
}

func (m *mockJobControl) PersistJobItemErrorMessage(ctx context.Context, jobID string, shardingItem int, cause error) error {
	return m.Called(ctx, jobID, shardingItem, cause).Error(0)
}

func (m *mockJobControl) Stop(ctx context.Context, jobID string) error {
	return m.Called(ctx, jobID).Error(0)
}

const testJobID = "p01test-job"

func newTestRunner(t *testing.T, inventory, incremental []pipeline.Task, control pipeline.JobControl) *TasksRunner {
	t.Helper()

	item, err := pipeline.NewJobItemContext(testJobID, 0)
	require.NoError(t, err)

	registry := NewJobControlRegistry()
	registry.Register(pipeline.JobTypeMigration, control)

	runner, err := NewTasksRunner(
		item,
		inventory,
		incremental,
		registry,
		logger.New(io.Discard, logger.LevelDebug, "test", nil),
		noop.NewTracerProvider().Tracer("test"),
		NewNoopRunnerMetrics(),
	)
	require.NoError(t, err)
	return runner
}

func TestStartIsNoOpWhenStopping(t *testing.T) {
	control := new(mockJobControl)
	task := newFakeTask("inv-0", pipeline.PrimaryKeyPosition{Begin: 0, End: 10}, 1)
	runner := newTestRunner(t, []pipeline.Task{task}, nil, control)

	runner.JobItem().MarkStopping()
	require.NoError(t, runner.Start(context.Background()))

	assert.Equal(t, int32(0), task.startCount.Load())
	control.AssertExpectations(t)
}

func TestStartLaunchesInventoryPhase(t *testing.T) {
	control := new(mockJobControl)
	control.On("PersistJobItemProgress", mock.Anything, mock.Anything).Return(nil)
	control.On("UpdateJobItemStatus", mock.Anything, testJobID, 0, pipeline.JobItemStatusExecuteInventoryTask).Return(nil)

	finished := newFakeTask("inv-finished", pipeline.FinishedPosition{}, 1)
	pending := newFakeTask("inv-pending", pipeline.PrimaryKeyPosition{Begin: 0, End: 100}, 2)
	runner := newTestRunner(t, []pipeline.Task{finished, pending}, nil, control)

	require.NoError(t, runner.Start(context.Background()))

	assert.Equal(t, int32(0), finished.startCount.Load(), "finished task must be skipped")
	assert.Equal(t, int32(1), pending.startCount.Load())
	assert.Equal(t, pipeline.JobItemStatusExecuteInventoryTask, runner.JobItem().Status())
	control.AssertExpectations(t)
}

func TestStartGoesStraightToIncrementalWhenInventoryFinished(t *testing.T) {
	control := new(mockJobControl)
	control.On("PersistJobItemProgress", mock.Anything, mock.Anything).Return(nil)
	control.On("UpdateJobItemStatus", mock.Anything, testJobID, 0, pipeline.JobItemStatusExecuteIncrementalTask).Return(nil)

	inventory := newFakeTask("inv-0", pipeline.FinishedPosition{}, 1)
	incremental := newFakeTask("inc-0", pipeline.LogPosition{Sequence: 0}, 1)
	runner := newTestRunner(t, []pipeline.Task{inventory}, []pipeline.Task{incremental}, control)

	require.NoError(t, runner.Start(context.Background()))

	assert.Equal(t, int32(0), inventory.startCount.Load())
	assert.Equal(t, int32(1), incremental.startCount.Load())
	assert.Equal(t, pipeline.JobItemStatusExecuteIncrementalTask, runner.JobItem().Status())
	control.AssertExpectations(t)
}

func TestStartProceedsWhenProgressPersistFails(t *testing.T) {
	control := new(mockJobControl)
	control.On("PersistJobItemProgress", mock.Anything, mock.Anything).Return(errors.New("control plane down"))
	control.On("UpdateJobItemStatus", mock.Anything, testJobID, 0, pipeline.JobItemStatusExecuteInventoryTask).Return(nil)

	task := newFakeTask("inv-0", pipeline.PrimaryKeyPosition{Begin: 0, End: 10}, 1)
	runner := newTestRunner(t, []pipeline.Task{task}, nil, control)

	require.NoError(t, runner.Start(context.Background()))
	assert.Equal(t, int32(1), task.startCount.Load())
	control.AssertExpectations(t)
}

func TestInventoryHandoffAfterFinalCompletion(t *testing.T) {
	control := new(mockJobControl)
	control.On("PersistJobItemProgress", mock.Anything, mock.Anything).Return(nil)
	control.On("UpdateJobItemStatus", mock.Anything, testJobID, 0, pipeline.JobItemStatusExecuteInventoryTask).Return(nil)
	control.On("UpdateJobItemStatus", mock.Anything, testJobID, 0, pipeline.JobItemStatusExecuteIncrementalTask).Return(nil)

	inventory := newFakeTask("inv-0", pipeline.PrimaryKeyPosition{Begin: 0, End: 100}, 3)
	incremental := newFakeTask("inc-0", pipeline.LogPosition{Sequence: 0}, 1)
	runner := newTestRunner(t, []pipeline.Task{inventory}, []pipeline.Task{incremental}, control)

	require.NoError(t, runner.Start(context.Background()))

	inventory.completeUnit(0, nil)
	inventory.completeUnit(1, nil)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), incremental.startCount.Load(), "incremental must not start before the final completion")

	inventory.setPosition(pipeline.FinishedPosition{})
	inventory.completeUnit(2, nil)

	require.Eventually(t, func() bool {
		return incremental.startCount.Load() == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, pipeline.JobItemStatusExecuteIncrementalTask, runner.JobItem().Status())
	control.AssertNumberOfCalls(t, "UpdateJobItemStatus", 2)
	control.AssertExpectations(t)
}

func TestNoHandoffWhenPositionsNotFinished(t *testing.T) {
	control := new(mockJobControl)
	control.On("PersistJobItemProgress", mock.Anything, mock.Anything).Return(nil)
	control.On("UpdateJobItemStatus", mock.Anything, testJobID, 0, pipeline.JobItemStatusExecuteInventoryTask).Return(nil)

	inventory := newFakeTask("inv-0", pipeline.PrimaryKeyPosition{Begin: 0, End: 100}, 1)
	incremental := newFakeTask("inc-0", pipeline.LogPosition{Sequence: 0}, 1)
	runner := newTestRunner(t, []pipeline.Task{inventory}, []pipeline.Task{incremental}, control)

	require.NoError(t, runner.Start(context.Background()))

	// All completions settle but the position never reaches finished.
	inventory.completeUnit(0, nil)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(0), incremental.startCount.Load())
	assert.Equal(t, pipeline.JobItemStatusExecuteInventoryTask, runner.JobItem().Status())
	control.AssertExpectations(t)
}

func TestInventoryTaskFailurePropagates(t *testing.T) {
	control := new(mockJobControl)
	taskErr := errors.New("copy failed")
	control.On("PersistJobItemProgress", mock.Anything, mock.Anything).Return(nil)
	control.On("UpdateJobItemStatus", mock.Anything, testJobID, 0, pipeline.JobItemStatusExecuteInventoryTask).Return(nil)
	control.On("UpdateJobItemStatus", mock.Anything, testJobID, 0, pipeline.JobItemStatusExecuteInventoryTaskFailure).Return(nil)
	control.On("PersistJobItemErrorMessage", mock.Anything, testJobID, 0, taskErr).Return(nil)
	control.On("Stop", mock.Anything, testJobID).Return(nil)

	inventory := newFakeTask("inv-0", pipeline.PrimaryKeyPosition{Begin: 0, End: 100}, 2)
	incremental := newFakeTask("inc-0", pipeline.LogPosition{Sequence: 0}, 1)
	runner := newTestRunner(t, []pipeline.Task{inventory}, []pipeline.Task{incremental}, control)

	require.NoError(t, runner.Start(context.Background()))

	inventory.completeUnit(0, taskErr)

	require.Eventually(t, func() bool {
		return runner.JobItem().Status() == pipeline.JobItemStatusExecuteInventoryTaskFailure
	}, time.Second, 10*time.Millisecond)

	// The surviving unit settling afterwards must not trigger the handoff.
	inventory.completeUnit(1, nil)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), incremental.startCount.Load())
	control.AssertExpectations(t)
}

func TestIncrementalTaskFailurePropagates(t *testing.T) {
	control := new(mockJobControl)
	taskErr := errors.New("replication stream broken")
	control.On("PersistJobItemProgress", mock.Anything, mock.Anything).Return(nil)
	control.On("UpdateJobItemStatus", mock.Anything, testJobID, 0, pipeline.JobItemStatusExecuteIncrementalTask).Return(nil)
	control.On("UpdateJobItemStatus", mock.Anything, testJobID, 0, pipeline.JobItemStatusExecuteIncrementalTaskFailure).Return(nil)
	control.On("PersistJobItemErrorMessage", mock.Anything, testJobID, 0, taskErr).Return(nil)
	control.On("Stop", mock.Anything, testJobID).Return(nil)

	incremental := newFakeTask("inc-0", pipeline.LogPosition{Sequence: 0}, 1)
	runner := newTestRunner(t, nil, []pipeline.Task{incremental}, control)

	require.NoError(t, runner.Start(context.Background()))
	incremental.completeUnit(0, taskErr)

	require.Eventually(t, func() bool {
		return runner.JobItem().Status() == pipeline.JobItemStatusExecuteIncrementalTaskFailure
	}, time.Second, 10*time.Millisecond)
	control.AssertExpectations(t)
}

func TestLaunchFailureFailsItem(t *testing.T) {
	control := new(mockJobControl)
	launchErr := errors.New("cannot open source")
	control.On("PersistJobItemProgress", mock.Anything, mock.Anything).Return(nil)
	control.On("UpdateJobItemStatus", mock.Anything, testJobID, 0, pipeline.JobItemStatusExecuteInventoryTask).Return(nil)
	control.On("UpdateJobItemStatus", mock.Anything, testJobID, 0, pipeline.JobItemStatusExecuteInventoryTaskFailure).Return(nil)
	control.On("PersistJobItemErrorMessage", mock.Anything, testJobID, 0, launchErr).Return(nil)
	control.On("Stop", mock.Anything, testJobID).Return(nil)

	task := newFakeTask("inv-0", pipeline.PrimaryKeyPosition{Begin: 0, End: 10}, 1)
	task.startErr = launchErr
	runner := newTestRunner(t, []pipeline.Task{task}, nil, control)

	require.ErrorIs(t, runner.Start(context.Background()), launchErr)
	assert.Equal(t, pipeline.JobItemStatusExecuteInventoryTaskFailure, runner.JobItem().Status())
	control.AssertExpectations(t)
}

func TestIncrementalPhaseWithoutTasksIsNoOp(t *testing.T) {
	control := new(mockJobControl)
	control.On("PersistJobItemProgress", mock.Anything, mock.Anything).Return(nil)

	inventory := newFakeTask("inv-0", pipeline.FinishedPosition{}, 1)
	runner := newTestRunner(t, []pipeline.Task{inventory}, nil, control)

	require.NoError(t, runner.Start(context.Background()))

	assert.Equal(t, pipeline.JobItemStatusPreparing, runner.JobItem().Status())
	control.AssertNotCalled(t, "UpdateJobItemStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	control.AssertExpectations(t)
}

func TestIncrementalPhaseLaunchIsIdempotent(t *testing.T) {
	control := new(mockJobControl)
	control.On("PersistJobItemProgress", mock.Anything, mock.Anything).Return(nil)
	control.On("UpdateJobItemStatus", mock.Anything, testJobID, 0, pipeline.JobItemStatusExecuteIncrementalTask).Return(nil)

	inventory := newFakeTask("inv-0", pipeline.FinishedPosition{}, 1)
	incremental := newFakeTask("inc-0", pipeline.LogPosition{Sequence: 0}, 1)
	runner := newTestRunner(t, []pipeline.Task{inventory}, []pipeline.Task{incremental}, control)

	require.NoError(t, runner.Start(context.Background()))
	require.NoError(t, runner.Start(context.Background()))

	assert.Equal(t, int32(1), incremental.startCount.Load(), "incremental phase must launch exactly once")
	control.AssertNumberOfCalls(t, "UpdateJobItemStatus", 1)
	control.AssertExpectations(t)
}

func TestConcurrentStartsLaunchIncrementalOnce(t *testing.T) {
	control := new(mockJobControl)
	control.On("PersistJobItemProgress", mock.Anything, mock.Anything).Return(nil)
	control.On("UpdateJobItemStatus", mock.Anything, testJobID, 0, pipeline.JobItemStatusExecuteIncrementalTask).Return(nil)

	inventory := newFakeTask("inv-0", pipeline.FinishedPosition{}, 1)
	incremental := newFakeTask("inc-0", pipeline.LogPosition{Sequence: 0}, 1)
	runner := newTestRunner(t, []pipeline.Task{inventory}, []pipeline.Task{incremental}, control)

	const starters = 4
	errs := make([]error, starters)
	var wg sync.WaitGroup
	for i := 0; i < starters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = runner.Start(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), incremental.startCount.Load(), "incremental phase must launch exactly once")
	control.AssertNumberOfCalls(t, "UpdateJobItemStatus", 1)
	control.AssertExpectations(t)
}

func TestStopStopsAndClosesAllTasks(t *testing.T) {
	control := new(mockJobControl)
	control.On("PersistJobItemProgress", mock.Anything, mock.Anything).Return(nil)
	control.On("UpdateJobItemStatus", mock.Anything, testJobID, 0, pipeline.JobItemStatusExecuteInventoryTask).Return(nil)

	inventory := newFakeTask("inv-0", pipeline.PrimaryKeyPosition{Begin: 0, End: 100}, 1)
	incremental := newFakeTask("inc-0", pipeline.LogPosition{Sequence: 0}, 1)
	runner := newTestRunner(t, []pipeline.Task{inventory}, []pipeline.Task{incremental}, control)

	require.NoError(t, runner.Start(context.Background()))

	runner.Stop(context.Background())
	runner.Stop(context.Background())

	assert.True(t, runner.JobItem().Stopping())
	assert.Equal(t, int32(2), inventory.stopCount.Load())
	assert.Equal(t, int32(2), inventory.closeCount.Load())
	assert.Equal(t, int32(2), incremental.stopCount.Load())
	assert.Equal(t, int32(2), incremental.closeCount.Load())

	// A runner that has been stopped must refuse to start again.
	require.NoError(t, runner.Start(context.Background()))
	assert.Equal(t, int32(1), inventory.startCount.Load())
	control.AssertExpectations(t)
}

func TestControlPlaneOutageDoesNotBlockFailureHandling(t *testing.T) {
	control := new(mockJobControl)
	taskErr := errors.New("copy failed")
	outage := errors.New("control plane unreachable")
	control.On("PersistJobItemProgress", mock.Anything, mock.Anything).Return(nil)
	control.On("UpdateJobItemStatus", mock.Anything, testJobID, 0, pipeline.JobItemStatusExecuteInventoryTask).Return(nil)
	control.On("UpdateJobItemStatus", mock.Anything, testJobID, 0, pipeline.JobItemStatusExecuteInventoryTaskFailure).Return(outage)
	control.On("PersistJobItemErrorMessage", mock.Anything, testJobID, 0, taskErr).Return(outage)
	control.On("Stop", mock.Anything, testJobID).Return(outage)

	inventory := newFakeTask("inv-0", pipeline.PrimaryKeyPosition{Begin: 0, End: 100}, 1)
	runner := newTestRunner(t, []pipeline.Task{inventory}, nil, control)

	require.NoError(t, runner.Start(context.Background()))
	inventory.completeUnit(0, taskErr)

	// The local status still flips and every control plane call is attempted.
	require.Eventually(t, func() bool {
		return runner.JobItem().Status() == pipeline.JobItemStatusExecuteInventoryTaskFailure
	}, time.Second, 10*time.Millisecond)
	control.AssertCalled(t, "PersistJobItemErrorMessage", mock.Anything, testJobID, 0, taskErr)
	control.AssertCalled(t, "Stop", mock.Anything, testJobID)
	control.AssertExpectations(t)
}
