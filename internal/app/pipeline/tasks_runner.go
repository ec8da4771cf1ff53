package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/datashuttle/internal/domain/pipeline"
	"github.com/ahrav/datashuttle/pkg/common/logger"
)

// TasksRunner drives one job item through its two execution phases. It first
// runs the item's inventory tasks and, once the progress detector reports them
// all finished, launches the incremental tasks. Task failures in either phase
// move the item to the matching failure status, persist the cause, and request
// a job-wide stop.
//
// A runner owns exactly one job item and is not reusable across runs.
type TasksRunner struct {
	item             *pipeline.JobItemContext
	inventoryTasks   []pipeline.Task
	incrementalTasks []pipeline.Task
	jobControl       pipeline.JobControl

	// launchMu serializes phase launches so concurrent completion observers
	// cannot start the incremental phase twice.
	launchMu sync.Mutex

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics RunnerMetrics
}

// NewTasksRunner creates a runner for one job item. The job control is
// resolved from the registry using the type encoded in the item's job ID.
func NewTasksRunner(
	item *pipeline.JobItemContext,
	inventoryTasks, incrementalTasks []pipeline.Task,
	registry *JobControlRegistry,
	log *logger.Logger,
	tracer trace.Tracer,
	metrics RunnerMetrics,
) (*TasksRunner, error) {
	jobControl, err := registry.Resolve(item.JobType())
	if err != nil {
		return nil, err
	}
	componentLogger := log.With(
		"component", "tasks_runner",
		"job_id", item.JobID(),
		"sharding_item", item.ShardingItem(),
	)
	return &TasksRunner{
		item:             item,
		inventoryTasks:   inventoryTasks,
		incrementalTasks: incrementalTasks,
		jobControl:       jobControl,
		logger:           componentLogger,
		tracer:           tracer,
		metrics:          metrics,
	}, nil
}

// JobItem returns the job item context this runner drives.
func (r *TasksRunner) JobItem() *pipeline.JobItemContext { return r.item }

// Start begins execution of the job item. If a stop has already been requested
// the call is a no-op. Otherwise it persists a progress snapshot and launches
// the phase the progress detector selects. Start returns an error only when a
// task fails to launch; failures during asynchronous execution are handled by
// the completion observers.
func (r *TasksRunner) Start(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "tasks_runner.start",
		trace.WithAttributes(
			attribute.String("job_id", r.item.JobID()),
			attribute.Int("sharding_item", r.item.ShardingItem()),
		))
	defer span.End()

	if r.item.Stopping() {
		span.AddEvent("job_item_stopping")
		r.logger.Info(ctx, "Job item is stopping, not starting tasks")
		return nil
	}

	// Best effort. A persistence hiccup must not keep the item from running.
	r.persistProgress(ctx)

	if !pipeline.AllInventoryTasksFinished(r.inventoryTasks) {
		span.AddEvent("launching_inventory_phase")
		return r.executeInventoryTasks(ctx)
	}
	span.AddEvent("inventory_already_finished")
	return r.executeIncrementalTasks(ctx)
}

// Stop requests the runner cease all work. It flags the item as stopping, then
// stops and closes every task in both phases. Stop is idempotent and safe to
// call concurrently with Start and the completion observers.
func (r *TasksRunner) Stop(ctx context.Context) {
	ctx, span := r.tracer.Start(ctx, "tasks_runner.stop",
		trace.WithAttributes(attribute.String("job_id", r.item.JobID())))
	defer span.End()

	r.item.MarkStopping()

	for _, t := range r.inventoryTasks {
		r.stopAndCloseTask(ctx, t, PhaseInventory)
	}
	for _, t := range r.incrementalTasks {
		r.stopAndCloseTask(ctx, t, PhaseIncremental)
	}
	r.logger.Info(ctx, "Tasks runner stopped")
}

func (r *TasksRunner) stopAndCloseTask(ctx context.Context, t pipeline.Task, phase string) {
	if err := t.Stop(ctx); err != nil {
		r.logger.Warn(ctx, "Failed to stop task", "phase", phase, "task_id", t.ID(), "error", err)
	}
	if err := t.Close(ctx); err != nil {
		r.logger.Warn(ctx, "Failed to close task", "phase", phase, "task_id", t.ID(), "error", err)
	}
}

// executeInventoryTasks launches every unfinished inventory task and registers
// completion observers that hand off to the incremental phase once all
// launched work settles successfully.
func (r *TasksRunner) executeInventoryTasks(ctx context.Context) error {
	r.launchMu.Lock()
	defer r.launchMu.Unlock()

	ctx, span := r.tracer.Start(ctx, "tasks_runner.execute_inventory_tasks")
	defer span.End()

	r.updateLocalAndRemoteJobItemStatus(ctx, pipeline.JobItemStatusExecuteInventoryTask)
	r.metrics.IncPhaseLaunched(ctx, PhaseInventory)

	var completions []pipeline.Completion
	for _, t := range r.inventoryTasks {
		if pipeline.IsFinished(t.Position()) {
			r.logger.Debug(ctx, "Skipping finished inventory task", "task_id", t.ID())
			continue
		}
		taskCompletions, err := t.Start(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "inventory task failed to launch")
			r.onInventoryTaskFailure(ctx, err)
			return err
		}
		completions = append(completions, taskCompletions...)
	}
	span.SetAttributes(attribute.Int("completion_count", len(completions)))

	r.observeCompletions(ctx, completions, r.onInventoryPhaseSuccess, r.onInventoryTaskFailure)
	return nil
}

// executeIncrementalTasks launches every unfinished incremental task. The
// method is idempotent: re-entry while the phase is already running, or with
// no incremental tasks at all, is a logged no-op. launchMu makes the status
// guard and the launch a single atomic step, so concurrent completion
// observers cannot double-start the phase.
func (r *TasksRunner) executeIncrementalTasks(ctx context.Context) error {
	r.launchMu.Lock()
	defer r.launchMu.Unlock()

	ctx, span := r.tracer.Start(ctx, "tasks_runner.execute_incremental_tasks")
	defer span.End()

	if len(r.incrementalTasks) == 0 {
		span.AddEvent("no_incremental_tasks")
		r.logger.Info(ctx, "No incremental tasks to execute")
		return nil
	}
	if r.item.Status() == pipeline.JobItemStatusExecuteIncrementalTask {
		span.AddEvent("incremental_phase_already_running")
		r.logger.Info(ctx, "Incremental tasks are already running")
		return nil
	}

	r.updateLocalAndRemoteJobItemStatus(ctx, pipeline.JobItemStatusExecuteIncrementalTask)
	r.metrics.IncPhaseLaunched(ctx, PhaseIncremental)

	var completions []pipeline.Completion
	for _, t := range r.incrementalTasks {
		if pipeline.IsFinished(t.Position()) {
			r.logger.Debug(ctx, "Skipping finished incremental task", "task_id", t.ID())
			continue
		}
		taskCompletions, err := t.Start(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "incremental task failed to launch")
			r.onIncrementalTaskFailure(ctx, err)
			return err
		}
		completions = append(completions, taskCompletions...)
	}
	span.SetAttributes(attribute.Int("completion_count", len(completions)))

	r.observeCompletions(ctx, completions, func(ctx context.Context) {
		r.logger.Info(ctx, "All incremental tasks finished")
	}, r.onIncrementalTaskFailure)
	return nil
}

// observeCompletions watches a phase's completion channels from dedicated
// goroutines. A shared counter detects the moment the final completion
// settles successfully, at which point onSuccess runs exactly once on
// whichever goroutine observed it. Each failed completion invokes onFailure.
// The observers outlive the Start call, so they run on a context detached
// from the caller's cancellation.
func (r *TasksRunner) observeCompletions(
	ctx context.Context,
	completions []pipeline.Completion,
	onSuccess func(ctx context.Context),
	onFailure func(ctx context.Context, err error),
) {
	observerCtx := context.WithoutCancel(ctx)
	if len(completions) == 0 {
		// Run asynchronously like any other observer. The caller may hold
		// launchMu and onSuccess may need to take it again.
		go onSuccess(observerCtx)
		return
	}

	var completed atomic.Int32
	total := int32(len(completions))
	for _, c := range completions {
		go func(c pipeline.Completion) {
			if err := <-c; err != nil {
				onFailure(observerCtx, err)
				return
			}
			if completed.Add(1) == total {
				onSuccess(observerCtx)
			}
		}(c)
	}
}

// onInventoryPhaseSuccess runs when every launched inventory completion has
// settled successfully. It re-checks the progress detector before handing off:
// a task may have drained its completions without reaching a finished
// position, in which case the phase stays where it is.
func (r *TasksRunner) onInventoryPhaseSuccess(ctx context.Context) {
	r.logger.Info(ctx, "All inventory tasks finished")
	if !pipeline.AllInventoryTasksFinished(r.inventoryTasks) {
		r.logger.Warn(ctx, "Inventory tasks completed but positions are not all finished, not switching to incremental phase")
		return
	}
	if err := r.executeIncrementalTasks(ctx); err != nil {
		r.logger.Error(ctx, "Failed to launch incremental tasks after inventory phase", "error", err)
	}
}

func (r *TasksRunner) onInventoryTaskFailure(ctx context.Context, cause error) {
	r.logger.Error(ctx, "Inventory task failed", "error", cause)
	r.metrics.IncTaskFailure(ctx, PhaseInventory)
	r.failJobItem(ctx, pipeline.JobItemStatusExecuteInventoryTaskFailure, cause)
}

func (r *TasksRunner) onIncrementalTaskFailure(ctx context.Context, cause error) {
	r.logger.Error(ctx, "Incremental task failed", "error", cause)
	r.metrics.IncTaskFailure(ctx, PhaseIncremental)
	r.failJobItem(ctx, pipeline.JobItemStatusExecuteIncrementalTaskFailure, cause)
}

// failJobItem records a failure on the item and escalates it to a job-wide
// stop. Every step is best effort: a control plane outage must not prevent
// the remaining steps from running.
func (r *TasksRunner) failJobItem(ctx context.Context, status pipeline.JobItemStatus, cause error) {
	ctx, span := r.tracer.Start(ctx, "tasks_runner.fail_job_item",
		trace.WithAttributes(attribute.String("status", status.String())))
	defer span.End()
	span.RecordError(cause)

	r.updateLocalAndRemoteJobItemStatus(ctx, status)

	if err := r.jobControl.PersistJobItemErrorMessage(ctx, r.item.JobID(), r.item.ShardingItem(), cause); err != nil {
		r.logger.Warn(ctx, "Failed to persist job item error message", "error", err)
	}
	if err := r.jobControl.Stop(ctx, r.item.JobID()); err != nil {
		r.logger.Warn(ctx, "Failed to request job stop", "error", err)
	}
	r.metrics.IncJobStop(ctx)
}

// updateLocalAndRemoteJobItemStatus applies a status to the in-memory item
// first, then pushes it to the control plane. The remote write is best effort.
func (r *TasksRunner) updateLocalAndRemoteJobItemStatus(ctx context.Context, status pipeline.JobItemStatus) {
	r.item.SetStatus(status)
	r.metrics.IncStatusUpdate(ctx, status)
	if err := r.jobControl.UpdateJobItemStatus(ctx, r.item.JobID(), r.item.ShardingItem(), status); err != nil {
		r.logger.Warn(ctx, "Failed to update remote job item status", "status", status, "error", err)
	}
}

// persistProgress pushes a snapshot of the item's task positions to the
// control plane.
func (r *TasksRunner) persistProgress(ctx context.Context) {
	progress := pipeline.NewJobItemProgress(r.item, r.inventoryTasks, r.incrementalTasks)
	if err := r.jobControl.PersistJobItemProgress(ctx, progress); err != nil {
		r.logger.Warn(ctx, "Failed to persist job item progress", "error", err)
	}
}
