package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/datashuttle/internal/domain/events"
	"github.com/ahrav/datashuttle/internal/domain/pipeline"
	"github.com/ahrav/datashuttle/pkg/common/logger"
)

// Supervisor owns the tasks runners on one node. It builds a runner per job
// item assigned to the node, starts them, and winds them down when a job-wide
// stop arrives over the event bus or the process shuts down.
type Supervisor struct {
	controllerID string

	registry *JobControlRegistry
	factory  pipeline.TaskFactory
	repo     pipeline.JobRepository
	eventBus events.EventBus

	mu      sync.Mutex
	runners map[string]*TasksRunner

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics RunnerMetrics
}

// NewSupervisor creates a supervisor for this node.
func NewSupervisor(
	controllerID string,
	registry *JobControlRegistry,
	factory pipeline.TaskFactory,
	repo pipeline.JobRepository,
	eventBus events.EventBus,
	log *logger.Logger,
	tracer trace.Tracer,
	metrics RunnerMetrics,
) *Supervisor {
	return &Supervisor{
		controllerID: controllerID,
		registry:     registry,
		factory:      factory,
		repo:         repo,
		eventBus:     eventBus,
		runners:      make(map[string]*TasksRunner),
		logger:       log.With("component", "supervisor", "controller_id", controllerID),
		tracer:       tracer,
		metrics:      metrics,
	}
}

func runnerKey(jobID string, shardingItem int) string {
	return fmt.Sprintf("%s:%d", jobID, shardingItem)
}

// Run subscribes to job stop events and blocks until the context is canceled.
// On shutdown every runner still registered is stopped.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.eventBus.Subscribe(ctx, []events.EventType{pipeline.EventTypeJobStopRequested}, s.handleStopEvent); err != nil {
		return fmt.Errorf("subscribing to stop events: %w", err)
	}
	s.logger.Info(ctx, "Supervisor running")

	<-ctx.Done()

	shutdownCtx := context.WithoutCancel(ctx)
	s.StopAll(shutdownCtx)
	return ctx.Err()
}

// LaunchJobItems builds and starts a runner for each sharding item of a job
// assigned to this node. Items launch concurrently; the first launch error
// cancels the remaining launches.
func (s *Supervisor) LaunchJobItems(ctx context.Context, jobID string, shardingItems []int) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, item := range shardingItems {
		item := item
		g.Go(func() error { return s.LaunchJobItem(gctx, jobID, item) })
	}
	return g.Wait()
}

// LaunchJobItem builds and starts the runner for one job item, resuming from
// persisted progress when any exists. Launching an item whose job is already
// flagged as stopping is a logged no-op.
func (s *Supervisor) LaunchJobItem(ctx context.Context, jobID string, shardingItem int) error {
	ctx, span := s.tracer.Start(ctx, "supervisor.launch_job_item",
		trace.WithAttributes(
			attribute.String("job_id", jobID),
			attribute.Int("sharding_item", shardingItem),
		))
	defer span.End()

	stopping, err := s.repo.IsJobStopping(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to check job stopping flag")
		return fmt.Errorf("checking job stopping flag: %w", err)
	}
	if stopping {
		span.AddEvent("job_stopping")
		s.logger.Info(ctx, "Job is stopping, not launching item", "job_id", jobID, "sharding_item", shardingItem)
		return nil
	}

	item, err := s.restoreJobItem(ctx, jobID, shardingItem)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to restore job item")
		return err
	}

	inventory, incremental, err := s.factory.BuildTasks(ctx, item)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to build tasks")
		return fmt.Errorf("building tasks for job %s item %d: %w", jobID, shardingItem, err)
	}

	runner, err := NewTasksRunner(item, inventory, incremental, s.registry, s.logger, s.tracer, s.metrics)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to construct runner")
		return err
	}

	key := runnerKey(jobID, shardingItem)
	s.mu.Lock()
	if _, exists := s.runners[key]; exists {
		s.mu.Unlock()
		span.AddEvent("runner_already_registered")
		s.logger.Warn(ctx, "Runner already registered for job item", "job_id", jobID, "sharding_item", shardingItem)
		return nil
	}
	s.runners[key] = runner
	s.mu.Unlock()

	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("starting runner for job %s item %d: %w", jobID, shardingItem, err)
	}
	span.AddEvent("runner_started")
	return nil
}

// restoreJobItem rebuilds the job item context from persisted progress, or
// creates a fresh one when the item has never run.
func (s *Supervisor) restoreJobItem(ctx context.Context, jobID string, shardingItem int) (*pipeline.JobItemContext, error) {
	progress, err := s.repo.GetProgress(ctx, jobID, shardingItem)
	switch {
	case errors.Is(err, pipeline.ErrNoJobItemProgress):
		return pipeline.NewJobItemContext(jobID, shardingItem)
	case err != nil:
		return nil, fmt.Errorf("loading progress for job %s item %d: %w", jobID, shardingItem, err)
	default:
		return pipeline.ReconstructJobItemContext(jobID, shardingItem, progress.Status())
	}
}

// StopJob stops every runner on this node that belongs to the given job and
// removes them from the registry.
func (s *Supervisor) StopJob(ctx context.Context, jobID string) {
	s.mu.Lock()
	var toStop []*TasksRunner
	for key, runner := range s.runners {
		if runner.JobItem().JobID() == jobID {
			toStop = append(toStop, runner)
			delete(s.runners, key)
		}
	}
	s.mu.Unlock()

	for _, runner := range toStop {
		runner.Stop(ctx)
	}
	s.logger.Info(ctx, "Stopped runners for job", "job_id", jobID, "runner_count", len(toStop))
}

// StopAll stops every runner on this node.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	toStop := make([]*TasksRunner, 0, len(s.runners))
	for key, runner := range s.runners {
		toStop = append(toStop, runner)
		delete(s.runners, key)
	}
	s.mu.Unlock()

	for _, runner := range toStop {
		runner.Stop(ctx)
	}
	s.logger.Info(ctx, "Stopped all runners", "runner_count", len(toStop))
}

// RunnerCount reports how many runners are currently registered.
func (s *Supervisor) RunnerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runners)
}

// handleStopEvent reacts to a job-wide stop request observed on the event bus.
func (s *Supervisor) handleStopEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	stopEvt, ok := evt.Payload.(pipeline.JobStopRequestedEvent)
	if !ok {
		err := fmt.Errorf("expected JobStopRequestedEvent payload, got %T", evt.Payload)
		s.logger.Error(ctx, "Dropping malformed stop event", "error", err)
		ack(err)
		return err
	}

	s.logger.Info(ctx, "Received job stop request", "job_id", stopEvt.JobID)
	s.StopJob(ctx, stopEvt.JobID)
	ack(nil)
	return nil
}
