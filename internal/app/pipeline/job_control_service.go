package pipeline

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/ahrav/datashuttle/internal/domain/events"
	"github.com/ahrav/datashuttle/internal/domain/pipeline"
	"github.com/ahrav/datashuttle/pkg/common/logger"
)

// jobControlService implements pipeline.JobControl for one job type. Lifecycle
// writes go to the repository; status changes and stop requests are also
// published as domain events so other nodes driving the same job react.
//
// One instance is registered per job type. The behavior is shared; the job
// type only labels telemetry and event routing.
type jobControlService struct {
	jobType   pipeline.JobType
	repo      pipeline.JobRepository
	publisher events.DomainEventPublisher

	// persistLimit caps how often an item's progress snapshots hit the
	// repository. Runners persist eagerly; most snapshots between ticks carry
	// no news. Each job item gets its own limiter, so one item's writes never
	// consume a sibling shard's allowance, and a fresh item's first persist
	// always goes through.
	persistLimit rate.Limit

	mu               sync.Mutex
	progressLimiters map[string]*rate.Limiter

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics RunnerMetrics
}

// NewJobControlService creates the JobControl implementation for a job type.
// persistInterval bounds how often progress snapshots are written; zero
// disables throttling.
func NewJobControlService(
	jobType pipeline.JobType,
	repo pipeline.JobRepository,
	publisher events.DomainEventPublisher,
	persistInterval time.Duration,
	log *logger.Logger,
	tracer trace.Tracer,
	metrics RunnerMetrics,
) pipeline.JobControl {
	limit := rate.Inf
	if persistInterval > 0 {
		limit = rate.Every(persistInterval)
	}
	return &jobControlService{
		jobType:          jobType,
		repo:             repo,
		publisher:        publisher,
		persistLimit:     limit,
		progressLimiters: make(map[string]*rate.Limiter),
		logger:           log.With("component", "job_control_service", "job_type", jobType.String()),
		tracer:           tracer,
		metrics:          metrics,
	}
}

// progressLimiter returns the persist limiter for one job item, creating it on
// first use.
func (s *jobControlService) progressLimiter(jobID string, shardingItem int) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := runnerKey(jobID, shardingItem)
	limiter, ok := s.progressLimiters[key]
	if !ok {
		limiter = rate.NewLimiter(s.persistLimit, 1)
		s.progressLimiters[key] = limiter
	}
	return limiter
}

func (s *jobControlService) PersistJobItemProgress(ctx context.Context, progress *pipeline.JobItemProgress) error {
	ctx, span := s.tracer.Start(ctx, "job_control.persist_job_item_progress",
		trace.WithAttributes(
			attribute.String("job_id", progress.JobID()),
			attribute.Int("sharding_item", progress.ShardingItem()),
		))
	defer span.End()

	if !s.progressLimiter(progress.JobID(), progress.ShardingItem()).Allow() {
		span.AddEvent("progress_persist_throttled")
		s.logger.Debug(ctx, "Skipping progress persist, rate limited",
			"job_id", progress.JobID(), "sharding_item", progress.ShardingItem())
		return nil
	}

	start := time.Now()
	if err := s.repo.SaveProgress(ctx, progress); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist job item progress")
		return err
	}
	s.metrics.ObservePersistDuration(ctx, time.Since(start))
	span.AddEvent("progress_persisted")
	return nil
}

func (s *jobControlService) UpdateJobItemStatus(ctx context.Context, jobID string, shardingItem int, status pipeline.JobItemStatus) error {
	ctx, span := s.tracer.Start(ctx, "job_control.update_job_item_status",
		trace.WithAttributes(
			attribute.String("job_id", jobID),
			attribute.Int("sharding_item", shardingItem),
			attribute.String("status", status.String()),
		))
	defer span.End()

	if err := s.repo.UpdateStatus(ctx, jobID, shardingItem, status); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to update job item status")
		return err
	}

	evt := pipeline.NewJobItemStatusChangedEvent(jobID, shardingItem, status)
	if err := s.publisher.PublishDomainEvent(ctx, evt, events.WithKey(jobID)); err != nil {
		// Persisted state is the source of truth; a lost notification is
		// recoverable, so log instead of failing the status update.
		span.RecordError(err)
		s.logger.Warn(ctx, "Failed to publish status change event",
			"job_id", jobID, "sharding_item", shardingItem, "status", status, "error", err)
	}
	span.AddEvent("job_item_status_updated")
	return nil
}

func (s *jobControlService) PersistJobItemErrorMessage(ctx context.Context, jobID string, shardingItem int, cause error) error {
	ctx, span := s.tracer.Start(ctx, "job_control.persist_job_item_error_message",
		trace.WithAttributes(
			attribute.String("job_id", jobID),
			attribute.Int("sharding_item", shardingItem),
		))
	defer span.End()
	span.RecordError(cause)

	message := ""
	if cause != nil {
		message = cause.Error()
	}
	if err := s.repo.SaveErrorMessage(ctx, jobID, shardingItem, message); err != nil {
		span.SetStatus(codes.Error, "failed to persist job item error message")
		return err
	}
	span.AddEvent("job_item_error_message_persisted")
	return nil
}

func (s *jobControlService) Stop(ctx context.Context, jobID string) error {
	ctx, span := s.tracer.Start(ctx, "job_control.stop",
		trace.WithAttributes(attribute.String("job_id", jobID)))
	defer span.End()

	if err := s.repo.SetJobStopping(ctx, jobID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to flag job as stopping")
		return err
	}

	evt := pipeline.NewJobStopRequestedEvent(jobID)
	if err := s.publisher.PublishDomainEvent(ctx, evt, events.WithKey(jobID)); err != nil {
		span.RecordError(err)
		s.logger.Warn(ctx, "Failed to publish stop request event", "job_id", jobID, "error", err)
	}
	s.logger.Info(ctx, "Job stop requested", "job_id", jobID)
	span.AddEvent("job_stop_requested")
	return nil
}
