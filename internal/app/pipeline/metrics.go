package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/datashuttle/internal/domain/pipeline"
	"github.com/ahrav/datashuttle/pkg/common/otel"
)

// RunnerMetrics records what the tasks runner and job control layers do, for
// dashboards and alerting on stuck or failing jobs.
type RunnerMetrics interface {
	// IncPhaseLaunched records the launch of a phase for a job item.
	IncPhaseLaunched(ctx context.Context, phase string)

	// IncTaskFailure records a task failure within a phase.
	IncTaskFailure(ctx context.Context, phase string)

	// IncStatusUpdate records a job item status update pushed to the control plane.
	IncStatusUpdate(ctx context.Context, status pipeline.JobItemStatus)

	// IncJobStop records a job-wide stop request.
	IncJobStop(ctx context.Context)

	// ObservePersistDuration records the latency of a progress persistence call.
	ObservePersistDuration(ctx context.Context, d time.Duration)

	// IncMessagePublished records a message published to the event bus.
	IncMessagePublished(ctx context.Context, topic string)

	// IncMessageConsumed records a message consumed from the event bus.
	IncMessageConsumed(ctx context.Context, topic string)

	// IncPublishError records a failed publish to the event bus.
	IncPublishError(ctx context.Context, topic string)

	// IncConsumeError records a failed consume from the event bus.
	IncConsumeError(ctx context.Context, topic string)
}

// Phase labels used in metrics.
const (
	PhaseInventory   = "inventory"
	PhaseIncremental = "incremental"
)

const runnerMeterName = "datashuttle"

// runnerMetrics implements RunnerMetrics using OpenTelemetry instruments.
type runnerMetrics struct {
	phaseLaunched   metric.Int64Counter
	taskFailures    metric.Int64Counter
	statusUpdates   metric.Int64Counter
	jobStops        metric.Int64Counter
	persistDuration metric.Float64Histogram

	messagesPublished metric.Int64Counter
	messagesConsumed  metric.Int64Counter
	publishErrors     metric.Int64Counter
	consumeErrors     metric.Int64Counter
}

// NewRunnerMetrics creates the runner's OpenTelemetry instruments from the
// globally registered meter provider.
func NewRunnerMetrics() (RunnerMetrics, error) {
	meter := otel.GetMeterProvider().Meter(runnerMeterName)

	m := new(runnerMetrics)
	var err error

	if m.phaseLaunched, err = meter.Int64Counter(
		"pipeline_phase_launched_total",
		metric.WithDescription("Total number of phase launches per job item"),
	); err != nil {
		return nil, fmt.Errorf("creating phase launched counter: %w", err)
	}
	if m.taskFailures, err = meter.Int64Counter(
		"pipeline_task_failures_total",
		metric.WithDescription("Total number of task failures by phase"),
	); err != nil {
		return nil, fmt.Errorf("creating task failures counter: %w", err)
	}
	if m.statusUpdates, err = meter.Int64Counter(
		"pipeline_status_updates_total",
		metric.WithDescription("Total number of job item status updates"),
	); err != nil {
		return nil, fmt.Errorf("creating status updates counter: %w", err)
	}
	if m.jobStops, err = meter.Int64Counter(
		"pipeline_job_stops_total",
		metric.WithDescription("Total number of job-wide stop requests"),
	); err != nil {
		return nil, fmt.Errorf("creating job stops counter: %w", err)
	}
	if m.persistDuration, err = meter.Float64Histogram(
		"pipeline_progress_persist_duration_seconds",
		metric.WithDescription("Latency of job item progress persistence"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("creating persist duration histogram: %w", err)
	}
	if m.messagesPublished, err = meter.Int64Counter(
		"pipeline_messages_published_total",
		metric.WithDescription("Total number of messages published to the event bus"),
	); err != nil {
		return nil, fmt.Errorf("creating messages published counter: %w", err)
	}
	if m.messagesConsumed, err = meter.Int64Counter(
		"pipeline_messages_consumed_total",
		metric.WithDescription("Total number of messages consumed from the event bus"),
	); err != nil {
		return nil, fmt.Errorf("creating messages consumed counter: %w", err)
	}
	if m.publishErrors, err = meter.Int64Counter(
		"pipeline_publish_errors_total",
		metric.WithDescription("Total number of failed event bus publishes"),
	); err != nil {
		return nil, fmt.Errorf("creating publish errors counter: %w", err)
	}
	if m.consumeErrors, err = meter.Int64Counter(
		"pipeline_consume_errors_total",
		metric.WithDescription("Total number of failed event bus consumes"),
	); err != nil {
		return nil, fmt.Errorf("creating consume errors counter: %w", err)
	}

	return m, nil
}

func (m *runnerMetrics) IncPhaseLaunched(ctx context.Context, phase string) {
	m.phaseLaunched.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase)))
}

func (m *runnerMetrics) IncTaskFailure(ctx context.Context, phase string) {
	m.taskFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase)))
}

func (m *runnerMetrics) IncStatusUpdate(ctx context.Context, status pipeline.JobItemStatus) {
	m.statusUpdates.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status.String())))
}

func (m *runnerMetrics) IncJobStop(ctx context.Context) { m.jobStops.Add(ctx, 1) }

func (m *runnerMetrics) ObservePersistDuration(ctx context.Context, d time.Duration) {
	m.persistDuration.Record(ctx, d.Seconds())
}

func (m *runnerMetrics) IncMessagePublished(ctx context.Context, topic string) {
	m.messagesPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *runnerMetrics) IncMessageConsumed(ctx context.Context, topic string) {
	m.messagesConsumed.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *runnerMetrics) IncPublishError(ctx context.Context, topic string) {
	m.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *runnerMetrics) IncConsumeError(ctx context.Context, topic string) {
	m.consumeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

// noopRunnerMetrics is used when telemetry is disabled, mostly in tests.
type noopRunnerMetrics struct{}

// NewNoopRunnerMetrics returns a RunnerMetrics that records nothing.
func NewNoopRunnerMetrics() RunnerMetrics { return noopRunnerMetrics{} }

func (noopRunnerMetrics) IncPhaseLaunched(context.Context, string)                {}
func (noopRunnerMetrics) IncTaskFailure(context.Context, string)                  {}
func (noopRunnerMetrics) IncStatusUpdate(context.Context, pipeline.JobItemStatus) {}
func (noopRunnerMetrics) IncJobStop(context.Context)                              {}
func (noopRunnerMetrics) ObservePersistDuration(context.Context, time.Duration)   {}
func (noopRunnerMetrics) IncMessagePublished(context.Context, string)             {}
func (noopRunnerMetrics) IncMessageConsumed(context.Context, string)              {}
func (noopRunnerMetrics) IncPublishError(context.Context, string)                 {}
func (noopRunnerMetrics) IncConsumeError(context.Context, string)                 {}
