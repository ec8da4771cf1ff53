package pipeline

import (
	"time"

	"github.com/ahrav/datashuttle/internal/domain/events"
)

// Event types for the pipeline bounded context.
const (
	// EventTypeJobItemStatusChanged signals that a job item moved to a new
	// lifecycle status.
	EventTypeJobItemStatusChanged events.EventType = "JobItemStatusChanged"

	// EventTypeJobStopRequested signals that a job-wide stop was requested and
	// every node driving the job's items should wind down.
	EventTypeJobStopRequested events.EventType = "JobStopRequested"
)

// JobItemStatusChangedEvent is emitted when a job item transitions to a new
// lifecycle status, including the failure states.
type JobItemStatusChangedEvent struct {
	occurredAt   time.Time
	JobID        string
	ShardingItem int
	Status       JobItemStatus
}

// NewJobItemStatusChangedEvent creates a new status change event.
func NewJobItemStatusChangedEvent(jobID string, shardingItem int, status JobItemStatus) JobItemStatusChangedEvent {
	return JobItemStatusChangedEvent{
		occurredAt:   time.Now(),
		JobID:        jobID,
		ShardingItem: shardingItem,
		Status:       status,
	}
}

// ReconstructJobItemStatusChangedEvent rebuilds a status change event from its
// wire form, preserving the original timestamp.
func ReconstructJobItemStatusChangedEvent(occurredAt time.Time, jobID string, shardingItem int, status JobItemStatus) JobItemStatusChangedEvent {
	return JobItemStatusChangedEvent{
		occurredAt:   occurredAt,
		JobID:        jobID,
		ShardingItem: shardingItem,
		Status:       status,
	}
}

// EventType returns the type of this event.
func (e JobItemStatusChangedEvent) EventType() events.EventType { return EventTypeJobItemStatusChanged }

// OccurredAt returns when this event occurred.
func (e JobItemStatusChangedEvent) OccurredAt() time.Time { return e.occurredAt }

// JobStopRequestedEvent is emitted when a job-wide stop is requested, either
// by an operator or by failure propagation from one of the job's items.
type JobStopRequestedEvent struct {
	occurredAt time.Time
	JobID      string
}

// NewJobStopRequestedEvent creates a new stop request event.
func NewJobStopRequestedEvent(jobID string) JobStopRequestedEvent {
	return JobStopRequestedEvent{occurredAt: time.Now(), JobID: jobID}
}

// ReconstructJobStopRequestedEvent rebuilds a stop request event from its wire
// form, preserving the original timestamp.
func ReconstructJobStopRequestedEvent(occurredAt time.Time, jobID string) JobStopRequestedEvent {
	return JobStopRequestedEvent{occurredAt: occurredAt, JobID: jobID}
}

// EventType returns the type of this event.
func (e JobStopRequestedEvent) EventType() events.EventType { return EventTypeJobStopRequested }

// OccurredAt returns when this event occurred.
func (e JobStopRequestedEvent) OccurredAt() time.Time { return e.occurredAt }
