package pipeline

import (
	"context"
	"errors"
)

// ErrNoJobItemProgress indicates no persisted progress exists for a job item.
var ErrNoJobItemProgress = errors.New("no progress found for job item")

// JobControl is the control-plane facade used by the tasks runner to report
// item lifecycle changes and to stop a whole job. Implementations are selected
// per job type at runner construction.
type JobControl interface {
	// PersistJobItemProgress writes a progress snapshot for a job item.
	PersistJobItemProgress(ctx context.Context, progress *JobItemProgress) error

	// UpdateJobItemStatus records a new lifecycle status for a job item.
	UpdateJobItemStatus(ctx context.Context, jobID string, shardingItem int, status JobItemStatus) error

	// PersistJobItemErrorMessage records the cause of a job item failure.
	PersistJobItemErrorMessage(ctx context.Context, jobID string, shardingItem int, cause error) error

	// Stop requests that the whole job, across all of its items, cease work.
	Stop(ctx context.Context, jobID string) error
}

// JobRepository provides persistent storage for job items. It backs the
// JobControl implementations and the resume path on restart.
type JobRepository interface {
	// SaveProgress upserts a progress snapshot for a job item.
	SaveProgress(ctx context.Context, progress *JobItemProgress) error

	// GetProgress retrieves the latest progress snapshot for a job item.
	// Returns ErrNoJobItemProgress when none has been persisted.
	GetProgress(ctx context.Context, jobID string, shardingItem int) (*JobItemProgress, error)

	// UpdateStatus records a new lifecycle status for a job item.
	UpdateStatus(ctx context.Context, jobID string, shardingItem int, status JobItemStatus) error

	// SaveErrorMessage records the failure message for a job item.
	SaveErrorMessage(ctx context.Context, jobID string, shardingItem int, message string) error

	// SetJobStopping flags the job so every node driving its items winds down.
	SetJobStopping(ctx context.Context, jobID string) error

	// IsJobStopping reports whether a stop has been requested for the job.
	IsJobStopping(ctx context.Context, jobID string) (bool, error)
}

// TaskFactory builds the task collections for one job item. Implementations
// belong to the data plane; the runner treats the returned tasks as opaque.
type TaskFactory interface {
	// BuildTasks constructs the inventory and incremental tasks for an item,
	// resuming from any persisted positions.
	BuildTasks(ctx context.Context, item *JobItemContext) (inventory []Task, incremental []Task, err error)
}
