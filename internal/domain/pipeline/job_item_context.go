package pipeline

import (
	"sync"
	"sync/atomic"
)

// JobItemContext is the runtime identity and mutable state of one shard of a
// job on this node. Status changes and the stopping flag may be observed and
// updated from multiple goroutines; all access goes through the methods below.
type JobItemContext struct {
	jobID        string
	shardingItem int
	jobType      JobType

	mu     sync.RWMutex
	status JobItemStatus

	stopping atomic.Bool
}

// NewJobItemContext creates a JobItemContext for a new run of a shard. The job
// type is derived from the job ID and the status starts at PREPARING.
func NewJobItemContext(jobID string, shardingItem int) (*JobItemContext, error) {
	jobType, err := ParseJobTypeFromID(jobID)
	if err != nil {
		return nil, err
	}
	return &JobItemContext{
		jobID:        jobID,
		shardingItem: shardingItem,
		jobType:      jobType,
		status:       JobItemStatusPreparing,
	}, nil
}

// ReconstructJobItemContext rebuilds a JobItemContext from persisted state,
// bypassing the initial-status invariant of NewJobItemContext.
func ReconstructJobItemContext(jobID string, shardingItem int, status JobItemStatus) (*JobItemContext, error) {
	jobType, err := ParseJobTypeFromID(jobID)
	if err != nil {
		return nil, err
	}
	return &JobItemContext{
		jobID:        jobID,
		shardingItem: shardingItem,
		jobType:      jobType,
		status:       status,
	}, nil
}

// JobID returns the identifier of the job this item belongs to.
func (c *JobItemContext) JobID() string { return c.jobID }

// ShardingItem returns the shard index of this item within the job.
func (c *JobItemContext) ShardingItem() int { return c.shardingItem }

// JobType returns the job type encoded in the job ID.
func (c *JobItemContext) JobType() JobType { return c.jobType }

// Status returns the item's current lifecycle status.
func (c *JobItemContext) Status() JobItemStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// SetStatus records a new lifecycle status for the item. Transitions are not
// validated here; callers that need the lifecycle rules use ValidateTransition.
func (c *JobItemContext) SetStatus(status JobItemStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
}

// Stopping reports whether a stop has been requested for this item.
func (c *JobItemContext) Stopping() bool { return c.stopping.Load() }

// MarkStopping flags the item as stopping. The flag is sticky for the life of
// the context.
func (c *JobItemContext) MarkStopping() { c.stopping.Store(true) }
