package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ahrav/datashuttle/internal/domain/pipeline"
)

var _ pipeline.JobRepository = (*JobItemStore)(nil)

type itemKey struct {
	jobID        string
	shardingItem int
}

type itemRecord struct {
	progress     *pipeline.JobItemProgress
	status       pipeline.JobItemStatus
	errorMessage string
}

// JobItemStore is an in-memory implementation of pipeline.JobRepository,
// used in tests and single-process setups.
type JobItemStore struct {
	mu       sync.RWMutex
	items    map[itemKey]*itemRecord
	stopping map[string]bool
}

// NewJobItemStore creates an empty in-memory job item repository.
func NewJobItemStore() *JobItemStore {
	return &JobItemStore{
		items:    make(map[itemKey]*itemRecord),
		stopping: make(map[string]bool),
	}
}

func (s *JobItemStore) record(key itemKey) *itemRecord {
	rec, ok := s.items[key]
	if !ok {
		rec = &itemRecord{status: pipeline.JobItemStatusUnspecified}
		s.items[key] = rec
	}
	return rec
}

// SaveProgress upserts a progress snapshot for a job item.
func (s *JobItemStore) SaveProgress(_ context.Context, progress *pipeline.JobItemProgress) error {
	if _, err := pipeline.ParseJobTypeFromID(progress.JobID()); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(itemKey{progress.JobID(), progress.ShardingItem()})
	rec.progress = progress
	rec.status = progress.Status()
	return nil
}

// GetProgress retrieves the latest progress snapshot for a job item.
func (s *JobItemStore) GetProgress(_ context.Context, jobID string, shardingItem int) (*pipeline.JobItemProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[itemKey{jobID, shardingItem}]
	if !ok || rec.progress == nil {
		return nil, fmt.Errorf("job %s item %d: %w", jobID, shardingItem, pipeline.ErrNoJobItemProgress)
	}
	return pipeline.ReconstructJobItemProgress(
		jobID, shardingItem, rec.status,
		rec.progress.InventoryPositions(), rec.progress.IncrementalPositions(),
	), nil
}

// UpdateStatus records a new lifecycle status for a job item.
func (s *JobItemStore) UpdateStatus(_ context.Context, jobID string, shardingItem int, status pipeline.JobItemStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(itemKey{jobID, shardingItem}).status = status
	return nil
}

// SaveErrorMessage records the failure message for a job item.
func (s *JobItemStore) SaveErrorMessage(_ context.Context, jobID string, shardingItem int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(itemKey{jobID, shardingItem}).errorMessage = message
	return nil
}

// ErrorMessage returns the recorded failure message for a job item.
func (s *JobItemStore) ErrorMessage(jobID string, shardingItem int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[itemKey{jobID, shardingItem}]
	if !ok {
		return ""
	}
	return rec.errorMessage
}

// Status returns the recorded status for a job item.
func (s *JobItemStore) Status(jobID string, shardingItem int) pipeline.JobItemStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[itemKey{jobID, shardingItem}]
	if !ok {
		return pipeline.JobItemStatusUnspecified
	}
	return rec.status
}

// SetJobStopping flags the job so every node driving its items winds down.
func (s *JobItemStore) SetJobStopping(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopping[jobID] = true
	return nil
}

// IsJobStopping reports whether a stop has been requested for the job.
func (s *JobItemStore) IsJobStopping(_ context.Context, jobID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopping[jobID], nil
}
