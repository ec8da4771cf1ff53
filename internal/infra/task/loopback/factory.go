package loopback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ahrav/datashuttle/internal/domain/pipeline"
	"github.com/ahrav/datashuttle/pkg/common/logger"
)

// Config shapes the synthetic workload the factory builds per job item.
type Config struct {
	// InventoryTaskCount is the number of inventory tasks per item.
	InventoryTaskCount int
	// RowsPerTask is the size of each inventory task's primary key range.
	RowsPerTask int64
	// BatchSize is how many rows one inventory tick copies.
	BatchSize int64
	// CopyInterval is the delay between inventory batches.
	CopyInterval time.Duration
	// FeedInterval is the delay between incremental feed events.
	FeedInterval time.Duration
}

// DefaultConfig returns a workload small enough to finish in seconds.
func DefaultConfig() Config {
	return Config{
		InventoryTaskCount: 2,
		RowsPerTask:        1000,
		BatchSize:          100,
		CopyInterval:       50 * time.Millisecond,
		FeedInterval:       100 * time.Millisecond,
	}
}

var _ pipeline.TaskFactory = (*TaskFactory)(nil)

// TaskFactory builds loopback tasks for a job item, resuming positions from
// persisted progress when any exists.
type TaskFactory struct {
	cfg    Config
	repo   pipeline.JobRepository
	logger *logger.Logger
}

// NewTaskFactory creates a loopback task factory.
func NewTaskFactory(cfg Config, repo pipeline.JobRepository, log *logger.Logger) *TaskFactory {
	return &TaskFactory{cfg: cfg, repo: repo, logger: log.With("component", "loopback_task_factory")}
}

// BuildTasks constructs the item's inventory and incremental tasks. Positions
// recorded in persisted progress take precedence over fresh ranges.
func (f *TaskFactory) BuildTasks(ctx context.Context, item *pipeline.JobItemContext) ([]pipeline.Task, []pipeline.Task, error) {
	inventoryPositions := map[string]pipeline.Position{}
	incrementalPositions := map[string]pipeline.Position{}

	progress, err := f.repo.GetProgress(ctx, item.JobID(), item.ShardingItem())
	switch {
	case errors.Is(err, pipeline.ErrNoJobItemProgress):
		// First run for this item, start from scratch.
	case err != nil:
		return nil, nil, fmt.Errorf("loading progress for task build: %w", err)
	default:
		inventoryPositions = progress.InventoryPositions()
		incrementalPositions = progress.IncrementalPositions()
	}

	inventory := make([]pipeline.Task, 0, f.cfg.InventoryTaskCount)
	for i := 0; i < f.cfg.InventoryTaskCount; i++ {
		id := fmt.Sprintf("inventory-%d-%d", item.ShardingItem(), i)
		pos, ok := inventoryPositions[id]
		if !ok {
			begin := int64(i) * f.cfg.RowsPerTask
			pos = pipeline.PrimaryKeyPosition{Begin: begin, End: begin + f.cfg.RowsPerTask - 1}
		}
		inventory = append(inventory, NewInventoryTask(id, pos, f.cfg.BatchSize, f.cfg.CopyInterval))
	}

	incID := fmt.Sprintf("incremental-%d", item.ShardingItem())
	incPos := pipeline.LogPosition{}
	if pos, ok := incrementalPositions[incID]; ok {
		if lp, ok := pos.(pipeline.LogPosition); ok {
			incPos = lp
		}
	}
	incremental := []pipeline.Task{NewIncrementalTask(incID, incPos, f.cfg.FeedInterval)}

	f.logger.Debug(ctx, "Built loopback tasks",
		"job_id", item.JobID(),
		"sharding_item", item.ShardingItem(),
		"inventory_count", len(inventory),
		"incremental_count", len(incremental),
	)
	return inventory, incremental, nil
}
