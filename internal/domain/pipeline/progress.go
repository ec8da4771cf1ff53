package pipeline

// AllInventoryTasksFinished reports whether every inventory task in the given
// collection has reached a finished position. An empty collection counts as
// finished, which lets items without inventory work move straight to the
// incremental phase.
func AllInventoryTasksFinished(inventoryTasks []Task) bool {
	for _, t := range inventoryTasks {
		if !IsFinished(t.Position()) {
			return false
		}
	}
	return true
}

// JobItemProgress is a point-in-time snapshot of a job item's status and task
// positions, suitable for persistence and later resume.
type JobItemProgress struct {
	jobID        string
	shardingItem int
	status       JobItemStatus
	inventory    map[string]Position
	incremental  map[string]Position
}

// NewJobItemProgress captures the current progress of a job item from its
// context and live task collections.
func NewJobItemProgress(item *JobItemContext, inventoryTasks, incrementalTasks []Task) *JobItemProgress {
	inventory := make(map[string]Position, len(inventoryTasks))
	for _, t := range inventoryTasks {
		inventory[t.ID()] = t.Position()
	}
	incremental := make(map[string]Position, len(incrementalTasks))
	for _, t := range incrementalTasks {
		incremental[t.ID()] = t.Position()
	}
	return &JobItemProgress{
		jobID:        item.JobID(),
		shardingItem: item.ShardingItem(),
		status:       item.Status(),
		inventory:    inventory,
		incremental:  incremental,
	}
}

// ReconstructJobItemProgress rebuilds a progress snapshot from persisted state.
func ReconstructJobItemProgress(
	jobID string,
	shardingItem int,
	status JobItemStatus,
	inventory map[string]Position,
	incremental map[string]Position,
) *JobItemProgress {
	if inventory == nil {
		inventory = make(map[string]Position)
	}
	if incremental == nil {
		incremental = make(map[string]Position)
	}
	return &JobItemProgress{
		jobID:        jobID,
		shardingItem: shardingItem,
		status:       status,
		inventory:    inventory,
		incremental:  incremental,
	}
}

// JobID returns the identifier of the job the snapshot belongs to.
func (p *JobItemProgress) JobID() string { return p.jobID }

// ShardingItem returns the shard index the snapshot belongs to.
func (p *JobItemProgress) ShardingItem() int { return p.shardingItem }

// Status returns the item status captured in the snapshot.
func (p *JobItemProgress) Status() JobItemStatus { return p.status }

// InventoryPositions returns a copy of the captured inventory task positions,
// keyed by task ID.
func (p *JobItemProgress) InventoryPositions() map[string]Position {
	out := make(map[string]Position, len(p.inventory))
	for id, pos := range p.inventory {
		out[id] = pos
	}
	return out
}

// IncrementalPositions returns a copy of the captured incremental task
// positions, keyed by task ID.
func (p *JobItemProgress) IncrementalPositions() map[string]Position {
	out := make(map[string]Position, len(p.incremental))
	for id, pos := range p.incremental {
		out[id] = pos
	}
	return out
}
