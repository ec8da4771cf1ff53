package pipeline

import "fmt"

// JobItemStatus represents the execution state of a single job shard as it moves
// through the inventory and incremental phases. It is persisted to the control
// plane so schedulers can observe per-shard progress.
type JobItemStatus string

const (
	// JobItemStatusPreparing indicates a job item is being prepared and has not
	// launched any tasks yet.
	JobItemStatusPreparing JobItemStatus = "PREPARING"

	// JobItemStatusPreparingFailure indicates preparation failed before any
	// phase could start.
	JobItemStatusPreparingFailure JobItemStatus = "PREPARING_FAILURE"

	// JobItemStatusExecuteInventoryTask indicates the bulk inventory phase is running.
	JobItemStatusExecuteInventoryTask JobItemStatus = "EXECUTE_INVENTORY_TASK"

	// JobItemStatusExecuteInventoryTaskFailure indicates an inventory task failed.
	// Terminal for the item until externally reset.
	JobItemStatusExecuteInventoryTaskFailure JobItemStatus = "EXECUTE_INVENTORY_TASK_FAILURE"

	// JobItemStatusExecuteIncrementalTask indicates the change-capture phase is running.
	JobItemStatusExecuteIncrementalTask JobItemStatus = "EXECUTE_INCREMENTAL_TASK"

	// JobItemStatusExecuteIncrementalTaskFailure indicates an incremental task failed.
	// Terminal for the item until externally reset.
	JobItemStatusExecuteIncrementalTaskFailure JobItemStatus = "EXECUTE_INCREMENTAL_TASK_FAILURE"

	// JobItemStatusFinished indicates the item completed all of its work.
	JobItemStatusFinished JobItemStatus = "FINISHED"

	// JobItemStatusUnspecified is used when a job item status is unknown.
	JobItemStatusUnspecified JobItemStatus = "UNSPECIFIED"
)

// String returns the string representation of the JobItemStatus.
func (s JobItemStatus) String() string { return string(s) }

// IsFailure reports whether the status is one of the failure states.
func (s JobItemStatus) IsFailure() bool {
	return s == JobItemStatusPreparingFailure ||
		s == JobItemStatusExecuteInventoryTaskFailure ||
		s == JobItemStatusExecuteIncrementalTaskFailure
}

// IsTerminal reports whether the status admits no further transitions within a run.
func (s JobItemStatus) IsTerminal() bool {
	return s.IsFailure() || s == JobItemStatusFinished
}

// ParseJobItemStatus converts a string to a JobItemStatus.
func ParseJobItemStatus(s string) JobItemStatus {
	switch JobItemStatus(s) {
	case JobItemStatusPreparing,
		JobItemStatusPreparingFailure,
		JobItemStatusExecuteInventoryTask,
		JobItemStatusExecuteInventoryTaskFailure,
		JobItemStatusExecuteIncrementalTask,
		JobItemStatusExecuteIncrementalTaskFailure,
		JobItemStatusFinished:
		return JobItemStatus(s)
	default:
		return JobItemStatusUnspecified
	}
}

// ValidateTransition checks if a status transition is valid and returns an error if not.
func (s JobItemStatus) ValidateTransition(target JobItemStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid job item status transition from %s to %s", s, target)
	}
	return nil
}

// isValidTransition checks if the current status can transition to the target status.
// It enforces the item lifecycle rules: inventory precedes incremental, failure
// states are terminal, and incremental is never re-entered from a later state.
func (s JobItemStatus) isValidTransition(target JobItemStatus) bool {
	switch s {
	case JobItemStatusPreparing:
		return target == JobItemStatusExecuteInventoryTask ||
			target == JobItemStatusExecuteIncrementalTask ||
			target == JobItemStatusPreparingFailure
	case JobItemStatusExecuteInventoryTask:
		return target == JobItemStatusExecuteIncrementalTask ||
			target == JobItemStatusExecuteInventoryTaskFailure ||
			target == JobItemStatusFinished
	case JobItemStatusExecuteIncrementalTask:
		return target == JobItemStatusExecuteIncrementalTaskFailure ||
			target == JobItemStatusFinished
	case JobItemStatusPreparingFailure,
		JobItemStatusExecuteInventoryTaskFailure,
		JobItemStatusExecuteIncrementalTaskFailure,
		JobItemStatusFinished:
		// Terminal states - no further transitions allowed.
		return false
	default:
		return false
	}
}
