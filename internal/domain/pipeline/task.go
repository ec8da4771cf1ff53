package pipeline

import "context"

// Completion is a single-result channel for one unit of asynchronous task work.
// It yields exactly one value, the terminal error of that unit (nil on success),
// and is then closed by the task. Observers must not assume which goroutine
// produced the value.
type Completion <-chan error

// Task is one unit of work within a phase of a job item. Inventory tasks copy
// a bounded slice of existing data; incremental tasks follow a change stream.
// Implementations are owned by the data plane; the runner only drives the
// lifecycle below.
type Task interface {
	// ID returns a stable identifier for the task, unique within its job item.
	ID() string

	// Position returns the task's current resume point. A FinishedPosition
	// means the task has no remaining work and must not be started.
	Position() Position

	// Start begins the task's work and returns one Completion per internal
	// unit of concurrency. Start does not block on the work itself. The
	// returned channels each deliver exactly one terminal error.
	Start(ctx context.Context) ([]Completion, error)

	// Stop requests the task cease work. It is safe to call on a task that
	// was never started or has already stopped.
	Stop(ctx context.Context) error

	// Close releases the task's resources. Stop should be called first.
	Close(ctx context.Context) error
}
