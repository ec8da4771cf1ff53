// Package loopback provides synthetic in-process tasks that exercise the full
// runner lifecycle without an external data plane. Inventory tasks walk a
// primary key range on a timer; incremental tasks follow an endless synthetic
// change feed. They are used by the demo runner binary and in tests.
package loopback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ahrav/datashuttle/internal/domain/pipeline"
)

var _ pipeline.Task = (*InventoryTask)(nil)

// InventoryTask copies a synthetic primary key range in batches. Each tick
// advances the position by batchSize until the range is exhausted, at which
// point the position becomes finished.
type InventoryTask struct {
	id        string
	batchSize int64
	interval  time.Duration

	mu  sync.Mutex
	pos pipeline.Position

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewInventoryTask creates an inventory task resuming from the given position.
func NewInventoryTask(id string, pos pipeline.Position, batchSize int64, interval time.Duration) *InventoryTask {
	return &InventoryTask{
		id:        id,
		batchSize: batchSize,
		interval:  interval,
		pos:       pos,
		stopCh:    make(chan struct{}),
	}
}

// ID returns the task identifier.
func (t *InventoryTask) ID() string { return t.id }

// Position returns the task's current resume point.
func (t *InventoryTask) Position() pipeline.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pos
}

// Start begins copying batches on a timer. It returns a single completion that
// settles with nil when the range is exhausted or the task is stopped.
func (t *InventoryTask) Start(ctx context.Context) ([]pipeline.Completion, error) {
	if pipeline.IsFinished(t.Position()) {
		return nil, fmt.Errorf("inventory task %s is already finished", t.id)
	}

	done := make(chan error, 1)
	go func() {
		defer close(done)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stopCh:
				done <- nil
				return
			case <-ctx.Done():
				done <- nil
				return
			case <-ticker.C:
				if t.advance() {
					done <- nil
					return
				}
			}
		}
	}()
	return []pipeline.Completion{done}, nil
}

// advance copies one batch and reports whether the range is exhausted.
func (t *InventoryTask) advance() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	pk, ok := t.pos.(pipeline.PrimaryKeyPosition)
	if !ok {
		t.pos = pipeline.FinishedPosition{}
		return true
	}
	pk.Begin += t.batchSize
	if pk.Begin > pk.End {
		t.pos = pipeline.FinishedPosition{}
		return true
	}
	t.pos = pk
	return false
}

// Stop requests the task cease copying. Safe to call more than once.
func (t *InventoryTask) Stop(context.Context) error {
	t.stopOnce.Do(func() { close(t.stopCh) })
	return nil
}

// Close releases the task's resources.
func (t *InventoryTask) Close(context.Context) error { return nil }

var _ pipeline.Task = (*IncrementalTask)(nil)

// IncrementalTask follows a synthetic change feed, advancing its log position
// on every tick. It runs until stopped.
type IncrementalTask struct {
	id       string
	interval time.Duration

	mu  sync.Mutex
	pos pipeline.LogPosition

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewIncrementalTask creates an incremental task resuming from the given log position.
func NewIncrementalTask(id string, pos pipeline.LogPosition, interval time.Duration) *IncrementalTask {
	return &IncrementalTask{
		id:       id,
		interval: interval,
		pos:      pos,
		stopCh:   make(chan struct{}),
	}
}

// ID returns the task identifier.
func (t *IncrementalTask) ID() string { return t.id }

// Position returns the task's current resume point.
func (t *IncrementalTask) Position() pipeline.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pos
}

// Start begins following the change feed. The returned completion settles with
// nil once the task is stopped.
func (t *IncrementalTask) Start(ctx context.Context) ([]pipeline.Completion, error) {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stopCh:
				done <- nil
				return
			case <-ctx.Done():
				done <- nil
				return
			case <-ticker.C:
				t.mu.Lock()
				t.pos.Sequence++
				t.mu.Unlock()
			}
		}
	}()
	return []pipeline.Completion{done}, nil
}

// Stop requests the task cease following the feed. Safe to call more than once.
func (t *IncrementalTask) Stop(context.Context) error {
	t.stopOnce.Do(func() { close(t.stopCh) })
	return nil
}

// Close releases the task's resources.
func (t *IncrementalTask) Close(context.Context) error { return nil }
