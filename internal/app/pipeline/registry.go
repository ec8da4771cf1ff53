package pipeline

import (
	"fmt"
	"sync"

	"github.com/ahrav/datashuttle/internal/domain/pipeline"
)

// JobControlRegistry maps job types to their JobControl implementations. The
// tasks runner resolves its control once at construction using the type
// encoded in the job ID.
type JobControlRegistry struct {
	mu       sync.RWMutex
	controls map[pipeline.JobType]pipeline.JobControl
}

// NewJobControlRegistry creates an empty registry.
func NewJobControlRegistry() *JobControlRegistry {
	return &JobControlRegistry{controls: make(map[pipeline.JobType]pipeline.JobControl)}
}

// Register binds a JobControl to a job type, replacing any previous binding.
func (r *JobControlRegistry) Register(jobType pipeline.JobType, control pipeline.JobControl) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.controls[jobType] = control
}

// Resolve returns the JobControl registered for the given job type.
func (r *JobControlRegistry) Resolve(jobType pipeline.JobType) (pipeline.JobControl, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	control, ok := r.controls[jobType]
	if !ok {
		return nil, fmt.Errorf("no job control registered for job type %s", jobType)
	}
	return control, nil
}
