package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// JobType identifies the kind of pipeline job a job ID belongs to. The type
// selects the job control implementation used to persist and publish the
// item's lifecycle.
type JobType string

const (
	// JobTypeMigration is a bounded snapshot-plus-catchup migration between stores.
	JobTypeMigration JobType = "MIGRATION"

	// JobTypeStreaming is an open-ended change-capture pipeline.
	JobTypeStreaming JobType = "STREAMING"
)

// String returns the string representation of the JobType.
func (t JobType) String() string { return string(t) }

// Code returns the two-digit code embedded in job IDs for this type.
func (t JobType) Code() string {
	switch t {
	case JobTypeMigration:
		return "01"
	case JobTypeStreaming:
		return "02"
	default:
		return "00"
	}
}

// jobIDPrefix marks a string as a pipeline job ID. Job IDs are formatted as
// "p" + two-digit type code + an opaque suffix chosen by the job creator.
const jobIDPrefix = "p"

// ErrInvalidJobID is returned when a job ID does not carry a recognizable
// pipeline type code.
var ErrInvalidJobID = errors.New("invalid pipeline job id")

// NewJobID builds a job ID for the given type from an opaque suffix.
func NewJobID(t JobType, suffix string) string {
	return jobIDPrefix + t.Code() + suffix
}

// ParseJobTypeFromID extracts the JobType encoded in a job ID. This is the
// pure lookup used once at runner construction to select the job control
// implementation for the job.
func ParseJobTypeFromID(jobID string) (JobType, error) {
	if len(jobID) < 3 || !strings.HasPrefix(jobID, jobIDPrefix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	switch jobID[1:3] {
	case JobTypeMigration.Code():
		return JobTypeMigration, nil
	case JobTypeStreaming.Code():
		return JobTypeStreaming, nil
	default:
		return "", fmt.Errorf("%w: unknown type code %q", ErrInvalidJobID, jobID[1:3])
	}
}
