package job

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	idPrefix     = "id:"
	uniquePrefix = "unique:"
)

// JobType names a kind of job and selects its initializer.
type JobType string

func (t JobType) String() string {
	return string(t)
}

// JobID identifies a job. One-off jobs get a random id; singletons use the
// canonical id of their job type so that at most one exists.
type JobID string

// NewJobID returns a fresh random id.
func NewJobID() JobID {
	return JobID(idPrefix + uuid.NewString())
}

// JobIDFromUUID wraps an existing uuid, typically the id of the aggregate the job works on.
func JobIDFromUUID(id uuid.UUID) JobID {
	return JobID(idPrefix + id.String())
}

// UniqueJobID returns the singleton id for jobType.
func UniqueJobID(jobType JobType) JobID {
	return JobID(uniquePrefix + string(jobType))
}

// ParseJobID validates the string form of a job id.
func ParseJobID(s string) (JobID, error) {
	switch {
	case strings.HasPrefix(s, idPrefix):
		if _, err := uuid.Parse(strings.TrimPrefix(s, idPrefix)); err != nil {
			return "", fmt.Errorf("%w: %q: %v", ErrInvalidJobID, s, err)
		}
	case strings.HasPrefix(s, uniquePrefix):
		if strings.TrimPrefix(s, uniquePrefix) == "" {
			return "", fmt.Errorf("%w: %q: empty job type", ErrInvalidJobID, s)
		}
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidJobID, s)
	}
	return JobID(s), nil
}

func (id JobID) IsUnique() bool {
	return strings.HasPrefix(string(id), uniquePrefix)
}

func (id JobID) String() string {
	return string(id)
}
