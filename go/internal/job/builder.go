package job

import (
	"encoding/json"
	"errors"
	"fmt"
)

// JobBuilder assembles a new Job. Errors are collected and returned by Build.
type JobBuilder struct {
	id      JobID
	unique  bool
	jobType JobType
	config  json.RawMessage
	queueID *string
	errs    []error
}

func NewJobBuilder() *JobBuilder {
	return &JobBuilder{}
}

func (b *JobBuilder) ID(id JobID) *JobBuilder {
	b.id = id
	return b
}

// UniquePerType makes the job a singleton of its type; any ID set is ignored.
func (b *JobBuilder) UniquePerType(unique bool) *JobBuilder {
	b.unique = unique
	return b
}

func (b *JobBuilder) JobType(t JobType) *JobBuilder {
	b.jobType = t
	return b
}

func (b *JobBuilder) Config(v any) *JobBuilder {
	data, err := json.Marshal(v)
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("%w: %v", ErrConfigEncode, err))
		return b
	}
	b.config = data
	return b
}

func (b *JobBuilder) QueueID(q string) *JobBuilder {
	if q != "" {
		b.queueID = &q
	}
	return b
}

// Build returns the job with its Initialized event. Timestamps are set when
// the job is stored.
func (b *JobBuilder) Build() (*Job, error) {
	if b.jobType == "" {
		b.errs = append(b.errs, ErrMissingJobType)
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}

	id := b.id
	switch {
	case b.unique:
		id = UniqueJobID(b.jobType)
	case id == "":
		id = NewJobID()
	}

	config := b.config
	if config == nil {
		config = json.RawMessage("null")
	}

	return &Job{
		ID:        id,
		JobType:   b.jobType,
		QueueID:   b.queueID,
		config:    config,
		events:    []Event{{Type: EventInitialized}},
	}, nil
}
