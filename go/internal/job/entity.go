package job

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventInitialized EventType = "initialized"
	EventErrored     EventType = "errored"
	EventCompleted   EventType = "completed"
)

// Event is one entry in a job's history.
type Event struct {
	Type       EventType `json:"type"`
	Error      string    `json:"error,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Job is a schedulable unit of background work. Its history is append-only;
// the current state is derived from the events.
type Job struct {
	ID        JobID
	JobType   JobType
	QueueID   *string
	CreatedAt time.Time

	config    json.RawMessage
	events    []Event
	persisted int
}

// Config returns the serialized job config.
func (j *Job) Config() json.RawMessage {
	return j.config
}

func (j *Job) Events() []Event {
	out := make([]Event, len(j.events))
	copy(out, j.events)
	return out
}

// Completed records the terminal Completed event. It does not check for a
// previous completion; callers use IsCompleted for that.
func (j *Job) Completed() {
	j.events = append(j.events, Event{Type: EventCompleted})
}

// Fail records a non-terminal error.
func (j *Job) Fail(err error) {
	j.events = append(j.events, Event{Type: EventErrored, Error: err.Error()})
}

func (j *Job) IsCompleted() bool {
	for _, e := range j.events {
		if e.Type == EventCompleted {
			return true
		}
	}
	return false
}

// ErrorCount returns how many times the job has errored.
func (j *Job) ErrorCount() int {
	n := 0
	for _, e := range j.events {
		if e.Type == EventErrored {
			n++
		}
	}
	return n
}

// LastError returns the most recent recorded error, if any.
func (j *Job) LastError() (string, bool) {
	for i := len(j.events) - 1; i >= 0; i-- {
		if j.events[i].Type == EventErrored {
			return j.events[i].Error, true
		}
	}
	return "", false
}

// stampNewEvents sets the record time of the events not yet written to
// storage and returns them.
func (j *Job) stampNewEvents(at time.Time) []Event {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = at
	}
	pending := j.events[j.persisted:]
	for i := range pending {
		pending[i].RecordedAt = at
	}
	return pending
}

func (j *Job) markPersisted() {
	j.persisted = len(j.events)
}

// DecodeConfig unmarshals the job config into T.
func DecodeConfig[T any](j *Job) (T, error) {
	var cfg T
	if err := json.Unmarshal(j.config, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: job %s (%s): %v", ErrConfigDecode, j.ID, j.JobType, err)
	}
	return cfg, nil
}

// rehydrate rebuilds a job loaded from storage.
func rehydrate(id JobID, jobType JobType, queueID *string, createdAt time.Time, config json.RawMessage, events []Event) *Job {
	return &Job{
		ID:        id,
		JobType:   jobType,
		QueueID:   queueID,
		CreatedAt: createdAt,
		config:    config,
		events:    events,
		persisted: len(events),
	}
}
