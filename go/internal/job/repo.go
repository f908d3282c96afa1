package job

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mcdev12/backbone/go/internal/dbop"
)

// ExecutionStatus is the state of a job_executions row.
type ExecutionStatus string

const (
	ExecutionPending ExecutionStatus = "pending"
	ExecutionRunning ExecutionStatus = "running"
)

// PolledJob is an execution handed to this process by PollDue.
type PolledJob struct {
	ID      JobID
	JobType JobType
	QueueID *string
	Attempt int
	State   json.RawMessage
}

// Execution is the scheduling record of a job that has not completed.
type Execution struct {
	ID        JobID
	JobType   JobType
	QueueID   *string
	State     ExecutionStatus
	Attempt   int
	ExecuteAt time.Time
	AliveAt   time.Time
	Data      json.RawMessage
	CreatedAt time.Time
}

// PollResult is the outcome of one poll.
type PollResult struct {
	Jobs []PolledJob
	// NextDueAt is the earliest execute_at of a pending execution that was
	// not yet due, if any.
	NextDueAt *time.Time
}

// Repo stores jobs, their history and their pending executions.
type Repo interface {
	// CreateInOp stores a new job and schedules its first execution at executeAt.
	// An existing singleton id yields ErrDuplicateUniqueJobType.
	CreateInOp(ctx context.Context, op dbop.Op, job *Job, executeAt time.Time) error
	// ResumeInOp schedules a fresh first attempt of an existing job that has no
	// execution. It reports false when an execution already exists.
	ResumeInOp(ctx context.Context, op dbop.Op, job *Job, executeAt time.Time) (bool, error)
	// UpdateInOp appends the job events not yet stored.
	UpdateInOp(ctx context.Context, op dbop.Op, job *Job) error
	Find(ctx context.Context, id JobID) (*Job, error)
	// FindExecution returns ErrJobNotFound once the job completed or was abandoned.
	FindExecution(ctx context.Context, id JobID) (*Execution, error)

	// PollDue marks up to limit due executions of the given types as running
	// and returns them. Executions sharing a queue id are handed out one at a time.
	PollDue(ctx context.Context, now time.Time, limit int, types []JobType) (PollResult, error)
	KeepAlive(ctx context.Context, ids []JobID, now time.Time) error
	// RescheduleLost returns running executions not kept alive since cutoff to
	// pending with the next attempt index.
	RescheduleLost(ctx context.Context, cutoff, now time.Time) (int, error)

	RescheduleInOp(ctx context.Context, op dbop.Op, id JobID, at time.Time, attempt int) error
	DeleteExecutionInOp(ctx context.Context, op dbop.Op, id JobID) error
	UpdateExecutionStateInOp(ctx context.Context, op dbop.Op, id JobID, state json.RawMessage) error
}
