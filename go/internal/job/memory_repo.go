package job

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/mcdev12/backbone/go/internal/dbop"
)

type memoryJob struct {
	jobType   JobType
	queueID   *string
	createdAt time.Time
	config    json.RawMessage
	events    []Event
}

// MemoryRepo is a Repo held in process memory. Writes made through an op
// become visible when the op commits.
type MemoryRepo struct {
	db         *dbop.MemoryDB
	jobs       map[JobID]*memoryJob
	executions map[JobID]*Execution

	reservedMu sync.Mutex
	reserved   map[JobID]struct{}
}

func NewMemoryRepo(db *dbop.MemoryDB) *MemoryRepo {
	return &MemoryRepo{
		db:         db,
		jobs:       make(map[JobID]*memoryJob),
		executions: make(map[JobID]*Execution),
		reserved:   make(map[JobID]struct{}),
	}
}

func (r *MemoryRepo) CreateInOp(ctx context.Context, op dbop.Op, job *Job, executeAt time.Time) error {
	memOp, err := dbop.MemoryOpOf(op)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := r.reserve(job.ID); err != nil {
		return err
	}
	memOp.OnRelease(func() { r.unreserve(job.ID) })

	now := op.Now()
	events := slices.Clone(job.stampNewEvents(now))
	record := &memoryJob{
		jobType:   job.JobType,
		queueID:   job.QueueID,
		createdAt: job.CreatedAt,
		config:    slices.Clone(job.config),
		events:    events,
	}
	exec := &Execution{
		ID:        job.ID,
		JobType:   job.JobType,
		QueueID:   job.QueueID,
		State:     ExecutionPending,
		Attempt:   1,
		ExecuteAt: executeAt,
		CreatedAt: now,
	}
	memOp.Stage(func() {
		r.jobs[job.ID] = record
		r.executions[job.ID] = exec
	})
	job.markPersisted()
	return nil
}

func (r *MemoryRepo) ResumeInOp(ctx context.Context, op dbop.Op, job *Job, executeAt time.Time) (bool, error) {
	memOp, err := dbop.MemoryOpOf(op)
	if err != nil {
		return false, err
	}

	var exists bool
	r.db.Read(func() { _, exists = r.executions[job.ID] })
	if exists {
		return false, nil
	}

	exec := &Execution{
		ID:        job.ID,
		JobType:   job.JobType,
		QueueID:   job.QueueID,
		State:     ExecutionPending,
		Attempt:   1,
		ExecuteAt: executeAt,
		CreatedAt: op.Now(),
	}
	memOp.Stage(func() {
		if _, ok := r.executions[job.ID]; !ok {
			r.executions[job.ID] = exec
		}
	})
	return true, nil
}

// reserve claims id for an op in flight so concurrent creates conflict
// before either commits.
func (r *MemoryRepo) reserve(id JobID) error {
	r.reservedMu.Lock()
	defer r.reservedMu.Unlock()

	_, taken := r.reserved[id]
	if !taken {
		r.db.Read(func() { _, taken = r.jobs[id] })
	}
	if taken {
		return duplicateError(id)
	}
	r.reserved[id] = struct{}{}
	return nil
}

func (r *MemoryRepo) unreserve(id JobID) {
	r.reservedMu.Lock()
	delete(r.reserved, id)
	r.reservedMu.Unlock()
}

func (r *MemoryRepo) UpdateInOp(ctx context.Context, op dbop.Op, job *Job) error {
	memOp, err := dbop.MemoryOpOf(op)
	if err != nil {
		return err
	}
	events := slices.Clone(job.stampNewEvents(op.Now()))
	if len(events) == 0 {
		return nil
	}
	memOp.Stage(func() {
		if record, ok := r.jobs[job.ID]; ok {
			record.events = append(record.events, events...)
		}
	})
	job.markPersisted()
	return nil
}

func (r *MemoryRepo) Find(ctx context.Context, id JobID) (*Job, error) {
	var job *Job
	r.db.Read(func() {
		record, ok := r.jobs[id]
		if !ok {
			return
		}
		job = rehydrate(id, record.jobType, record.queueID, record.createdAt, slices.Clone(record.config), slices.Clone(record.events))
	})
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, nil
}

func (r *MemoryRepo) FindExecution(ctx context.Context, id JobID) (*Execution, error) {
	var exec *Execution
	r.db.Read(func() {
		if e, ok := r.executions[id]; ok {
			cp := *e
			cp.Data = slices.Clone(e.Data)
			exec = &cp
		}
	})
	if exec == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return exec, nil
}

func (r *MemoryRepo) PollDue(ctx context.Context, now time.Time, limit int, types []JobType) (PollResult, error) {
	if err := ctx.Err(); err != nil {
		return PollResult{}, err
	}

	var res PollResult
	r.db.Write(func() {
		busyQueues := make(map[string]bool)
		var due []*Execution
		for _, e := range r.executions {
			switch {
			case e.State == ExecutionRunning:
				if e.QueueID != nil {
					busyQueues[*e.QueueID] = true
				}
			case !slices.Contains(types, e.JobType):
			case !e.ExecuteAt.After(now):
				due = append(due, e)
			case res.NextDueAt == nil || e.ExecuteAt.Before(*res.NextDueAt):
				at := e.ExecuteAt
				res.NextDueAt = &at
			}
		}

		slices.SortFunc(due, func(a, b *Execution) int {
			return cmp.Or(
				a.ExecuteAt.Compare(b.ExecuteAt),
				a.CreatedAt.Compare(b.CreatedAt),
				cmp.Compare(a.ID, b.ID),
			)
		})

		for _, e := range due {
			if len(res.Jobs) >= limit {
				break
			}
			if e.QueueID != nil {
				if busyQueues[*e.QueueID] {
					continue
				}
				busyQueues[*e.QueueID] = true
			}
			e.State = ExecutionRunning
			e.AliveAt = now
			res.Jobs = append(res.Jobs, PolledJob{
				ID:      e.ID,
				JobType: e.JobType,
				QueueID: e.QueueID,
				Attempt: e.Attempt,
				State:   slices.Clone(e.Data),
			})
		}
	})
	return res, nil
}

func (r *MemoryRepo) KeepAlive(ctx context.Context, ids []JobID, now time.Time) error {
	r.db.Write(func() {
		for _, id := range ids {
			if e, ok := r.executions[id]; ok && e.State == ExecutionRunning {
				e.AliveAt = now
			}
		}
	})
	return nil
}

func (r *MemoryRepo) RescheduleLost(ctx context.Context, cutoff, now time.Time) (int, error) {
	n := 0
	r.db.Write(func() {
		for _, e := range r.executions {
			if e.State == ExecutionRunning && e.AliveAt.Before(cutoff) {
				e.State = ExecutionPending
				e.ExecuteAt = now
				e.Attempt++
				n++
			}
		}
	})
	return n, nil
}

func (r *MemoryRepo) RescheduleInOp(ctx context.Context, op dbop.Op, id JobID, at time.Time, attempt int) error {
	memOp, err := dbop.MemoryOpOf(op)
	if err != nil {
		return err
	}
	memOp.Stage(func() {
		if e, ok := r.executions[id]; ok {
			e.State = ExecutionPending
			e.ExecuteAt = at
			e.Attempt = attempt
		}
	})
	return nil
}

func (r *MemoryRepo) DeleteExecutionInOp(ctx context.Context, op dbop.Op, id JobID) error {
	memOp, err := dbop.MemoryOpOf(op)
	if err != nil {
		return err
	}
	memOp.Stage(func() { delete(r.executions, id) })
	return nil
}

func (r *MemoryRepo) UpdateExecutionStateInOp(ctx context.Context, op dbop.Op, id JobID, state json.RawMessage) error {
	memOp, err := dbop.MemoryOpOf(op)
	if err != nil {
		return err
	}
	data := slices.Clone(state)
	memOp.Stage(func() {
		if e, ok := r.executions[id]; ok {
			e.Data = data
		}
	})
	return nil
}

func duplicateError(id JobID) error {
	if id.IsUnique() {
		return fmt.Errorf("%w: %s", ErrDuplicateUniqueJobType, id)
	}
	return fmt.Errorf("%w: %s", ErrDuplicateJobID, id)
}
