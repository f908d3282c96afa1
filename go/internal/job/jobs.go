package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/backbone/go/internal/dbop"
	"github.com/rs/zerolog/log"
)

// Jobs is the entry point for registering job types and spawning jobs.
type Jobs struct {
	beginner dbop.Beginner
	repo     Repo
	registry *Registry
	executor *Executor
	clock    clockwork.Clock
}

type Option func(*Jobs)

func WithClock(c clockwork.Clock) Option {
	return func(j *Jobs) { j.clock = c }
}

func New(beginner dbop.Beginner, repo Repo, cfg ExecutorConfig, opts ...Option) *Jobs {
	j := &Jobs{
		beginner: beginner,
		repo:     repo,
		registry: NewRegistry(),
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.executor = NewExecutor(beginner, repo, j.registry, cfg, j.clock)
	return j
}

// SpawnOption customises a spawned job.
type SpawnOption func(*JobBuilder)

// WithQueueID serialises the job with every other job sharing q.
func WithQueueID(q string) SpawnOption {
	return func(b *JobBuilder) { b.QueueID(q) }
}

func (j *Jobs) AddInitializer(init JobInitializer) {
	j.registry.Add(init)
}

// AddInitializerAndSpawnUnique registers init and makes sure the singleton
// job of its type is scheduled. Calling it on every boot is safe: a pending,
// running or completed singleton is left alone, an abandoned one gets a fresh
// first attempt.
func (j *Jobs) AddInitializerAndSpawnUnique(ctx context.Context, init JobInitializer, config JobConfig) error {
	j.AddInitializer(init)

	id := UniqueJobID(config.JobType())
	err := dbop.Run(ctx, j.beginner, func(op dbop.Op) error {
		_, err := j.spawn(ctx, op, id, config, op.Now(), nil)
		return err
	})
	if !errors.Is(err, ErrDuplicateUniqueJobType) {
		return err
	}

	existing, err := j.repo.Find(ctx, id)
	if err != nil {
		return err
	}
	if existing.IsCompleted() {
		log.Debug().Str("job_type", config.JobType().String()).Msg("Unique job already completed")
		return nil
	}

	var resumed bool
	err = dbop.Run(ctx, j.beginner, func(op dbop.Op) error {
		var err error
		resumed, err = j.repo.ResumeInOp(ctx, op, existing, op.Now())
		if err != nil {
			return err
		}
		if resumed {
			op.AfterCommit(j.executor.Wake)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if resumed {
		log.Info().Str("job_id", id.String()).Msg("Resumed abandoned unique job")
	} else {
		log.Debug().Str("job_type", config.JobType().String()).Msg("Unique job already scheduled")
	}
	return nil
}

// CreateAndSpawnInOp stores a job that runs as soon as op commits.
func (j *Jobs) CreateAndSpawnInOp(ctx context.Context, op dbop.Op, id JobID, config JobConfig, opts ...SpawnOption) (*Job, error) {
	return j.spawn(ctx, op, id, config, op.Now(), opts)
}

// CreateAndSpawnAtInOp stores a job whose first run is at scheduleAt.
func (j *Jobs) CreateAndSpawnAtInOp(ctx context.Context, op dbop.Op, id JobID, config JobConfig, scheduleAt time.Time, opts ...SpawnOption) (*Job, error) {
	return j.spawn(ctx, op, id, config, scheduleAt, opts)
}

func (j *Jobs) spawn(ctx context.Context, op dbop.Op, id JobID, config JobConfig, at time.Time, opts []SpawnOption) (*Job, error) {
	jobType := config.JobType()
	if !j.registry.Has(jobType) {
		return nil, fmt.Errorf("%w: %s", ErrNoInitializerPresent, jobType)
	}

	b := NewJobBuilder().JobType(jobType).Config(config)
	if id.IsUnique() {
		if id != UniqueJobID(jobType) {
			return nil, fmt.Errorf("%w: %s for job type %s", ErrUniqueJobTypeMismatch, id, jobType)
		}
		b.UniquePerType(true)
	} else {
		b.ID(id)
	}
	for _, opt := range opts {
		opt(b)
	}
	job, err := b.Build()
	if err != nil {
		return nil, err
	}

	if err := j.repo.CreateInOp(ctx, op, job, at); err != nil {
		return nil, err
	}
	if !at.After(op.Now()) {
		op.AfterCommit(j.executor.Wake)
	}
	return job, nil
}

func (j *Jobs) Find(ctx context.Context, id JobID) (*Job, error) {
	return j.repo.Find(ctx, id)
}

func (j *Jobs) FindExecution(ctx context.Context, id JobID) (*Execution, error) {
	return j.repo.FindExecution(ctx, id)
}

func (j *Jobs) BeginOp(ctx context.Context) (dbop.Op, error) {
	return j.beginner.BeginOp(ctx)
}

// Executor exposes the executor, e.g. to register it for wake-up notifications.
func (j *Jobs) Executor() *Executor {
	return j.executor
}

func (j *Jobs) Start(ctx context.Context) error {
	return j.executor.Start(ctx)
}

func (j *Jobs) Stop() {
	j.executor.Stop()
}

func (j *Jobs) Running() bool {
	return j.executor.Running()
}
