package job

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/backbone/go/internal/dbop"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type testConfig struct {
	Type JobType `json:"-"`
	Name string  `json:"name"`
}

func (c testConfig) JobType() JobType {
	return c.Type
}

type funcInitializer struct {
	jobType JobType
	retry   RetrySettings
	run     func(ctx context.Context, current *CurrentJob) (JobCompletion, error)
}

func (f *funcInitializer) JobType() JobType {
	return f.jobType
}

func (f *funcInitializer) Init(job *Job) (JobRunner, error) {
	return JobRunnerFunc(f.run), nil
}

func (f *funcInitializer) RetryOnErrorSettings() RetrySettings {
	return f.retry
}

func noJitter() RetrySettings {
	return RetrySettings{
		MaxAttempts:  3,
		WarnAttempts: 1,
		MinBackoff:   10 * time.Second,
		MaxBackoff:   time.Minute,
	}
}

type fixture struct {
	clock *clockwork.FakeClock
	db    *dbop.MemoryDB
	repo  *MemoryRepo
	jobs  *Jobs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	db := dbop.NewMemoryDB(clock)
	repo := NewMemoryRepo(db)
	jobs := New(db, repo, ExecutorConfig{JobLostInterval: time.Hour, PollInterval: time.Hour}, WithClock(clock))
	return &fixture{clock: clock, db: db, repo: repo, jobs: jobs}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.jobs.Start(context.Background()))
	t.Cleanup(f.jobs.Stop)
}

func (f *fixture) spawn(t *testing.T, config JobConfig, opts ...SpawnOption) *Job {
	t.Helper()
	var job *Job
	err := dbop.Run(context.Background(), f.db, func(op dbop.Op) error {
		var err error
		job, err = f.jobs.CreateAndSpawnInOp(context.Background(), op, NewJobID(), config, opts...)
		return err
	})
	require.NoError(t, err)
	return job
}

// pendingExecution waits for the execution of id to be pending and to match cond.
func (f *fixture) pendingExecution(t *testing.T, id JobID, cond func(*Execution) bool) *Execution {
	t.Helper()
	var exec *Execution
	require.Eventually(t, func() bool {
		e, err := f.repo.FindExecution(context.Background(), id)
		if err != nil || e.State != ExecutionPending || !cond(e) {
			return false
		}
		exec = e
		return true
	}, waitFor, tick)
	return exec
}

func (f *fixture) executionGone(t *testing.T, id JobID) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := f.repo.FindExecution(context.Background(), id)
		return err != nil
	}, waitFor, tick)
}
