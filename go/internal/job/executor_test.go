package job

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mcdev12/backbone/go/internal/dbop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_RescheduleInWaitsForClock(t *testing.T) {
	f := newFixture(t)

	var attempts atomic.Int32
	f.jobs.AddInitializer(&funcInitializer{
		jobType: "interest-accrual",
		retry:   noJitter(),
		run: func(ctx context.Context, current *CurrentJob) (JobCompletion, error) {
			if attempts.Add(1) == 1 {
				return RescheduleIn(60 * time.Second), nil
			}
			return Complete(), nil
		},
	})

	start := f.clock.Now().UTC()
	job := f.spawn(t, testConfig{Type: "interest-accrual"})
	f.start(t)

	exec := f.pendingExecution(t, job.ID, func(e *Execution) bool {
		return e.ExecuteAt.After(start)
	})
	require.Equal(t, int32(1), attempts.Load())
	assert.Equal(t, start.Add(60*time.Second), exec.ExecuteAt)
	assert.Equal(t, 1, exec.Attempt)

	f.clock.Advance(59 * time.Second)
	require.Never(t, func() bool { return attempts.Load() > 1 }, 200*time.Millisecond, tick)

	f.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return attempts.Load() == 2 }, waitFor, tick)

	f.executionGone(t, job.ID)
	stored, err := f.jobs.Find(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsCompleted())
}

type cursorState struct {
	LastCursor int `json:"last_cursor"`
}

type checkpointRunner struct {
	seen chan<- cursorState
}

func (r *checkpointRunner) Run(ctx context.Context, current *CurrentJob) (JobCompletion, error) {
	state, ok, err := ExecutionState[cursorState](current)
	if err != nil {
		return JobCompletion{}, err
	}
	if !ok {
		op, err := current.BeginOp(ctx)
		if err != nil {
			return JobCompletion{}, err
		}
		if err := current.UpdateExecutionStateInOp(ctx, op, cursorState{LastCursor: 42}); err != nil {
			_ = op.Rollback(ctx)
			return JobCompletion{}, err
		}
		return RescheduleNowWithOp(op), nil
	}
	r.seen <- state
	return Complete(), nil
}

type checkpointInitializer struct {
	instances atomic.Int32
	seen      chan cursorState
}

func (i *checkpointInitializer) JobType() JobType { return "checkpoint" }

func (i *checkpointInitializer) Init(job *Job) (JobRunner, error) {
	i.instances.Add(1)
	return &checkpointRunner{seen: i.seen}, nil
}

func TestExecutor_ExecutionStateSurvivesRunners(t *testing.T) {
	f := newFixture(t)
	init := &checkpointInitializer{seen: make(chan cursorState, 1)}
	f.jobs.AddInitializer(init)

	job := f.spawn(t, testConfig{Type: "checkpoint"})
	f.start(t)

	select {
	case state := <-init.seen:
		assert.Equal(t, 42, state.LastCursor)
	case <-time.After(waitFor):
		t.Fatal("second run never happened")
	}
	assert.Equal(t, int32(2), init.instances.Load())
	f.executionGone(t, job.ID)
}

func TestExecutor_FailedRunIsRecordedAndRetried(t *testing.T) {
	f := newFixture(t)

	var attempts atomic.Int32
	var seenAttempts sync.Map
	f.jobs.AddInitializer(&funcInitializer{
		jobType: "flaky",
		retry:   noJitter(),
		run: func(ctx context.Context, current *CurrentJob) (JobCompletion, error) {
			n := attempts.Add(1)
			seenAttempts.Store(n, current.Attempt())
			if n == 1 {
				return JobCompletion{}, errors.New("ledger unavailable")
			}
			return Complete(), nil
		},
	})

	start := f.clock.Now().UTC()
	job := f.spawn(t, testConfig{Type: "flaky"})
	f.start(t)

	exec := f.pendingExecution(t, job.ID, func(e *Execution) bool {
		return e.Attempt == 2
	})
	assert.Equal(t, start.Add(10*time.Second), exec.ExecuteAt)

	stored, err := f.jobs.Find(context.Background(), job.ID)
	require.NoError(t, err)
	last, ok := stored.LastError()
	require.True(t, ok)
	assert.Equal(t, "ledger unavailable", last)

	f.clock.Advance(10 * time.Second)
	f.executionGone(t, job.ID)

	second, _ := seenAttempts.Load(int32(2))
	assert.Equal(t, 2, second)

	stored, err = f.jobs.Find(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsCompleted())
	assert.Equal(t, 1, stored.ErrorCount())
}

func TestExecutor_AbandonsAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)

	settings := noJitter()
	settings.MaxAttempts = 1
	f.jobs.AddInitializer(&funcInitializer{
		jobType: "doomed",
		retry:   settings,
		run: func(ctx context.Context, current *CurrentJob) (JobCompletion, error) {
			panic("nil ledger")
		},
	})

	job := f.spawn(t, testConfig{Type: "doomed"})
	f.start(t)
	f.executionGone(t, job.ID)

	stored, err := f.jobs.Find(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsCompleted())
	last, ok := stored.LastError()
	require.True(t, ok)
	assert.Contains(t, last, "panicked")
	assert.Contains(t, last, "nil ledger")
}

func TestExecutor_SerializesQueue(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	running := map[string]int{}
	maxConcurrent := map[string]int{}
	release := make(chan struct{})
	var started atomic.Int32

	f.jobs.AddInitializer(&funcInitializer{
		jobType: "queued",
		retry:   noJitter(),
		run: func(ctx context.Context, current *CurrentJob) (JobCompletion, error) {
			job, err := f.jobs.Find(ctx, current.ID())
			if err != nil {
				return JobCompletion{}, err
			}
			q := *job.QueueID

			mu.Lock()
			running[q]++
			maxConcurrent[q] = max(maxConcurrent[q], running[q])
			mu.Unlock()
			started.Add(1)

			<-release

			mu.Lock()
			running[q]--
			mu.Unlock()
			return Complete(), nil
		},
	})

	a1 := f.spawn(t, testConfig{Type: "queued"}, WithQueueID("facility-a"))
	a2 := f.spawn(t, testConfig{Type: "queued"}, WithQueueID("facility-a"))
	b1 := f.spawn(t, testConfig{Type: "queued"}, WithQueueID("facility-b"))
	f.start(t)

	// One job per queue starts; the second job of facility-a waits.
	require.Eventually(t, func() bool { return started.Load() == 2 }, waitFor, tick)
	require.Never(t, func() bool { return started.Load() > 2 }, 200*time.Millisecond, tick)

	close(release)
	for _, job := range []*Job{a1, a2, b1} {
		f.executionGone(t, job.ID)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxConcurrent["facility-a"])
	assert.Equal(t, 1, maxConcurrent["facility-b"])
	assert.Equal(t, int32(3), started.Load())
}

func TestExecutor_CompleteWithOpCommitsCallerWrites(t *testing.T) {
	f := newFixture(t)

	var followUp JobID
	followUpRan := make(chan struct{}, 1)
	f.jobs.AddInitializer(&funcInitializer{
		jobType: "follow-up",
		retry:   noJitter(),
		run: func(ctx context.Context, current *CurrentJob) (JobCompletion, error) {
			followUpRan <- struct{}{}
			return Complete(), nil
		},
	})
	f.jobs.AddInitializer(&funcInitializer{
		jobType: "parent",
		retry:   noJitter(),
		run: func(ctx context.Context, current *CurrentJob) (JobCompletion, error) {
			op, err := current.BeginOp(ctx)
			if err != nil {
				return JobCompletion{}, err
			}
			job, err := f.jobs.CreateAndSpawnInOp(ctx, op, NewJobID(), testConfig{Type: "follow-up"})
			if err != nil {
				_ = op.Rollback(ctx)
				return JobCompletion{}, err
			}
			followUp = job.ID
			return CompleteWithOp(op), nil
		},
	})

	parent := f.spawn(t, testConfig{Type: "parent"})
	f.start(t)

	select {
	case <-followUpRan:
	case <-time.After(waitFor):
		t.Fatal("follow-up job never ran")
	}
	f.executionGone(t, parent.ID)
	f.executionGone(t, followUp)

	stored, err := f.jobs.Find(context.Background(), parent.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsCompleted())
}

func TestExecutor_DropsExecutionOfCompletedJob(t *testing.T) {
	f := newFixture(t)

	var ran atomic.Bool
	f.jobs.AddInitializer(&funcInitializer{
		jobType: "once",
		retry:   noJitter(),
		run: func(ctx context.Context, current *CurrentJob) (JobCompletion, error) {
			ran.Store(true)
			return Complete(), nil
		},
	})
	job := f.spawn(t, testConfig{Type: "once"})

	err := dbop.Run(context.Background(), f.db, func(op dbop.Op) error {
		stored, err := f.repo.Find(context.Background(), job.ID)
		if err != nil {
			return err
		}
		stored.Completed()
		return f.repo.UpdateInOp(context.Background(), op, stored)
	})
	require.NoError(t, err)

	f.start(t)
	f.executionGone(t, job.ID)
	assert.False(t, ran.Load())
}

func TestExecutor_StartTwice(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	require.ErrorIs(t, f.jobs.Start(context.Background()), ErrExecutorRunning)
	assert.True(t, f.jobs.Running())
}

func TestExecutor_LeavesUnregisteredTypesAlone(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.jobs.AddInitializerAndSpawnUnique(context.Background(), idleInitializer("relay"), testConfig{Type: "relay"}))

	// A second process on the same store that never registered "relay".
	other := New(f.db, f.repo, ExecutorConfig{JobLostInterval: time.Hour, PollInterval: time.Minute}, WithClock(f.clock))
	require.NoError(t, other.Start(context.Background()))
	t.Cleanup(other.Stop)

	for range 5 {
		f.clock.Advance(time.Minute)
		require.Never(t, func() bool {
			exec, err := f.repo.FindExecution(context.Background(), UniqueJobID("relay"))
			return err != nil || exec.State != ExecutionPending
		}, 50*time.Millisecond, tick)
	}

	exec, err := f.repo.FindExecution(context.Background(), UniqueJobID("relay"))
	require.NoError(t, err)
	assert.Equal(t, 1, exec.Attempt)
	stored, err := f.jobs.Find(context.Background(), UniqueJobID("relay"))
	require.NoError(t, err)
	assert.Zero(t, stored.ErrorCount())
}
