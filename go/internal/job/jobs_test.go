package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mcdev12/backbone/go/internal/dbop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idleInitializer(jobType JobType) *funcInitializer {
	return &funcInitializer{
		jobType: jobType,
		retry:   RepeatIndefinitely(),
		run: func(ctx context.Context, current *CurrentJob) (JobCompletion, error) {
			return RescheduleIn(time.Hour), nil
		},
	}
}

func TestJobs_AddInitializerAndSpawnUniqueIsIdempotent(t *testing.T) {
	f := newFixture(t)
	init := idleInitializer("outbox-nats-relay")
	config := testConfig{Type: "outbox-nats-relay"}

	for range 3 {
		require.NoError(t, f.jobs.AddInitializerAndSpawnUnique(context.Background(), init, config))
	}

	job, err := f.jobs.Find(context.Background(), UniqueJobID("outbox-nats-relay"))
	require.NoError(t, err)
	assert.Equal(t, JobType("outbox-nats-relay"), job.JobType)
	assert.Len(t, job.Events(), 1)
}

func TestJobs_ConcurrentUniqueSpawnsCreateOneJob(t *testing.T) {
	f := newFixture(t)
	f.jobs.AddInitializer(idleInitializer("interest-sweep"))
	config := testConfig{Type: "interest-sweep"}

	const callers = 16
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		created    int
		duplicates int
	)
	gate := make(chan struct{})
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-gate
			err := dbop.Run(context.Background(), f.db, func(op dbop.Op) error {
				_, err := f.jobs.CreateAndSpawnInOp(context.Background(), op, UniqueJobID(config.JobType()), config)
				return err
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrDuplicateUniqueJobType):
				duplicates++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(gate)
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, callers-1, duplicates)
}

func TestJobs_UniqueSlotFreedByRollback(t *testing.T) {
	f := newFixture(t)
	f.jobs.AddInitializer(idleInitializer("interest-sweep"))
	config := testConfig{Type: "interest-sweep"}

	boom := errors.New("boom")
	err := dbop.Run(context.Background(), f.db, func(op dbop.Op) error {
		if _, err := f.jobs.CreateAndSpawnInOp(context.Background(), op, UniqueJobID(config.JobType()), config); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = f.jobs.Find(context.Background(), UniqueJobID("interest-sweep"))
	require.ErrorIs(t, err, ErrJobNotFound)

	require.NoError(t, f.jobs.AddInitializerAndSpawnUnique(context.Background(), idleInitializer("interest-sweep"), config))
}

func TestJobs_SpawnRequiresInitializer(t *testing.T) {
	f := newFixture(t)
	err := dbop.Run(context.Background(), f.db, func(op dbop.Op) error {
		_, err := f.jobs.CreateAndSpawnInOp(context.Background(), op, NewJobID(), testConfig{Type: "unknown"})
		return err
	})
	require.ErrorIs(t, err, ErrNoInitializerPresent)
}

func TestJobs_CreateAndSpawnAt(t *testing.T) {
	f := newFixture(t)
	f.jobs.AddInitializer(idleInitializer("statement"))

	at := f.clock.Now().Add(24 * time.Hour).UTC()
	var job *Job
	err := dbop.Run(context.Background(), f.db, func(op dbop.Op) error {
		var err error
		job, err = f.jobs.CreateAndSpawnAtInOp(context.Background(), op, NewJobID(), testConfig{Type: "statement", Name: "monthly"}, at)
		return err
	})
	require.NoError(t, err)

	exec, err := f.jobs.FindExecution(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, at, exec.ExecuteAt)
	assert.Equal(t, ExecutionPending, exec.State)
	assert.Equal(t, 1, exec.Attempt)

	stored, err := f.jobs.Find(context.Background(), job.ID)
	require.NoError(t, err)
	cfg, err := DecodeConfig[testConfig](stored)
	require.NoError(t, err)
	assert.Equal(t, "monthly", cfg.Name)
}

func TestJobs_AddInitializerAndSpawnUniqueResumesAbandonedJob(t *testing.T) {
	f := newFixture(t)

	settings := noJitter()
	settings.MaxAttempts = 1
	failing := &funcInitializer{
		jobType: "ledger-export",
		retry:   settings,
		run: func(ctx context.Context, current *CurrentJob) (JobCompletion, error) {
			return JobCompletion{}, errors.New("bucket unavailable")
		},
	}
	config := testConfig{Type: "ledger-export"}
	id := UniqueJobID("ledger-export")

	require.NoError(t, f.jobs.AddInitializerAndSpawnUnique(context.Background(), failing, config))
	f.start(t)
	f.executionGone(t, id)
	f.jobs.Stop()

	require.NoError(t, f.jobs.AddInitializerAndSpawnUnique(context.Background(), idleInitializer("ledger-export"), config))

	exec, err := f.repo.FindExecution(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ExecutionPending, exec.State)
	assert.Equal(t, 1, exec.Attempt)

	stored, err := f.jobs.Find(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ErrorCount())

	// A second boot leaves the pending execution as it is.
	require.NoError(t, f.jobs.AddInitializerAndSpawnUnique(context.Background(), idleInitializer("ledger-export"), config))
	again, err := f.repo.FindExecution(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, exec.CreatedAt, again.CreatedAt)
}

func TestJobs_AddInitializerAndSpawnUniqueSkipsCompletedJob(t *testing.T) {
	f := newFixture(t)
	config := testConfig{Type: "backfill"}
	id := UniqueJobID("backfill")
	once := &funcInitializer{
		jobType: "backfill",
		retry:   DefaultRetrySettings(),
		run: func(ctx context.Context, current *CurrentJob) (JobCompletion, error) {
			return Complete(), nil
		},
	}

	require.NoError(t, f.jobs.AddInitializerAndSpawnUnique(context.Background(), once, config))
	f.start(t)
	f.executionGone(t, id)
	f.jobs.Stop()

	require.NoError(t, f.jobs.AddInitializerAndSpawnUnique(context.Background(), once, config))
	_, err := f.repo.FindExecution(context.Background(), id)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobs_UniqueIDMustMatchConfigType(t *testing.T) {
	f := newFixture(t)
	f.jobs.AddInitializer(idleInitializer("b"))

	err := dbop.Run(context.Background(), f.db, func(op dbop.Op) error {
		_, err := f.jobs.CreateAndSpawnInOp(context.Background(), op, UniqueJobID("a"), testConfig{Type: "b"})
		return err
	})
	require.ErrorIs(t, err, ErrUniqueJobTypeMismatch)

	_, err = f.jobs.Find(context.Background(), UniqueJobID("b"))
	assert.ErrorIs(t, err, ErrJobNotFound)
}
