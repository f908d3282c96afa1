package job

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/backbone/go/internal/backoff"
	"github.com/mcdev12/backbone/go/internal/dbop"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxWait          = 60 * time.Second
	pollFailureDelay = 50 * time.Millisecond
	releaseTimeout   = 5 * time.Second
)

// Executor polls due executions and runs them, at most MaxJobsPerProcess at a time.
type Executor struct {
	cfg      ExecutorConfig
	beginner dbop.Beginner
	repo     Repo
	registry *Registry
	tracker  *tracker
	clock    clockwork.Clock
	tracer   trace.Tracer

	mu      sync.Mutex
	running map[JobID]struct{}

	started atomic.Bool
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	jobs    sync.WaitGroup
}

func NewExecutor(beginner dbop.Beginner, repo Repo, registry *Registry, cfg ExecutorConfig, clock clockwork.Clock) *Executor {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Executor{
		cfg:      cfg,
		beginner: beginner,
		repo:     repo,
		registry: registry,
		tracker:  newTracker(cfg.MinJobsPerProcess, cfg.MaxJobsPerProcess),
		clock:    clock,
		tracer:   otel.Tracer("github.com/mcdev12/backbone/job"),
		running:  make(map[JobID]struct{}),
	}
}

// Start launches the poll loop, the keep-alive loop and the lost-job handler.
func (e *Executor) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrExecutorRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.loops.Add(3)
	go e.mainLoop(ctx)
	go e.keepAliveLoop(ctx)
	go e.lostJobLoop(ctx)

	types := e.registry.Types()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = t.String()
	}
	log.Info().
		Strs("job_types", names).
		Int("max_jobs", e.cfg.MaxJobsPerProcess).
		Int("min_jobs", e.cfg.MinJobsPerProcess).
		Dur("job_lost_interval", e.cfg.JobLostInterval).
		Msg("Job executor started")
	return nil
}

// Stop cancels running jobs and waits for every goroutine to return.
func (e *Executor) Stop() {
	if !e.started.Load() {
		return
	}
	e.cancel()
	e.loops.Wait()
	e.jobs.Wait()
	e.started.Store(false)
	log.Info().Msg("Job executor stopped")
}

func (e *Executor) Running() bool {
	return e.started.Load()
}

// RunningJobs returns the number of jobs currently executing in this process.
func (e *Executor) RunningJobs() int {
	return e.tracker.runningJobs()
}

// Wake makes the poll loop look for due executions now.
func (e *Executor) Wake() {
	e.tracker.wake()
}

// HandleNotification wakes the executor when another process scheduled work.
func (e *Executor) HandleNotification(ctx context.Context, payload string) error {
	e.Wake()
	return nil
}

func (e *Executor) Fallback(ctx context.Context) error {
	e.Wake()
	return nil
}

func (e *Executor) mainLoop(ctx context.Context) {
	defer e.loops.Done()

	failures := 0
	for {
		timeout := maxWait
		if n, ok := e.tracker.nextBatchSize(); ok {
			wait, err := e.pollAndDispatch(ctx, n)
			switch {
			case ctx.Err() != nil:
				return
			case err != nil:
				failures++
				timeout = backoff.Capped(pollFailureDelay, failures, maxWait)
				log.Error().Err(err).Int("failures", failures).Msg("Failed to poll jobs")
			default:
				failures = 0
				timeout = wait
			}
		}

		if timeout <= 0 {
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}

		timer := e.clock.NewTimer(timeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-e.tracker.notified():
		case <-timer.Chan():
		}
		timer.Stop()
	}
}

// pollAndDispatch starts up to n due jobs and returns how long to wait
// before polling again.
func (e *Executor) pollAndDispatch(ctx context.Context, n int) (time.Duration, error) {
	ctx, span := e.tracer.Start(ctx, "job.poll_and_dispatch", trace.WithAttributes(
		attribute.Int("job.n_jobs_running", e.tracker.runningJobs()),
	))
	defer span.End()

	now := e.clock.Now().UTC()
	res, err := e.repo.PollDue(ctx, now, n, e.registry.Types())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	span.SetAttributes(attribute.Int("job.n_jobs_to_start", len(res.Jobs)))

	if len(res.Jobs) == 0 {
		if res.NextDueAt == nil {
			return e.cfg.PollInterval, nil
		}
		return min(max(res.NextDueAt.Sub(now), 0), maxWait), nil
	}

	for _, polled := range res.Jobs {
		e.track(polled.ID)
		e.tracker.jobStarted()
		e.jobs.Add(1)
		go e.executeJob(ctx, polled)
	}
	return 0, nil
}

func (e *Executor) executeJob(ctx context.Context, polled PolledJob) {
	defer e.jobs.Done()
	defer e.tracker.jobFinished()
	defer e.untrack(polled.ID)

	ctx, span := e.tracer.Start(ctx, "job.execute", trace.WithAttributes(
		attribute.String("job.id", polled.ID.String()),
		attribute.String("job.type", polled.JobType.String()),
		attribute.Int("job.attempt", polled.Attempt),
	))
	defer span.End()

	job, err := e.repo.Find(ctx, polled.ID)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("job_id", polled.ID.String()).Msg("Failed to load polled job")
		e.fail(ctx, nil, polled, err)
		return
	}

	if job.IsCompleted() {
		log.Warn().Str("job_id", polled.ID.String()).Msg("Polled job is already completed, dropping execution")
		e.dropExecution(ctx, polled)
		return
	}

	completion, err := e.runJob(ctx, job, polled)
	if err != nil {
		if ctx.Err() != nil {
			e.release(polled)
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.fail(ctx, job, polled, err)
		return
	}

	span.SetAttributes(attribute.String("job.completion", completion.String()))
	if err := e.complete(ctx, job, polled, completion); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			e.release(polled)
			return
		}
		e.fail(ctx, job, polled, fmt.Errorf("failed to record completion: %w", err))
	}
}

func (e *Executor) runJob(ctx context.Context, job *Job, polled PolledJob) (completion JobCompletion, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Str("job_id", polled.ID.String()).
				Str("stack", string(debug.Stack())).
				Msgf("Job runner panicked: %v", p)
			err = fmt.Errorf("%w: %v", ErrJobPanicked, p)
		}
	}()

	runner, err := e.registry.InitJob(job)
	if err != nil {
		return JobCompletion{}, err
	}
	return runner.Run(ctx, newCurrentJob(polled, e.beginner, e.repo))
}

func (e *Executor) complete(ctx context.Context, job *Job, polled PolledJob, c JobCompletion) (err error) {
	op := c.Op()
	if op == nil {
		op, err = e.beginner.BeginOp(ctx)
		if err != nil {
			return err
		}
	}
	defer func() {
		if err != nil {
			_ = op.Rollback(ctx)
		}
	}()

	if c.IsComplete() {
		job.Completed()
		if err := e.repo.UpdateInOp(ctx, op, job); err != nil {
			return err
		}
		if err := e.repo.DeleteExecutionInOp(ctx, op, polled.ID); err != nil {
			return err
		}
	} else {
		now := op.Now()
		at := c.nextRunAt(now)
		if err := e.repo.RescheduleInOp(ctx, op, polled.ID, at, 1); err != nil {
			return err
		}
		if !at.After(now) {
			op.AfterCommit(e.Wake)
		}
	}

	if err := op.Commit(ctx); err != nil {
		return err
	}

	log.Debug().
		Str("job_id", polled.ID.String()).
		Str("job_type", polled.JobType.String()).
		Str("completion", c.String()).
		Msg("Job run finished")
	return nil
}

// fail records runErr and schedules the next attempt, or drops the execution
// once the retry budget is spent.
func (e *Executor) fail(ctx context.Context, job *Job, polled PolledJob, runErr error) {
	settings := e.registry.RetrySettings(polled.JobType)
	retry := settings.ShouldRetry(polled.Attempt)

	var nextAt time.Time
	err := dbop.Run(ctx, e.beginner, func(op dbop.Op) error {
		if job != nil {
			job.Fail(runErr)
			if err := e.repo.UpdateInOp(ctx, op, job); err != nil {
				return err
			}
		}
		if !retry {
			return e.repo.DeleteExecutionInOp(ctx, op, polled.ID)
		}
		nextAt = settings.NextAttemptAt(polled.Attempt, op.Now())
		return e.repo.RescheduleInOp(ctx, op, polled.ID, nextAt, polled.Attempt+1)
	})
	if err != nil {
		log.Error().Err(err).Str("job_id", polled.ID.String()).Msg("Failed to record job error")
		return
	}

	var ev *zerolog.Event
	if polled.Attempt <= settings.WarnAttempts {
		ev = log.Warn()
	} else {
		ev = log.Error()
	}
	ev = ev.Err(runErr).
		Str("job_id", polled.ID.String()).
		Str("job_type", polled.JobType.String()).
		Int("attempt", polled.Attempt).
		Bool("will_retry", retry)
	if retry {
		ev = ev.Time("next_attempt_at", nextAt)
	}
	ev.Msg("Job failed")
}

func (e *Executor) dropExecution(ctx context.Context, polled PolledJob) {
	err := dbop.Run(ctx, e.beginner, func(op dbop.Op) error {
		return e.repo.DeleteExecutionInOp(ctx, op, polled.ID)
	})
	if err != nil {
		log.Error().Err(err).Str("job_id", polled.ID.String()).Msg("Failed to drop execution")
	}
}

// release hands an interrupted execution back without counting an attempt.
func (e *Executor) release(polled PolledJob) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	err := dbop.Run(ctx, e.beginner, func(op dbop.Op) error {
		return e.repo.RescheduleInOp(ctx, op, polled.ID, op.Now(), polled.Attempt)
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Error().Err(err).Str("job_id", polled.ID.String()).Msg("Failed to release interrupted job")
	}
}

func (e *Executor) keepAliveLoop(ctx context.Context) {
	defer e.loops.Done()

	ticker := e.clock.NewTicker(e.cfg.JobLostInterval / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			ids := e.runningIDs()
			if len(ids) == 0 {
				continue
			}
			if err := e.repo.KeepAlive(ctx, ids, e.clock.Now().UTC()); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Int("jobs", len(ids)).Msg("Failed to keep jobs alive")
			}
		}
	}
}

func (e *Executor) lostJobLoop(ctx context.Context) {
	defer e.loops.Done()

	ticker := e.clock.NewTicker(e.cfg.JobLostInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			now := e.clock.Now().UTC()
			n, err := e.repo.RescheduleLost(ctx, now.Add(-e.cfg.JobLostInterval), now)
			if err != nil {
				if ctx.Err() == nil {
					log.Error().Err(err).Msg("Failed to reschedule lost jobs")
				}
				continue
			}
			if n > 0 {
				log.Warn().Int("jobs", n).Msg("Rescheduled lost jobs")
				e.Wake()
			}
		}
	}
}

func (e *Executor) track(id JobID) {
	e.mu.Lock()
	e.running[id] = struct{}{}
	e.mu.Unlock()
}

func (e *Executor) untrack(id JobID) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
}

func (e *Executor) runningIDs() []JobID {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]JobID, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	return ids
}
