package job

import (
	"context"
	"time"

	"github.com/mcdev12/backbone/go/internal/backoff"
	"github.com/mcdev12/backbone/go/internal/dbop"
)

// JobRunner does the work of one job. Every error may be retried, so side
// effects made before the execution state is updated must be safe to repeat.
type JobRunner interface {
	Run(ctx context.Context, current *CurrentJob) (JobCompletion, error)
}

// JobRunnerFunc adapts a function to JobRunner.
type JobRunnerFunc func(ctx context.Context, current *CurrentJob) (JobCompletion, error)

func (f JobRunnerFunc) Run(ctx context.Context, current *CurrentJob) (JobCompletion, error) {
	return f(ctx, current)
}

// JobInitializer builds runners for one job type.
type JobInitializer interface {
	JobType() JobType
	Init(job *Job) (JobRunner, error)
}

// RetrySettingsProvider may be implemented by a JobInitializer to override
// DefaultRetrySettings.
type RetrySettingsProvider interface {
	RetryOnErrorSettings() RetrySettings
}

// JobConfig is implemented by config values so spawning can derive the job type.
type JobConfig interface {
	JobType() JobType
}

type completionKind int

const (
	completionComplete completionKind = iota
	completionRescheduleNow
	completionRescheduleIn
	completionRescheduleAt
)

// JobCompletion tells the executor what to do after a successful run.
type JobCompletion struct {
	kind  completionKind
	op    dbop.Op
	delay time.Duration
	at    time.Time
}

// Complete marks the job completed. It is never run again.
func Complete() JobCompletion {
	return JobCompletion{kind: completionComplete}
}

// CompleteWithOp commits op together with the Completed event.
func CompleteWithOp(op dbop.Op) JobCompletion {
	return JobCompletion{kind: completionComplete, op: op}
}

// RescheduleNow runs the job again as soon as a worker is free.
func RescheduleNow() JobCompletion {
	return JobCompletion{kind: completionRescheduleNow}
}

func RescheduleNowWithOp(op dbop.Op) JobCompletion {
	return JobCompletion{kind: completionRescheduleNow, op: op}
}

// RescheduleIn runs the job again once d has elapsed.
func RescheduleIn(d time.Duration) JobCompletion {
	return JobCompletion{kind: completionRescheduleIn, delay: d}
}

func RescheduleInWithOp(d time.Duration, op dbop.Op) JobCompletion {
	return JobCompletion{kind: completionRescheduleIn, delay: d, op: op}
}

// RescheduleAt runs the job again at t.
func RescheduleAt(t time.Time) JobCompletion {
	return JobCompletion{kind: completionRescheduleAt, at: t}
}

func RescheduleAtWithOp(op dbop.Op, t time.Time) JobCompletion {
	return JobCompletion{kind: completionRescheduleAt, at: t, op: op}
}

// IsComplete reports whether the completion ends the job.
func (c JobCompletion) IsComplete() bool {
	return c.kind == completionComplete
}

// Op returns the caller-held op to commit with the completion, if any.
func (c JobCompletion) Op() dbop.Op {
	return c.op
}

// nextRunAt resolves the reschedule time relative to now.
func (c JobCompletion) nextRunAt(now time.Time) time.Time {
	switch c.kind {
	case completionRescheduleIn:
		return now.Add(c.delay)
	case completionRescheduleAt:
		return c.at
	default:
		return now
	}
}

func (c JobCompletion) String() string {
	switch c.kind {
	case completionComplete:
		return "complete"
	case completionRescheduleNow:
		return "reschedule_now"
	case completionRescheduleIn:
		return "reschedule_in"
	case completionRescheduleAt:
		return "reschedule_at"
	default:
		return "unknown"
	}
}

// RetrySettings governs how a job is retried after Run returns an error.
type RetrySettings struct {
	// MaxAttempts is the number of attempts before the job is abandoned.
	// Zero retries forever.
	MaxAttempts int `yaml:"max_attempts"`
	// WarnAttempts is the number of failed attempts logged as warnings
	// before failures are logged as errors.
	WarnAttempts     int           `yaml:"warn_attempts"`
	MinBackoff       time.Duration `yaml:"min_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	BackoffJitterPct int           `yaml:"backoff_jitter_pct"`
}

func DefaultRetrySettings() RetrySettings {
	return RetrySettings{
		MaxAttempts:      30,
		WarnAttempts:     3,
		MinBackoff:       time.Second,
		MaxBackoff:       time.Hour,
		BackoffJitterPct: 20,
	}
}

// RepeatIndefinitely is for jobs that must never be abandoned, such as
// permanent outbox listeners.
func RepeatIndefinitely() RetrySettings {
	s := DefaultRetrySettings()
	s.MaxAttempts = 0
	s.MaxBackoff = time.Minute
	return s
}

// ShouldRetry reports whether a job that failed on attempt should run again.
func (s RetrySettings) ShouldRetry(attempt int) bool {
	return s.MaxAttempts == 0 || attempt < s.MaxAttempts
}

// NextAttemptAt returns when the attempt after a failed attempt should run.
func (s RetrySettings) NextAttemptAt(attempt int, now time.Time) time.Time {
	delay := backoff.Capped(s.MinBackoff, max(attempt-1, 0), s.MaxBackoff)
	return now.Add(backoff.Jitter(delay, s.BackoffJitterPct))
}
