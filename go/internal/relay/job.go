// Package relay forwards outbox events to NATS JetStream from a permanent
// singleton job.
package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/mcdev12/backbone/go/internal/events"
	"github.com/mcdev12/backbone/go/internal/job"
	"github.com/mcdev12/backbone/go/internal/outbox"
	"github.com/rs/zerolog/log"
)

const JobType job.JobType = "outbox-nats-relay"

// Config is stored as the job config of the relay job.
type Config struct {
	// MaxEventsPerRun bounds one run so the executor can rotate workers.
	MaxEventsPerRun int `json:"max_events_per_run" yaml:"max_events_per_run"`
}

func DefaultConfig() Config {
	return Config{MaxEventsPerRun: 1000}
}

func (Config) JobType() job.JobType {
	return JobType
}

// checkpoint is the execution state of the relay job.
type checkpoint struct {
	Sequence outbox.EventSequence `json:"sequence"`
}

type Initializer struct {
	outbox    *outbox.Outbox[events.Payload]
	publisher Publisher
}

func NewInitializer(o *outbox.Outbox[events.Payload], publisher Publisher) *Initializer {
	return &Initializer{outbox: o, publisher: publisher}
}

func (i *Initializer) JobType() job.JobType {
	return JobType
}

func (i *Initializer) Init(j *job.Job) (job.JobRunner, error) {
	cfg, err := job.DecodeConfig[Config](j)
	if err != nil {
		return nil, err
	}
	if cfg.MaxEventsPerRun <= 0 {
		cfg.MaxEventsPerRun = DefaultConfig().MaxEventsPerRun
	}
	return &runner{outbox: i.outbox, publisher: i.publisher, cfg: cfg}, nil
}

func (i *Initializer) RetryOnErrorSettings() job.RetrySettings {
	return job.RepeatIndefinitely()
}

type runner struct {
	outbox    *outbox.Outbox[events.Payload]
	publisher Publisher
	cfg       Config
}

func (r *runner) Run(ctx context.Context, current *job.CurrentJob) (job.JobCompletion, error) {
	state, _, err := job.ExecutionState[checkpoint](current)
	if err != nil {
		return job.JobCompletion{}, err
	}

	listener := r.outbox.ListenPersisted(state.Sequence)
	defer listener.Close()

	log.Info().Uint64("after", uint64(state.Sequence)).Msg("Outbox relay resumed")

	for relayed := 0; relayed < r.cfg.MaxEventsPerRun; relayed++ {
		event, err := listener.Next(ctx)
		if errors.Is(err, outbox.ErrListenerClosed) {
			return job.RescheduleNow(), nil
		}
		if err != nil {
			return job.JobCompletion{}, err
		}

		if err := r.publisher.Publish(ctx, event); err != nil {
			return job.JobCompletion{}, fmt.Errorf("relay event %d: %w", event.Sequence, err)
		}
		if err := current.UpdateExecutionState(ctx, checkpoint{Sequence: event.Sequence}); err != nil {
			return job.JobCompletion{}, err
		}
	}
	return job.RescheduleNow(), nil
}
