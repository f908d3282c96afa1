package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/backbone/go/internal/dbconfig"
	"github.com/mcdev12/backbone/go/internal/dbop"
	"github.com/mcdev12/backbone/go/internal/events"
	"github.com/mcdev12/backbone/go/internal/gateway"
	"github.com/mcdev12/backbone/go/internal/health"
	"github.com/mcdev12/backbone/go/internal/job"
	"github.com/mcdev12/backbone/go/internal/outbox"
	"github.com/mcdev12/backbone/go/internal/pgnotify"
	"github.com/mcdev12/backbone/go/internal/relay"
	"github.com/rs/zerolog/log"
)

type Services struct {
	Outbox        *outbox.Outbox[events.Payload]
	Jobs          *job.Jobs
	Notifications *pgnotify.Listener
	Publisher     *relay.JetStreamPublisher
	Gateway       *gateway.ConnectionManager
	Health        *health.Checker
	Metrics       *health.Metrics

	cfg  Config
	pool *pgxpool.Pool
}

func setupServices(ctx context.Context, cfg Config) (*Services, error) {
	// Storage → outbox and job repository → executor → relay, gateway, health
	clock := clockwork.NewRealClock()
	metrics := health.NewMetrics()
	s := &Services{cfg: cfg, Metrics: metrics}

	var (
		beginner dbop.Beginner
		eventLog outbox.EventLog[events.Payload]
		repo     job.Repo
	)

	switch cfg.Store {
	case storeMemory:
		db := dbop.NewMemoryDB(clock)
		beginner = db
		eventLog = outbox.NewMemoryEventLog[events.Payload](db)
		repo = job.NewMemoryRepo(db)
		log.Warn().Msg("using in-memory store; state is lost on exit")

	default:
		dbCfg := dbconfig.NewConfigFromEnv()
		pool, err := setupDatabase(ctx, dbCfg)
		if err != nil {
			return nil, err
		}
		s.pool = pool
		beginner = dbop.NewPgPool(pool, clock)
		eventLog = outbox.NewPgEventLog[events.Payload](pool, cfg.OutboxChannel)
		repo = job.NewPgRepo(pool, cfg.Jobs.NotifyChannel)

		notifyCfg := cfg.Notify
		if notifyCfg.DatabaseURL == "" {
			notifyCfg.DatabaseURL = dbCfg.DSN()
		}
		s.Notifications = pgnotify.NewListener(pgnotify.NewPQSource(notifyCfg.DatabaseURL), notifyCfg, clock)
	}

	s.Outbox = outbox.New(eventLog, cfg.Outbox, outbox.WithMetrics(metrics), outbox.WithClock(clock))
	s.Jobs = job.New(beginner, repo, cfg.Jobs, job.WithClock(clock))
	s.Gateway = gateway.NewConnectionManager(s.Outbox, cfg.Gateway)

	if s.Notifications != nil {
		if err := s.Notifications.Register(cfg.OutboxChannel, outbox.NewNotifyBridge(s.Outbox)); err != nil {
			s.Close()
			return nil, err
		}
		if err := s.Notifications.Register(cfg.Jobs.NotifyChannel, s.Jobs.Executor()); err != nil {
			s.Close()
			return nil, err
		}
	}

	if cfg.Relay.Enabled {
		publisher, err := relay.NewJetStreamPublisher(ctx, cfg.Relay.JetStream)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to setup relay publisher: %w", err)
		}
		s.Publisher = publisher
	}

	s.Health = &health.Checker{
		Executor: s.Jobs.Executor(),
		Outbox:   s.Outbox,
		Metrics:  metrics,
	}
	if s.pool != nil {
		s.Health.DB = s.pool
	}
	if s.Publisher != nil {
		s.Health.NATS = s.Publisher
	}
	if s.Notifications != nil {
		s.Health.Listener = s.Notifications
	}

	return s, nil
}

// Start loads the outbox position, starts notifications and the executor,
// and ensures the relay job exists.
func (s *Services) Start(ctx context.Context) error {
	if err := s.Outbox.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialise outbox: %w", err)
	}

	if s.Notifications != nil {
		if err := s.Notifications.Start(ctx); err != nil {
			return fmt.Errorf("failed to start notification listener: %w", err)
		}
	}

	if s.Publisher != nil {
		init := relay.NewInitializer(s.Outbox, s.Publisher)
		if err := s.Jobs.AddInitializerAndSpawnUnique(ctx, init, s.cfg.Relay.Job); err != nil {
			return fmt.Errorf("failed to spawn relay job: %w", err)
		}
	}

	if err := s.Jobs.Start(ctx); err != nil {
		return fmt.Errorf("failed to start job executor: %w", err)
	}

	log.Info().
		Str("store", s.cfg.Store).
		Uint64("outbox_sequence", uint64(s.Outbox.HighestKnownSequence())).
		Bool("relay", s.Publisher != nil).
		Msg("services started")
	return nil
}

// Close stops everything in reverse dependency order.
func (s *Services) Close() {
	if s.Gateway != nil {
		s.Gateway.Close()
	}
	if s.Jobs != nil && s.Jobs.Running() {
		s.Jobs.Stop()
	}
	if s.Notifications != nil && s.Notifications.Running() {
		if err := s.Notifications.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop notification listener")
		}
	}
	if s.Outbox != nil {
		s.Outbox.Close()
	}
	if s.Publisher != nil {
		s.Publisher.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}
