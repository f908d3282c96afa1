// Package pgnotify dispatches Postgres LISTEN/NOTIFY notifications to handlers,
// with a periodic fallback for anything missed while disconnected.
package pgnotify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

var ErrAlreadyRunning = errors.New("notification listener already running")

type ListenerConfig struct {
	DatabaseURL      string        `yaml:"database_url"`      // Postgres DSN for LISTEN/NOTIFY
	FallbackInterval time.Duration `yaml:"fallback_interval"` // How often handlers catch up on missed notifications
	MaxRetries       int           `yaml:"max_retries"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	PingInterval     time.Duration `yaml:"ping_interval"`
}

func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		FallbackInterval: 30 * time.Second,
		MaxRetries:       5,
		RetryDelay:       200 * time.Millisecond,
		PingInterval:     90 * time.Second,
	}
}

// Handler reacts to notifications on one channel.
type Handler interface {
	// HandleNotification receives the NOTIFY payload.
	HandleNotification(ctx context.Context, payload string) error
	// Fallback runs on the fallback interval and after reconnects.
	Fallback(ctx context.Context) error
}

// Source is the connection notifications arrive on. A nil notification
// means the connection was re-established and notifications may have been lost.
type Source interface {
	Listen(channel string) error
	Notifications() <-chan *pq.Notification
	Ping() error
	Close() error
}

type pqSource struct {
	l *pq.Listener
}

// NewPQSource opens a lib/pq listener connection.
func NewPQSource(databaseURL string) Source {
	l := pq.NewListener(
		databaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	return &pqSource{l: l}
}

func (s *pqSource) Listen(channel string) error            { return s.l.Listen(channel) }
func (s *pqSource) Notifications() <-chan *pq.Notification { return s.l.Notify }
func (s *pqSource) Ping() error                            { return s.l.Ping() }
func (s *pqSource) Close() error                           { return s.l.Close() }

type Listener struct {
	source   Source
	cfg      ListenerConfig
	clock    clockwork.Clock
	mu       sync.Mutex
	handlers map[string]Handler
	running  atomic.Bool
}

func NewListener(source Source, cfg ListenerConfig, clock clockwork.Clock) *Listener {
	d := DefaultListenerConfig()
	if cfg.FallbackInterval <= 0 {
		cfg.FallbackInterval = d.FallbackInterval
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = d.PingInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = d.RetryDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Listener{
		source:   source,
		cfg:      cfg,
		clock:    clock,
		handlers: make(map[string]Handler),
	}
}

// Register subscribes h to channel. Register before Start.
func (l *Listener) Register(channel string, h Handler) error {
	if err := l.source.Listen(channel); err != nil {
		return fmt.Errorf("failed to listen to channel %s: %w", channel, err)
	}
	l.mu.Lock()
	l.handlers[channel] = h
	l.mu.Unlock()

	log.Info().
		Str("channel", channel).
		Msg("listening for notifications")
	return nil
}

func (l *Listener) Running() bool {
	return l.running.Load()
}

// Start dispatches notifications until ctx is done, then closes the source.
func (l *Listener) Start(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer l.running.Store(false)

	log.Info().
		Dur("ping_interval", l.cfg.PingInterval).
		Dur("fallback_interval", l.cfg.FallbackInterval).
		Msg("notification listener started")

	pingTicker := l.clock.NewTicker(l.cfg.PingInterval)
	fallbackTicker := l.clock.NewTicker(l.cfg.FallbackInterval)
	defer pingTicker.Stop()
	defer fallbackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("notification listener shutting down")
			return l.Stop()
		case note := <-l.source.Notifications():
			if note == nil {
				// Reconnected; anything sent meanwhile is gone.
				l.fallback(ctx)
				continue
			}
			l.dispatch(ctx, note)
		case <-fallbackTicker.Chan():
			l.fallback(ctx)
		case <-pingTicker.Chan():
			if err := l.source.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

func (l *Listener) Stop() error {
	return l.source.Close()
}

func (l *Listener) handler(channel string) (Handler, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.handlers[channel]
	return h, ok
}

func (l *Listener) dispatch(ctx context.Context, note *pq.Notification) {
	h, ok := l.handler(note.Channel)
	if !ok {
		log.Warn().Str("channel", note.Channel).Msg("notification on unregistered channel")
		return
	}
	err := l.withRetry(ctx, note.Channel, func() error {
		return h.HandleNotification(ctx, note.Extra)
	})
	if err != nil {
		log.Error().Err(err).Str("channel", note.Channel).Msg("failed to handle notification")
	}
}

func (l *Listener) fallback(ctx context.Context) {
	l.mu.Lock()
	handlers := make(map[string]Handler, len(l.handlers))
	for ch, h := range l.handlers {
		handlers[ch] = h
	}
	l.mu.Unlock()

	for ch, h := range handlers {
		if err := h.Fallback(ctx); err != nil {
			log.Error().Err(err).Str("channel", ch).Msg("fallback failed")
		}
	}
}

// withRetry runs fn up to MaxRetries+1 times with a linear delay between attempts.
func (l *Listener) withRetry(ctx context.Context, channel string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := l.cfg.RetryDelay * time.Duration(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-l.clock.After(delay):
			}
		}

		if err := fn(); err != nil {
			lastErr = err
			log.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Str("channel", channel).
				Msg("notification handler failed, retrying")
			continue
		}

		if attempt > 0 {
			log.Info().
				Int("attempt", attempt+1).
				Str("channel", channel).
				Msg("notification handled after retry")
		}
		return nil
	}

	return fmt.Errorf("notification handling failed after %d attempts: %w", l.cfg.MaxRetries+1, lastErr)
}
