package outbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/backbone/go/internal/dbop"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Config tunes the outbox and the listeners it hands out.
type Config struct {
	// BufferSize bounds both the broadcast buffer of every subscriber and the
	// listener reorder cache.
	BufferSize int `yaml:"buffer_size"`
	// PageSize is the number of events a listener loads per page fetch.
	PageSize int `yaml:"page_size"`
}

func DefaultConfig() Config {
	return Config{
		BufferSize: 100,
		PageSize:   100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.PageSize <= 0 {
		c.PageSize = d.PageSize
	}
	return c
}

type Option func(*options)

type options struct {
	metrics MetricsCollector
	clock   clockwork.Clock
	tracer  trace.Tracer
}

func WithMetrics(m MetricsCollector) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock sets the clock used to stamp ephemeral events.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// Outbox publishes events inside a caller's unit of work and fans them out to
// listeners once the unit of work commits.
type Outbox[P any] struct {
	log     EventLog[P]
	cfg     Config
	hub     *hub[Event[P]]
	highest atomic.Uint64
	syncMu  sync.Mutex
	metrics MetricsCollector
	clock   clockwork.Clock
	tracer  trace.Tracer
}

func New[P any](eventLog EventLog[P], cfg Config, opts ...Option) *Outbox[P] {
	o := options{
		metrics: NoOpMetricsCollector{},
		clock:   clockwork.NewRealClock(),
		tracer:  otel.Tracer("github.com/mcdev12/backbone/outbox"),
	}
	for _, opt := range opts {
		opt(&o)
	}
	cfg = cfg.withDefaults()
	return &Outbox[P]{
		log:     eventLog,
		cfg:     cfg,
		hub:     newHub[Event[P]](cfg.BufferSize),
		metrics: o.metrics,
		clock:   o.clock,
		tracer:  o.tracer,
	}
}

// Init seeds the highest known sequence from storage.
func (o *Outbox[P]) Init(ctx context.Context) error {
	highest, err := o.log.HighestSequence(ctx)
	if err != nil {
		return err
	}
	o.observe(highest)
	log.Info().Uint64("highest_sequence", uint64(highest)).Msg("Outbox initialized")
	return nil
}

// PublishInOp records payload within op. The event becomes visible to
// listeners only after op commits.
func (o *Outbox[P]) PublishInOp(ctx context.Context, op dbop.Op, payload P) (*PersistentEvent[P], error) {
	events, err := o.PublishAllInOp(ctx, op, []P{payload})
	if err != nil {
		return nil, err
	}
	return events[0], nil
}

// PublishAllInOp records payloads with consecutive sequences within op.
func (o *Outbox[P]) PublishAllInOp(ctx context.Context, op dbop.Op, payloads []P) ([]*PersistentEvent[P], error) {
	if len(payloads) == 0 {
		return nil, ErrEmptyPublish
	}

	ctx, span := o.tracer.Start(ctx, "outbox.publish", trace.WithAttributes(
		attribute.Int("outbox.count", len(payloads)),
	))
	defer span.End()

	events, err := o.log.AppendInOp(ctx, op, payloads)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to publish outbox events: %w", err)
	}
	span.SetAttributes(attribute.Int64("outbox.last_sequence", int64(events[len(events)-1].Sequence)))

	op.AfterCommit(func() {
		for _, e := range events {
			o.observe(e.Sequence)
			o.hub.send(Event[P]{Persistent: e})
		}
		o.metrics.RecordPublished(len(events))
	})
	return events, nil
}

// PublishEphemeral broadcasts payload to current listeners without storing it.
// It returns the number of subscribers that received it.
func (o *Outbox[P]) PublishEphemeral(payload P) int {
	return o.hub.send(Event[P]{Ephemeral: &EphemeralEvent[P]{
		Payload:    payload,
		RecordedAt: o.clock.Now().UTC(),
	}})
}

// Broadcast forwards already committed events to current listeners. It is
// used when events were committed by another process.
func (o *Outbox[P]) Broadcast(events ...*PersistentEvent[P]) {
	for _, e := range events {
		o.observe(e.Sequence)
		o.hub.send(Event[P]{Persistent: e})
	}
}

// Sync loads events committed after the highest known sequence and broadcasts
// them. It returns how many events were found.
func (o *Outbox[P]) Sync(ctx context.Context) (int, error) {
	o.syncMu.Lock()
	defer o.syncMu.Unlock()

	total := 0
	for {
		page, err := o.LoadNextPage(ctx, o.HighestKnownSequence(), o.cfg.PageSize)
		if err != nil {
			return total, err
		}
		o.Broadcast(page...)
		total += len(page)
		if len(page) < o.cfg.PageSize {
			return total, nil
		}
	}
}

// LoadNextPage reads committed events strictly after the cursor.
func (o *Outbox[P]) LoadNextPage(ctx context.Context, after EventSequence, limit int) ([]*PersistentEvent[P], error) {
	if limit <= 0 {
		limit = o.cfg.PageSize
	}
	start := o.clock.Now()
	page, err := o.log.LoadNextPage(ctx, after, limit)
	o.metrics.RecordPageFetched(len(page), o.clock.Since(start), err)
	return page, err
}

func (o *Outbox[P]) HighestKnownSequence() EventSequence {
	return EventSequence(o.highest.Load())
}

// ListenPersisted returns a listener that yields persistent events strictly
// after start, in sequence order and without gaps.
func (o *Outbox[P]) ListenPersisted(start EventSequence) *Listener[P] {
	return newListener(o, start, false)
}

// ListenAll is like ListenPersisted but also yields ephemeral events.
func (o *Outbox[P]) ListenAll(start EventSequence) *Listener[P] {
	return newListener(o, start, true)
}

// Receivers returns the number of live subscriptions.
func (o *Outbox[P]) Receivers() int {
	return o.hub.receivers()
}

// Close closes the broadcast hub. Listeners drain what they hold and then
// report ErrListenerClosed.
func (o *Outbox[P]) Close() {
	o.hub.close()
}

func (o *Outbox[P]) observe(seq EventSequence) {
	for {
		cur := o.highest.Load()
		if uint64(seq) <= cur {
			return
		}
		if o.highest.CompareAndSwap(cur, uint64(seq)) {
			return
		}
	}
}
