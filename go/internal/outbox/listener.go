package outbox

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/backbone/go/internal/backoff"
	"github.com/rs/zerolog/log"
)

const (
	fetchRetryBase = 50 * time.Millisecond
	fetchRetryMax  = 5 * time.Second
)

type pageLoader[P any] interface {
	LoadNextPage(ctx context.Context, after EventSequence, limit int) ([]*PersistentEvent[P], error)
}

type fetchResult[P any] struct {
	events []*PersistentEvent[P]
	err    error
}

type pageFetch[P any] struct {
	cancel context.CancelFunc
	done   chan fetchResult[P]
}

// Listener yields persistent events in strictly increasing sequence order
// with no gaps. Live broadcasts are merged with pages read from storage, so a
// listener can start from any point in history and keeps up once it is caught
// up. A Listener is not safe for concurrent use.
type Listener[P any] struct {
	loader        pageLoader[P]
	sub           *subscription[Event[P]]
	pageSize      int
	withEphemeral bool
	metrics       MetricsCollector
	clock         clockwork.Clock

	ctx    context.Context
	cancel context.CancelFunc

	lastReturned EventSequence
	latestKnown  EventSequence
	cache        *sequencedCache[P]
	returnQueue  []Event[P]

	fetch         *pageFetch[P]
	fetchFailures int
	retry         <-chan time.Time

	closed bool
}

func newListener[P any](o *Outbox[P], start EventSequence, withEphemeral bool) *Listener[P] {
	// Subscribe before reading the highest sequence so nothing committed in
	// between goes unnoticed.
	sub := o.hub.subscribe()
	return buildListener(o, sub, o.cfg, o.metrics, o.clock, start, o.HighestKnownSequence(), withEphemeral)
}

func buildListener[P any](
	loader pageLoader[P],
	sub *subscription[Event[P]],
	cfg Config,
	metrics MetricsCollector,
	clock clockwork.Clock,
	start, latestKnown EventSequence,
	withEphemeral bool,
) *Listener[P] {
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener[P]{
		loader:        loader,
		sub:           sub,
		pageSize:      cfg.PageSize,
		withEphemeral: withEphemeral,
		metrics:       metrics,
		clock:         clock,
		ctx:           ctx,
		cancel:        cancel,
		lastReturned:  start,
		latestKnown:   max(start, latestKnown),
		cache:         newSequencedCache[P](cfg.BufferSize),
	}
}

// LastReturnedSequence is the cursor a replacement listener should start from.
func (l *Listener[P]) LastReturnedSequence() EventSequence {
	return l.lastReturned
}

// Next blocks until the next persistent event is available.
func (l *Listener[P]) Next(ctx context.Context) (*PersistentEvent[P], error) {
	for {
		ev, err := l.NextEvent(ctx)
		if err != nil {
			return nil, err
		}
		if ev.Persistent != nil {
			return ev.Persistent, nil
		}
	}
}

// NextEvent blocks until the next event is available. Ephemeral events are
// only produced by listeners created with ListenAll.
func (l *Listener[P]) NextEvent(ctx context.Context) (Event[P], error) {
	for {
		if ev, ok := l.poll(); ok {
			return ev, nil
		}
		if l.closed {
			return Event[P]{}, ErrListenerClosed
		}

		var fetchDone <-chan fetchResult[P]
		if l.fetch != nil {
			fetchDone = l.fetch.done
		}

		select {
		case <-ctx.Done():
			return Event[P]{}, ctx.Err()
		case msg, ok := <-l.sub.C():
			l.receive(msg, ok)
		case res := <-fetchDone:
			l.completeFetch(res)
		case <-l.retry:
			l.retry = nil
		}
	}
}

// Close releases the subscription and cancels any page fetch in flight.
func (l *Listener[P]) Close() {
	l.abortFetch()
	l.cancel()
	l.sub.unsubscribe()
	l.closed = true
}

func (l *Listener[P]) poll() (Event[P], bool) {
	if l.fetch != nil {
		select {
		case res := <-l.fetch.done:
			l.completeFetch(res)
		default:
		}
	}

	l.drain()

	if l.advance() {
		l.abortFetch()
	}

	if len(l.returnQueue) > 0 {
		ev := l.returnQueue[0]
		l.returnQueue[0] = Event[P]{}
		l.returnQueue = l.returnQueue[1:]
		return ev, true
	}

	if l.closed {
		return Event[P]{}, false
	}

	if l.retry != nil {
		select {
		case <-l.retry:
			l.retry = nil
		default:
		}
	}

	if l.fetch == nil && l.retry == nil && l.lastReturned < l.latestKnown {
		l.spawnFetch()
	}
	return Event[P]{}, false
}

func (l *Listener[P]) drain() {
	if l.closed {
		return
	}
	for {
		select {
		case msg, ok := <-l.sub.C():
			l.receive(msg, ok)
			if !ok {
				return
			}
		default:
			if missed := l.sub.takeLagged(); missed > 0 {
				l.metrics.RecordLagged(missed)
			}
			return
		}
	}
}

func (l *Listener[P]) receive(msg Event[P], ok bool) {
	if !ok {
		l.closed = true
		return
	}
	switch {
	case msg.Persistent != nil:
		l.insert(msg.Persistent)
	case msg.Ephemeral != nil && l.withEphemeral:
		l.returnQueue = append(l.returnQueue, msg)
	}
}

func (l *Listener[P]) insert(e *PersistentEvent[P]) {
	if e.Sequence > l.latestKnown {
		l.latestKnown = e.Sequence
	}
	if e.Sequence <= l.lastReturned {
		return
	}
	l.cache.insert(e)
}

// advance moves every contiguous cached event to the return queue.
func (l *Listener[P]) advance() bool {
	advanced := false
	for {
		first, ok := l.cache.first()
		if !ok || first.Sequence != l.lastReturned.Next() {
			return advanced
		}
		l.cache.popFirst()
		l.lastReturned = first.Sequence
		l.returnQueue = append(l.returnQueue, Event[P]{Persistent: first})
		advanced = true
	}
}

func (l *Listener[P]) spawnFetch() {
	ctx, cancel := context.WithCancel(l.ctx)
	f := &pageFetch[P]{
		cancel: cancel,
		done:   make(chan fetchResult[P], 1),
	}
	after, limit := l.lastReturned, l.pageSize
	go func() {
		events, err := l.loader.LoadNextPage(ctx, after, limit)
		f.done <- fetchResult[P]{events: events, err: err}
	}()
	l.fetch = f
}

func (l *Listener[P]) completeFetch(res fetchResult[P]) {
	if l.fetch != nil {
		l.fetch.cancel()
		l.fetch = nil
	}
	if res.err != nil {
		log.Debug().Err(res.err).
			Uint64("after", uint64(l.lastReturned)).
			Msg("Outbox page fetch failed")
		l.backOff()
		return
	}
	if len(res.events) == 0 {
		// Storage is behind what was broadcast; wait before asking again.
		l.backOff()
		return
	}
	l.fetchFailures = 0
	for _, e := range res.events {
		l.insert(e)
	}
}

func (l *Listener[P]) backOff() {
	l.retry = l.clock.After(backoff.Capped(fetchRetryBase, l.fetchFailures, fetchRetryMax))
	l.fetchFailures++
}

func (l *Listener[P]) abortFetch() {
	if l.fetch == nil {
		return
	}
	l.fetch.cancel()
	l.fetch = nil
}
