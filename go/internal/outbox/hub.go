package outbox

import (
	"sync"
	"sync/atomic"
)

// hub is a bounded, lossy broadcast channel. Every subscriber owns a buffer
// of the same capacity; when it is full the oldest message is dropped and the
// subscriber's lag counter is bumped. Sending never blocks the producer.
type hub[T any] struct {
	mu       sync.Mutex
	subs     map[*subscription[T]]struct{}
	capacity int
	closed   bool
}

type subscription[T any] struct {
	ch     chan T
	lagged atomic.Uint64
	hub    *hub[T]
}

func newHub[T any](capacity int) *hub[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &hub[T]{
		subs:     make(map[*subscription[T]]struct{}),
		capacity: capacity,
	}
}

func (h *hub[T]) subscribe() *subscription[T] {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := &subscription[T]{ch: make(chan T, h.capacity), hub: h}
	if h.closed {
		close(s.ch)
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

// send delivers v to every current subscriber and returns how many there were.
func (h *hub[T]) send(v T) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0
	}
	for s := range h.subs {
		s.deliver(v)
	}
	return len(h.subs)
}

func (h *hub[T]) receivers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *hub[T]) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		close(s.ch)
	}
	h.subs = nil
}

// deliver must be called with the hub lock held.
func (s *subscription[T]) deliver(v T) {
	for {
		select {
		case s.ch <- v:
			return
		default:
		}
		select {
		case <-s.ch:
			s.lagged.Add(1)
		default:
		}
	}
}

func (s *subscription[T]) C() <-chan T {
	return s.ch
}

// takeLagged returns the number of messages dropped since the last call.
func (s *subscription[T]) takeLagged() uint64 {
	return s.lagged.Swap(0)
}

func (s *subscription[T]) unsubscribe() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
}
