package pgnotify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	notes    chan *pq.Notification
	mu       sync.Mutex
	channels []string
	closed   bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{notes: make(chan *pq.Notification, 8)}
}

func (s *fakeSource) Listen(channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = append(s.channels, channel)
	return nil
}

func (s *fakeSource) Notifications() <-chan *pq.Notification { return s.notes }
func (s *fakeSource) Ping() error                            { return nil }

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type recordingHandler struct {
	mu        sync.Mutex
	payloads  []string
	fallbacks int
	failFirst int
}

func (h *recordingHandler) HandleNotification(ctx context.Context, payload string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failFirst > 0 {
		h.failFirst--
		return errors.New("temporary")
	}
	h.payloads = append(h.payloads, payload)
	return nil
}

func (h *recordingHandler) Fallback(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fallbacks++
	return nil
}

func (h *recordingHandler) snapshot() ([]string, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.payloads...), h.fallbacks
}

func startListener(t *testing.T, l *Listener) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Start(ctx) }()
	require.Eventually(t, l.Running, time.Second, 5*time.Millisecond)
	return cancel, done
}

func TestListener_DispatchesByChannel(t *testing.T) {
	source := newFakeSource()
	l := NewListener(source, ListenerConfig{}, clockwork.NewFakeClock())

	outbox := &recordingHandler{}
	jobs := &recordingHandler{}
	require.NoError(t, l.Register("outbox_events", outbox))
	require.NoError(t, l.Register("job_executions", jobs))
	assert.Equal(t, []string{"outbox_events", "job_executions"}, source.channels)

	cancel, done := startListener(t, l)

	source.notes <- &pq.Notification{Channel: "outbox_events", Extra: "7"}
	source.notes <- &pq.Notification{Channel: "job_executions", Extra: "id:abc"}
	source.notes <- &pq.Notification{Channel: "unknown", Extra: "x"}

	require.Eventually(t, func() bool {
		o, _ := outbox.snapshot()
		j, _ := jobs.snapshot()
		return len(o) == 1 && len(j) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.True(t, source.isClosed())
	assert.False(t, l.Running())
}

func TestListener_FallbackOnReconnectAndTicker(t *testing.T) {
	source := newFakeSource()
	clock := clockwork.NewFakeClock()
	l := NewListener(source, ListenerConfig{FallbackInterval: time.Minute, PingInterval: time.Hour}, clock)

	h := &recordingHandler{}
	require.NoError(t, l.Register("outbox_events", h))
	cancel, done := startListener(t, l)
	defer func() {
		cancel()
		<-done
	}()

	source.notes <- nil
	require.Eventually(t, func() bool {
		_, n := h.snapshot()
		return n == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, clock.BlockUntilContext(context.Background(), 2))
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		_, n := h.snapshot()
		return n == 2
	}, time.Second, 5*time.Millisecond)
}

func TestListener_RetriesHandler(t *testing.T) {
	source := newFakeSource()
	clock := clockwork.NewFakeClock()
	l := NewListener(source, ListenerConfig{MaxRetries: 2, RetryDelay: time.Second}, clock)

	h := &recordingHandler{failFirst: 1}
	require.NoError(t, l.Register("outbox_events", h))
	cancel, done := startListener(t, l)
	defer func() {
		cancel()
		<-done
	}()

	source.notes <- &pq.Notification{Channel: "outbox_events", Extra: "1"}

	// Two tickers plus the retry delay.
	require.NoError(t, clock.BlockUntilContext(context.Background(), 3))
	clock.Advance(time.Second)

	require.Eventually(t, func() bool {
		p, _ := h.snapshot()
		return len(p) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestListener_StartTwice(t *testing.T) {
	l := NewListener(newFakeSource(), ListenerConfig{}, clockwork.NewFakeClock())
	cancel, done := startListener(t, l)
	defer func() {
		cancel()
		<-done
	}()

	require.ErrorIs(t, l.Start(context.Background()), ErrAlreadyRunning)
}
