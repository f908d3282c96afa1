package backoff

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponential(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		base     time.Duration
		attempt  int
		expected time.Duration
	}{
		{name: "attempt 0 returns base", base: 50 * time.Millisecond, attempt: 0, expected: 50 * time.Millisecond},
		{name: "attempt 1 doubles base", base: 50 * time.Millisecond, attempt: 1, expected: 100 * time.Millisecond},
		{name: "attempt 4 is 16x base", base: 50 * time.Millisecond, attempt: 4, expected: 800 * time.Millisecond},
		{name: "negative attempt treated as 0", base: time.Second, attempt: -3, expected: time.Second},
		{name: "zero base returns 0", base: 0, attempt: 5, expected: 0},
		{name: "huge attempt saturates", base: time.Hour, attempt: 200, expected: time.Duration(math.MaxInt64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, Exponential(tt.base, tt.attempt))
		})
	}
}

func TestCapped(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 400*time.Millisecond, Capped(100*time.Millisecond, 2, time.Second))
	assert.Equal(t, time.Second, Capped(100*time.Millisecond, 10, time.Second))
	assert.Equal(t, 102400*time.Millisecond, Capped(100*time.Millisecond, 10, 0))
}

func TestJitter(t *testing.T) {
	t.Parallel()

	base := 10 * time.Second
	for range 1000 {
		d := Jitter(base, 20)
		assert.GreaterOrEqual(t, d, 8*time.Second)
		assert.LessOrEqual(t, d, 12*time.Second)
	}

	assert.Equal(t, base, Jitter(base, 0))
	assert.Equal(t, time.Duration(0), Jitter(0, 50))
}

func TestSleep(t *testing.T) {
	t.Parallel()

	t.Run("returns after the clock advances", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClock()
		done := make(chan error, 1)
		go func() { done <- Sleep(context.Background(), clock, time.Minute) }()

		require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
		clock.Advance(time.Minute)
		require.NoError(t, <-done)
	})

	t.Run("returns context error when cancelled", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Sleep(ctx, clockwork.NewFakeClock(), time.Minute)
		require.ErrorIs(t, err, context.Canceled)
	})

	t.Run("zero duration returns immediately", func(t *testing.T) {
		t.Parallel()
		require.NoError(t, Sleep(context.Background(), clockwork.NewFakeClock(), 0))
	})
}
