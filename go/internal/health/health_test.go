package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mcdev12/backbone/go/internal/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type connected bool

func (c connected) Connected() bool { return bool(c) }

type executor struct {
	running bool
	jobs    int
}

func (e executor) Running() bool    { return e.running }
func (e executor) RunningJobs() int { return e.jobs }

type sequence outbox.EventSequence

func (s sequence) HighestKnownSequence() outbox.EventSequence { return outbox.EventSequence(s) }

func TestChecker_Healthy(t *testing.T) {
	m := NewMetrics()
	m.RecordPublished(3)
	m.RecordPageFetched(2, 10*time.Millisecond, nil)
	m.RecordPageFetched(0, time.Millisecond, errors.New("boom"))
	m.RecordLagged(4)

	c := &Checker{
		DB:       pinger{},
		NATS:     connected(true),
		Executor: executor{running: true, jobs: 2},
		Outbox:   sequence(7),
		Metrics:  m,
	}

	status := c.Check(context.Background())
	assert.True(t, status.Healthy)
	assert.Empty(t, status.Errors)
	assert.Equal(t, uint64(7), status.HighestSequence)
	assert.Equal(t, 2, status.RunningJobs)
	assert.Equal(t, Snapshot{
		Published:      3,
		PagesFetched:   1,
		PageErrors:     1,
		EventsFetched:  2,
		FetchDuration:  10 * time.Millisecond,
		LaggedMessages: 4,
	}, status.Metrics)
}

func TestChecker_Unhealthy(t *testing.T) {
	c := &Checker{
		DB:       pinger{err: errors.New("connection refused")},
		NATS:     connected(false),
		Executor: executor{},
	}

	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var status HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.False(t, status.Healthy)
	assert.Len(t, status.Errors, 3)
	assert.False(t, status.DatabaseConnected)
}

func TestChecker_SkipsMissingComponents(t *testing.T) {
	status := (&Checker{}).Check(context.Background())
	assert.True(t, status.Healthy)
}

func TestPrometheusExporter(t *testing.T) {
	m := NewMetrics()
	m.RecordPublished(5)
	exporter := NewPrometheusExporter(&Checker{
		Executor: executor{running: true, jobs: 1},
		Outbox:   sequence(5),
		Metrics:  m,
	})

	rec := httptest.NewRecorder()
	exporter.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, "backbone_healthy 1\n")
	assert.Contains(t, body, "outbox_highest_sequence 5\n")
	assert.Contains(t, body, "outbox_events_published_total 5\n")
	assert.Contains(t, body, "job_executor_running_jobs 1\n")
}
