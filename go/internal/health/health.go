// Package health reports liveness of the outbox, the relay and the job executor.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mcdev12/backbone/go/internal/outbox"
	"github.com/rs/zerolog/log"
)

type HealthStatus struct {
	Healthy           bool      `json:"healthy"`
	CheckedAt         time.Time `json:"checked_at"`
	HighestSequence   uint64    `json:"highest_sequence"`
	DatabaseConnected bool      `json:"database_connected"`
	NATSConnected     bool      `json:"nats_connected"`
	ExecutorRunning   bool      `json:"executor_running"`
	RunningJobs       int       `json:"running_jobs"`
	ListenerActive    bool      `json:"listener_active"`
	Metrics           Snapshot  `json:"metrics"`
	Errors            []string  `json:"errors"`
}

type HealthChecker interface {
	Check(ctx context.Context) HealthStatus
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

type ConnectionChecker interface {
	Connected() bool
}

type ExecutorStatus interface {
	Running() bool
	RunningJobs() int
}

type SequenceSource interface {
	HighestKnownSequence() outbox.EventSequence
}

type ListenerStatus interface {
	Running() bool
}

// Checker aggregates the components it was given. Nil components are skipped.
type Checker struct {
	DB       Pinger
	NATS     ConnectionChecker
	Executor ExecutorStatus
	Outbox   SequenceSource
	Listener ListenerStatus
	Metrics  *Metrics
}

func (h *Checker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy:   true,
		CheckedAt: time.Now().UTC(),
		Errors:    []string{},
	}

	if h.DB != nil {
		if err := h.DB.Ping(ctx); err != nil {
			status.Healthy = false
			status.Errors = append(status.Errors, fmt.Sprintf("database ping failed: %v", err))
		} else {
			status.DatabaseConnected = true
		}
	}

	if h.NATS != nil {
		status.NATSConnected = h.NATS.Connected()
		if !status.NATSConnected {
			status.Healthy = false
			status.Errors = append(status.Errors, "NATS disconnected")
		}
	}

	if h.Executor != nil {
		status.ExecutorRunning = h.Executor.Running()
		status.RunningJobs = h.Executor.RunningJobs()
		if !status.ExecutorRunning {
			status.Healthy = false
			status.Errors = append(status.Errors, "job executor not running")
		}
	}

	if h.Listener != nil {
		status.ListenerActive = h.Listener.Running()
		if !status.ListenerActive {
			status.Healthy = false
			status.Errors = append(status.Errors, "notification listener not active")
		}
	}

	if h.Outbox != nil {
		status.HighestSequence = uint64(h.Outbox.HighestKnownSequence())
	}
	if h.Metrics != nil {
		status.Metrics = h.Metrics.Snapshot()
	}

	return status
}

// HTTP handler helper
func (h *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.Error().Err(err).Msg("failed to encode health status")
	}
}

// Metrics exporter for Prometheus
type PrometheusExporter struct {
	checker HealthChecker
}

func NewPrometheusExporter(checker HealthChecker) *PrometheusExporter {
	return &PrometheusExporter{checker: checker}
}

func (e *PrometheusExporter) Export(ctx context.Context) string {
	status := e.checker.Check(ctx)
	m := status.Metrics

	return fmt.Sprintf(`# HELP backbone_healthy Whether the service is healthy
# TYPE backbone_healthy gauge
backbone_healthy %d

# HELP outbox_highest_sequence Highest committed outbox sequence known to this process
# TYPE outbox_highest_sequence gauge
outbox_highest_sequence %d

# HELP outbox_events_published_total Events published by this process
# TYPE outbox_events_published_total counter
outbox_events_published_total %d

# HELP outbox_pages_fetched_total Event pages loaded from storage
# TYPE outbox_pages_fetched_total counter
outbox_pages_fetched_total %d

# HELP outbox_page_errors_total Failed event page loads
# TYPE outbox_page_errors_total counter
outbox_page_errors_total %d

# HELP outbox_events_fetched_total Events loaded from storage
# TYPE outbox_events_fetched_total counter
outbox_events_fetched_total %d

# HELP outbox_fetch_seconds_total Time spent loading event pages
# TYPE outbox_fetch_seconds_total counter
outbox_fetch_seconds_total %f

# HELP outbox_lagged_messages_total Broadcast messages dropped for slow listeners
# TYPE outbox_lagged_messages_total counter
outbox_lagged_messages_total %d

# HELP backbone_database_connected Whether database is connected
# TYPE backbone_database_connected gauge
backbone_database_connected %d

# HELP backbone_nats_connected Whether NATS is connected
# TYPE backbone_nats_connected gauge
backbone_nats_connected %d

# HELP job_executor_running Whether the job executor is running
# TYPE job_executor_running gauge
job_executor_running %d

# HELP job_executor_running_jobs Jobs currently executing in this process
# TYPE job_executor_running_jobs gauge
job_executor_running_jobs %d
`,
		boolGauge(status.Healthy),
		status.HighestSequence,
		m.Published,
		m.PagesFetched,
		m.PageErrors,
		m.EventsFetched,
		m.FetchDuration.Seconds(),
		m.LaggedMessages,
		boolGauge(status.DatabaseConnected),
		boolGauge(status.NATSConnected),
		boolGauge(status.ExecutorRunning),
		status.RunningJobs,
	)
}

func (e *PrometheusExporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprint(w, e.Export(ctx))
}

func boolGauge(b bool) int {
	if b {
		return 1
	}
	return 0
}
