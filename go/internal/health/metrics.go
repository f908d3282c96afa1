package health

import (
	"sync/atomic"
	"time"

	"github.com/mcdev12/backbone/go/internal/outbox"
)

// Metrics is an in-process outbox.MetricsCollector exported by PrometheusExporter.
type Metrics struct {
	published     atomic.Uint64
	pagesFetched  atomic.Uint64
	pageErrors    atomic.Uint64
	eventsFetched atomic.Uint64
	fetchNanos    atomic.Int64
	lagged        atomic.Uint64
}

var _ outbox.MetricsCollector = (*Metrics)(nil)

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) RecordPublished(count int) {
	m.published.Add(uint64(count))
}

func (m *Metrics) RecordPageFetched(count int, duration time.Duration, err error) {
	if err != nil {
		m.pageErrors.Add(1)
		return
	}
	m.pagesFetched.Add(1)
	m.eventsFetched.Add(uint64(count))
	m.fetchNanos.Add(int64(duration))
}

func (m *Metrics) RecordLagged(missed uint64) {
	m.lagged.Add(missed)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Published      uint64        `json:"published"`
	PagesFetched   uint64        `json:"pages_fetched"`
	PageErrors     uint64        `json:"page_errors"`
	EventsFetched  uint64        `json:"events_fetched"`
	FetchDuration  time.Duration `json:"fetch_duration_ns"`
	LaggedMessages uint64        `json:"lagged_messages"`
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Published:      m.published.Load(),
		PagesFetched:   m.pagesFetched.Load(),
		PageErrors:     m.pageErrors.Load(),
		EventsFetched:  m.eventsFetched.Load(),
		FetchDuration:  time.Duration(m.fetchNanos.Load()),
		LaggedMessages: m.lagged.Load(),
	}
}
