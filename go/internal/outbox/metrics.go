package outbox

import "time"

// MetricsCollector defines the interface for collecting outbox metrics
type MetricsCollector interface {
	RecordPublished(count int)
	RecordPageFetched(count int, duration time.Duration, err error)
	RecordLagged(missed uint64)
}

// NoOpMetricsCollector is a no-op implementation for when metrics aren't needed
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordPublished(count int)                                      {}
func (NoOpMetricsCollector) RecordPageFetched(count int, duration time.Duration, err error) {}
func (NoOpMetricsCollector) RecordLagged(missed uint64)                                     {}
