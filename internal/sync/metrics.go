package sync

import "sync/atomic"

// Metrics tracks synchronization counters. All fields are updated
// atomically so attempts on different centers can report concurrently.
type Metrics struct {
	attempts        int64
	failures        int64
	recordsApplied  int64
	recordsSkipped  int64
	recordsExported int64
	lastSyncMillis  int64
	durationMillis  int64
}

// NewMetrics creates a zeroed metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) attemptStarted() {
	atomic.AddInt64(&m.attempts, 1)
}

func (m *Metrics) attemptFailed() {
	atomic.AddInt64(&m.failures, 1)
}

func (m *Metrics) applied(n int) {
	atomic.AddInt64(&m.recordsApplied, int64(n))
}

func (m *Metrics) skipped(n int) {
	atomic.AddInt64(&m.recordsSkipped, int64(n))
}

func (m *Metrics) exported(n int) {
	atomic.AddInt64(&m.recordsExported, int64(n))
}

func (m *Metrics) attemptFinished(at, durationMillis int64) {
	atomic.StoreInt64(&m.lastSyncMillis, at)
	atomic.AddInt64(&m.durationMillis, durationMillis)
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	Attempts        int64 `json:"attempts"`
	Failures        int64 `json:"failures"`
	RecordsApplied  int64 `json:"records_applied"`
	RecordsSkipped  int64 `json:"records_skipped"`
	RecordsExported int64 `json:"records_exported"`
	LastSyncMillis  int64 `json:"last_sync_millis"`
	DurationMillis  int64 `json:"duration_millis"`
}

// Snapshot returns a consistent-enough copy for reporting.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Attempts:        atomic.LoadInt64(&m.attempts),
		Failures:        atomic.LoadInt64(&m.failures),
		RecordsApplied:  atomic.LoadInt64(&m.recordsApplied),
		RecordsSkipped:  atomic.LoadInt64(&m.recordsSkipped),
		RecordsExported: atomic.LoadInt64(&m.recordsExported),
		LastSyncMillis:  atomic.LoadInt64(&m.lastSyncMillis),
		DurationMillis:  atomic.LoadInt64(&m.durationMillis),
	}
}
