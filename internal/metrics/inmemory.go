package metrics

import (
	"sync/atomic"
	"time"
)

// Snapshot captures current in-memory counters.
type Snapshot struct {
	ClicksReceived          uint64
	ClicksRedirected        uint64
	ClicksRefreshed         uint64
	ClicksSentHome          uint64
	RedirectDurationCount   uint64
	RedirectDurationTotalNs int64

	ContentCacheHits      uint64
	ContentCacheMisses    uint64
	ContentUpstreamErrors uint64

	TrackingTasksDispatched uint64
	TrackingTasksDropped    uint64
	TrackingTasksProcessed  uint64
	TrackingTasksFailed     uint64
	TrackingTasksSkipped    uint64
	TrackingBatches         uint64
	TrackingQueueDepth      int64
}

// InMemoryRecorder stores metrics in memory. It backs the /metrics endpoint
// and is used directly in tests.
type InMemoryRecorder struct {
	clicksReceived          atomic.Uint64
	clicksRedirected        atomic.Uint64
	clicksRefreshed         atomic.Uint64
	clicksSentHome          atomic.Uint64
	redirectDurationCount   atomic.Uint64
	redirectDurationTotalNs atomic.Int64

	contentCacheHits      atomic.Uint64
	contentCacheMisses    atomic.Uint64
	contentUpstreamErrors atomic.Uint64

	trackingDispatched atomic.Uint64
	trackingDropped    atomic.Uint64
	trackingProcessed  atomic.Uint64
	trackingFailed     atomic.Uint64
	trackingSkipped    atomic.Uint64
	trackingBatches    atomic.Uint64
	trackingQueueDepth atomic.Int64
}

// NewInMemory returns a Recorder that stores counters in memory.
func NewInMemory() *InMemoryRecorder {
	return &InMemoryRecorder{}
}

// Snapshot returns a copy of the counters.
func (m *InMemoryRecorder) Snapshot() Snapshot {
	return Snapshot{
		ClicksReceived:          m.clicksReceived.Load(),
		ClicksRedirected:        m.clicksRedirected.Load(),
		ClicksRefreshed:         m.clicksRefreshed.Load(),
		ClicksSentHome:          m.clicksSentHome.Load(),
		RedirectDurationCount:   m.redirectDurationCount.Load(),
		RedirectDurationTotalNs: m.redirectDurationTotalNs.Load(),

		ContentCacheHits:      m.contentCacheHits.Load(),
		ContentCacheMisses:    m.contentCacheMisses.Load(),
		ContentUpstreamErrors: m.contentUpstreamErrors.Load(),

		TrackingTasksDispatched: m.trackingDispatched.Load(),
		TrackingTasksDropped:    m.trackingDropped.Load(),
		TrackingTasksProcessed:  m.trackingProcessed.Load(),
		TrackingTasksFailed:     m.trackingFailed.Load(),
		TrackingTasksSkipped:    m.trackingSkipped.Load(),
		TrackingBatches:         m.trackingBatches.Load(),
		TrackingQueueDepth:      m.trackingQueueDepth.Load(),
	}
}

// IncClickReceived increments the entry-stage counter.
func (m *InMemoryRecorder) IncClickReceived() {
	m.clicksReceived.Add(1)
}

// IncClickForwarded increments the forward counter for the given mechanism.
func (m *InMemoryRecorder) IncClickForwarded(mechanism string) {
	if mechanism == "refresh" {
		m.clicksRefreshed.Add(1)
		return
	}
	m.clicksRedirected.Add(1)
}

// IncClickSentHome increments the fail-open counter.
func (m *InMemoryRecorder) IncClickSentHome() {
	m.clicksSentHome.Add(1)
}

// ObserveRedirectDuration records redirect duration.
func (m *InMemoryRecorder) ObserveRedirectDuration(stage string, duration time.Duration) {
	m.redirectDurationCount.Add(1)
	m.redirectDurationTotalNs.Add(duration.Nanoseconds())
}

// IncContentCacheHit increments content cache hit counter.
func (m *InMemoryRecorder) IncContentCacheHit() {
	m.contentCacheHits.Add(1)
}

// IncContentCacheMiss increments content cache miss counter.
func (m *InMemoryRecorder) IncContentCacheMiss() {
	m.contentCacheMisses.Add(1)
}

// IncContentUpstreamError increments the CMS failure counter.
func (m *InMemoryRecorder) IncContentUpstreamError() {
	m.contentUpstreamErrors.Add(1)
}

// IncTrackingTaskDispatched counts dispatched or dropped tasks.
func (m *InMemoryRecorder) IncTrackingTaskDispatched(status string) {
	if status == "dropped" {
		m.trackingDropped.Add(1)
		return
	}
	m.trackingDispatched.Add(1)
}

// IncTrackingTaskProcessed counts executed tasks by outcome.
func (m *InMemoryRecorder) IncTrackingTaskProcessed(status string) {
	switch status {
	case "failed":
		m.trackingFailed.Add(1)
	case "skipped":
		m.trackingSkipped.Add(1)
	default:
		m.trackingProcessed.Add(1)
	}
}

// ObserveTrackingBatchSize counts a processed batch.
func (m *InMemoryRecorder) ObserveTrackingBatchSize(size int) {
	m.trackingBatches.Add(1)
}

// SetTrackingQueueDepth records the current backlog.
func (m *InMemoryRecorder) SetTrackingQueueDepth(depth int64) {
	m.trackingQueueDepth.Store(depth)
}
