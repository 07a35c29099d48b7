// Package metrics provides lightweight hooks for instrumentation.
package metrics

import "time"

// Recorder captures metric events for the application.
// Implementations can expose these to Prometheus, StatsD, etc.
type Recorder interface {
	// Redirect metrics
	IncClickReceived()
	IncClickForwarded(mechanism string) // mechanism: "redirect" or "refresh"
	IncClickSentHome()
	ObserveRedirectDuration(stage string, duration time.Duration)

	// Content gateway metrics
	IncContentCacheHit()
	IncContentCacheMiss()
	IncContentUpstreamError()

	// Tracking pipeline metrics
	IncTrackingTaskDispatched(status string) // status: "success" or "dropped"
	IncTrackingTaskProcessed(status string)  // status: "success", "failed", "skipped"
	ObserveTrackingBatchSize(size int)
	SetTrackingQueueDepth(depth int64)
}

// Snapshotter exposes a snapshot of current metrics.
type Snapshotter interface {
	Snapshot() Snapshot
}
