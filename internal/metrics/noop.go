package metrics

import "time"

// NoopRecorder implements Recorder with no-op methods.
type NoopRecorder struct{}

// NewNoop returns a Recorder that discards all metrics.
func NewNoop() Recorder {
	return &NoopRecorder{}
}

// IncClickReceived is a no-op.
func (n *NoopRecorder) IncClickReceived() {}

// IncClickForwarded is a no-op.
func (n *NoopRecorder) IncClickForwarded(mechanism string) {}

// IncClickSentHome is a no-op.
func (n *NoopRecorder) IncClickSentHome() {}

// ObserveRedirectDuration is a no-op.
func (n *NoopRecorder) ObserveRedirectDuration(stage string, duration time.Duration) {}

// IncContentCacheHit is a no-op.
func (n *NoopRecorder) IncContentCacheHit() {}

// IncContentCacheMiss is a no-op.
func (n *NoopRecorder) IncContentCacheMiss() {}

// IncContentUpstreamError is a no-op.
func (n *NoopRecorder) IncContentUpstreamError() {}

// IncTrackingTaskDispatched is a no-op.
func (n *NoopRecorder) IncTrackingTaskDispatched(status string) {}

// IncTrackingTaskProcessed is a no-op.
func (n *NoopRecorder) IncTrackingTaskProcessed(status string) {}

// ObserveTrackingBatchSize is a no-op.
func (n *NoopRecorder) ObserveTrackingBatchSize(size int) {}

// SetTrackingQueueDepth is a no-op.
func (n *NoopRecorder) SetTrackingQueueDepth(depth int64) {}
