package handler

import (
	"fmt"
	"net/http"

	"github.com/comparisonguide/clicktrack/internal/metrics"
)

// MetricsHandler exposes in-memory metrics.
type MetricsHandler struct {
	snapshotter metrics.Snapshotter
}

// NewMetricsHandler creates a new MetricsHandler.
func NewMetricsHandler(snapshotter metrics.Snapshotter) *MetricsHandler {
	return &MetricsHandler{snapshotter: snapshotter}
}

// Metrics returns metrics in Prometheus exposition format.
func (h *MetricsHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.snapshotter == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	snap := h.snapshotter.Snapshot()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	writeMetric(w, "clicktrack_clicks_received_total %d\n", snap.ClicksReceived)
	writeMetric(w, "clicktrack_clicks_forwarded_total{mechanism=\"redirect\"} %d\n", snap.ClicksRedirected)
	writeMetric(w, "clicktrack_clicks_forwarded_total{mechanism=\"refresh\"} %d\n", snap.ClicksRefreshed)
	writeMetric(w, "clicktrack_clicks_sent_home_total %d\n", snap.ClicksSentHome)
	writeMetric(w, "clicktrack_redirect_duration_seconds_count %d\n", snap.RedirectDurationCount)
	writeMetric(w, "clicktrack_redirect_duration_seconds_sum %.6f\n", float64(snap.RedirectDurationTotalNs)/1e9)

	writeMetric(w, "clicktrack_content_cache_hits_total %d\n", snap.ContentCacheHits)
	writeMetric(w, "clicktrack_content_cache_misses_total %d\n", snap.ContentCacheMisses)
	writeMetric(w, "clicktrack_content_upstream_errors_total %d\n", snap.ContentUpstreamErrors)

	writeMetric(w, "clicktrack_tracking_tasks_dispatched_total{status=\"success\"} %d\n", snap.TrackingTasksDispatched)
	writeMetric(w, "clicktrack_tracking_tasks_dispatched_total{status=\"dropped\"} %d\n", snap.TrackingTasksDropped)

	writeMetric(w, "clicktrack_tracking_tasks_processed_total{status=\"success\"} %d\n", snap.TrackingTasksProcessed)
	writeMetric(w, "clicktrack_tracking_tasks_processed_total{status=\"failed\"} %d\n", snap.TrackingTasksFailed)
	writeMetric(w, "clicktrack_tracking_tasks_processed_total{status=\"skipped\"} %d\n", snap.TrackingTasksSkipped)

	writeMetric(w, "clicktrack_tracking_batches_total %d\n", snap.TrackingBatches)
	writeMetric(w, "clicktrack_tracking_queue_depth %d\n", snap.TrackingQueueDepth)
}

func writeMetric(w http.ResponseWriter, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
