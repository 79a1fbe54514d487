// Package metrics exposes Prometheus instrumentation for the storage and
// sync engine: queue depths, transfer counters, and operation latencies.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Object store metrics.
	ObjectsWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_objects_written_total",
			Help: "Total number of objects written to the local object store",
		},
	)

	ObjectBytesWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_object_bytes_written_total",
			Help: "Total bytes written to the local object store",
		},
	)

	ObjectIntegrityFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_object_integrity_failures_total",
			Help: "Total number of digest mismatches rejected on ingress",
		},
	)

	// Commit / head metrics.
	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_commits_total",
			Help: "Total number of commits added, by origin",
		},
		[]string{"origin"}, // "local", "merge", "remote"
	)

	HeadsCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledger_heads_count",
			Help: "Current number of heads for a page",
		},
		[]string{"page_id"},
	)

	// Sync metrics.
	SyncUploadQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledger_sync_upload_queue_depth",
			Help: "Number of commits pending upload for a page",
		},
		[]string{"page_id"},
	)

	SyncUploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledger_sync_upload_duration_seconds",
			Help:    "Time taken to upload a commit and its referenced objects",
			Buckets: prometheus.DefBuckets,
		},
	)

	SyncDownloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledger_sync_download_duration_seconds",
			Help:    "Time taken to ingest a downloaded commit batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	SyncUploadErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_sync_upload_errors_total",
			Help: "Total sync upload errors by kind",
		},
		[]string{"kind"}, // "transient", "permanent"
	)

	SyncDownloadOrphansTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_sync_download_orphans_discarded_total",
			Help: "Total downloaded commits discarded after exceeding the orphan timeout",
		},
	)

	SyncDownloadBatchTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_sync_download_batch_timeouts_total",
			Help: "Total server batches ingested incomplete after a sibling failed to arrive within the batch timeout",
		},
	)

	// Merge metrics.
	MergesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_merges_total",
			Help: "Total number of merge commits produced",
		},
	)

	MergeConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_merge_conflicts_total",
			Help: "Total number of keys resolved by the conflict policy (as opposed to carried over automatically)",
		},
	)

	MergeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledger_merge_duration_seconds",
			Help:    "Time taken to compute and commit a merge",
			Buckets: prometheus.DefBuckets,
		},
	)

	// User sync metrics.
	CloudErasedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_cloud_erased_total",
			Help: "Total number of times this device detected its cloud data had been erased",
		},
	)

	DeviceFingerprintErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_device_fingerprint_errors_total",
			Help: "Total errors checking or registering this device's cloud fingerprint, by kind",
		},
		[]string{"kind"},
	)

	// Client API metrics.
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_api_requests_total",
			Help: "Total number of client API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_api_request_duration_seconds",
			Help:    "Client API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(
		ObjectsWrittenTotal,
		ObjectBytesWrittenTotal,
		ObjectIntegrityFailuresTotal,
		CommitsTotal,
		HeadsCount,
		SyncUploadQueueDepth,
		SyncUploadDuration,
		SyncDownloadDuration,
		SyncUploadErrorsTotal,
		SyncDownloadOrphansTotal,
		SyncDownloadBatchTimeoutsTotal,
		MergesTotal,
		MergeConflictsTotal,
		MergeDuration,
		CloudErasedTotal,
		DeviceFingerprintErrorsTotal,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
