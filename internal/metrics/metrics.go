// Package metrics holds the Prometheus collectors exposed on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "savesync_http_requests_total",
			Help: "Total number of HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "savesync_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// UploadsTotal counts upload attempts by outcome reason ("ok" on success).
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "savesync_uploads_total",
			Help: "Total number of save uploads by result",
		},
		[]string{"result"},
	)

	UploadBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "savesync_upload_size_bytes",
			Help:    "Size of accepted save uploads",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8), // 1KiB .. 16MiB
		},
	)

	DownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "savesync_downloads_total",
			Help: "Total number of save downloads by result",
		},
		[]string{"result"},
	)

	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "savesync_rate_limited_total",
			Help: "Requests rejected by the per-IP rate limiter",
		},
	)

	UploadsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "savesync_uploads_in_flight",
			Help: "Uploads currently being received",
		},
	)

	JanitorRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "savesync_janitor_removed_total",
			Help: "Files removed by the janitor by kind",
		},
		[]string{"kind"}, // "staging", "version"
	)
)

// RecordAPIRequest records one HTTP request.
func RecordAPIRequest(method, route, status string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, status).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordUpload records an upload attempt. reason is empty on success.
func RecordUpload(reason string, size int64) {
	if reason == "" {
		UploadsTotal.WithLabelValues("ok").Inc()
		UploadBytes.Observe(float64(size))
		return
	}
	UploadsTotal.WithLabelValues(reason).Inc()
}

// RecordDownload records a download attempt. reason is empty on success.
func RecordDownload(reason string) {
	if reason == "" {
		reason = "ok"
	}
	DownloadsTotal.WithLabelValues(reason).Inc()
}
