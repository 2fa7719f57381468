// Package metrics provides Prometheus metrics for the depotfs gateway.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depotfs_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "depotfs_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Content transfer metrics
	contentBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "depotfs_content_bytes_downloaded_total",
			Help: "Total bytes served from content downloads",
		},
	)

	contentBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "depotfs_content_bytes_uploaded_total",
			Help: "Total bytes accepted from content uploads",
		},
	)

	// Storage operation metrics
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depotfs_operations_total",
			Help: "Total storage engine operations",
		},
		[]string{"operation", "status"},
	)

	lockConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "depotfs_lock_conflicts_total",
			Help: "Total operations rejected due to a held path lock",
		},
	)

	// Post-processing metrics
	tasksProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depotfs_tasks_processed_total",
			Help: "Total post-processing tasks consumed",
		},
		[]string{"type", "status"},
	)

	taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "depotfs_task_duration_seconds",
			Help:    "Post-processing task duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	tasksPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "depotfs_tasks_pending",
			Help: "Pending post-processing tasks by type",
		},
		[]string{"type"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric. The URL path is not a
// label: managed paths are unbounded and would explode cardinality.
func RecordHTTPRequest(method string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordOperation records a storage engine operation outcome.
func RecordOperation(operation, status string) {
	operationsTotal.WithLabelValues(operation, status).Inc()
	if status == "locked" {
		lockConflictsTotal.Inc()
	}
}

// RecordDownloadBytes adds to the served-bytes counter.
func RecordDownloadBytes(n int64) {
	contentBytesDownloaded.Add(float64(n))
}

// RecordUploadBytes adds to the accepted-bytes counter.
func RecordUploadBytes(n int64) {
	contentBytesUploaded.Add(float64(n))
}

// RecordTask records one consumed post-processing task.
func RecordTask(taskType string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	tasksProcessedTotal.WithLabelValues(taskType, status).Inc()
	taskDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

// SetTasksPending sets the pending queue depth for a task type.
func SetTasksPending(taskType string, n int) {
	tasksPending.WithLabelValues(taskType).Set(float64(n))
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, rw.statusCode, time.Since(start))
	})
}
