// Package metrics exposes the pipeline's Prometheus collectors and the
// HTTP instrumentation used by the control server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Download metrics
	downloadsAttempted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "downloads_attempted_total",
			Help: "Total number of download attempts, counting retries",
		},
	)

	downloadsSucceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "downloads_succeeded_total",
			Help: "Total number of URLs downloaded successfully",
		},
	)

	downloadsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "downloads_failed_total",
			Help: "Total number of URLs that exhausted their attempts",
		},
	)

	bytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bytes_written_total",
			Help: "Total bytes written to the output tree",
		},
	)

	retryCandidates = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "retry_candidates",
			Help: "Number of URLs currently in the retry journal",
		},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_workers",
			Help: "Number of download workers currently running",
		},
	)

	// Pipeline metrics
	pipelineRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_running",
			Help: "1 while a pipeline run is in progress, 0 otherwise",
		},
	)

	lastRunDuration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "last_run_duration_seconds",
			Help: "Wall-clock duration of the most recent pipeline run",
		},
	)

	urlsDiscovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "urls_discovered_total",
			Help: "Total number of URLs discovered, by source",
		},
		[]string{"source"},
	)

	recordsUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "records_upserted_total",
			Help: "Total number of records upserted, by kind",
		},
		[]string{"kind"},
	)

	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "handler", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"method", "handler"},
	)
)

// Handler returns the Prometheus metrics handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// InstrumentHTTPHandler wraps an HTTP handler with metrics collection
func InstrumentHTTPHandler(handlerName string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create a response writer wrapper to capture status code
		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		// Execute the handler
		handler(wrapped, r)

		// Record metrics
		duration := time.Since(start).Seconds()
		status := statusCodeClass(wrapped.statusCode)

		httpRequestsTotal.WithLabelValues(r.Method, handlerName, status).Inc()
		httpRequestDuration.WithLabelValues(r.Method, handlerName).Observe(duration)
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// statusCodeClass returns the status code class (2xx, 3xx, 4xx, 5xx)
func statusCodeClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// RecordDownloadAttempt counts one fetch attempt, retries included.
func RecordDownloadAttempt() {
	downloadsAttempted.Inc()
}

// RecordDownloadSuccess counts one URL fetched to completion.
func RecordDownloadSuccess() {
	downloadsSucceeded.Inc()
}

// RecordDownloadFailure counts one URL that exhausted its attempts.
func RecordDownloadFailure() {
	downloadsFailed.Inc()
}

// AddBytesWritten adds a chunk's size to the byte counter.
func AddBytesWritten(n int64) {
	if n > 0 {
		bytesWritten.Add(float64(n))
	}
}

// SetRetryCandidates updates the retry journal gauge.
func SetRetryCandidates(count int) {
	retryCandidates.Set(float64(count))
}

// WorkerStarted increments the active worker gauge.
func WorkerStarted() {
	activeWorkers.Inc()
}

// WorkerFinished decrements the active worker gauge.
func WorkerFinished() {
	activeWorkers.Dec()
}

// RunStarted marks a pipeline run in progress.
func RunStarted() {
	pipelineRunning.Set(1)
}

// RunFinished clears the running gauge and records the run duration.
func RunFinished(duration time.Duration) {
	pipelineRunning.Set(0)
	lastRunDuration.Set(duration.Seconds())
}

// RecordURLsDiscovered counts discovered URLs for one source.
func RecordURLsDiscovered(source string, count int) {
	if count > 0 {
		urlsDiscovered.WithLabelValues(source).Add(float64(count))
	}
}

// RecordUpsert counts one upserted record of the given kind.
func RecordUpsert(kind string) {
	recordsUpserted.WithLabelValues(kind).Inc()
}
