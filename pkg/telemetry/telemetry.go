// Package telemetry provides low-overhead HTTP request instrumentation:
// Prometheus counters and latency histograms per route, plus structured
// logging of slow requests.
package telemetry

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"sessiondb/pkg/logger"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessiondb_http_requests_total",
		Help: "HTTP requests by method and status code.",
	}, []string{"method", "code"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sessiondb_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	inflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sessiondb_http_inflight_requests",
		Help: "Requests currently being served.",
	})
)

var slowThresholdMs int64 = 200

// SetSlowThreshold adjusts the latency above which requests are logged.
func SetSlowThreshold(d time.Duration) {
	if d > 0 {
		atomic.StoreInt64(&slowThresholdMs, d.Milliseconds())
	}
}

// Middleware records metrics for every request and logs slow ones.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		inflight.Inc()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		inflight.Dec()
		elapsed := time.Since(start)
		requestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		requestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())

		if elapsed.Milliseconds() >= atomic.LoadInt64(&slowThresholdMs) {
			logger.Warn("slow_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", elapsed.Milliseconds())
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying writer so streaming responses keep
// working through the middleware.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
