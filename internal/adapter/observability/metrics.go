package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_jobs_enqueued_total",
			Help: "Total number of analysis jobs enqueued",
		},
		[]string{"type", "priority"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_jobs_completed_total",
			Help: "Total number of analysis jobs completed",
		},
		[]string{"type"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_jobs_failed_total",
			Help: "Total number of analysis jobs failed",
		},
		[]string{"type"},
	)
	JobsInterruptedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_jobs_interrupted_total",
			Help: "Total number of analysis jobs interrupted by preemption",
		},
		[]string{"type"},
	)
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "analysis_queue_depth",
			Help: "Number of jobs currently pending in the priority queue",
		},
	)

	LyricsRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lyrics_requests_total",
			Help: "Total number of lyrics provider requests by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)
	LyricsCacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lyrics_cache_hits_total",
			Help: "Total number of lyrics cache lookups by result",
		},
		[]string{"result"},
	)
	RateLimitWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lyrics_rate_limit_wait_seconds",
			Help:    "Time spent waiting on the provider rate limiter",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	QualityGradeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_quality_grade_total",
			Help: "Total number of analyses by quality grade",
		},
		[]string{"grade"},
	)
)

var initOnce sync.Once

// InitMetrics registers all collectors with the default registry. Safe to call
// from both the server and worker entry points.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			JobsEnqueuedTotal,
			JobsCompletedTotal,
			JobsFailedTotal,
			JobsInterruptedTotal,
			QueueDepth,
			LyricsRequestsTotal,
			LyricsCacheHitsTotal,
			RateLimitWaitSeconds,
			QualityGradeTotal,
		)
	})
}

// HTTPMetricsMiddleware records request counts and latencies per chi route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
