package observability

import (
	"net/http"
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

	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erp_rpc_requests_total",
			Help: "Total number of ERP RPC calls by protocol and method",
		},
		[]string{"protocol", "method"},
	)
	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "erp_rpc_request_duration_seconds",
			Help:    "ERP RPC call duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"protocol", "method"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_jobs_enqueued_total",
			Help: "Total number of sync jobs enqueued",
		},
		[]string{"module"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_jobs_processing",
			Help: "Number of sync jobs currently processing",
		},
		[]string{"module"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_jobs_completed_total",
			Help: "Total number of sync jobs completed",
		},
		[]string{"module"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_jobs_failed_total",
			Help: "Total number of sync jobs that failed terminally",
		},
		[]string{"module"},
	)
	JobsRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_jobs_retried_total",
			Help: "Total number of sync job retries scheduled",
		},
		[]string{"module"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_queue_depth",
			Help: "Pending jobs per module",
		},
		[]string{"module"},
	)
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_breaker_state",
			Help: "Circuit breaker state per scope (0 closed, 1 open, 2 half-open)",
		},
		[]string{"scope"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(RPCRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsRetriedTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(BreakerState)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// ObserveRPC records one ERP RPC call.
func ObserveRPC(protocol, method string, elapsed time.Duration) {
	RPCRequestsTotal.WithLabelValues(protocol, method).Inc()
	RPCRequestDuration.WithLabelValues(protocol, method).Observe(elapsed.Seconds())
}

func EnqueueJob(module string) {
	JobsEnqueuedTotal.WithLabelValues(module).Inc()
}

func StartProcessingJob(module string) {
	JobsProcessing.WithLabelValues(module).Inc()
}

func CompleteJob(module string) {
	JobsProcessing.WithLabelValues(module).Dec()
	JobsCompletedTotal.WithLabelValues(module).Inc()
}

func FailJob(module string) {
	JobsProcessing.WithLabelValues(module).Dec()
	JobsFailedTotal.WithLabelValues(module).Inc()
}

func RetryJob(module string) {
	JobsProcessing.WithLabelValues(module).Dec()
	JobsRetriedTotal.WithLabelValues(module).Inc()
}

// SetBreakerState mirrors a breaker scope into the gauge.
func SetBreakerState(scope string, state int) {
	BreakerState.WithLabelValues(scope).Set(float64(state))
}
