package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric collectors for the TaskForge API.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPInFlight        prometheus.Gauge
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Auth gate and session lifecycle.
	AuthOutcomesTotal *prometheus.CounterVec
	SessionOpsTotal   *prometheus.CounterVec

	// Membership role cache lookups, labelled hit/miss/error.
	CacheLookupsTotal *prometheus.CounterVec

	RateLimitRejectionsTotal *prometheus.CounterVec

	// Notification dispatcher.
	NotificationsTotal *prometheus.CounterVec

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskforge_http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskforge_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskforge_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path_pattern"}),

		AuthOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskforge_auth_outcomes_total",
			Help: "Bearer authentication attempts by outcome.",
		}, []string{"outcome"}),

		SessionOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskforge_session_operations_total",
			Help: "Session lifecycle operations (signup, login, refresh, ...) by outcome.",
		}, []string{"op", "outcome"}),

		CacheLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskforge_membership_cache_lookups_total",
			Help: "Membership role cache lookups by result.",
		}, []string{"result"}),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskforge_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections.",
		}, []string{"scope"}),

		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskforge_notifications_total",
			Help: "Notification deliveries by kind and status.",
		}, []string{"kind", "status"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskforge_server_start_time_seconds",
			Help: "Unix timestamp of server start.",
		}),
	}

	reg.MustRegister(
		m.HTTPInFlight,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthOutcomesTotal,
		m.SessionOpsTotal,
		m.CacheLookupsTotal,
		m.RateLimitRejectionsTotal,
		m.NotificationsTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	// Register Go runtime and process collectors.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// PrometheusHandler serves the registry in the Prometheus exposition format.
func (m *Metrics) PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterPool exposes the database pool read by read on every scrape.
func (m *Metrics) RegisterPool(read PoolStatFunc) {
	m.registry.MustRegister(newPoolCollector(read))
}

// IncAuthOutcome counts one bearer authentication attempt.
func (m *Metrics) IncAuthOutcome(outcome string) {
	m.AuthOutcomesTotal.WithLabelValues(outcome).Inc()
}

// IncSessionOp counts one session lifecycle operation.
func (m *Metrics) IncSessionOp(op, outcome string) {
	m.SessionOpsTotal.WithLabelValues(op, outcome).Inc()
}

// IncCacheLookup counts one membership cache lookup.
func (m *Metrics) IncCacheLookup(result string) {
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

// IncRateLimitRejection increments the rate limit rejection counter.
func (m *Metrics) IncRateLimitRejection(scope string) {
	m.RateLimitRejectionsTotal.WithLabelValues(scope).Inc()
}

// IncNotification records the final outcome of one notification job.
func (m *Metrics) IncNotification(kind string, err error) {
	status := "sent"
	if err != nil {
		status = "failed"
	}
	m.NotificationsTotal.WithLabelValues(kind, status).Inc()
}

// Instrument records request count, latency and in-flight gauge. The chi
// route pattern is used as the path label so that IDs do not explode
// cardinality; unmatched requests are labelled "unmatched".
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.HTTPInFlight.Inc()
		defer m.HTTPInFlight.Dec()

		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				pattern = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		m.HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}
