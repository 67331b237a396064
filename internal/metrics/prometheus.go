// Package metrics exposes gateway counters and gauges to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tjfontaine/tenant-gateway/internal/session"
)

const namespace = "gateway"

// Metrics holds every gateway collector, registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	requests          *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	rateLimitRejected *prometheus.CounterVec
	rateLimitErrors   prometheus.Counter
	upstreamErrors    *prometheus.CounterVec
	sessionsInUse     prometheus.Gauge
	sessionsAcquired  prometheus.Counter
	sessionsDestroyed *prometheus.CounterVec
	sessionHold       prometheus.Histogram
	serviceHealth     *prometheus.GaugeVec
}

// New creates the collectors and registers them, along with the Go runtime
// and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests handled, by route and status code",
			},
			[]string{"route", "method", "code"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "End-to-end request latency through the gateway",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		rateLimitRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_rejections_total",
				Help:      "Requests rejected by the rate limiter, by tier",
			},
			[]string{"scope"},
		),
		rateLimitErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_store_errors_total",
				Help:      "Rate limit store failures; affected requests were admitted",
			},
		),
		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_errors_total",
				Help:      "Forwarded requests that failed to reach the downstream service",
			},
			[]string{"route"},
		),
		sessionsInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_sessions_in_use",
				Help:      "Tenant-tagged database sessions currently held by requests",
			},
		),
		sessionsAcquired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "db_sessions_acquired_total",
				Help:      "Tenant-tagged database sessions handed out",
			},
		),
		sessionsDestroyed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "db_sessions_destroyed_total",
				Help:      "Pooled connections destroyed instead of reused, by reason",
			},
			[]string{"reason"},
		),
		sessionHold: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "db_session_hold_seconds",
				Help:      "How long requests held a tagged session",
				Buckets:   prometheus.DefBuckets,
			},
		),
		serviceHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "service_healthy",
				Help:      "1 when the last health probe of a downstream service passed",
			},
			[]string{"service"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.requestDuration,
		m.rateLimitRejected,
		m.rateLimitErrors,
		m.upstreamErrors,
		m.sessionsInUse,
		m.sessionsAcquired,
		m.sessionsDestroyed,
		m.sessionHold,
		m.serviceHealth,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest records one completed request. route is the matched prefix,
// or "unmatched".
func (m *Metrics) ObserveRequest(route, method string, code int, elapsed time.Duration) {
	m.requests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) RateLimitRejected(scope string) {
	m.rateLimitRejected.WithLabelValues(scope).Inc()
}

func (m *Metrics) RateLimitStoreError() {
	m.rateLimitErrors.Inc()
}

func (m *Metrics) UpstreamError(route string) {
	m.upstreamErrors.WithLabelValues(route).Inc()
}

// SessionAcquired implements session.Observer.
func (m *Metrics) SessionAcquired(string) {
	m.sessionsAcquired.Inc()
	m.sessionsInUse.Inc()
}

// SessionReleased implements session.Observer.
func (m *Metrics) SessionReleased(_ string, held time.Duration) {
	m.sessionsInUse.Dec()
	m.sessionHold.Observe(held.Seconds())
}

// SessionDestroyed implements session.Observer. Connections destroyed at
// release were counted as in use.
func (m *Metrics) SessionDestroyed(reason string) {
	m.sessionsDestroyed.WithLabelValues(reason).Inc()
	if reason == session.ReasonClearFailed {
		m.sessionsInUse.Dec()
	}
}

// ServiceHealth implements health.Observer.
func (m *Metrics) ServiceHealth(service string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	m.serviceHealth.WithLabelValues(service).Set(v)
}
