// Package metrics exposes gateway counters and histograms in Prometheus
// format. All collectors live on a private registry so tests can run in
// isolation and the gateway never pollutes the default registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every gateway collector.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	cacheEvents     *prometheus.CounterVec
	rateLimit       *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	backendHealthy  *prometheus.GaugeVec
	backendInflight *prometheus.GaugeVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_requests_total",
			Help: "Completed requests by route, method and status code.",
		}, []string{"route", "method", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "strata_request_duration_seconds",
			Help:    "End-to-end request latency by route.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"route"}),
		cacheEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_cache_events_total",
			Help: "Response cache lookups by route and result.",
		}, []string{"route", "result"}),
		rateLimit: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_ratelimit_decisions_total",
			Help: "Rate limiter decisions by route.",
		}, []string{"route", "decision"}),
		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_forward_retries_total",
			Help: "Forward retries by route.",
		}, []string{"route"}),
		backendHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "strata_backend_healthy",
			Help: "Backend health by group and backend, 1 healthy 0 not.",
		}, []string{"group", "backend"}),
		backendInflight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "strata_backend_inflight",
			Help: "In-flight requests per backend.",
		}, []string{"group", "backend"}),
	}
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one completed request.
func (m *Metrics) ObserveRequest(route, method string, status int, elapsed time.Duration) {
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// CacheHit and CacheMiss record cache-lookup outcomes.
func (m *Metrics) CacheHit(route string)  { m.cacheEvents.WithLabelValues(route, "hit").Inc() }
func (m *Metrics) CacheMiss(route string) { m.cacheEvents.WithLabelValues(route, "miss").Inc() }

// RateLimitAllowed and RateLimitRejected record limiter decisions.
func (m *Metrics) RateLimitAllowed(route string) {
	m.rateLimit.WithLabelValues(route, "allowed").Inc()
}
func (m *Metrics) RateLimitRejected(route string) {
	m.rateLimit.WithLabelValues(route, "rejected").Inc()
}

// Retry records one forward retry.
func (m *Metrics) Retry(route string) { m.retriesTotal.WithLabelValues(route).Inc() }

// SetBackendHealth publishes a backend's health transition.
func (m *Metrics) SetBackendHealth(group, backend string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	m.backendHealthy.WithLabelValues(group, backend).Set(v)
}

// SetBackendInflight publishes a backend's in-flight gauge.
func (m *Metrics) SetBackendInflight(group, backend string, n int64) {
	m.backendInflight.WithLabelValues(group, backend).Set(float64(n))
}
