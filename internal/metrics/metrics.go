// Package metrics provides Prometheus instrumentation for the nexus server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only nexus metrics appear on the /metrics endpoint.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the nexus server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	DecisionsTotal      *prometheus.CounterVec
	RevealsTotal        prometheus.Counter
	QuotaDenialsTotal   prometheus.Counter
	CacheLoadsTotal     prometheus.Counter
	CacheInvalidations  prometheus.Counter
	AuthFailuresTotal   prometheus.Counter
	ActiveStreams       prometheus.Gauge
}

// New creates and registers all nexus metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nexus_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),

		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_access_decisions_total",
			Help: "Total number of access decisions, labeled by action.",
		}, []string{"action"}),

		RevealsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexus_reveals_total",
			Help: "Total number of quota-consuming prompt reveals.",
		}),

		QuotaDenialsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexus_quota_denials_total",
			Help: "Total number of reveals denied because the quota ran out.",
		}),

		CacheLoadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexus_cache_loads_total",
			Help: "Total number of full catalog reloads from the database.",
		}),

		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexus_cache_invalidations_total",
			Help: "Total number of NOTIFY-triggered catalog invalidations.",
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexus_auth_failures_total",
			Help: "Total number of failed authentication or profile lookups.",
		}),

		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nexus_active_streams",
			Help: "Number of active SSE connections.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.DecisionsTotal,
		m.RevealsTotal,
		m.QuotaDenialsTotal,
		m.CacheLoadsTotal,
		m.CacheInvalidations,
		m.AuthFailuresTotal,
		m.ActiveStreams,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordDecision increments the decision counter for one evaluated action.
func (m *Metrics) RecordDecision(action string) {
	m.DecisionsTotal.WithLabelValues(action).Inc()
}

// IncReveals increments the consumed-reveal counter.
func (m *Metrics) IncReveals() {
	m.RevealsTotal.Inc()
}

// IncQuotaDenials increments the quota-denial counter.
func (m *Metrics) IncQuotaDenials() {
	m.QuotaDenialsTotal.Inc()
}

// IncCacheLoads increments the cache load counter.
func (m *Metrics) IncCacheLoads() {
	m.CacheLoadsTotal.Inc()
}

// IncCacheInvalidations increments the cache invalidation counter.
func (m *Metrics) IncCacheInvalidations() {
	m.CacheInvalidations.Inc()
}

// IncAuthFailures increments the auth failure counter.
func (m *Metrics) IncAuthFailures() {
	m.AuthFailuresTotal.Inc()
}

// HTTPMiddleware records request counts and latencies. The route label is a
// normalized path with IDs replaced, to keep label cardinality bounded.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := routeLabel(r.URL.Path)
		status := strconv.Itoa(sw.status)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// routeLabel collapses path parameters so each API route maps to a single
// label value. Unknown paths share one bucket.
func routeLabel(path string) string {
	switch path {
	case "/healthz", "/metrics":
		return path
	}

	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] != "v1" {
		return "other"
	}

	switch len(segments) {
	case 2:
		return "/v1/" + segments[1]
	case 3:
		if segments[1] == "auth" {
			return "/v1/auth/" + segments[2]
		}
		return "/v1/" + segments[1] + "/{id}"
	case 4:
		return "/v1/" + segments[1] + "/{id}/" + segments[3]
	default:
		return "other"
	}
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Flush passes through so SSE streaming keeps working behind the middleware.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
