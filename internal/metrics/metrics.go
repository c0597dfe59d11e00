// Package metrics provides Prometheus instrumentation for the visly server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only visly metrics appear on the /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the visly server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	DecisionsTotal      *prometheus.CounterVec
	StylesheetBuilds    prometheus.Counter
	StylesheetCacheHits prometheus.Counter
	SettingsLoadsTotal  prometheus.Counter
	SettingsInvalidations prometheus.Counter
	InsightEventsTotal  *prometheus.CounterVec
	InsightDropsTotal   prometheus.Counter
	AuthFailuresTotal   prometheus.Counter
}

// New creates and registers all visly metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "visly_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "visly_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "visly_render_decisions_total",
			Help: "Total number of block render decisions, by outcome and reason.",
		}, []string{"decision", "reason"}),

		StylesheetBuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "visly_stylesheet_builds_total",
			Help: "Total number of stylesheet generations (cache misses).",
		}),

		StylesheetCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "visly_stylesheet_cache_hits_total",
			Help: "Total number of stylesheet requests served from cache.",
		}),

		SettingsLoadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "visly_settings_loads_total",
			Help: "Total number of full settings reloads from the database.",
		}),

		SettingsInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "visly_settings_invalidations_total",
			Help: "Total number of NOTIFY-triggered settings invalidations.",
		}),

		InsightEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "visly_insight_events_total",
			Help: "Total number of visibility insight events recorded.",
		}, []string{"event"}),

		InsightDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "visly_insight_drops_total",
			Help: "Total number of insight events dropped due to write failures.",
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "visly_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.DecisionsTotal,
		m.StylesheetBuilds,
		m.StylesheetCacheHits,
		m.SettingsLoadsTotal,
		m.SettingsInvalidations,
		m.InsightEventsTotal,
		m.InsightDropsTotal,
		m.AuthFailuresTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordDecision increments the decision counter for one render outcome.
func (m *Metrics) RecordDecision(decision, reason string) {
	m.DecisionsTotal.WithLabelValues(decision, reason).Inc()
}

// RecordInsight increments the insight event counter.
func (m *Metrics) RecordInsight(event string) {
	m.InsightEventsTotal.WithLabelValues(event).Inc()
}

// IncSettingsLoads increments the settings reload counter.
func (m *Metrics) IncSettingsLoads() {
	m.SettingsLoadsTotal.Inc()
}

// IncSettingsInvalidations increments the settings invalidation counter.
func (m *Metrics) IncSettingsInvalidations() {
	m.SettingsInvalidations.Inc()
}
