// Package metrics exposes Prometheus instrumentation for the broker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the broker's counters and gauges.
type Metrics struct {
	registry *prometheus.Registry

	enginesReady    *prometheus.GaugeVec
	sessionsActive  prometheus.Gauge
	sessionsStarted *prometheus.CounterVec
	sessionErrors   *prometheus.CounterVec
}

// New creates and registers the broker metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	enginesReady := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "broker_engine_ready",
		Help: "1 when the engine's backend connection is ready, 0 while connecting",
	}, []string{"engine"})
	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_sessions_active",
		Help: "Number of live session actors",
	})
	sessionsStarted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_sessions_started_total",
		Help: "Total sessions started, by operation class",
	}, []string{"class"})
	sessionErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_session_errors_total",
		Help: "Total session operation failures, by operation class",
	}, []string{"class"})

	registry.MustRegister(enginesReady, sessionsActive, sessionsStarted, sessionErrors)

	return &Metrics{
		registry:        registry,
		enginesReady:    enginesReady,
		sessionsActive:  sessionsActive,
		sessionsStarted: sessionsStarted,
		sessionErrors:   sessionErrors,
	}
}

// Handler serves the /metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetEngineReady(engine string, ready bool) {
	v := 0.0
	if ready {
		v = 1.0
	}
	m.enginesReady.WithLabelValues(engine).Set(v)
}

func (m *Metrics) SessionStarted(class string) {
	m.sessionsActive.Inc()
	m.sessionsStarted.WithLabelValues(class).Inc()
}

func (m *Metrics) SessionStopped() { m.sessionsActive.Dec() }

func (m *Metrics) SessionError(class string) {
	m.sessionErrors.WithLabelValues(class).Inc()
}
