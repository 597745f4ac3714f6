// Package telemetry exposes Prometheus metrics for the decision pipeline.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors for access decisions. A nil *Metrics is
// valid everywhere and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	decisions *prometheus.CounterVec
	denials   *prometheus.CounterVec
	duration  prometheus.Histogram
}

// New creates a Metrics set on its own registry, so tests can build as
// many as they like without duplicate-registration panics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "triage",
			Subsystem: "access",
			Name:      "decisions_total",
			Help:      "Access decisions by credential scheme and outcome.",
		}, []string{"scheme", "outcome"}),
		denials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "triage",
			Subsystem: "access",
			Name:      "denials_total",
			Help:      "Denied decisions by reason.",
		}, []string{"reason"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "triage",
			Subsystem: "access",
			Name:      "decision_duration_seconds",
			Help:      "Time spent producing an access decision.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// ObserveDecision records one completed decision.
func (m *Metrics) ObserveDecision(scheme string, allowed bool, reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "allow"
	if !allowed {
		outcome = "deny"
		m.denials.WithLabelValues(reason).Inc()
	}
	m.decisions.WithLabelValues(scheme, outcome).Inc()
	m.duration.Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
