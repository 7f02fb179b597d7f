// Package metrics exposes the proxy's Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/alexjbarnes/transmission-proxy/internal/acl"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "transmission_proxy"

// Metrics records upstream calls, access decisions and policy reloads.
// A nil *Metrics is a no-op.
type Metrics struct {
	upstreamCalls    *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	sessionRefreshes prometheus.Counter
	decisions        *prometheus.CounterVec
	policyReloads    *prometheus.CounterVec
}

// New creates the metrics and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		upstreamCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "upstream",
				Name:      "calls_total",
				Help:      "Calls sent to the daemon by method and outcome.",
			},
			[]string{"method", "outcome"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "upstream",
				Name:      "call_duration_seconds",
				Help:      "Daemon call latency including a session retry.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		sessionRefreshes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "upstream",
				Name:      "session_refreshes_total",
				Help:      "Session token refreshes after a 409 from the daemon.",
			},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "acl",
				Name:      "decisions_total",
				Help:      "Access decisions by method and effect.",
			},
			[]string{"method", "effect"},
		),
		policyReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "policy",
				Name:      "reloads_total",
				Help:      "Policy file reloads by result.",
			},
			[]string{"result"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.upstreamCalls,
			m.upstreamDuration,
			m.sessionRefreshes,
			m.decisions,
			m.policyReloads,
		)
	}

	return m
}

// ObserveCall records one daemon call.
func (m *Metrics) ObserveCall(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.upstreamCalls.WithLabelValues(method, outcome).Inc()
	m.upstreamDuration.WithLabelValues(method).Observe(d.Seconds())
}

// SessionRefreshed records a session token refresh.
func (m *Metrics) SessionRefreshed() {
	if m == nil {
		return
	}
	m.sessionRefreshes.Inc()
}

// ObserveDecision records an access decision.
func (m *Metrics) ObserveDecision(method string, d acl.Decision) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(method, d.Effect.String()).Inc()
}

// PolicyReloaded records the result of a policy reload.
func (m *Metrics) PolicyReloaded(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.policyReloads.WithLabelValues(result).Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
