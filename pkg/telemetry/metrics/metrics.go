// Package metrics exposes the gateway's Prometheus instrumentation on a
// private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics is
// valid and records nothing, so callers never need to guard.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	failoverAttempts *prometheus.CounterVec
	circuitOpen      *prometheus.GaugeVec
	inFlight         *prometheus.GaugeVec
	tokensTotal      *prometheus.CounterVec
	refreshesTotal   *prometheus.CounterVec
}

// New builds the metric vectors under the given namespace and registers
// them on a fresh registry alongside the standard process and Go
// collectors.
func New(namespace string) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Chat completion requests by account, model, and outcome.",
	}, []string{"account", "model", "outcome"})

	m.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "request_duration_seconds",
		Help:      "End-to-end chat completion latency.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"account", "stream"})

	m.failoverAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "failover_attempts_total",
		Help:      "Attempts beyond the first, by the account that failed.",
	}, []string{"account"})

	m.circuitOpen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_open",
		Help:      "Whether the account's circuit is currently open.",
	}, []string{"account"})

	m.inFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "in_flight_requests",
		Help:      "Upstream calls currently in progress per account.",
	}, []string{"account"})

	m.tokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tokens_total",
		Help:      "Tokens reported by the upstream, by account and direction.",
	}, []string{"account", "direction"})

	m.refreshesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "credential_refreshes_total",
		Help:      "OAuth credential refreshes by account and outcome.",
	}, []string{"account", "outcome"})

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.failoverAttempts,
		m.circuitOpen,
		m.inFlight,
		m.tokensTotal,
		m.refreshesTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest counts one finished chat completion.
func (m *Metrics) RecordRequest(account, model, outcome string, seconds float64, stream bool) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(account, model, outcome).Inc()
	streamLabel := "false"
	if stream {
		streamLabel = "true"
	}
	m.requestDuration.WithLabelValues(account, streamLabel).Observe(seconds)
}

// RecordFailover counts one failover away from the given account.
func (m *Metrics) RecordFailover(account string) {
	if m == nil {
		return
	}
	m.failoverAttempts.WithLabelValues(account).Inc()
}

// SetCircuitOpen records the account's circuit state.
func (m *Metrics) SetCircuitOpen(account string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1.0
	}
	m.circuitOpen.WithLabelValues(account).Set(v)
}

// SetInFlight records the account's current in-flight count.
func (m *Metrics) SetInFlight(account string, n int64) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(account).Set(float64(n))
}

// RecordTokens counts upstream-reported token usage.
func (m *Metrics) RecordTokens(account string, prompt, completion int64) {
	if m == nil {
		return
	}
	if prompt > 0 {
		m.tokensTotal.WithLabelValues(account, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		m.tokensTotal.WithLabelValues(account, "completion").Add(float64(completion))
	}
}

// RecordRefresh counts one credential refresh attempt.
func (m *Metrics) RecordRefresh(account, outcome string) {
	if m == nil {
		return
	}
	m.refreshesTotal.WithLabelValues(account, outcome).Inc()
}

// Reset drops all label children, used when the routing config is
// swapped and old account ids disappear.
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.circuitOpen.Reset()
	m.inFlight.Reset()
}
