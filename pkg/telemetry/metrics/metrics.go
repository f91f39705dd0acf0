// Package metrics exposes Prometheus metrics for the quotawatch agent.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks refresh-cycle and provider-fetch metrics.
//
// Metrics:
//   - quotawatch_fetch_total: Provider fetch count by outcome
//   - quotawatch_fetch_duration_seconds: Per-provider fetch latency
//   - quotawatch_provider_available: Provider availability (1=available, 0=unavailable)
//   - quotawatch_provider_used_percent: Latest effective used percentage
//   - quotawatch_refresh_cycles_total: Refresh cycle count by trigger
//   - quotawatch_refresh_coalesced_total: Callers joined onto an in-flight refresh
//   - quotawatch_refresh_duration_seconds: Full refresh cycle latency
//   - quotawatch_contract_violations_total: Invalid detail rows emitted by adapters
//
// A nil *Metrics is a valid no-op recorder.
type Metrics struct {
	registry *prometheus.Registry

	fetchTotal         *prometheus.CounterVec
	fetchDuration      *prometheus.HistogramVec
	available          *prometheus.GaugeVec
	usedPercent        *prometheus.GaugeVec
	refreshCycles      *prometheus.CounterVec
	refreshJoined      prometheus.Counter
	refreshDuration    prometheus.Histogram
	contractViolations *prometheus.CounterVec
}

// New creates and registers all metrics with the provided registry.
// If registry is nil a fresh one is created.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,

		fetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quotawatch",
				Name:      "fetch_total",
				Help:      "Total provider fetches by outcome",
			},
			[]string{"provider", "outcome"},
		),

		fetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "quotawatch",
				Name:      "fetch_duration_seconds",
				Help:      "Provider fetch latency in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 25.0},
			},
			[]string{"provider"},
		),

		available: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "quotawatch",
				Name:      "provider_available",
				Help:      "Provider availability (1=available, 0=unavailable)",
			},
			[]string{"provider"},
		),

		usedPercent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "quotawatch",
				Name:      "provider_used_percent",
				Help:      "Latest effective used percentage per provider",
			},
			[]string{"provider"},
		),

		refreshCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quotawatch",
				Name:      "refresh_cycles_total",
				Help:      "Total refresh cycles by trigger",
			},
			[]string{"trigger"},
		),

		refreshJoined: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "quotawatch",
				Name:      "refresh_coalesced_total",
				Help:      "Callers that joined an already in-flight refresh",
			},
		),

		refreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "quotawatch",
				Name:      "refresh_duration_seconds",
				Help:      "Full refresh cycle latency in seconds",
				Buckets:   []float64{0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),

		contractViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quotawatch",
				Name:      "contract_violations_total",
				Help:      "Invalid detail rows emitted by provider adapters",
			},
			[]string{"provider"},
		),
	}

	registry.MustRegister(
		m.fetchTotal,
		m.fetchDuration,
		m.available,
		m.usedPercent,
		m.refreshCycles,
		m.refreshJoined,
		m.refreshDuration,
		m.contractViolations,
	)

	return m
}

// Registry returns the backing registry, for handler wiring.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordFetch records one provider fetch.
//
// Outcomes: "success", "unavailable", "timeout", "config_error", "error".
func (m *Metrics) RecordFetch(provider, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.fetchTotal.WithLabelValues(provider, outcome).Inc()
	m.fetchDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// UpdateProvider updates the availability and usage gauges from the latest
// record for a provider.
func (m *Metrics) UpdateProvider(provider string, available bool, usedPercent float64) {
	if m == nil {
		return
	}
	value := 0.0
	if available {
		value = 1.0
	}
	m.available.WithLabelValues(provider).Set(value)
	m.usedPercent.WithLabelValues(provider).Set(usedPercent)
}

// RecordRefresh records a completed refresh cycle.
//
// Triggers: "scheduled", "manual", "startup".
func (m *Metrics) RecordRefresh(trigger string, duration time.Duration) {
	if m == nil {
		return
	}
	m.refreshCycles.WithLabelValues(trigger).Inc()
	m.refreshDuration.Observe(duration.Seconds())
}

// RecordCoalesced records a caller that joined an in-flight refresh
// instead of starting its own.
func (m *Metrics) RecordCoalesced() {
	if m == nil {
		return
	}
	m.refreshJoined.Inc()
}

// RecordContractViolation records an invalid detail row emitted by a
// provider adapter.
func (m *Metrics) RecordContractViolation(provider string) {
	if m == nil {
		return
	}
	m.contractViolations.WithLabelValues(provider).Inc()
}
