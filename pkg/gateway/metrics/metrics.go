// Package metrics holds the Prometheus metrics for the interview gateway.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	SetupsTotal     *prometheus.CounterVec
	DebitsTotal     *prometheus.CounterVec
	RestoresTotal   *prometheus.CounterVec
	GuardDenials    *prometheus.CounterVec
	CallsActive     prometheus.Gauge
	CallsTotal      *prometheus.CounterVec
	CallDuration    prometheus.Histogram
	ConnectDuration prometheus.Histogram
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voxly"
	}

	registry := prometheus.NewRegistry()

	setupsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "setups_total",
			Help:      "Setup form submissions by outcome",
		},
		[]string{"outcome"},
	)

	debitsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_debits_total",
			Help:      "Credit debit requests by outcome",
		},
		[]string{"outcome"},
	)

	restoresTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_restores_total",
			Help:      "Credit restore requests by outcome",
		},
		[]string{"outcome"},
	)

	guardDenials := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_denials_total",
			Help:      "Admission denials by reason",
		},
		[]string{"reason"},
	)

	callsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Number of live interview calls",
		},
	)

	callsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Completed interview calls by end reason",
		},
		[]string{"reason"},
	)

	callDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Connected call duration in seconds",
			Buckets:   []float64{30, 60, 120, 300, 600, 900, 1200},
		},
	)

	connectDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_duration_seconds",
			Help:      "Time from start to the vendor connected event",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30},
		},
	)

	registry.MustRegister(
		setupsTotal,
		debitsTotal,
		restoresTotal,
		guardDenials,
		callsActive,
		callsTotal,
		callDuration,
		connectDuration,
	)

	return &Metrics{
		registry:        registry,
		SetupsTotal:     setupsTotal,
		DebitsTotal:     debitsTotal,
		RestoresTotal:   restoresTotal,
		GuardDenials:    guardDenials,
		CallsActive:     callsActive,
		CallsTotal:      callsTotal,
		CallDuration:    callDuration,
		ConnectDuration: connectDuration,
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordSetup(outcome string) {
	m.SetupsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordDebit(outcome string) {
	m.DebitsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordRestore(outcome string) {
	m.RestoresTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordGuardDenial(reason string) {
	m.GuardDenials.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordCallStart() {
	m.CallsActive.Inc()
}

func (m *Metrics) RecordCallEnd(reason string, connected time.Duration) {
	m.CallsActive.Dec()
	m.CallsTotal.WithLabelValues(reason).Inc()
	if connected > 0 {
		m.CallDuration.Observe(connected.Seconds())
	}
}

func (m *Metrics) RecordConnect(d time.Duration) {
	m.ConnectDuration.Observe(d.Seconds())
}
