// Package metrics exposes Prometheus collectors for codex executions.
//
// A nil *Metrics is valid and records nothing, so the core can run without
// a registry in tests and one-shot CLI calls.
//
// Usage:
//
//	m := metrics.New(prometheus.DefaultRegisterer)
//	m.ExecutionFinished("stream", "success", time.Since(start))
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Execution modes.
const (
	ModeStream = "stream"
	ModeLast   = "last"
)

// Metrics holds the codexproxy collectors.
type Metrics struct {
	// Executions counts finished runs.
	// Labels: mode (stream|last), outcome (success|ErrorKind)
	Executions *prometheus.CounterVec

	// ExecutionDuration measures wall-clock time of a run from spawn to exit.
	// Labels: mode
	// Buckets: 0.5s, 1s, 5s, 10s, 30s, 60s, 120s, 300s, 600s
	ExecutionDuration *prometheus.HistogramVec

	// SlotsInUse is the number of limiter slots currently held.
	SlotsInUse prometheus.Gauge

	// QueueTimeouts counts requests rejected because no slot freed in time.
	QueueTimeouts prometheus.Counter
}

// New creates the collectors and registers them with reg.
// A nil reg creates unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codexproxy_executions_total",
				Help: "Total number of codex executions by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),

		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codexproxy_execution_duration_seconds",
				Help:    "Duration of codex executions in seconds",
				Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"mode"},
		),

		SlotsInUse: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "codexproxy_slots_in_use",
				Help: "Number of concurrency slots currently held",
			},
		),

		QueueTimeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "codexproxy_queue_timeouts_total",
				Help: "Total number of requests that timed out waiting for a slot",
			},
		),
	}
}

// ExecutionFinished records one completed run.
func (m *Metrics) ExecutionFinished(mode, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(mode, outcome).Inc()
	m.ExecutionDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

// SlotAcquired increments the in-use gauge.
func (m *Metrics) SlotAcquired() {
	if m == nil {
		return
	}
	m.SlotsInUse.Inc()
}

// SlotReleased decrements the in-use gauge.
func (m *Metrics) SlotReleased() {
	if m == nil {
		return
	}
	m.SlotsInUse.Dec()
}

// QueueTimedOut records a rejected admission.
func (m *Metrics) QueueTimedOut() {
	if m == nil {
		return
	}
	m.QueueTimeouts.Inc()
}
