// Package metrics provides Prometheus metrics on a private registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
)

const namespace = "pvc"

// Outcome labels for adapter calls.
const (
	OutcomeOK          = "ok"
	OutcomeUnavailable = "unavailable"
	OutcomeRejected    = "rejected"
	OutcomeError       = "error"
)

// Metrics holds all collectors. A nil *Metrics is a valid no-op recorder.
type Metrics struct {
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	adapterRequests   *prometheus.CounterVec
	adapterDuration   *prometheus.HistogramVec
	lockRejections    prometheus.Counter
	activeExecutions  prometheus.Gauge

	registry *prometheus.Registry
}

// New creates the collectors and registers them with a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Executions finished, by kind and terminal status",
			},
			[]string{"kind", "status"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Wall time of executions from start to terminal status",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
			},
			[]string{"kind"},
		),
		adapterRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_requests_total",
				Help:      "Calls to external systems, by system and outcome",
			},
			[]string{"system", "outcome"},
		),
		adapterDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "adapter_request_duration_seconds",
				Help:      "Latency of calls to external systems",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"system"},
		),
		lockRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_rejections_total",
				Help:      "Mutating operations rejected because the VM was busy",
			},
		),
		activeExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_executions",
				Help:      "Executions currently running in this process",
			},
		),
	}

	registry.MustRegister(
		m.executionsTotal,
		m.executionDuration,
		m.adapterRequests,
		m.adapterDuration,
		m.lockRejections,
		m.activeExecutions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ExecutionStarted marks one execution as running.
func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.activeExecutions.Inc()
}

// ExecutionFinished records a terminal execution.
func (m *Metrics) ExecutionFinished(kind, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.activeExecutions.Dec()
	m.executionsTotal.WithLabelValues(kind, status).Inc()
	m.executionDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// ExecutionSettled counts a terminal status for an execution that never
// ran, such as a cancelled pending one.
func (m *Metrics) ExecutionSettled(kind, status string) {
	if m == nil {
		return
	}
	m.executionsTotal.WithLabelValues(kind, status).Inc()
}

// AdapterCall records one external call and classifies err into an outcome.
func (m *Metrics) AdapterCall(system string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.adapterRequests.WithLabelValues(system, Outcome(err)).Inc()
	m.adapterDuration.WithLabelValues(system).Observe(time.Since(started).Seconds())
}

// LockRejected counts a busy rejection.
func (m *Metrics) LockRejected() {
	if m == nil {
		return
	}
	m.lockRejections.Inc()
}

// GaugeFunc registers a gauge backed by fn, e.g. worker pool occupancy.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, fn))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Outcome maps an adapter error to its outcome label.
func Outcome(err error) string {
	if err == nil {
		return OutcomeOK
	}
	switch apperrors.KindOf(err) {
	case apperrors.KindUnavailable:
		return OutcomeUnavailable
	case apperrors.KindRejected:
		return OutcomeRejected
	}
	return OutcomeError
}
