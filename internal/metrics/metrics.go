// Package metrics exposes Prometheus instruments for check runs,
// notifications and sweeps.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every svcwatch instrument, registered on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal           *prometheus.CounterVec
	runDuration         *prometheus.HistogramVec
	consecutiveFailures *prometheus.GaugeVec
	serviceUp           *prometheus.GaugeVec
	notificationsTotal  *prometheus.CounterVec
	sweepDuration       prometheus.Histogram
	tickPanicsTotal     *prometheus.CounterVec
}

// New creates the instruments and registers them, along with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "svcwatch_check_runs_total",
				Help: "Total number of check executions by service and outcome",
			},
			[]string{"service", "outcome", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "svcwatch_check_duration_seconds",
				Help:    "Wall-clock duration of check executions",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"service"},
		),
		consecutiveFailures: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "svcwatch_consecutive_failures",
				Help: "Consecutive failed attempts counted toward the alert threshold",
			},
			[]string{"service"},
		),
		serviceUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "svcwatch_service_up",
				Help: "Result of the most recent check (1=passed, 0=failed)",
			},
			[]string{"service"},
		),
		notificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "svcwatch_notifications_total",
				Help: "Notification delivery attempts by service, kind and result",
			},
			[]string{"service", "kind", "result"},
		),
		sweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "svcwatch_sweep_duration_seconds",
				Help:    "Duration of a full pass over all services",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
		),
		tickPanicsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "svcwatch_tick_panics_total",
				Help: "Ticks aborted by a panic, by service",
			},
			[]string{"service"},
		),
	}

	m.registry.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.consecutiveFailures,
		m.serviceUp,
		m.notificationsTotal,
		m.sweepDuration,
		m.tickPanicsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the instruments live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRun records one executed check.
func (m *Metrics) ObserveRun(service, outcome string, up bool, d time.Duration) {
	status := "down"
	v := 0.0
	if up {
		status = "up"
		v = 1
	}
	m.runsTotal.WithLabelValues(service, outcome, status).Inc()
	m.runDuration.WithLabelValues(service).Observe(d.Seconds())
	m.serviceUp.WithLabelValues(service).Set(v)
}

// SetConsecutiveFailures records the current attempt count for a service.
func (m *Metrics) SetConsecutiveFailures(service string, n int) {
	m.consecutiveFailures.WithLabelValues(service).Set(float64(n))
}

// ObserveNotification records one delivery attempt.
func (m *Metrics) ObserveNotification(service, kind string, err error) {
	result := "sent"
	if err != nil {
		result = "failed"
	}
	m.notificationsTotal.WithLabelValues(service, kind, result).Inc()
}

// ObserveSweep records the duration of one sweep.
func (m *Metrics) ObserveSweep(d time.Duration) {
	m.sweepDuration.Observe(d.Seconds())
}

// IncTickPanic counts a tick that panicked.
func (m *Metrics) IncTickPanic(service string) {
	m.tickPanicsTotal.WithLabelValues(service).Inc()
}
