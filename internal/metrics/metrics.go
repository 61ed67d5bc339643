// Package metrics exposes the bridge's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sample is one point-in-time reading of the bridge gauges.
type Sample struct {
	WorkerUp      float64
	InFlight      float64
	Queued        float64
	Handles       float64
	Subscribers   float64
	RestartsTotal float64
	DroppedEvents float64
	Anomalies     float64
}

// Metrics owns the registry and the bridge's collectors.
type Metrics struct {
	registry *prometheus.Registry

	callsTotal   *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
}

// New builds a registry with the bridge collectors plus the standard Go
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolbridge_calls_total",
			Help: "Calls resolved, by method and outcome.",
		}, []string{"method", "outcome"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toolbridge_call_duration_seconds",
			Help:    "Submission-to-resolution call latency.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"method"}),
	}
	reg.MustRegister(m.callsTotal, m.callDuration)
	return m
}

// Bind registers gauges backed by the given sampler. Call it once after the
// bridge is wired.
func (m *Metrics) Bind(sample func() Sample) {
	gauge := func(name, help string, get func(Sample) float64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return get(sample())
		})
	}
	m.registry.MustRegister(
		gauge("toolbridge_worker_up", "Whether the worker is running and healthy.",
			func(s Sample) float64 { return s.WorkerUp }),
		gauge("toolbridge_calls_in_flight", "Calls currently dispatched to the worker.",
			func(s Sample) float64 { return s.InFlight }),
		gauge("toolbridge_calls_queued", "Calls waiting for an in-flight slot.",
			func(s Sample) float64 { return s.Queued }),
		gauge("toolbridge_handles_tracked", "Server-side handles currently tracked.",
			func(s Sample) float64 { return s.Handles }),
		gauge("toolbridge_event_subscribers", "Active event subscriptions.",
			func(s Sample) float64 { return s.Subscribers }),
		gauge("toolbridge_worker_restarts_total", "Worker restart cycles since start.",
			func(s Sample) float64 { return s.RestartsTotal }),
		gauge("toolbridge_events_dropped_total", "Events dropped on full subscriber buffers.",
			func(s Sample) float64 { return s.DroppedEvents }),
		gauge("toolbridge_protocol_anomalies_total", "Late responses and unroutable frames.",
			func(s Sample) float64 { return s.Anomalies }),
	)
}

// ObserveCall records one resolved call.
func (m *Metrics) ObserveCall(method, outcome string, elapsed time.Duration) {
	m.callsTotal.WithLabelValues(method, outcome).Inc()
	m.callDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
