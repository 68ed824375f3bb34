// Package telemetry provides logging and metrics for the phone agent service.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "phoneagent"

// Metrics holds the service's Prometheus collectors. All methods are safe to
// call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry *prometheus.Registry

	sessionsLive     prometheus.Gauge
	spawnsTotal      *prometheus.CounterVec
	exitsTotal       *prometheus.CounterVec
	sendsTotal       *prometheus.CounterVec
	outputUnitsTotal *prometheus.CounterVec
	refreshTotal     *prometheus.CounterVec
	refreshDuration  prometheus.Histogram
	devicesVisible   prometheus.Gauge
}

// NewMetrics creates and registers the service collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_live",
			Help:      "Number of devices with a live agent process.",
		}),
		spawnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spawns_total",
			Help:      "Agent spawn attempts by result.",
		}, []string{"result"}),
		exitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_exits_total",
			Help:      "Agent process exits by reason.",
		}, []string{"reason"}),
		sendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_total",
			Help:      "User messages sent to agents by result.",
		}, []string{"result"}),
		outputUnitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_units_total",
			Help:      "Agent output lines by classifier verdict.",
		}, []string{"verdict"}),
		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_refresh_total",
			Help:      "Device discovery refreshes by result.",
		}, []string{"result"}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "discovery_refresh_duration_seconds",
			Help:      "Time spent enumerating devices.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		devicesVisible: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "discovery_devices",
			Help:      "Devices reported by the latest discovery refresh.",
		}),
	}
	m.registry.MustRegister(
		m.sessionsLive,
		m.spawnsTotal,
		m.exitsTotal,
		m.sendsTotal,
		m.outputUnitsTotal,
		m.refreshTotal,
		m.refreshDuration,
		m.devicesVisible,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SetSessionsLive records the current number of live sessions.
func (m *Metrics) SetSessionsLive(n int) {
	if m == nil {
		return
	}
	m.sessionsLive.Set(float64(n))
}

// RecordSpawn counts a spawn attempt; result is "ok" or "error".
func (m *Metrics) RecordSpawn(result string) {
	if m == nil {
		return
	}
	m.spawnsTotal.WithLabelValues(result).Inc()
}

// RecordExit counts an agent exit; reason is "killed" or "exited".
func (m *Metrics) RecordExit(reason string) {
	if m == nil {
		return
	}
	m.exitsTotal.WithLabelValues(reason).Inc()
}

// RecordSend counts a send; result is "ok", "not_connected" or "error".
func (m *Metrics) RecordSend(result string) {
	if m == nil {
		return
	}
	m.sendsTotal.WithLabelValues(result).Inc()
}

// RecordOutputUnit counts a classified output line.
func (m *Metrics) RecordOutputUnit(verdict string) {
	if m == nil {
		return
	}
	m.outputUnitsTotal.WithLabelValues(verdict).Inc()
}

// RecordRefresh counts a discovery refresh and its duration.
func (m *Metrics) RecordRefresh(result string, devices int, duration time.Duration) {
	if m == nil {
		return
	}
	m.refreshTotal.WithLabelValues(result).Inc()
	m.refreshDuration.Observe(duration.Seconds())
	m.devicesVisible.Set(float64(devices))
}

// ObserveDroppedEvents exports count as the number of event deliveries
// skipped for slow subscribers. Call it once per Metrics.
func (m *Metrics) ObserveDroppedEvents(count func() int64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Event deliveries skipped because a subscriber was not keeping up.",
	}, func() float64 { return float64(count()) }))
}

// Handler returns an HTTP handler serving the metrics in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
