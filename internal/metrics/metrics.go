// Package metrics exposes Prometheus counters for ticks, commands and fills.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"realmecon/internal/econ"
)

type Metrics struct {
	registry *prometheus.Registry

	tickRuns     *prometheus.CounterVec
	tickDuration *prometheus.HistogramVec
	commands     *prometheus.CounterVec
	fills        *prometheus.CounterVec
	fillUnits    *prometheus.CounterVec
	fillNotional *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		tickRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realm",
			Name:      "tick_runs_total",
			Help:      "Scheduled job runs by job and result.",
		}, []string{"job", "result"}),
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "realm",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of scheduled job runs.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"job"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realm",
			Name:      "commands_total",
			Help:      "Economy commands by name and result code.",
		}, []string{"command", "code"}),
		fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realm",
			Name:      "market_fills_total",
			Help:      "Order fills by item.",
		}, []string{"item"}),
		fillUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realm",
			Name:      "market_fill_units_total",
			Help:      "Units exchanged by item.",
		}, []string{"item"}),
		fillNotional: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realm",
			Name:      "market_fill_notional_micros_total",
			Help:      "Notional exchanged by item, in micros.",
		}, []string{"item"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.tickRuns, m.tickDuration, m.commands, m.fills, m.fillUnits, m.fillNotional,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveTick(job string, took time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.tickRuns.WithLabelValues(job, result).Inc()
	m.tickDuration.WithLabelValues(job).Observe(took.Seconds())
}

func (m *Metrics) ObserveCommand(command string, err error) {
	if m == nil {
		return
	}
	code := "OK"
	if err != nil {
		code = string(econ.CodeOf(err))
	}
	m.commands.WithLabelValues(command, code).Inc()
}

func (m *Metrics) ObserveFill(item string, qty, notionalMicros int64) {
	if m == nil {
		return
	}
	m.fills.WithLabelValues(item).Inc()
	m.fillUnits.WithLabelValues(item).Add(float64(qty))
	m.fillNotional.WithLabelValues(item).Add(float64(notionalMicros))
}
