// Package metrics exposes capture and decision counters to Prometheus.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Skip reasons for capture cycles
const (
	SkipBusy        = "busy"
	SkipUnavailable = "unavailable"
	SkipDisabled    = "disabled"
	SkipMismatch    = "dimension_mismatch"
	SkipReinit      = "reinit"
)

// Metrics holds all application metrics
type Metrics struct {
	// Capture counters
	CyclesRun         atomic.Uint64
	SignificantChange atomic.Uint64
	Reinits           atomic.Uint64
	ReinitFailures    atomic.Uint64

	// Decision counters
	Fires          atomic.Uint64
	DispatchErrors atomic.Uint64

	// Last observed values
	LastChangePermille atomic.Uint64 // changed-pixel percentage × 10
	CaptureAvailable   atomic.Uint64 // 0 = unavailable, 1 = available
	WSClients          atomic.Int64

	skipped       *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	changePercent prometheus.Histogram

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.register()
	return m
}

func (m *Metrics) register() {
	counter := func(name, help string, v *atomic.Uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help},
			func() float64 { return float64(v.Load()) })
	}

	m.registry.MustRegister(
		counter("quietrefresh_capture_cycles_total", "Capture cycles that classified a frame", &m.CyclesRun),
		counter("quietrefresh_significant_changes_total", "Cycles whose change met the threshold", &m.SignificantChange),
		counter("quietrefresh_capture_reinits_total", "Capture context rebuilds", &m.Reinits),
		counter("quietrefresh_capture_reinit_failures_total", "Failed capture context rebuilds", &m.ReinitFailures),
		counter("quietrefresh_fires_total", "Refresh actions issued", &m.Fires),
		counter("quietrefresh_dispatch_errors_total", "Refresh actions whose dispatcher failed", &m.DispatchErrors),
	)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "quietrefresh_last_change_percent",
			Help: "Changed-pixel percentage of the latest compared frame",
		},
		func() float64 { return float64(m.LastChangePermille.Load()) / 10 },
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "quietrefresh_capture_available",
			Help: "Capture pipeline available (0=no, 1=yes)",
		},
		func() float64 { return float64(m.CaptureAvailable.Load()) },
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "quietrefresh_ws_clients",
			Help: "Connected event stream clients",
		},
		func() float64 { return float64(m.WSClients.Load()) },
	))

	m.skipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quietrefresh_capture_skipped_total",
		Help: "Capture cycles skipped, by reason",
	}, []string{"reason"})
	m.cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "quietrefresh_capture_cycle_seconds",
		Help:    "Duration of acquire plus classify",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2},
	})
	m.changePercent = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "quietrefresh_change_percent",
		Help:    "Changed-pixel percentage per compared frame",
		Buckets: []float64{0.5, 1, 2, 3, 5, 10, 15, 20, 50, 100},
	})
	m.registry.MustRegister(m.skipped, m.cycleDuration, m.changePercent)
}

// Skipped counts a skipped capture cycle.
func (m *Metrics) Skipped(reason string) {
	m.skipped.WithLabelValues(reason).Inc()
}

// ObserveCycle records a classified cycle.
func (m *Metrics) ObserveCycle(d time.Duration, percent float64, significant bool) {
	m.CyclesRun.Add(1)
	m.cycleDuration.Observe(d.Seconds())
	m.changePercent.Observe(percent)
	m.LastChangePermille.Store(uint64(percent*10 + 0.5))
	if significant {
		m.SignificantChange.Add(1)
	}
}

// SetCaptureAvailable records whether a capture pipeline exists.
func (m *Metrics) SetCaptureAvailable(ok bool) {
	if ok {
		m.CaptureAvailable.Store(1)
		return
	}
	m.CaptureAvailable.Store(0)
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
