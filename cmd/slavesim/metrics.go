package main

import (
	"errors"
	"log/slog"
	"net/http"

	modbus "github.com/edgeo-scada/modbus-slavesim"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "slavesim"

// newMetricsRegistry exposes the simulator's counters. Request and frame
// counters are lifetime totals across sessions; gauges follow the current
// session.
func newMetricsRegistry(sim *modbus.Simulator) *prometheus.Registry {
	session := func(pick func(*modbus.SessionMetrics) int64) func() float64 {
		return func() float64 {
			m := sim.Metrics()
			if m == nil {
				return 0
			}
			return float64(pick(m))
		}
	}
	total := func(pick func(modbus.MetricsTotals) int64) func() float64 {
		return func() float64 { return float64(pick(sim.Totals())) }
	}
	counter := func(name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		}, fn)
	}
	gauge := func(name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		}, fn)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),

		counter("requests_total", "Master requests processed.",
			total(func(t modbus.MetricsTotals) int64 { return t.Requests })),
		counter("exceptions_total", "Requests answered with an exception.",
			total(func(t modbus.MetricsTotals) int64 { return t.Exceptions })),
		counter("frames_dropped_total", "Frames discarded for bad framing or checksum.",
			total(func(t modbus.MetricsTotals) int64 { return t.FramesDropped })),
		counter("broadcasts_total", "Serial broadcast requests applied without reply.",
			total(func(t modbus.MetricsTotals) int64 { return t.Broadcasts })),
		counter("peer_disconnects_total", "Masters that closed their connection.",
			total(func(t modbus.MetricsTotals) int64 { return t.PeerDisconnects })),
		counter("connections_total", "TCP connections accepted.",
			total(func(t modbus.MetricsTotals) int64 { return t.Connections })),
		gauge("active_connections", "TCP connections currently open.",
			session(func(m *modbus.SessionMetrics) int64 { return m.ActiveConns.Value() })),
		gauge("request_latency_avg_ms", "Average request processing time.",
			func() float64 {
				m := sim.Metrics()
				if m == nil {
					return 0
				}
				return m.Latency.Stats().Avg
			}),

		counter("store_writes_total", "Committed store writes from any source.",
			func() float64 { return float64(sim.Store().Writes()) }),
		gauge("relay_pending", "Events waiting in the relay.",
			func() float64 { return float64(sim.Relay().Len()) }),
		counter("relay_dropped_total", "Events evicted from a full relay.",
			func() float64 { return float64(sim.Relay().Dropped()) }),
	)
	return reg
}

// serveMetrics starts an HTTP server for /metrics in the background.
func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()
	return srv
}
