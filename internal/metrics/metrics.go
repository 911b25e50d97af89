// Package metrics provides Prometheus metrics for pikaboard.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	GatewayConnects     *prometheus.CounterVec
	GatewayReconnects   prometheus.Counter
	GatewayRPCTotal     *prometheus.CounterVec
	GatewayRPCDuration  *prometheus.HistogramVec
	GatewayStreamEvents *prometheus.CounterVec
	BoardOpsTotal       *prometheus.CounterVec
	ErrorsTotal         *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		GatewayConnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pikaboard_gateway_connects_total",
				Help: "Total gateway connection attempts by result.",
			},
			[]string{"result"},
		),
		GatewayReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pikaboard_gateway_reconnects_total",
				Help: "Total scheduled gateway reconnect attempts.",
			},
		),
		GatewayRPCTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pikaboard_gateway_rpc_total",
				Help: "Total gateway RPC calls by method and status.",
			},
			[]string{"method", "status"},
		),
		GatewayRPCDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pikaboard_gateway_rpc_duration_seconds",
				Help:    "Gateway RPC round-trip duration by method.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		GatewayStreamEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pikaboard_gateway_stream_events_total",
				Help: "Total chat stream events by state.",
			},
			[]string{"state"},
		),
		BoardOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pikaboard_board_ops_total",
				Help: "Total board operations by op and status.",
			},
			[]string{"op", "status"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pikaboard_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(m.GatewayConnects)
	reg.MustRegister(m.GatewayReconnects)
	reg.MustRegister(m.GatewayRPCTotal)
	reg.MustRegister(m.GatewayRPCDuration)
	reg.MustRegister(m.GatewayStreamEvents)
	reg.MustRegister(m.BoardOpsTotal)
	reg.MustRegister(m.ErrorsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordConnect increments the connection attempt counter.
func (m *Metrics) RecordConnect(result string) {
	if m == nil {
		return
	}
	m.GatewayConnects.WithLabelValues(result).Inc()
}

// RecordReconnect increments the scheduled reconnect counter.
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.GatewayReconnects.Inc()
}

// RecordRPC increments the RPC counter and observes its duration.
func (m *Metrics) RecordRPC(method, status string, seconds float64) {
	if m == nil {
		return
	}
	m.GatewayRPCTotal.WithLabelValues(method, status).Inc()
	m.GatewayRPCDuration.WithLabelValues(method).Observe(seconds)
}

// RecordStreamEvent increments the stream event counter.
func (m *Metrics) RecordStreamEvent(state string) {
	if m == nil {
		return
	}
	m.GatewayStreamEvents.WithLabelValues(state).Inc()
}

// RecordBoardOp increments the board operation counter.
func (m *Metrics) RecordBoardOp(op, status string) {
	if m == nil {
		return
	}
	m.BoardOpsTotal.WithLabelValues(op, status).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}
