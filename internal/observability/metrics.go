// Package observability exposes Prometheus metrics for the proxy: request
// counters, upstream lifecycle gauges, and restart/retry counters.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/onemcp/onemcp/internal/upstream"
	"github.com/onemcp/onemcp/internal/upstream/types"
)

// trackedStates drive the per-state gauge so scrapes always carry every
// label, including zero-valued ones.
var trackedStates = []types.LoadingState{
	types.StatePending,
	types.StateLoading,
	types.StateAwaitingOAuth,
	types.StateReady,
	types.StateFailed,
	types.StateCancelled,
}

// Metrics owns the Prometheus registry and the proxy's instruments.
type Metrics struct {
	logger   *zap.Logger
	registry *prometheus.Registry

	uptime        prometheus.GaugeFunc
	rpcRequests   *prometheus.CounterVec
	rpcDuration   *prometheus.HistogramVec
	upstreamState *prometheus.GaugeVec
	upstreamCalls *prometheus.CounterVec
	restarts      *prometheus.CounterVec
	sessions      prometheus.Gauge
	notifications *prometheus.CounterVec
}

// New builds a metrics set on a private registry, with the standard Go and
// process collectors included.
func New(logger *zap.Logger) *Metrics {
	startedAt := time.Now()

	m := &Metrics{
		logger:   logger,
		registry: prometheus.NewRegistry(),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onemcp_rpc_requests_total",
			Help: "Inbound JSON-RPC requests by method and outcome",
		}, []string{"method", "outcome"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "onemcp_rpc_request_duration_seconds",
			Help:    "Inbound JSON-RPC request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		upstreamState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "onemcp_upstream_state",
			Help: "Number of upstreams per lifecycle state",
		}, []string{"state"}),
		upstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onemcp_upstream_calls_total",
			Help: "Proxied upstream calls by server and outcome",
		}, []string{"server", "outcome"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onemcp_upstream_restarts_total",
			Help: "Upstream worker restarts by server",
		}, []string{"server"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "onemcp_sessions_active",
			Help: "Live inbound sessions",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onemcp_notifications_forwarded_total",
			Help: "Notifications forwarded by direction",
		}, []string{"direction"}),
	}
	m.uptime = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "onemcp_uptime_seconds",
		Help: "Time since the proxy started",
	}, func() float64 { return time.Since(startedAt).Seconds() })

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.uptime,
		m.rpcRequests,
		m.rpcDuration,
		m.upstreamState,
		m.upstreamCalls,
		m.restarts,
		m.sessions,
		m.notifications,
	)
	return m
}

// Handler serves the registry for /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one inbound JSON-RPC request.
func (m *Metrics) ObserveRequest(method, outcome string, duration time.Duration) {
	m.rpcRequests.WithLabelValues(method, outcome).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// ObserveUpstreamCall records one proxied call outcome.
func (m *Metrics) ObserveUpstreamCall(server string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "error"
	}
	m.upstreamCalls.WithLabelValues(server, outcome).Inc()
}

// ObserveStateChange counts restarts; feed it every manager state-change
// event. A Ready to Loading edge is a restart.
func (m *Metrics) ObserveStateChange(server string, from, to types.LoadingState) {
	if from == types.StateReady && to == types.StateLoading {
		m.restarts.WithLabelValues(server).Inc()
	}
}

// UpdateFleet refreshes the per-state gauge from a fleet summary.
func (m *Metrics) UpdateFleet(summary upstream.Summary) {
	for _, state := range trackedStates {
		m.upstreamState.WithLabelValues(state.String()).Set(float64(summary.ByState[state]))
	}
}

// SetSessions records the live session count.
func (m *Metrics) SetSessions(n int) {
	m.sessions.Set(float64(n))
}

// ObserveNotification counts one forwarded notification; direction is
// "upstream_to_client" or "client_to_upstream".
func (m *Metrics) ObserveNotification(direction string) {
	m.notifications.WithLabelValues(direction).Inc()
}
