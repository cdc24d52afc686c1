// Package health exposes liveness, readiness, and detailed fleet health.
// Detail levels control how much per-upstream information leaves the
// process; errors and OAuth URLs are sanitized at every level.
package health

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/onemcp/onemcp/internal/aggregator"
	"github.com/onemcp/onemcp/internal/config"
	"github.com/onemcp/onemcp/internal/logs"
	"github.com/onemcp/onemcp/internal/session"
	"github.com/onemcp/onemcp/internal/upstream"
	"github.com/onemcp/onemcp/internal/upstream/types"
)

// Aggregate statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Handler serves the /health endpoints.
type Handler struct {
	manager    *upstream.Manager
	aggregator *aggregator.Aggregator
	sessions   *session.Manager
	level      string
	version    string
	startedAt  time.Time
	logger     *zap.Logger

	// ready flips once configuration is loaded and the upstream manager
	// started; unhealthy config reloads flip it back off.
	ready atomic.Bool
}

// New builds the health handler with the configured detail level.
func New(manager *upstream.Manager, agg *aggregator.Aggregator, sessions *session.Manager, level, version string, logger *zap.Logger) *Handler {
	if level == "" {
		level = config.HealthInfoMinimal
	}
	return &Handler{
		manager:    manager,
		aggregator: agg,
		sessions:   sessions,
		level:      level,
		version:    version,
		startedAt:  time.Now(),
		logger:     logger,
	}
}

// SetReady records whether the proxy finished loading a valid configuration.
func (h *Handler) SetReady(ready bool) {
	if h.ready.Swap(ready) != ready {
		h.logger.Info("Readiness changed", zap.Bool("ready", ready))
	}
}

// Routes returns the router to mount at /health.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/", h.handleHealth)
	r.Get("/live", h.handleLive)
	r.Get("/ready", h.handleReady)
	return r
}

func (h *Handler) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !h.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// serverHealth is one upstream's slice of the detailed report. Fields beyond
// State are populated per the configured detail level.
type serverHealth struct {
	State            string             `json:"state"`
	Error            string             `json:"error,omitempty"`
	AuthorizationURL string             `json:"authorizationUrl,omitempty"`
	RetryCount       int                `json:"retryCount,omitempty"`
	RestartCount     int                `json:"restartCount,omitempty"`
	SuccessRate      *float64           `json:"successRate,omitempty"`
	TotalCalls       uint64             `json:"totalCalls,omitempty"`
	Capabilities     *aggregator.Counts `json:"capabilities,omitempty"`
}

type report struct {
	Status   string                  `json:"status"`
	Version  string                  `json:"version,omitempty"`
	Uptime   string                  `json:"uptime,omitempty"`
	Sessions int                     `json:"sessions"`
	Counts   map[string]int          `json:"counts"`
	Servers  map[string]serverHealth `json:"servers,omitempty"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	summary := h.manager.Summarize()

	rep := report{
		Status:   h.aggregateStatus(summary),
		Sessions: h.sessions.Count(),
		Counts:   stateCounts(summary),
	}
	if h.level != config.HealthInfoMinimal {
		rep.Version = h.version
		rep.Uptime = time.Since(h.startedAt).Round(time.Second).String()
		rep.Servers = h.serverReports(summary)
	}

	status := http.StatusOK
	if rep.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// aggregateStatus is healthy when every upstream is Ready, unhealthy when
// the last configuration load failed, degraded otherwise (including an
// empty fleet, which serves requests but proxies nothing).
func (h *Handler) aggregateStatus(summary upstream.Summary) string {
	if !h.ready.Load() {
		return StatusUnhealthy
	}
	if len(summary.Upstreams) == 0 {
		return StatusDegraded
	}
	if summary.ByState[types.StateReady] == len(summary.Upstreams) {
		return StatusHealthy
	}
	return StatusDegraded
}

func stateCounts(summary upstream.Summary) map[string]int {
	counts := make(map[string]int, len(summary.ByState))
	for state, n := range summary.ByState {
		counts[state.String()] = n
	}
	return counts
}

func (h *Handler) serverReports(summary upstream.Summary) map[string]serverHealth {
	caps := h.aggregator.CapabilityCounts()

	servers := make(map[string]serverHealth, len(summary.Upstreams))
	for name, stats := range summary.Upstreams {
		sh := serverHealth{State: stats.Info.State.String()}
		if stats.Info.LastError != nil {
			sh.Error = logs.Redact(stats.Info.LastError.Error())
		}
		if stats.Info.AuthorizationURL != "" {
			sh.AuthorizationURL = logs.HostOnly(stats.Info.AuthorizationURL)
		}
		if h.level == config.HealthInfoFull {
			sh.RetryCount = stats.Info.RetryCount
			sh.RestartCount = stats.Info.RestartCount
			rate := stats.SuccessRate
			sh.SuccessRate = &rate
			sh.TotalCalls = stats.TotalCalls
			if c, ok := caps[name]; ok {
				sh.Capabilities = &c
			}
		}
		servers[name] = sh
	}
	return servers
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
