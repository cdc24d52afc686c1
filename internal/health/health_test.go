package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/onemcp/onemcp/internal/aggregator"
	"github.com/onemcp/onemcp/internal/config"
	"github.com/onemcp/onemcp/internal/session"
	"github.com/onemcp/onemcp/internal/upstream"
)

func newHandler(t *testing.T, servers map[string]*config.UpstreamConfig, level string) *Handler {
	t.Helper()
	logger := zap.NewNop()
	manager := upstream.NewManager(servers, upstream.Settings{}, logger)
	agg := aggregator.New(manager, time.Second, logger)
	sessions := session.NewManager(time.Hour, logger)
	return New(manager, agg, sessions, level, "1.2.3", logger)
}

func get(t *testing.T, h *Handler, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestLiveness(t *testing.T) {
	h := newHandler(t, nil, config.HealthInfoMinimal)
	rec, body := get(t, h, "/live")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", body["status"])
}

func TestReadiness(t *testing.T) {
	h := newHandler(t, nil, config.HealthInfoMinimal)

	rec, body := get(t, h, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not_ready", body["status"])

	h.SetReady(true)
	rec, body = get(t, h, "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", body["status"])
}

func TestDetailedHealth_EmptyFleetIsDegraded(t *testing.T) {
	h := newHandler(t, nil, config.HealthInfoMinimal)
	h.SetReady(true)

	rec, body := get(t, h, "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StatusDegraded, body["status"])
	assert.NotContains(t, body, "servers", "minimal level omits per-server detail")
	assert.NotContains(t, body, "version")
}

func TestDetailedHealth_NotReadyIsUnhealthy(t *testing.T) {
	h := newHandler(t, nil, config.HealthInfoMinimal)
	rec, body := get(t, h, "/")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, StatusUnhealthy, body["status"])
}

func TestDetailedHealth_Levels(t *testing.T) {
	servers := map[string]*config.UpstreamConfig{
		"pending": {Name: "pending", Command: "echo"},
	}

	t.Run("basic shows states without call stats", func(t *testing.T) {
		h := newHandler(t, servers, config.HealthInfoBasic)
		h.SetReady(true)

		_, body := get(t, h, "/")
		assert.Equal(t, StatusDegraded, body["status"], "pending upstream degrades the fleet")
		assert.Equal(t, "1.2.3", body["version"])

		srv := body["servers"].(map[string]interface{})["pending"].(map[string]interface{})
		assert.Equal(t, "Pending", srv["state"])
		assert.NotContains(t, srv, "successRate")
	})

	t.Run("full adds call stats", func(t *testing.T) {
		h := newHandler(t, servers, config.HealthInfoFull)
		h.SetReady(true)
		h.manager.RecordCallResult("pending", true)
		h.manager.RecordCallResult("pending", false)

		_, body := get(t, h, "/")
		srv := body["servers"].(map[string]interface{})["pending"].(map[string]interface{})
		assert.InDelta(t, 0.5, srv["successRate"], 0.001)
		assert.Equal(t, float64(2), srv["totalCalls"])
	})
}

func TestStateCountsInReport(t *testing.T) {
	servers := map[string]*config.UpstreamConfig{
		"a": {Name: "a", Command: "echo"},
		"b": {Name: "b", Command: "echo"},
	}
	h := newHandler(t, servers, config.HealthInfoMinimal)
	h.SetReady(true)

	_, body := get(t, h, "/")
	counts := body["counts"].(map[string]interface{})
	assert.Equal(t, float64(2), counts["Pending"])
}
