package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/onemcp/onemcp/internal/aggregator"
	"github.com/onemcp/onemcp/internal/auth"
	"github.com/onemcp/onemcp/internal/config"
	"github.com/onemcp/onemcp/internal/router"
	"github.com/onemcp/onemcp/internal/session"
	"github.com/onemcp/onemcp/internal/tagfilter"
	"github.com/onemcp/onemcp/internal/upstream"
)

func newTestServer(t *testing.T, servers map[string]*config.UpstreamConfig) *HTTPServer {
	t.Helper()
	logger := zap.NewNop()

	cfg := config.DefaultConfig()
	cfg.MCPServers = servers

	manager := upstream.NewManager(servers, upstream.Settings{ProxyName: "onemcp"}, logger)
	agg := aggregator.New(manager, time.Second, logger)
	sessions := session.NewManager(time.Hour, logger)
	rt := router.New(manager, agg, sessions, router.Options{}, logger)

	store, err := auth.NewStore(t.TempDir(), logger)
	require.NoError(t, err)
	authorizer := auth.NewAuthorizer(store, auth.Options{
		Issuer:  "http://127.0.0.1:3050",
		AllTags: cfg.AllTags,
	}, logger)
	limiter := auth.NewRateLimiter(time.Minute, 1000, auth.TrustNone)

	return NewHTTPServer(cfg, manager, sessions, rt, authorizer, limiter, nil, nil, logger)
}

func postMCP(t *testing.T, h http.Handler, sessionID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"test","version":"1.0"}}}`

func TestStreamableHTTP_InitializeCreatesSession(t *testing.T) {
	s := newTestServer(t, nil)

	rec := postMCP(t, s.Handler(), "", initializeBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	sessionID := rec.Header().Get(sessionHeader)
	require.NotEmpty(t, sessionID)

	var resp struct {
		Result struct {
			ProtocolVersion string `json:"protocolVersion"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "2025-03-26", resp.Result.ProtocolVersion)

	// The session is live and usable for follow-up requests.
	rec = postMCP(t, s.Handler(), sessionID, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"tools":[]`)
}

func TestStreamableHTTP_RequiresSessionHeader(t *testing.T) {
	s := newTestServer(t, nil)

	rec := postMCP(t, s.Handler(), "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Mcp-Session-Id")
}

func TestStreamableHTTP_UnknownSession(t *testing.T) {
	s := newTestServer(t, nil)
	rec := postMCP(t, s.Handler(), "no-such-session", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamableHTTP_Delete(t *testing.T) {
	s := newTestServer(t, nil)
	rec := postMCP(t, s.Handler(), "", initializeBody)
	sessionID := rec.Header().Get(sessionHeader)

	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set(sessionHeader, sessionID)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postMCP(t, s.Handler(), sessionID, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionQueryParams(t *testing.T) {
	s := newTestServer(t, nil)

	t.Run("tags and tag-filter are mutually exclusive", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/mcp?tags=a&tag-filter=b", strings.NewReader(initializeBody))
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "mutually exclusive")
	})

	t.Run("invalid filter expression", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/mcp?tag-filter=%28web", strings.NewReader(initializeBody))
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("literal plus means AND", func(t *testing.T) {
		// A client may send '+' unescaped; the filter must still read as
		// web AND prod rather than a decoded space.
		req := httptest.NewRequest(http.MethodPost, "/mcp?tag-filter=web+prod", strings.NewReader(initializeBody))
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		sess, ok := s.sessions.Get(rec.Header().Get(sessionHeader))
		require.True(t, ok)
		assert.True(t, sess.Admits([]string{"web", "prod"}))
		assert.False(t, sess.Admits([]string{"web"}))
	})

	t.Run("filter and pagination are recorded", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/mcp?tag-filter=web%2Bprod&pagination=true", strings.NewReader(initializeBody))
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		sess, ok := s.sessions.Get(rec.Header().Get(sessionHeader))
		require.True(t, ok)
		assert.True(t, sess.Pagination)
		assert.True(t, sess.Admits([]string{"web", "prod"}))
		assert.False(t, sess.Admits([]string{"web"}))
	})
}

func TestAvailabilityGate(t *testing.T) {
	// A configured but never-started upstream sits in Pending, which the
	// gate counts as loading.
	servers := map[string]*config.UpstreamConfig{
		"pending": {Name: "pending", Command: "echo", Tags: []string{"db"}},
	}
	s := newTestServer(t, servers)

	rec := postMCP(t, s.Handler(), "", initializeBody)
	require.Equal(t, http.StatusOK, rec.Code, "initialize bypasses the gate")
	sessionID := rec.Header().Get(sessionHeader)

	rec = postMCP(t, s.Handler(), sessionID, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))

	var body struct {
		Error         string                  `json:"error"`
		RetryAfter    int                     `json:"retryAfter"`
		Details       map[string]int          `json:"details"`
		ServerDetails map[string]serverDetail `json:"serverDetails"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "servers_loading", body.Error)
	assert.Equal(t, 30, body.RetryAfter)
	assert.Equal(t, 1, body.Details["total"])
	assert.Equal(t, 1, body.Details["loading"])
	assert.Equal(t, "Pending", body.ServerDetails["pending"].State)
}

func TestAvailabilityGate_FilteredOutUpstreamProceeds(t *testing.T) {
	servers := map[string]*config.UpstreamConfig{
		"pending": {Name: "pending", Command: "echo", Tags: []string{"db"}},
	}
	s := newTestServer(t, servers)

	// The session admits only web-tagged upstreams, so the pending db
	// upstream is invisible and the empty view proceeds.
	rec := postMCP(t, s.Handler(), "", initializeBody)
	sessionID := rec.Header().Get(sessionHeader)
	sess, ok := s.sessions.Get(sessionID)
	require.True(t, ok)
	sess.Filter = tagfilter.AnyOf([]string{"web"})

	rec = postMCP(t, s.Handler(), sessionID, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"tools":[]`)
}

func TestComputeAvailability_EmptyFleetProceeds(t *testing.T) {
	manager := upstream.NewManager(nil, upstream.Settings{}, zap.NewNop())
	a := computeAvailability(manager, tagfilter.MatchAll, true)
	assert.Equal(t, gateProceed, a.Decision)
	assert.Zero(t, a.Total)
	assert.False(t, a.Partial)
}

func TestLegacySSE(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/sse")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	var endpoint string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			endpoint = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			break
		}
	}
	require.Contains(t, endpoint, "/messages?sessionId=")

	// Requests go to the messages endpoint; the response arrives on the
	// stream and the POST only acknowledges.
	post, err := http.Post(srv.URL+endpoint, "application/json", bytes.NewReader([]byte(initializeBody)))
	require.NoError(t, err)
	io.Copy(io.Discard, post.Body)
	post.Body.Close()
	require.Equal(t, http.StatusAccepted, post.StatusCode)

	var payload string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			payload = line
			break
		}
	}
	assert.Contains(t, payload, `"protocolVersion"`)
}

func TestMessages_UnknownSession(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/messages?sessionId=nope", strings.NewReader(initializeBody))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOAuthCallback_UnknownUpstream(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/oauth/callback/ghost", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStdioServer(t *testing.T) {
	logger := zap.NewNop()
	manager := upstream.NewManager(nil, upstream.Settings{}, logger)
	agg := aggregator.New(manager, time.Second, logger)
	sessions := session.NewManager(time.Hour, logger)
	rt := router.New(manager, agg, sessions, router.Options{}, logger)

	in := strings.NewReader(initializeBody + "\n" +
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}` + "\n")
	var out bytes.Buffer

	srv := NewStdioServer(sessions, rt, in, &out, logger)
	require.NoError(t, srv.Run(t.Context()))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"protocolVersion"`)
	assert.Contains(t, lines[1], `"tools":[]`)
	assert.Zero(t, sessions.Count(), "session closes with the stream")
}
