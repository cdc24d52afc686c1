// Package server hosts the inbound transports: streamable HTTP, legacy SSE,
// and stdio. Every HTTP request runs the same pipeline: rate limit, bearer
// auth, scope-to-tag translation, tag-filter parsing, availability gate,
// then the router.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/onemcp/onemcp/internal/auth"
	"github.com/onemcp/onemcp/internal/config"
	"github.com/onemcp/onemcp/internal/router"
	"github.com/onemcp/onemcp/internal/session"
	"github.com/onemcp/onemcp/internal/upstream"
)

// sessionHeader carries the streamable-HTTP session id.
const sessionHeader = "Mcp-Session-Id"

// maxBodyBytes bounds a single inbound JSON-RPC message.
const maxBodyBytes = 10 << 20

// HTTPServer is the inbound HTTP surface.
type HTTPServer struct {
	cfg      *config.Config
	manager  *upstream.Manager
	sessions *session.Manager
	router   *router.Router
	auth     *auth.Authorizer
	limiter  *auth.RateLimiter
	health   http.Handler
	metrics  http.Handler
	logger   *zap.Logger

	mux *chi.Mux
	srv *http.Server
}

// NewHTTPServer assembles the mux. Health and metrics handlers may be nil.
func NewHTTPServer(
	cfg *config.Config,
	manager *upstream.Manager,
	sessions *session.Manager,
	rt *router.Router,
	authorizer *auth.Authorizer,
	limiter *auth.RateLimiter,
	health http.Handler,
	metrics http.Handler,
	logger *zap.Logger,
) *HTTPServer {
	s := &HTTPServer{
		cfg:      cfg,
		manager:  manager,
		sessions: sessions,
		router:   rt,
		auth:     authorizer,
		limiter:  limiter,
		health:   health,
		metrics:  metrics,
		logger:   logger,
	}
	s.mux = s.routes()
	return s
}

func (s *HTTPServer) routes() *chi.Mux {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Use(s.requestLogger)

	// Authorization server endpoints, rate-limited per IP.
	mux.Group(func(r chi.Router) {
		r.Use(s.limiter.Middleware)
		r.Post("/register", s.auth.Register)
		r.Get("/authorize", s.auth.Authorize)
		r.Post("/authorize", s.auth.Authorize)
		r.Post("/token", s.auth.Token)
		r.Post("/revoke", s.auth.Revoke)
	})
	mux.Get("/.well-known/oauth-authorization-server", s.auth.Metadata)
	mux.Get("/.well-known/oauth-protected-resource", s.auth.ProtectedResourceMetadata)
	mux.Get("/oauth/callback/{upstream}", s.handleOAuthCallback)

	// MCP endpoints behind bearer auth.
	mux.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware(s.cfg.EnableAuth))
		r.Post("/mcp", s.handleMCPPost)
		r.Get("/mcp", s.handleMCPStream)
		r.Delete("/mcp", s.handleMCPDelete)
		r.Get("/sse", s.handleSSE)
		r.Post("/messages", s.handleMessages)
	})

	if s.health != nil {
		mux.Mount("/health", s.health)
	}
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Handler exposes the mux for tests.
func (s *HTTPServer) Handler() http.Handler { return s.mux }

// Start listens and serves until the listener closes.
func (s *HTTPServer) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("HTTP server listening", zap.String("addr", addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// handleOAuthCallback completes the OAuth handshake for an upstream stuck in
// AwaitingOAuth and kicks its worker back into Loading.
func (s *HTTPServer) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "upstream")
	if err := s.manager.OAuthCompleted(name); err != nil {
		s.logger.Warn("OAuth callback rejected",
			zap.String("upstream", name), zap.Error(err))
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<html><body><h1>Authorization complete</h1><p>Server %q is reconnecting. You can close this window.</p></body></html>", name)
}

func (s *HTTPServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote", r.RemoteAddr))
	})
}
