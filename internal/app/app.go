// Package app assembles the proxy: configuration source, auth store,
// upstream manager, aggregator, router, and the inbound transports. All
// collaborators are wired by construction; there is no process-global state
// beyond the App handle.
package app

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/onemcp/onemcp/internal/aggregator"
	"github.com/onemcp/onemcp/internal/auth"
	"github.com/onemcp/onemcp/internal/config"
	"github.com/onemcp/onemcp/internal/health"
	"github.com/onemcp/onemcp/internal/observability"
	"github.com/onemcp/onemcp/internal/relay"
	"github.com/onemcp/onemcp/internal/router"
	"github.com/onemcp/onemcp/internal/server"
	"github.com/onemcp/onemcp/internal/session"
	"github.com/onemcp/onemcp/internal/upstream"
)

const proxyName = "onemcp"

// settleTimeout bounds synchronous startup when async loading is disabled.
const settleTimeout = 60 * time.Second

// App owns the component graph for one proxy process.
type App struct {
	cfg        *config.Config
	configPath string
	version    string
	logger     *zap.Logger

	sessions   *session.Manager
	manager    *upstream.Manager
	aggregator *aggregator.Aggregator
	router     *router.Router
	store      *auth.Store
	authorizer *auth.Authorizer
	limiter    *auth.RateLimiter
	health     *health.Handler
	metrics    *observability.Metrics
	watcher    *config.Watcher

	httpServer  *server.HTTPServer
	stdioServer *server.StdioServer
}

// New wires the component graph from a validated configuration.
func New(cfg *config.Config, configPath, version string, logger *zap.Logger) (*App, error) {
	a := &App{
		cfg:        cfg,
		configPath: configPath,
		version:    version,
		logger:     logger,
	}

	a.sessions = session.NewManager(cfg.SessionTTL, logger.Named("session"))

	a.manager = upstream.NewManager(cfg.MCPServers, upstream.Settings{
		ProxyName:        proxyName,
		ConnectRetries:   cfg.ConnectRetries,
		ConnectBaseDelay: cfg.ConnectBaseDelay,
	}, logger.Named("upstream"))

	rel := relay.New(a.sessions, logger.Named("relay"))
	a.manager.SetClientOptionsFactory(rel.ClientOptions)

	a.aggregator = aggregator.New(a.manager, cfg.CoalesceWindow, logger.Named("aggregator"))

	a.router = router.New(a.manager, a.aggregator, a.sessions, router.Options{
		ProxyName:        proxyName,
		ProxyVersion:     version,
		RequestTimeout:   cfg.RequestTimeout,
		PaginationLimit:  cfg.PaginationLimit,
		EnablePagination: cfg.EnablePagination,
	}, logger.Named("router"))

	a.aggregator.OnListChanged(a.router.NotifyListChanged)

	// The watcher holds the live config; AllTags must follow reloads so
	// scope validation sees the current tag universe.
	if configPath != "" {
		a.watcher = config.NewWatcher(configPath, cfg, logger, a.applyReload)
	}

	storageDir, err := a.storageDir()
	if err != nil {
		return nil, err
	}
	a.store, err = auth.NewStore(filepath.Join(storageDir, "sessions"), logger.Named("auth"))
	if err != nil {
		return nil, err
	}
	tokens, err := upstream.NewTokenStore(filepath.Join(storageDir, "clientSessions"), logger.Named("upstream"))
	if err != nil {
		return nil, err
	}
	a.manager.SetTokenStore(tokens)
	a.authorizer = auth.NewAuthorizer(a.store, auth.Options{
		Issuer:  fmt.Sprintf("http://%s", net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))),
		AllTags: a.currentTags,
	}, logger.Named("auth"))
	a.limiter = auth.NewRateLimiter(cfg.RateLimitWindow, cfg.RateLimitMax, cfg.TrustProxy)

	a.metrics = observability.New(logger.Named("metrics"))
	a.router.SetObserver(a.metrics)
	a.manager.SetCallObserver(a.metrics.ObserveUpstreamCall)
	a.health = health.New(a.manager, a.aggregator, a.sessions, cfg.HealthInfoLevel, version, logger.Named("health"))

	if cfg.Transport == "http" || cfg.Transport == "both" {
		a.httpServer = server.NewHTTPServer(cfg, a.manager, a.sessions, a.router,
			a.authorizer, a.limiter, a.health.Routes(), a.metrics.Handler(), logger.Named("http"))
	}
	if cfg.Transport == "stdio" || cfg.Transport == "both" {
		a.stdioServer = server.NewStdioServer(a.sessions, a.router, os.Stdin, os.Stdout, logger.Named("stdio"))
	}
	return a, nil
}

func (a *App) storageDir() (string, error) {
	if a.cfg.ConfigDir != "" {
		return a.cfg.ConfigDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot resolve home directory for auth storage: %w", err)
	}
	return filepath.Join(home, ".onemcp"), nil
}

// currentTags returns the tag universe of the active configuration.
func (a *App) currentTags() []string {
	if a.watcher != nil {
		return a.watcher.Current().AllTags()
	}
	return a.cfg.AllTags()
}

// applyReload is the watcher callback: the validated new config's upstream
// set replaces the running fleet.
func (a *App) applyReload(cfg *config.Config, diff config.Diff) {
	a.manager.Reconfigure(cfg.MCPServers, diff)
}

// Run starts every component and blocks until ctx is cancelled, then shuts
// down in order: stop inbound, cancel in-flight, close sessions, stop
// upstreams, flush sweepers.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.manager.OnNotification(func(name string, n mcp.JSONRPCNotification) {
		a.metrics.ObserveNotification("upstream_to_client")
		a.router.HandleUpstreamNotification(runCtx, name, n)
	})

	if err := a.manager.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start upstream manager: %w", err)
	}
	a.aggregator.Start(runCtx)
	a.sessions.StartSweeper(runCtx, 5*time.Minute)
	a.store.StartSweeper(runCtx, a.cfg.AuthCleanupEvery)

	if a.watcher != nil {
		if err := a.watcher.Start(runCtx); err != nil {
			return fmt.Errorf("failed to start config watcher: %w", err)
		}
	}

	if a.cfg.EnableAsyncLoading {
		a.health.SetReady(true)
	} else {
		settleCtx, settleCancel := context.WithTimeout(runCtx, settleTimeout)
		if err := a.manager.WaitSettled(settleCtx); err != nil {
			a.logger.Warn("Upstreams did not settle before timeout, continuing", zap.Error(err))
		}
		settleCancel()
		a.health.SetReady(true)
	}

	group, groupCtx := errgroup.WithContext(runCtx)

	if a.httpServer != nil {
		group.Go(a.httpServer.Start)
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace)
			defer shutdownCancel()
			return a.httpServer.Shutdown(shutdownCtx)
		})
	}
	if a.stdioServer != nil {
		group.Go(func() error {
			err := a.stdioServer.Run(groupCtx)
			// EOF on stdin means the parent went away; stop the process.
			cancel()
			if err == context.Canceled {
				return nil
			}
			return err
		})
	}

	// Fleet gauges refresh on a fixed cadence, restarts on events.
	group.Go(func() error { return a.observeFleet(groupCtx) })

	a.logger.Info("Proxy started",
		zap.String("version", a.version),
		zap.String("transport", a.cfg.Transport),
		zap.Int("upstreams", len(a.cfg.MCPServers)))

	err := group.Wait()

	a.shutdown()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func (a *App) observeFleet(ctx context.Context) error {
	events, unsubscribe := a.manager.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change, ok := <-events:
			if !ok {
				return nil
			}
			a.metrics.ObserveStateChange(change.Upstream, change.From, change.To)
			a.metrics.UpdateFleet(a.manager.Summarize())
		case <-ticker.C:
			a.metrics.UpdateFleet(a.manager.Summarize())
			a.metrics.SetSessions(a.sessions.Count())
		}
	}
}

// shutdown tears the graph down in dependency order.
func (a *App) shutdown() {
	a.sessions.CloseAll()
	a.sessions.Stop()
	a.aggregator.Stop()
	a.manager.Stop()
	if a.watcher != nil {
		a.watcher.Stop()
	}
	a.store.Stop()
	a.logger.Info("Proxy stopped")
}
