// Package upstream manages the fleet of upstream MCP server connections:
// one worker per configured server drives the transport through its
// lifecycle, with exponential connect retries, subprocess restart policy,
// and an ordered state-change event stream for observers.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/onemcp/onemcp/internal/config"
	"github.com/onemcp/onemcp/internal/logs"
	"github.com/onemcp/onemcp/internal/upstream/types"
)

// StateChange is one edge of an upstream's lifecycle, delivered to
// subscribers in transition order per upstream.
type StateChange struct {
	Upstream string
	From     types.LoadingState
	To       types.LoadingState
	Info     types.Info
}

// Settings carries the process-level knobs the manager needs.
type Settings struct {
	ProxyName        string
	ConnectRetries   int
	ConnectBaseDelay time.Duration
}

// NotificationFunc receives notifications pushed by upstreams.
type NotificationFunc func(upstream string, notification mcp.JSONRPCNotification)

// ClientOptionsFactory builds the mcp-go client options for one upstream,
// typically the reverse-direction sampling and elicitation handlers.
type ClientOptionsFactory func(cfg *config.UpstreamConfig) []client.ClientOption

// Manager owns the upstream workers. All public methods are safe for
// concurrent use.
type Manager struct {
	logger   *zap.Logger
	settings Settings

	mu      sync.RWMutex
	workers map[string]*worker
	started bool

	bus   *eventBus
	idSeq atomic.Uint64

	notifyMu    sync.RWMutex
	notifyFn    NotificationFunc
	optsFactory ClientOptionsFactory
	tokens      *TokenStore

	statsMu      sync.Mutex
	stats        map[string]*callStats
	callObserver func(name string, ok bool)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type worker struct {
	name   string
	cfg    *config.UpstreamConfig
	client *Client

	cancel context.CancelFunc
	done   chan struct{}

	// oauthCh unsticks AwaitingOAuth, reloadCh unsticks Failed. Buffered so
	// signalling never blocks the caller.
	oauthCh  chan struct{}
	reloadCh chan struct{}
	lostCh   chan error
}

// NewManager builds a manager for the given upstream definitions. Disabled
// upstreams are skipped entirely.
func NewManager(servers map[string]*config.UpstreamConfig, settings Settings, logger *zap.Logger) *Manager {
	if settings.ProxyName == "" {
		settings.ProxyName = "onemcp"
	}
	if settings.ConnectRetries <= 0 {
		settings.ConnectRetries = 5
	}
	if settings.ConnectBaseDelay <= 0 {
		settings.ConnectBaseDelay = time.Second
	}

	m := &Manager{
		logger:   logger,
		settings: settings,
		workers:  make(map[string]*worker),
		bus:      newEventBus(),
		stats:    make(map[string]*callStats),
	}
	for name, cfg := range servers {
		if cfg.Disabled {
			continue
		}
		m.workers[name] = m.newWorker(cfg)
	}
	return m
}

// OnNotification registers the sink for upstream-pushed notifications. Must
// be called before Start.
func (m *Manager) OnNotification(fn NotificationFunc) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.notifyFn = fn
}

// SetClientOptionsFactory installs the per-upstream mcp-go option factory.
// Must be called before Start.
func (m *Manager) SetClientOptionsFactory(factory ClientOptionsFactory) {
	m.notifyMu.Lock()
	m.optsFactory = factory
	m.notifyMu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.workers {
		w.client.SetClientOptions(factory(w.cfg)...)
	}
}

// SetTokenStore installs the per-upstream OAuth token store. Stored access
// tokens are injected as bearer headers on HTTP and SSE connects. Must be
// called before Start.
func (m *Manager) SetTokenStore(tokens *TokenStore) {
	m.notifyMu.Lock()
	m.tokens = tokens
	m.notifyMu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.workers {
		name := w.name
		w.client.SetTokenSource(func() string { return tokens.BearerToken(name) })
	}
}

func (m *Manager) notify(name string, n mcp.JSONRPCNotification) {
	m.notifyMu.RLock()
	fn := m.notifyFn
	m.notifyMu.RUnlock()
	if fn != nil {
		fn(name, n)
	}
}

// Subscribe returns an ordered stream of state changes and a cancel
// function. Events published before Subscribe are not replayed; callers
// should snapshot after subscribing.
func (m *Manager) Subscribe() (<-chan StateChange, func()) {
	return m.bus.subscribe()
}

func (m *Manager) newWorker(cfg *config.UpstreamConfig) *worker {
	w := &worker{
		name:     cfg.Name,
		cfg:      cfg,
		done:     make(chan struct{}),
		oauthCh:  make(chan struct{}, 1),
		reloadCh: make(chan struct{}, 1),
		lostCh:   make(chan error, 1),
	}
	w.client = NewClient(cfg, m.settings.ProxyName, m.logger)
	w.client.Machine().SetChangeCallback(func(from, to types.LoadingState, info types.Info) {
		m.bus.publish(StateChange{Upstream: w.name, From: from, To: to, Info: info})
	})
	w.client.OnNotification(func(n mcp.JSONRPCNotification) {
		m.notify(w.name, n)
	})
	w.client.OnConnectionLost(func(err error) {
		select {
		case w.lostCh <- err:
		default:
		}
	})
	m.notifyMu.RLock()
	factory := m.optsFactory
	tokens := m.tokens
	m.notifyMu.RUnlock()
	if factory != nil {
		w.client.SetClientOptions(factory(cfg)...)
	}
	if tokens != nil {
		name := w.name
		w.client.SetTokenSource(func() string { return tokens.BearerToken(name) })
	}
	return w
}

// Start launches one worker goroutine per upstream. Loading is asynchronous;
// use WaitSettled for synchronous startup.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("manager already started")
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)

	for _, w := range m.workers {
		m.launch(w)
	}
	m.logger.Info("Upstream manager started", zap.Int("upstreams", len(m.workers)))
	return nil
}

func (m *Manager) launch(w *worker) {
	wctx, wcancel := context.WithCancel(m.ctx)
	w.cancel = wcancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runWorker(wctx, w)
	}()
}

// Stop cancels every worker and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.bus.close()
	m.logger.Info("Upstream manager stopped")
}

// runWorker drives one upstream through its lifecycle until the context is
// cancelled.
func (m *Manager) runWorker(ctx context.Context, w *worker) {
	machine := w.client.Machine()
	log := m.logger.With(zap.String("upstream", w.name))

	defer func() {
		_ = w.client.Close()
		_ = machine.Transition(types.StateCancelled)
		close(w.done)
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		if err := machine.Transition(types.StateLoading); err != nil {
			log.Error("Lifecycle bug", zap.Error(err))
			return
		}

		err := m.connectWithRetry(ctx, w, log)
		switch {
		case err == nil:
			if terr := machine.Transition(types.StateReady); terr != nil {
				log.Error("Lifecycle bug", zap.Error(terr))
				return
			}
			if !m.awaitDisconnect(ctx, w, log) {
				return
			}

		case isUnauthorized(err):
			var ua *UnauthorizedError
			errors.As(err, &ua)
			_ = machine.AwaitOAuth(err, ua.AuthorizationURL)
			log.Warn("Upstream requires authorization",
				zap.String("authorization_url", logs.HostOnly(ua.AuthorizationURL)))
			select {
			case <-ctx.Done():
				return
			case <-w.oauthCh:
				log.Info("Authorization completed, reconnecting")
			}

		case ctx.Err() != nil:
			return

		default:
			_ = machine.Fail(err)
			log.Error("Upstream failed after retry budget",
				zap.Int("retries", machine.RetryCount()),
				zap.String("error", logs.Redact(err.Error())))
			select {
			case <-ctx.Done():
				return
			case <-w.reloadCh:
				log.Info("Config reload, retrying failed upstream")
			}
		}
	}
}

func isUnauthorized(err error) bool {
	var ua *UnauthorizedError
	return errors.As(err, &ua)
}

// connectWithRetry attempts the transport connect with exponential backoff
// up to the configured retry budget. OAuth challenges and circular
// dependencies abort immediately.
func (m *Manager) connectWithRetry(ctx context.Context, w *worker, log *zap.Logger) error {
	operation := func() (struct{}, error) {
		err := w.client.Connect(ctx, m.idSeq.Add(1))
		if err == nil {
			return struct{}{}, nil
		}
		var ua *UnauthorizedError
		if errors.As(err, &ua) || errors.Is(err, ErrCircularDependency) {
			return struct{}{}, backoff.Permanent(err)
		}
		w.client.Machine().RecordRetry(err)
		log.Warn("Connect attempt failed",
			zap.Int("attempt", w.client.Machine().RetryCount()),
			zap.String("error", logs.Redact(err.Error())))
		return struct{}{}, err
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = m.settings.ConnectBaseDelay

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(m.settings.ConnectRetries)))
	return err
}

// awaitDisconnect blocks while the upstream is Ready. Returns false when the
// worker should exit, true when the loop should reconnect.
func (m *Manager) awaitDisconnect(ctx context.Context, w *worker, log *zap.Logger) bool {
	select {
	case <-ctx.Done():
		return false

	case err := <-w.lostCh:
		_ = w.client.Close()
		policy := w.cfg.RestartPolicy()
		restarts := w.client.Machine().RestartCount()
		if policy.OnExit && (policy.MaxRestarts == 0 || restarts < policy.MaxRestarts) {
			log.Warn("Upstream connection lost, restarting",
				zap.Int("restart", restarts+1),
				zap.String("error", logs.Redact(errString(err))))
			if policy.Delay > 0 {
				select {
				case <-ctx.Done():
					return false
				case <-time.After(policy.Delay):
				}
			}
			return true
		}

		// No restart budget left: park in Failed until a config reload.
		// Going through Loading would count a restart that never happens.
		machine := w.client.Machine()
		_ = machine.Fail(fmt.Errorf("connection lost and restart disabled or exhausted: %v", err))
		log.Error("Upstream connection lost, not restarting",
			zap.Int("restarts", restarts),
			zap.Bool("restart_on_exit", policy.OnExit))
		select {
		case <-ctx.Done():
			return false
		case <-w.reloadCh:
			return true
		}
	}
}

func errString(err error) string {
	if err == nil {
		return "transport closed"
	}
	return err.Error()
}

// OAuthCompleted signals that the operator finished the authorization flow
// for the named upstream, unsticking AwaitingOAuth.
func (m *Manager) OAuthCompleted(name string) error {
	m.mu.RLock()
	w, ok := m.workers[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown upstream %q", name)
	}
	if w.client.Machine().State() != types.StateAwaitingOAuth {
		return fmt.Errorf("upstream %q is not awaiting authorization", name)
	}
	select {
	case w.oauthCh <- struct{}{}:
	default:
	}
	return nil
}

// Reconfigure applies a config diff: removed upstreams are cancelled, added
// ones started, changed ones torn down and replaced with a fresh lifecycle.
// Upstreams parked in Failed retry on any reload.
func (m *Manager) Reconfigure(servers map[string]*config.UpstreamConfig, diff config.Diff) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}

	for _, name := range diff.Removed {
		m.stopWorkerLocked(name)
	}
	for _, name := range diff.Changed {
		m.stopWorkerLocked(name)
		if cfg := servers[name]; cfg != nil && !cfg.Disabled {
			w := m.newWorker(cfg)
			m.workers[name] = w
			m.launch(w)
		}
	}
	for _, name := range diff.Added {
		if cfg := servers[name]; cfg != nil && !cfg.Disabled {
			w := m.newWorker(cfg)
			m.workers[name] = w
			m.launch(w)
		}
	}

	// Unchanged upstreams stuck in Failed get another chance.
	for _, w := range m.workers {
		if w.client.Machine().State() == types.StateFailed {
			select {
			case w.reloadCh <- struct{}{}:
			default:
			}
		}
	}

	m.logger.Info("Upstream fleet reconfigured",
		zap.Strings("added", diff.Added),
		zap.Strings("removed", diff.Removed),
		zap.Strings("changed", diff.Changed))
}

func (m *Manager) stopWorkerLocked(name string) {
	w, ok := m.workers[name]
	if !ok {
		return
	}
	delete(m.workers, name)
	w.cancel()
	<-w.done
}

// Client returns the client for a named upstream.
func (m *Manager) Client(name string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[name]
	if !ok {
		return nil, false
	}
	return w.client, true
}

// ReadyClients returns a snapshot of the upstreams currently in StateReady.
func (m *Manager) ReadyClients() map[string]*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Client)
	for name, w := range m.workers {
		if w.client.Ready() {
			out[name] = w.client
		}
	}
	return out
}

// Names returns every managed upstream name.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.workers))
	for name := range m.workers {
		names = append(names, name)
	}
	return names
}

// Snapshot returns the lifecycle info of every managed upstream.
func (m *Manager) Snapshot() map[string]types.Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]types.Info, len(m.workers))
	for name, w := range m.workers {
		out[name] = w.client.Machine().Snapshot()
	}
	return out
}

// WaitSettled blocks until no upstream is Pending or Loading, or the context
// expires. Used for synchronous startup mode.
func (m *Manager) WaitSettled(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		settled := true
		for _, info := range m.Snapshot() {
			if info.State == types.StatePending || info.State == types.StateLoading {
				settled = false
				break
			}
		}
		if settled {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
