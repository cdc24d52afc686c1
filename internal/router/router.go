// Package router dispatches inbound JSON-RPC requests across the upstream
// fleet: capability lists are merged or paginated over the admitted Ready
// upstreams, single-capability operations are de-namespaced and routed to
// exactly one upstream, and notifications are forwarded in both directions.
package router

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/onemcp/onemcp/internal/aggregator"
	"github.com/onemcp/onemcp/internal/jsonrpc"
	"github.com/onemcp/onemcp/internal/session"
	"github.com/onemcp/onemcp/internal/upstream"
)

// Protocol versions the proxy speaks, newest first.
var supportedProtocolVersions = []string{"2025-06-18", "2025-03-26", "2024-11-05"}

// metaErrorsKey carries per-upstream listing failures inside merged results.
const metaErrorsKey = "onemcp/errors"

// Observer receives request and notification telemetry from the router.
type Observer interface {
	ObserveRequest(method, outcome string, duration time.Duration)
	ObserveNotification(direction string)
}

type nopObserver struct{}

func (nopObserver) ObserveRequest(string, string, time.Duration) {}
func (nopObserver) ObserveNotification(string)                   {}

// Options tunes the router.
type Options struct {
	ProxyName        string
	ProxyVersion     string
	RequestTimeout   time.Duration
	PaginationLimit  int
	EnablePagination bool
}

// Router handles the MCP method surface for inbound sessions.
type Router struct {
	manager    *upstream.Manager
	aggregator *aggregator.Aggregator
	sessions   *session.Manager
	logger     *zap.Logger
	opts       Options
	observer   Observer

	inflightMu sync.Mutex
	// inflight maps session id -> request id -> cancel, for
	// notifications/cancelled.
	inflight map[string]map[string]context.CancelFunc
}

// New builds a router.
func New(manager *upstream.Manager, agg *aggregator.Aggregator, sessions *session.Manager, opts Options, logger *zap.Logger) *Router {
	if opts.ProxyName == "" {
		opts.ProxyName = "onemcp"
	}
	if opts.ProxyVersion == "" {
		opts.ProxyVersion = "dev"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.PaginationLimit <= 0 {
		opts.PaginationLimit = 50
	}
	return &Router{
		manager:    manager,
		aggregator: agg,
		sessions:   sessions,
		logger:     logger,
		opts:       opts,
		observer:   nopObserver{},
		inflight:   make(map[string]map[string]context.CancelFunc),
	}
}

// SetObserver installs the telemetry sink. Call before serving traffic.
func (r *Router) SetObserver(o Observer) {
	if o != nil {
		r.observer = o
	}
}

// Handle processes one raw inbound message. The returned response is nil for
// notifications and for client responses to reverse-direction requests.
func (r *Router) Handle(ctx context.Context, sess *session.Session, data []byte) *jsonrpc.Response {
	msg, err := jsonrpc.Decode(data)
	if err != nil {
		rpcErr, ok := err.(*jsonrpc.Error)
		if !ok {
			rpcErr = jsonrpc.NewError(jsonrpc.CodeParseError, err.Error())
		}
		return jsonrpc.NewErrorResponse(jsonrpc.ID{}, rpcErr)
	}

	switch {
	case msg.Request != nil:
		return r.dispatch(ctx, sess, msg.Request)
	case msg.Notification != nil:
		r.handleClientNotification(ctx, sess, msg.Notification)
		return nil
	default:
		if !sess.HandleClientResponse(msg.Response) {
			r.logger.Debug("Dropping response with no matching request",
				zap.String("session_id", sess.ID),
				zap.String("request_id", msg.Response.ID.String()))
		}
		return nil
	}
}

func (r *Router) dispatch(ctx context.Context, sess *session.Session, req *jsonrpc.Request) *jsonrpc.Response {
	sess.Touch()
	started := time.Now()

	// Hang the request off the session so closing it aborts fan-outs, and
	// register the cancel for notifications/cancelled.
	reqCtx, cancel := context.WithTimeout(sess.Context(), r.opts.RequestTimeout)
	defer cancel()
	r.trackInflight(sess.ID, req.ID.String(), cancel)
	defer r.untrackInflight(sess.ID, req.ID.String())

	// Stop if the transport-level context died first.
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-reqCtx.Done():
		}
	}()

	var (
		result interface{}
		rpcErr *jsonrpc.Error
	)
	switch req.Method {
	case "initialize":
		result, rpcErr = r.handleInitialize(sess, req.Params)
	case "ping":
		result, rpcErr = r.handlePing(sess)
	case "tools/list":
		result, rpcErr = r.handleToolsList(reqCtx, sess, req.Params)
	case "prompts/list":
		result, rpcErr = r.handlePromptsList(reqCtx, sess, req.Params)
	case "resources/list":
		result, rpcErr = r.handleResourcesList(reqCtx, sess, req.Params)
	case "resources/templates/list":
		result, rpcErr = r.handleTemplatesList(reqCtx, sess, req.Params)
	case "tools/call":
		result, rpcErr = r.handleToolCall(reqCtx, sess, req.Params)
	case "prompts/get":
		result, rpcErr = r.handlePromptGet(reqCtx, sess, req.Params)
	case "resources/read":
		result, rpcErr = r.handleResourceRead(reqCtx, sess, req.Params)
	case "resources/subscribe":
		result, rpcErr = r.handleSubscribe(reqCtx, sess, req.Params, true)
	case "resources/unsubscribe":
		result, rpcErr = r.handleSubscribe(reqCtx, sess, req.Params, false)
	case "completion/complete":
		result, rpcErr = r.handleComplete(reqCtx, sess, req.Params)
	default:
		rpcErr = jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "method not found: "+req.Method)
	}

	if rpcErr != nil {
		r.observer.ObserveRequest(req.Method, "error", time.Since(started))
		return jsonrpc.NewErrorResponse(req.ID, rpcErr)
	}
	response, err := jsonrpc.NewResult(req.ID, result)
	if err != nil {
		r.logger.Error("Failed to encode result",
			zap.String("method", req.Method), zap.Error(err))
		r.observer.ObserveRequest(req.Method, "error", time.Since(started))
		return jsonrpc.NewErrorResponse(req.ID,
			jsonrpc.NewError(jsonrpc.CodeInternalError, "failed to encode result"))
	}
	r.observer.ObserveRequest(req.Method, "success", time.Since(started))
	return response
}

func (r *Router) trackInflight(sessionID, requestID string, cancel context.CancelFunc) {
	if requestID == "" {
		return
	}
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	byReq := r.inflight[sessionID]
	if byReq == nil {
		byReq = make(map[string]context.CancelFunc)
		r.inflight[sessionID] = byReq
	}
	byReq[requestID] = cancel
}

func (r *Router) untrackInflight(sessionID, requestID string) {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	if byReq := r.inflight[sessionID]; byReq != nil {
		delete(byReq, requestID)
		if len(byReq) == 0 {
			delete(r.inflight, sessionID)
		}
	}
}

// CancelRequest aborts an in-flight request, used by notifications/cancelled.
func (r *Router) CancelRequest(sessionID, requestID string) bool {
	r.inflightMu.Lock()
	cancel, ok := r.inflight[sessionID][requestID]
	r.inflightMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
}

func (r *Router) handleInitialize(sess *session.Session, params json.RawMessage) (interface{}, *jsonrpc.Error) {
	var p initializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "malformed initialize params: "+err.Error())
		}
	}

	negotiated := supportedProtocolVersions[0]
	for _, v := range supportedProtocolVersions {
		if p.ProtocolVersion == v {
			negotiated = v
			break
		}
	}

	sess.MarkInitialized(p.ClientInfo.Name, p.ClientInfo.Version)
	r.logger.Info("Session initialized",
		zap.String("session_id", sess.ID),
		zap.String("client", p.ClientInfo.Name),
		zap.String("protocol_version", negotiated))

	return map[string]interface{}{
		"protocolVersion": negotiated,
		"serverInfo": map[string]interface{}{
			"name":    r.opts.ProxyName,
			"version": r.opts.ProxyVersion,
		},
		"capabilities": r.sessionCapabilities(sess),
	}, nil
}

// sessionCapabilities derives the advertised capability set from the
// session's admitted Ready upstreams. List change notifications and
// completion routing are the proxy's own; resource subscriptions and log
// forwarding exist only when an admitted upstream provides them.
func (r *Router) sessionCapabilities(sess *session.Session) map[string]interface{} {
	subscribe := false
	logging := false
	for _, c := range r.admitted(sess) {
		caps := c.Capabilities()
		if caps.Resources != nil && caps.Resources.Subscribe {
			subscribe = true
		}
		if caps.Logging != nil {
			logging = true
		}
	}

	capabilities := map[string]interface{}{
		"tools":       map[string]interface{}{"listChanged": true},
		"prompts":     map[string]interface{}{"listChanged": true},
		"resources":   map[string]interface{}{"subscribe": subscribe, "listChanged": true},
		"completions": map[string]interface{}{},
	}
	if logging {
		capabilities["logging"] = map[string]interface{}{}
	}
	return capabilities
}

// handlePing answers immediately and probes the admitted upstreams in the
// background to keep the success-rate window warm.
func (r *Router) handlePing(sess *session.Session) (interface{}, *jsonrpc.Error) {
	clients := r.admitted(sess)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, c := range clients {
			r.manager.RecordCallResult(c.Name(), c.Ping(ctx) == nil)
		}
	}()
	return map[string]interface{}{}, nil
}

// admitted returns the Ready upstreams the session's filter admits, sorted
// by name for deterministic merge and pagination order.
func (r *Router) admitted(sess *session.Session) []*upstream.Client {
	ready := r.manager.ReadyClients()
	clients := make([]*upstream.Client, 0, len(ready))
	for _, c := range ready {
		if sess.Admits(c.Config().Tags) {
			clients = append(clients, c)
		}
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].Name() < clients[j].Name() })
	return clients
}

// admittedByName resolves one admitted upstream. The second return is false
// when the upstream is unknown, not admitted, or not Ready; callers map that
// to invalid params without leaking which of those it was.
func (r *Router) admittedByName(sess *session.Session, name string) (*upstream.Client, bool) {
	c, ok := r.manager.Client(name)
	if !ok || !c.Ready() || !sess.Admits(c.Config().Tags) {
		return nil, false
	}
	return c, true
}

// paginationEnabled reports whether this session gets cursor-walk pagination.
func (r *Router) paginationEnabled(sess *session.Session) bool {
	return r.opts.EnablePagination && sess.Pagination
}
