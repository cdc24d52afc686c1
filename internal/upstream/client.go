package upstream

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/onemcp/onemcp/internal/config"
	"github.com/onemcp/onemcp/internal/upstream/transport"
	"github.com/onemcp/onemcp/internal/upstream/types"
)

// UnauthorizedError is returned when an upstream rejects the handshake with
// an OAuth challenge. It carries the authorization URL extracted from the
// response so the upstream can be parked in AwaitingOAuth.
type UnauthorizedError struct {
	AuthorizationURL string
	Err              error
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("upstream requires authorization: %v", e.Err)
}

func (e *UnauthorizedError) Unwrap() error { return e.Err }

// ErrCircularDependency is returned when an upstream advertises this proxy's
// own server name, meaning the proxy has been configured to connect to
// itself.
var ErrCircularDependency = errors.New("upstream advertises the proxy's own server name")

var authURLPattern = regexp.MustCompile(`https?://[^\s"'<>]+`)

// classifyConnectError detects OAuth challenges in handshake failures.
func classifyConnectError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "401") || strings.Contains(msg, "Unauthorized") ||
		strings.Contains(msg, "invalid_token") || strings.Contains(msg, "authorization required") {
		return &UnauthorizedError{
			AuthorizationURL: authURLPattern.FindString(msg),
			Err:              err,
		}
	}
	return err
}

// Client is a live or in-progress connection to one upstream MCP server. The
// manager owns it; the aggregator and router hold it only through
// ReadyClients snapshots.
type Client struct {
	name      string
	cfg       *config.UpstreamConfig
	proxyName string
	logger    *zap.Logger
	machine   *types.Machine

	mu         sync.RWMutex
	mcpClient  *client.Client
	serverInfo *mcp.InitializeResult

	// internalID is assigned monotonically per successful handshake.
	internalID uint64

	notifyFn   func(mcp.JSONRPCNotification)
	lostFn     func(error)
	clientOpts []client.ClientOption
	tokenFn    func() string
}

// NewClient builds an unconnected client.
func NewClient(cfg *config.UpstreamConfig, proxyName string, logger *zap.Logger) *Client {
	return &Client{
		name:      cfg.Name,
		cfg:       cfg,
		proxyName: proxyName,
		logger:    logger.With(zap.String("upstream", cfg.Name)),
		machine:   types.NewMachine(),
	}
}

// Name returns the configured upstream name.
func (c *Client) Name() string { return c.name }

// Config returns the upstream definition.
func (c *Client) Config() *config.UpstreamConfig { return c.cfg }

// Machine exposes the state machine for the owning worker.
func (c *Client) Machine() *types.Machine { return c.machine }

// InternalID returns the id assigned at the last successful handshake.
func (c *Client) InternalID() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.internalID
}

// SetClientOptions installs mcp-go client options applied at every connect,
// carrying the reverse-direction handlers. Must be set before Connect.
func (c *Client) SetClientOptions(opts ...client.ClientOption) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientOpts = opts
}

// SetTokenSource installs the lookup for a stored bearer token. Consulted
// at every connect so tokens written while the upstream is parked in
// AwaitingOAuth take effect on the reconnect.
func (c *Client) SetTokenSource(fn func() string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokenFn = fn
}

// OnNotification registers the callback for notifications pushed by the
// upstream. Must be set before Connect.
func (c *Client) OnNotification(fn func(mcp.JSONRPCNotification)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyFn = fn
}

// OnConnectionLost registers the callback invoked when the transport drops.
func (c *Client) OnConnectionLost(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lostFn = fn
}

// Connect starts the transport and performs the MCP initialize handshake.
// The state machine is driven by the caller; Connect only reports outcomes.
func (c *Client) Connect(ctx context.Context, id uint64) error {
	c.mu.RLock()
	notifyFn := c.notifyFn
	lostFn := c.lostFn
	clientOpts := c.clientOpts
	tokenFn := c.tokenFn
	c.mu.RUnlock()

	cfg := c.cfg
	if tokenFn != nil && cfg.EffectiveType() != config.TransportStdio {
		if tok := tokenFn(); tok != "" {
			cfg = withBearerHeader(cfg, tok)
		}
	}

	mcpClient, err := transport.NewClient(cfg, clientOpts...)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	if notifyFn != nil {
		mcpClient.OnNotification(notifyFn)
	}
	if lostFn != nil {
		mcpClient.OnConnectionLost(lostFn)
	}

	if err := mcpClient.Start(ctx); err != nil {
		_ = mcpClient.Close()
		return classifyConnectError(fmt.Errorf("failed to start transport: %w", err))
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    c.proxyName,
		Version: "1.0.0",
	}
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	serverInfo, err := mcpClient.Initialize(ctx, initRequest)
	if err != nil {
		_ = mcpClient.Close()
		return classifyConnectError(fmt.Errorf("initialize handshake failed: %w", err))
	}

	if serverInfo.ServerInfo.Name == c.proxyName {
		_ = mcpClient.Close()
		return fmt.Errorf("%w: %s", ErrCircularDependency, serverInfo.ServerInfo.Name)
	}

	c.mu.Lock()
	c.mcpClient = mcpClient
	c.serverInfo = serverInfo
	c.internalID = id
	c.mu.Unlock()

	c.logger.Info("Upstream handshake complete",
		zap.String("server_name", serverInfo.ServerInfo.Name),
		zap.String("server_version", serverInfo.ServerInfo.Version),
		zap.String("protocol_version", serverInfo.ProtocolVersion))
	return nil
}

// withBearerHeader clones the definition with a stored token as the
// Authorization header. An explicitly configured header wins.
func withBearerHeader(cfg *config.UpstreamConfig, token string) *config.UpstreamConfig {
	if _, ok := cfg.Headers["Authorization"]; ok {
		return cfg
	}
	clone := *cfg
	clone.Headers = make(map[string]string, len(cfg.Headers)+1)
	for k, v := range cfg.Headers {
		clone.Headers[k] = v
	}
	clone.Headers["Authorization"] = "Bearer " + token
	return &clone
}

// Close shuts the transport down. Safe to call repeatedly.
func (c *Client) Close() error {
	c.mu.Lock()
	mcpClient := c.mcpClient
	c.mcpClient = nil
	c.mu.Unlock()

	if mcpClient == nil {
		return nil
	}
	return mcpClient.Close()
}

// Ready reports whether the upstream is in StateReady.
func (c *Client) Ready() bool {
	return c.machine.State() == types.StateReady
}

// ServerInfo returns the initialize result, or nil before handshake.
func (c *Client) ServerInfo() *mcp.InitializeResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Capabilities returns the advertised server capabilities.
func (c *Client) Capabilities() mcp.ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.serverInfo == nil {
		return mcp.ServerCapabilities{}
	}
	return c.serverInfo.Capabilities
}

func (c *Client) live() (*client.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.mcpClient == nil || c.serverInfo == nil {
		return nil, fmt.Errorf("upstream %s is not connected", c.name)
	}
	return c.mcpClient, nil
}

// ListTools fetches one page of tools. Returns an empty result when the
// upstream does not advertise tool support.
func (c *Client) ListTools(ctx context.Context, cursor string) (*mcp.ListToolsResult, error) {
	mcpClient, err := c.live()
	if err != nil {
		return nil, err
	}
	if c.Capabilities().Tools == nil {
		return &mcp.ListToolsResult{}, nil
	}
	req := mcp.ListToolsRequest{}
	req.Params.Cursor = mcp.Cursor(cursor)
	return mcpClient.ListTools(ctx, req)
}

// ListPrompts fetches one page of prompts.
func (c *Client) ListPrompts(ctx context.Context, cursor string) (*mcp.ListPromptsResult, error) {
	mcpClient, err := c.live()
	if err != nil {
		return nil, err
	}
	if c.Capabilities().Prompts == nil {
		return &mcp.ListPromptsResult{}, nil
	}
	req := mcp.ListPromptsRequest{}
	req.Params.Cursor = mcp.Cursor(cursor)
	return mcpClient.ListPrompts(ctx, req)
}

// ListResources fetches one page of resources.
func (c *Client) ListResources(ctx context.Context, cursor string) (*mcp.ListResourcesResult, error) {
	mcpClient, err := c.live()
	if err != nil {
		return nil, err
	}
	if c.Capabilities().Resources == nil {
		return &mcp.ListResourcesResult{}, nil
	}
	req := mcp.ListResourcesRequest{}
	req.Params.Cursor = mcp.Cursor(cursor)
	return mcpClient.ListResources(ctx, req)
}

// ListResourceTemplates fetches one page of resource templates.
func (c *Client) ListResourceTemplates(ctx context.Context, cursor string) (*mcp.ListResourceTemplatesResult, error) {
	mcpClient, err := c.live()
	if err != nil {
		return nil, err
	}
	if c.Capabilities().Resources == nil {
		return &mcp.ListResourceTemplatesResult{}, nil
	}
	req := mcp.ListResourceTemplatesRequest{}
	req.Params.Cursor = mcp.Cursor(cursor)
	return mcpClient.ListResourceTemplates(ctx, req)
}

// CallTool invokes a tool by its original (un-namespaced) name.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	mcpClient, err := c.live()
	if err != nil {
		return nil, err
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	if args != nil {
		req.Params.Arguments = args
	}
	return mcpClient.CallTool(ctx, req)
}

// GetPrompt fetches a prompt by its original name.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	mcpClient, err := c.live()
	if err != nil {
		return nil, err
	}
	req := mcp.GetPromptRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return mcpClient.GetPrompt(ctx, req)
}

// ReadResource reads a resource by its original URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	mcpClient, err := c.live()
	if err != nil {
		return nil, err
	}
	req := mcp.ReadResourceRequest{}
	req.Params.URI = uri
	return mcpClient.ReadResource(ctx, req)
}

// Subscribe subscribes to updates for a resource URI.
func (c *Client) Subscribe(ctx context.Context, uri string) error {
	mcpClient, err := c.live()
	if err != nil {
		return err
	}
	req := mcp.SubscribeRequest{}
	req.Params.URI = uri
	return mcpClient.Subscribe(ctx, req)
}

// Unsubscribe removes a resource subscription.
func (c *Client) Unsubscribe(ctx context.Context, uri string) error {
	mcpClient, err := c.live()
	if err != nil {
		return err
	}
	req := mcp.UnsubscribeRequest{}
	req.Params.URI = uri
	return mcpClient.Unsubscribe(ctx, req)
}

// Complete forwards a completion request.
func (c *Client) Complete(ctx context.Context, req mcp.CompleteRequest) (*mcp.CompleteResult, error) {
	mcpClient, err := c.live()
	if err != nil {
		return nil, err
	}
	return mcpClient.Complete(ctx, req)
}

// Ping sends a protocol-level ping, doubling as a health probe.
func (c *Client) Ping(ctx context.Context) error {
	mcpClient, err := c.live()
	if err != nil {
		return err
	}
	return mcpClient.Ping(ctx)
}

// SendNotification forwards a client-originated notification to the
// upstream.
func (c *Client) SendNotification(ctx context.Context, method string, params map[string]interface{}) error {
	mcpClient, err := c.live()
	if err != nil {
		return err
	}
	notification := mcp.JSONRPCNotification{
		JSONRPC: mcp.JSONRPC_VERSION,
		Notification: mcp.Notification{
			Method: method,
			Params: mcp.NotificationParams{
				AdditionalFields: params,
			},
		},
	}
	return mcpClient.GetTransport().SendNotification(ctx, notification)
}
