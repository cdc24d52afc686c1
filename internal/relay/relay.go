// Package relay forwards reverse-direction requests (sampling, elicitation,
// roots) from upstream servers to a connected inbound client. The binding policy
// picks the most recently active session whose tag filter admits the
// requesting upstream.
package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/onemcp/onemcp/internal/config"
	"github.com/onemcp/onemcp/internal/session"
)

// Relay builds per-upstream mcp-go handlers that tunnel requests to inbound
// sessions.
type Relay struct {
	sessions *session.Manager
	logger   *zap.Logger
}

// New creates a relay over the session manager.
func New(sessions *session.Manager, logger *zap.Logger) *Relay {
	return &Relay{sessions: sessions, logger: logger}
}

// ClientOptions returns the mcp-go client options for one upstream. The
// legacy SSE transport ignores them.
func (r *Relay) ClientOptions(cfg *config.UpstreamConfig) []client.ClientOption {
	bridge := &upstreamBridge{
		relay:    r,
		upstream: cfg.Name,
		tags:     cfg.Tags,
	}
	return []client.ClientOption{
		client.WithSamplingHandler(bridge),
		client.WithElicitationHandler(bridge),
		client.WithRootsHandler(bridge),
	}
}

// upstreamBridge implements the mcp-go client handler interfaces for one
// upstream.
type upstreamBridge struct {
	relay    *Relay
	upstream string
	tags     []string
}

// CreateMessage relays sampling/createMessage to the bound session.
func (b *upstreamBridge) CreateMessage(ctx context.Context, request mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
	var result mcp.CreateMessageResult
	if err := b.forward(ctx, "sampling/createMessage", request.Params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Elicit relays elicitation/create to the bound session.
func (b *upstreamBridge) Elicit(ctx context.Context, request mcp.ElicitationRequest) (*mcp.ElicitationResult, error) {
	var result mcp.ElicitationResult
	if err := b.forward(ctx, "elicitation/create", request.Params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListRoots relays roots/list to the bound session. The wire request has no
// params of its own, so only the origin metadata travels.
func (b *upstreamBridge) ListRoots(ctx context.Context, request mcp.ListRootsRequest) (*mcp.ListRootsResult, error) {
	var result mcp.ListRootsResult
	if err := b.forward(ctx, "roots/list", map[string]interface{}{}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// forward marshals the params, tags them with the originating upstream, and
// waits for the client's answer.
func (b *upstreamBridge) forward(ctx context.Context, method string, params interface{}, result interface{}) error {
	bound := b.relay.sessions.Bind(b.tags)
	if bound == nil {
		return fmt.Errorf("no session admits upstream %s for %s", b.upstream, method)
	}
	bound.Touch()

	augmented, err := tagParams(params, b.upstream)
	if err != nil {
		return err
	}

	b.relay.logger.Debug("Relaying reverse-direction request",
		zap.String("method", method),
		zap.String("upstream", b.upstream),
		zap.String("session_id", bound.ID))

	response, err := bound.Request(ctx, method, augmented)
	if err != nil {
		return fmt.Errorf("relay to client failed: %w", err)
	}
	if response.Error != nil {
		return fmt.Errorf("client rejected %s: %s", method, response.Error.Message)
	}
	if err := json.Unmarshal(response.Result, result); err != nil {
		return fmt.Errorf("malformed client response to %s: %w", method, err)
	}
	return nil
}

// tagParams records the originating upstream in the request metadata so the
// client can attribute the request.
func tagParams(params interface{}, upstreamName string) (map[string]interface{}, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal relay params: %w", err)
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("relay params are not an object: %w", err)
	}

	meta, _ := out["_meta"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["onemcp/server"] = upstreamName
	out["_meta"] = meta
	return out, nil
}
