// Package transport builds mcp-go client transports for upstream servers
// from their configuration: stdio subprocess, streamable HTTP, or legacy SSE.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"

	"github.com/onemcp/onemcp/internal/config"
)

const httpTimeout = 180 * time.Second

// NewClient creates an MCP client for the upstream according to its
// effective transport type. clientOpts carry reverse-direction handlers
// (sampling, elicitation); the legacy SSE constructor cannot accept them.
func NewClient(cfg *config.UpstreamConfig, clientOpts ...client.ClientOption) (*client.Client, error) {
	switch cfg.EffectiveType() {
	case config.TransportStdio:
		return newStdioClient(cfg, clientOpts...)
	case config.TransportHTTP:
		return newHTTPClient(cfg, clientOpts...)
	case config.TransportSSE:
		return newSSEClient(cfg)
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", cfg.EffectiveType())
	}
}

func newStdioClient(cfg *config.UpstreamConfig, clientOpts ...client.ClientOption) (*client.Client, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("no command specified for stdio transport")
	}

	env := buildEnv(cfg.Env)
	stdio := transport.NewStdioWithOptions(cfg.Command, env, cfg.Args,
		transport.WithCommandFunc(func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
			cmd := exec.CommandContext(ctx, command, args...)
			cmd.Env = env
			if cfg.Cwd != "" {
				cmd.Dir = cfg.Cwd
			}
			return cmd, nil
		}))
	return client.NewClient(stdio, clientOpts...), nil
}

// buildEnv merges the configured variables over the process environment.
// Order is deterministic so config comparisons stay stable.
func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	if len(extra) == 0 {
		return env
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func newHTTPClient(cfg *config.UpstreamConfig, clientOpts ...client.ClientOption) (*client.Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("no URL specified for HTTP transport")
	}

	opts := []transport.StreamableHTTPCOption{
		transport.WithHTTPTimeout(httpTimeout),
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
	}

	httpTransport, err := transport.NewStreamableHTTP(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP transport: %w", err)
	}
	return client.NewClient(httpTransport, clientOpts...), nil
}

func newSSEClient(cfg *config.UpstreamConfig) (*client.Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("no URL specified for SSE transport")
	}

	// Long timeout and keep-alives: the event stream is a persistent
	// connection.
	httpClient := &http.Client{
		Timeout: httpTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			MaxIdleConnsPerHost: 5,
		},
	}

	opts := []transport.ClientOption{client.WithHTTPClient(httpClient)}
	if len(cfg.Headers) > 0 {
		opts = append(opts, client.WithHeaders(cfg.Headers))
	}

	sseClient, err := client.NewSSEMCPClient(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSE client: %w", err)
	}
	return sseClient, nil
}
