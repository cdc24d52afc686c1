// Package config defines the proxy configuration model: the process-level
// settings mirrored by ONE_MCP_* environment variables and the mcpServers
// upstream map, plus snapshot diffing used for hot reload.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/onemcp/onemcp/internal/logs"
)

// Transport kinds for upstream servers.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
	TransportSSE   = "sse"
)

// Health detail levels.
const (
	HealthInfoFull    = "full"
	HealthInfoBasic   = "basic"
	HealthInfoMinimal = "minimal"
)

// Config is the root configuration. A loaded Config is treated as immutable;
// reloads produce a fresh value and a diff.
type Config struct {
	Host      string `json:"host" mapstructure:"host"`
	Port      int    `json:"port" mapstructure:"port"`
	Transport string `json:"transport" mapstructure:"transport"` // http, stdio, both

	ConfigDir string `json:"config_dir,omitempty" mapstructure:"config-dir"`

	EnableAuth         bool          `json:"enable_auth" mapstructure:"enable-auth"`
	TrustProxy         string        `json:"trust_proxy" mapstructure:"trust-proxy"` // none, loopback, all
	RateLimitWindow    time.Duration `json:"rate_limit_window" mapstructure:"rate-limit-window"`
	RateLimitMax       int           `json:"rate_limit_max" mapstructure:"rate-limit-max"`
	SessionTTL         time.Duration `json:"session_ttl" mapstructure:"session-ttl"`
	AuthCleanupEvery   time.Duration `json:"auth_cleanup_interval" mapstructure:"auth-cleanup-interval"`
	HealthInfoLevel    string        `json:"health_info_level" mapstructure:"health-info-level"`
	EnableAsyncLoading bool          `json:"enable_async_loading" mapstructure:"enable-async-loading"`

	// PartialAvailability lets requests proceed while only a subset of the
	// admitted upstreams is ready.
	PartialAvailability bool `json:"partial_availability" mapstructure:"partial-availability"`

	// CoalesceWindow suppresses list_changed notifications across a quick
	// Ready -> Loading -> Ready bounce.
	CoalesceWindow time.Duration `json:"coalesce_window" mapstructure:"coalesce-window"`

	ConnectRetries    int           `json:"connect_retries" mapstructure:"connect-retries"`
	ConnectBaseDelay  time.Duration `json:"connect_base_delay" mapstructure:"connect-base-delay"`
	RequestTimeout    time.Duration `json:"request_timeout" mapstructure:"request-timeout"`
	ShutdownGrace     time.Duration `json:"shutdown_grace" mapstructure:"shutdown-grace"`
	EnablePagination  bool          `json:"enable_pagination" mapstructure:"enable-pagination"`
	PaginationLimit   int           `json:"pagination_limit" mapstructure:"pagination-limit"`

	Logging *logs.Config `json:"logging,omitempty" mapstructure:"logging"`

	MCPServers map[string]*UpstreamConfig `json:"mcpServers" mapstructure:"mcp-servers"`
}

// RestartPolicy controls subprocess re-spawn behavior after unexpected exit.
type RestartPolicy struct {
	OnExit bool
	// MaxRestarts bounds the number of restarts; 0 means unlimited.
	MaxRestarts int
	Delay       time.Duration
}

// UpstreamConfig describes one upstream MCP server. Values are immutable
// after load.
type UpstreamConfig struct {
	Name     string            `json:"-"`
	Type     string            `json:"type,omitempty"`
	Disabled bool              `json:"disabled,omitempty"`
	Tags     []string          `json:"tags,omitempty"`
	Command  string            `json:"command,omitempty"`
	Args     []string          `json:"args,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Cwd      string            `json:"cwd,omitempty"`
	URL      string            `json:"url,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	// Timeout is the per-request timeout in seconds; 0 uses the global
	// request timeout.
	Timeout int `json:"timeout,omitempty"`

	RestartOnExit bool `json:"restartOnExit,omitempty"`
	MaxRestarts   int  `json:"maxRestarts,omitempty"`
	// RestartDelay is in milliseconds.
	RestartDelay int `json:"restartDelay,omitempty"`

	// OAuth carries opaque client hints passed through to the upstream
	// transport; the proxy stores per-server tokens without interpreting them.
	OAuth map[string]interface{} `json:"oauth,omitempty"`
}

// EffectiveType resolves the transport kind, inferring it from the populated
// fields when the type field is absent.
func (u *UpstreamConfig) EffectiveType() string {
	if u.Type != "" {
		return u.Type
	}
	if u.URL != "" {
		return TransportHTTP
	}
	return TransportStdio
}

// RestartPolicy returns the subprocess restart policy.
func (u *UpstreamConfig) RestartPolicy() RestartPolicy {
	return RestartPolicy{
		OnExit:      u.RestartOnExit,
		MaxRestarts: u.MaxRestarts,
		Delay:       time.Duration(u.RestartDelay) * time.Millisecond,
	}
}

// RequestTimeout returns the per-upstream request timeout, falling back to
// the supplied default.
func (u *UpstreamConfig) RequestTimeout(fallback time.Duration) time.Duration {
	if u.Timeout > 0 {
		return time.Duration(u.Timeout) * time.Second
	}
	return fallback
}

// Equal reports whether two upstream definitions are identical in every field
// that affects the live connection.
func (u *UpstreamConfig) Equal(other *UpstreamConfig) bool {
	if u == nil || other == nil {
		return u == other
	}
	return u.EffectiveType() == other.EffectiveType() &&
		u.Disabled == other.Disabled &&
		u.Command == other.Command &&
		u.Cwd == other.Cwd &&
		u.URL == other.URL &&
		u.Timeout == other.Timeout &&
		u.RestartOnExit == other.RestartOnExit &&
		u.MaxRestarts == other.MaxRestarts &&
		u.RestartDelay == other.RestartDelay &&
		equalSlices(u.Args, other.Args) &&
		equalSlices(u.Tags, other.Tags) &&
		equalMaps(u.Env, other.Env) &&
		equalMaps(u.Headers, other.Headers)
}

func equalSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalMaps(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// Validate checks the configuration and fills defaults. Invalid upstream
// definitions are fatal: a partial fleet silently dropping servers is worse
// than a rejected config.
func (c *Config) Validate() error {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 3050
	}
	if c.Transport == "" {
		c.Transport = "http"
	}
	switch c.Transport {
	case "http", "stdio", "both":
	default:
		return fmt.Errorf("invalid transport %q (expected http, stdio, or both)", c.Transport)
	}
	if c.TrustProxy == "" {
		c.TrustProxy = "loopback"
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = 15 * time.Minute
	}
	if c.RateLimitMax <= 0 {
		c.RateLimitMax = 100
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 24 * time.Hour
	}
	if c.AuthCleanupEvery <= 0 {
		c.AuthCleanupEvery = 5 * time.Minute
	}
	if c.HealthInfoLevel == "" {
		c.HealthInfoLevel = HealthInfoMinimal
	}
	switch c.HealthInfoLevel {
	case HealthInfoFull, HealthInfoBasic, HealthInfoMinimal:
	default:
		return fmt.Errorf("invalid health info level %q", c.HealthInfoLevel)
	}
	if c.CoalesceWindow <= 0 {
		c.CoalesceWindow = 2 * time.Second
	}
	if c.ConnectRetries <= 0 {
		c.ConnectRetries = 5
	}
	if c.ConnectBaseDelay <= 0 {
		c.ConnectBaseDelay = time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	if c.PaginationLimit <= 0 {
		c.PaginationLimit = 50
	}
	if c.Logging == nil {
		c.Logging = logs.DefaultConfig()
	}
	if c.MCPServers == nil {
		c.MCPServers = map[string]*UpstreamConfig{}
	}

	for name, upstream := range c.MCPServers {
		if upstream == nil {
			return fmt.Errorf("server %q: empty definition", name)
		}
		if err := validateServerName(name); err != nil {
			return fmt.Errorf("server %q: %w", name, err)
		}
		upstream.Name = name
		switch upstream.Type {
		case "", TransportStdio, TransportHTTP, TransportSSE:
		default:
			return fmt.Errorf("server %q: unknown transport type %q", name, upstream.Type)
		}
		switch upstream.EffectiveType() {
		case TransportStdio:
			if upstream.Command == "" {
				return fmt.Errorf("server %q: stdio transport requires a command", name)
			}
		case TransportHTTP, TransportSSE:
			if upstream.URL == "" {
				return fmt.Errorf("server %q: %s transport requires a url", name, upstream.EffectiveType())
			}
		}
	}
	return nil
}

// validateServerName rejects names that would break the injective
// namespacing of capability names and resource URIs.
func validateServerName(name string) error {
	if name == "" {
		return fmt.Errorf("name must not be empty")
	}
	if strings.ContainsAny(name, " \t\n") {
		return fmt.Errorf("name must not contain whitespace")
	}
	if strings.Contains(name, "_1mcp_") {
		return fmt.Errorf("name must not contain the reserved separator _1mcp_")
	}
	if strings.Contains(name, "://") {
		return fmt.Errorf("name must not contain ://")
	}
	return nil
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	c := &Config{}
	_ = c.Validate()
	return c
}

// AllTags returns the sorted universe of tags across enabled upstreams. When
// auth is disabled this set doubles as the anonymous caller's scope set.
func (c *Config) AllTags() []string {
	seen := map[string]bool{}
	for _, upstream := range c.MCPServers {
		if upstream.Disabled {
			continue
		}
		for _, tag := range upstream.Tags {
			seen[tag] = true
		}
	}
	tags := make([]string, 0, len(seen))
	for tag := range seen {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Diff describes the upstream-set delta between two configurations.
type Diff struct {
	Added   []string
	Removed []string
	Changed []string
}

// Empty reports whether the diff carries no changes.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// ComputeDiff compares the upstream maps of two configurations. Names in each
// bucket are sorted for deterministic processing.
func ComputeDiff(old, updated map[string]*UpstreamConfig) Diff {
	var d Diff
	for name, def := range updated {
		prev, ok := old[name]
		switch {
		case !ok:
			d.Added = append(d.Added, name)
		case !prev.Equal(def):
			d.Changed = append(d.Changed, name)
		}
	}
	for name := range old {
		if _, ok := updated[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d
}
