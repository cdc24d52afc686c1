package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/onemcp/onemcp/internal/app"
	"github.com/onemcp/onemcp/internal/config"
	"github.com/onemcp/onemcp/internal/logs"
)

// envPrefix makes every flag reachable as ONE_MCP_<FLAG> with dashes
// replaced by underscores.
const envPrefix = "ONE_MCP"

var version = "dev" // injected by -ldflags at build time

var envKeyReplacer = strings.NewReplacer("-", "_")

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:     "onemcp",
		Short:   "onemcp - aggregating MCP proxy exposing many MCP servers as one",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(v)
		},
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy (default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(v)
		},
	}
	root.AddCommand(serve)

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "Configuration file path (default: <config-dir>/mcp.json)")
	flags.String("config-dir", "", "State directory (default: ~/.onemcp)")
	flags.String("host", "", "Listen host")
	flags.Int("port", 0, "Listen port")
	flags.String("transport", "", "Inbound transport: http, stdio, or both")
	flags.Bool("enable-auth", false, "Require OAuth bearer tokens on MCP endpoints")
	flags.String("trust-proxy", "", "X-Forwarded-For trust: none, loopback, or all")
	flags.Duration("rate-limit-window", 0, "Auth endpoint rate-limit window")
	flags.Int("rate-limit-max", 0, "Auth endpoint requests per window per IP")
	flags.Duration("session-ttl", 0, "Idle session expiry")
	flags.String("health-info-level", "", "Health detail: full, basic, or minimal")
	flags.Bool("enable-async-loading", false, "Serve before all upstreams finish connecting")
	flags.Bool("partial-availability", false, "Serve partial results while some upstreams load")
	flags.Bool("enable-pagination", false, "Enable cursor pagination for sessions that request it")
	flags.Duration("request-timeout", 0, "Per-request timeout")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-file", "", "Log file path (enables file logging)")

	bindEnv(v, flags)

	return root
}

// bindEnv mirrors every flag as an ONE_MCP_* environment variable.
func bindEnv(v *viper.Viper, flags *pflag.FlagSet) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()
	_ = v.BindPFlags(flags)
}

func runServe(v *viper.Viper) error {
	configDir := v.GetString("config-dir")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("cannot resolve home directory: %w", err)
		}
		configDir = filepath.Join(home, ".onemcp")
	}
	configPath := v.GetString("config")
	if configPath == "" {
		configPath = filepath.Join(configDir, "mcp.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.ConfigDir = configDir
	applyOverrides(cfg, v)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logs.Setup(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	proxy, err := app.New(cfg, configPath, version, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return proxy.Run(ctx)
}

// applyOverrides layers flag and ONE_MCP_* environment values over the file
// config. Only explicitly set values win.
func applyOverrides(cfg *config.Config, v *viper.Viper) {
	if s := v.GetString("host"); s != "" {
		cfg.Host = s
	}
	if p := v.GetInt("port"); p != 0 {
		cfg.Port = p
	}
	if s := v.GetString("transport"); s != "" {
		cfg.Transport = s
	}
	if v.IsSet("enable-auth") {
		cfg.EnableAuth = v.GetBool("enable-auth")
	}
	if s := v.GetString("trust-proxy"); s != "" {
		cfg.TrustProxy = s
	}
	if d := v.GetDuration("rate-limit-window"); d > 0 {
		cfg.RateLimitWindow = d
	}
	if n := v.GetInt("rate-limit-max"); n > 0 {
		cfg.RateLimitMax = n
	}
	if d := v.GetDuration("session-ttl"); d > 0 {
		cfg.SessionTTL = d
	}
	if s := v.GetString("health-info-level"); s != "" {
		cfg.HealthInfoLevel = s
	}
	if v.IsSet("enable-async-loading") {
		cfg.EnableAsyncLoading = v.GetBool("enable-async-loading")
	}
	if v.IsSet("partial-availability") {
		cfg.PartialAvailability = v.GetBool("partial-availability")
	}
	if v.IsSet("enable-pagination") {
		cfg.EnablePagination = v.GetBool("enable-pagination")
	}
	if d := v.GetDuration("request-timeout"); d > 0 {
		cfg.RequestTimeout = d
	}

	if cfg.Logging == nil {
		cfg.Logging = logs.DefaultConfig()
	}
	if s := v.GetString("log-level"); s != "" {
		cfg.Logging.Level = s
	}
	if s := v.GetString("log-file"); s != "" {
		cfg.Logging.EnableFile = true
		cfg.Logging.Filename = filepath.Base(s)
		cfg.Logging.LogDir = filepath.Dir(s)
	}
}
