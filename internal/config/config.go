package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	runitErrors "github.com/harunnryd/runit/internal/errors"
	"github.com/harunnryd/runit/internal/pathutil"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	ControlPlane ControlPlaneConfig `koanf:"control_plane"`
	Session      SessionConfig      `koanf:"session"`
	Resource     ResourceConfig     `koanf:"resource"`
	Tunnel       TunnelConfig       `koanf:"tunnel"`
	Hardware     HardwareConfig     `koanf:"hardware"`
	Pricing      PricingConfig      `koanf:"pricing"`
	Status       StatusConfig       `koanf:"status"`
	Daemon       DaemonConfig       `koanf:"daemon"`
}

type ControlPlaneConfig struct {
	BaseURL        string `koanf:"base_url"`
	Token          string `koanf:"token"`
	RequestTimeout string `koanf:"request_timeout"`
}

type SessionConfig struct {
	IdleTimeout       string `koanf:"idle_timeout"`
	HeartbeatInterval string `koanf:"heartbeat_interval"`
	PollInterval      string `koanf:"poll_interval"`
	RegisterBackoff   string `koanf:"register_backoff"`
}

type ResourceConfig struct {
	Image        string  `koanf:"image"`
	BuildContext string  `koanf:"build_context"`
	DockerHost   string  `koanf:"docker_host"`
	Port         int     `koanf:"port"`
	CPUs         float64 `koanf:"cpus"`
	Memory       string  `koanf:"memory"`
	PidsLimit    int64   `koanf:"pids_limit"`
	Workdir      string  `koanf:"workdir"`
	TokenTimeout string  `koanf:"token_timeout"`
	TokenPattern string  `koanf:"token_pattern"`
	StopGrace    string  `koanf:"stop_grace"`
}

type TunnelConfig struct {
	Command        string `koanf:"command"`
	URLPattern     string `koanf:"url_pattern"`
	StartupTimeout string `koanf:"startup_timeout"`
	StopGrace      string `koanf:"stop_grace"`
}

type HardwareConfig struct {
	GPU    string  `koanf:"gpu"`
	VRAMGB float64 `koanf:"vram_gb"`
	RAMGB  float64 `koanf:"ram_gb"`
}

type PricingConfig struct {
	HourlyUSD float64 `koanf:"hourly_usd"`
}

type StatusConfig struct {
	Enabled         bool   `koanf:"enabled"`
	Addr            string `koanf:"addr"`
	ReadTimeout     string `koanf:"read_timeout"`
	WriteTimeout    string `koanf:"write_timeout"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
}

type DaemonConfig struct {
	StateDir        string `koanf:"state_dir"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
	LockTimeout     string `koanf:"lock_timeout"`
	LogLevel        string `koanf:"log_level"`
}

const (
	EnvPrefix = "RUNIT_"

	DefaultControlPlaneRequestTimeout = "10s"
	DefaultSessionHeartbeatInterval   = "30s"
	DefaultSessionPollInterval        = "30s"
	DefaultSessionRegisterBackoff     = "5s"
	DefaultResourceImage              = "runit-jupyter:latest"
	DefaultResourcePort               = 8888
	DefaultResourceCPUs               = 2.0
	DefaultResourceMemory             = "4g"
	DefaultResourcePidsLimit          = 512
	DefaultResourceWorkdir            = "/home/jovyan/work"
	DefaultResourceTokenTimeout       = "60s"
	DefaultResourceTokenPattern       = `token=([a-z0-9]+)`
	DefaultResourceStopGrace          = "10s"
	DefaultTunnelCommand              = "cloudflared tunnel --url http://localhost:{port}"
	DefaultTunnelURLPattern           = `https://[a-zA-Z0-9-]+\.trycloudflare\.com`
	DefaultTunnelStartupTimeout       = "30s"
	DefaultTunnelStopGrace            = "5s"
	DefaultStatusEnabled              = true
	DefaultStatusAddr                 = "127.0.0.1:9464"
	DefaultStatusReadTimeout          = "5s"
	DefaultStatusWriteTimeout         = "10s"
	DefaultStatusShutdownTimeout      = "5s"
	DefaultDaemonShutdownTimeout      = "60s"
	DefaultDaemonLockTimeout          = "5s"
	DefaultDaemonLogLevel             = "info"
)

// Load resolves configuration from defaults, the YAML file, RUNIT_ environment
// variables and command flags, in that order of precedence.
func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"control_plane.request_timeout": DefaultControlPlaneRequestTimeout,
		"session.heartbeat_interval":    DefaultSessionHeartbeatInterval,
		"session.poll_interval":         DefaultSessionPollInterval,
		"session.register_backoff":      DefaultSessionRegisterBackoff,
		"resource.image":                DefaultResourceImage,
		"resource.port":                 DefaultResourcePort,
		"resource.cpus":                 DefaultResourceCPUs,
		"resource.memory":               DefaultResourceMemory,
		"resource.pids_limit":           DefaultResourcePidsLimit,
		"resource.workdir":              DefaultResourceWorkdir,
		"resource.token_timeout":        DefaultResourceTokenTimeout,
		"resource.token_pattern":        DefaultResourceTokenPattern,
		"resource.stop_grace":           DefaultResourceStopGrace,
		"tunnel.command":                DefaultTunnelCommand,
		"tunnel.url_pattern":            DefaultTunnelURLPattern,
		"tunnel.startup_timeout":        DefaultTunnelStartupTimeout,
		"tunnel.stop_grace":             DefaultTunnelStopGrace,
		"status.enabled":                DefaultStatusEnabled,
		"status.addr":                   DefaultStatusAddr,
		"status.read_timeout":           DefaultStatusReadTimeout,
		"status.write_timeout":          DefaultStatusWriteTimeout,
		"status.shutdown_timeout":       DefaultStatusShutdownTimeout,
		"daemon.state_dir":              filepath.Join(os.Getenv("HOME"), ".runit"),
		"daemon.shutdown_timeout":       DefaultDaemonShutdownTimeout,
		"daemon.lock_timeout":           DefaultDaemonLockTimeout,
		"daemon.log_level":              DefaultDaemonLogLevel,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".runit", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	// RUNIT_SESSION__IDLE_TIMEOUT -> session.idle_timeout
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if cmd != nil {
		if err := k.Load(posflag.Provider(cmd.Flags(), ".", k), nil); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := pathutil.ExpandAll(&cfg.Daemon.StateDir, &cfg.Resource.BuildContext); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the settings that have no usable default.
func (c *Config) Validate() error {
	if c == nil {
		return runitErrors.InvalidInput("config is nil")
	}
	if strings.TrimSpace(c.ControlPlane.BaseURL) == "" {
		return runitErrors.InvalidInput("control_plane.base_url must be set")
	}
	if strings.TrimSpace(c.Session.IdleTimeout) == "" {
		return runitErrors.InvalidInput("session.idle_timeout must be set")
	}
	for _, setting := range []struct{ key, value string }{
		{"session.idle_timeout", c.Session.IdleTimeout},
		{"control_plane.request_timeout", c.ControlPlane.RequestTimeout},
		{"session.heartbeat_interval", c.Session.HeartbeatInterval},
		{"session.poll_interval", c.Session.PollInterval},
		{"session.register_backoff", c.Session.RegisterBackoff},
		{"resource.token_timeout", c.Resource.TokenTimeout},
		{"resource.stop_grace", c.Resource.StopGrace},
		{"tunnel.startup_timeout", c.Tunnel.StartupTimeout},
		{"tunnel.stop_grace", c.Tunnel.StopGrace},
	} {
		if _, err := PositiveDuration(setting.key, setting.value); err != nil {
			return err
		}
	}
	if c.Resource.Port < 1 || c.Resource.Port > 65535 {
		return runitErrors.InvalidInput(fmt.Sprintf("invalid resource.port: %d (must be 1-65535)", c.Resource.Port))
	}
	if c.Resource.CPUs <= 0 {
		return runitErrors.InvalidInput("resource.cpus must be positive")
	}
	if strings.TrimSpace(c.Resource.Image) == "" {
		return runitErrors.InvalidInput("resource.image must be set")
	}
	if strings.TrimSpace(c.Tunnel.Command) == "" {
		return runitErrors.InvalidInput("tunnel.command must be set")
	}
	return nil
}
