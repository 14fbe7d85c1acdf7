package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	runitErrors "github.com/harunnryd/runit/internal/errors"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	// We pass nil for cmd to skip flags
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Resource.Port != DefaultResourcePort {
		t.Errorf("Expected default port %d, got %d", DefaultResourcePort, cfg.Resource.Port)
	}
	if cfg.Resource.Image != DefaultResourceImage {
		t.Errorf("Expected default image %s, got %s", DefaultResourceImage, cfg.Resource.Image)
	}
	if cfg.Session.HeartbeatInterval != DefaultSessionHeartbeatInterval {
		t.Errorf("Expected default heartbeat interval %s, got %s", DefaultSessionHeartbeatInterval, cfg.Session.HeartbeatInterval)
	}
	if cfg.Session.PollInterval != DefaultSessionPollInterval {
		t.Errorf("Expected default poll interval %s, got %s", DefaultSessionPollInterval, cfg.Session.PollInterval)
	}
	if cfg.Tunnel.Command != DefaultTunnelCommand {
		t.Errorf("Expected default tunnel command %s, got %s", DefaultTunnelCommand, cfg.Tunnel.Command)
	}
	if cfg.Status.Addr != DefaultStatusAddr {
		t.Errorf("Expected default status addr %s, got %s", DefaultStatusAddr, cfg.Status.Addr)
	}
	if cfg.Daemon.StateDir != filepath.Join(home, ".runit") {
		t.Errorf("Expected default state dir under HOME, got %s", cfg.Daemon.StateDir)
	}
	if cfg.Session.IdleTimeout != "" {
		t.Errorf("Expected no default idle timeout, got %s", cfg.Session.IdleTimeout)
	}
}

func TestLoadWithConfigFlag(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	content := []byte(`
control_plane:
  base_url: https://cp.example.com
session:
  idle_timeout: 15m
resource:
  port: 9999
  cpus: 4
`)
	require.NoError(t, os.WriteFile(configPath, content, 0644))

	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "config file path")
	require.NoError(t, cmd.Flags().Set("config", configPath))

	cfg, err := Load(cmd)
	require.NoError(t, err)

	assert.Equal(t, "https://cp.example.com", cfg.ControlPlane.BaseURL)
	assert.Equal(t, "15m", cfg.Session.IdleTimeout)
	assert.Equal(t, 9999, cfg.Resource.Port)
	assert.Equal(t, 4.0, cfg.Resource.CPUs)
	assert.NoError(t, cfg.Validate())
}

func TestLoadWithMissingConfigFlagReturnsError(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "config file path")
	require.NoError(t, cmd.Flags().Set("config", filepath.Join(t.TempDir(), "missing.yaml")))

	_, err := Load(cmd)
	assert.Error(t, err)
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".runit"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(home, ".runit", "config.yaml"), []byte(`
session:
  idle_timeout: 10m
`), 0644))

	t.Setenv("RUNIT_SESSION__IDLE_TIMEOUT", "2m")
	t.Setenv("RUNIT_CONTROL_PLANE__BASE_URL", "http://localhost:3000")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "2m", cfg.Session.IdleTimeout)
	assert.Equal(t, "http://localhost:3000", cfg.ControlPlane.BaseURL)
}

func TestLoadFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("RUNIT_SESSION__IDLE_TIMEOUT", "2m")

	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "config file path")
	cmd.Flags().String("session.idle_timeout", "", "idle timeout")
	require.NoError(t, cmd.Flags().Set("session.idle_timeout", "45s"))

	cfg, err := Load(cmd)
	require.NoError(t, err)
	assert.Equal(t, "45s", cfg.Session.IdleTimeout)
}

func TestLoad_ExpandsConfiguredPaths(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	configPath := filepath.Join(tmpDir, "config.yaml")
	content := []byte(`
daemon:
  state_dir: ~/.runit-state
resource:
  build_context: ~/images/jupyter
`)
	require.NoError(t, os.WriteFile(configPath, content, 0644))

	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "config file path")
	require.NoError(t, cmd.Flags().Set("config", configPath))

	cfg, err := Load(cmd)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(tmpDir, ".runit-state"), cfg.Daemon.StateDir)
	assert.Equal(t, filepath.Join(tmpDir, "images", "jupyter"), cfg.Resource.BuildContext)
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load(nil)
	require.NoError(t, err)
	cfg.ControlPlane.BaseURL = "http://localhost:3000"
	cfg.Session.IdleTimeout = "30m"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing base url", func(c *Config) { c.ControlPlane.BaseURL = "" }},
		{"missing idle timeout", func(c *Config) { c.Session.IdleTimeout = "" }},
		{"unparseable idle timeout", func(c *Config) { c.Session.IdleTimeout = "soon" }},
		{"zero idle timeout", func(c *Config) { c.Session.IdleTimeout = "0s" }},
		{"bad heartbeat interval", func(c *Config) { c.Session.HeartbeatInterval = "-1s" }},
		{"bad port", func(c *Config) { c.Resource.Port = 70000 }},
		{"zero cpus", func(c *Config) { c.Resource.CPUs = 0 }},
		{"empty tunnel command", func(c *Config) { c.Tunnel.Command = " " }},
	}

	assert.NoError(t, validConfig(t).Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, runitErrors.ErrInvalidInput)
		})
	}
}

func TestDurationOrDefault(t *testing.T) {
	d, err := DurationOrDefault("", "30s")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	d, err = DurationOrDefault("2m", "30s")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, d)

	_, err = DurationOrDefault("", "")
	assert.Error(t, err)

	_, err = DurationOrDefault("abc", "")
	assert.Error(t, err)
}

func TestPositiveDuration(t *testing.T) {
	d, err := PositiveDuration("session.poll_interval", "10s")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, d)

	for _, value := range []string{"", "0s", "-5s", "often"} {
		_, err := PositiveDuration("session.poll_interval", value)
		require.Error(t, err, value)
		assert.ErrorIs(t, err, runitErrors.ErrInvalidInput, value)
		assert.Contains(t, err.Error(), "session.poll_interval", value)
	}
}
