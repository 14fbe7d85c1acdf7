package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/runit/internal/config"
	"github.com/harunnryd/runit/internal/controlplane"
	"github.com/harunnryd/runit/internal/daemon"
	"github.com/harunnryd/runit/internal/daemon/components"
	runitErrors "github.com/harunnryd/runit/internal/errors"
	"github.com/harunnryd/runit/internal/hardware"
	"github.com/harunnryd/runit/internal/lifecycle"
	"github.com/harunnryd/runit/internal/metrics"
	"github.com/harunnryd/runit/internal/resource"
	"github.com/harunnryd/runit/internal/scrape"
	"github.com/harunnryd/runit/internal/tunnel"

	"github.com/google/uuid"
)

var errStartupFailed = errors.New("provider session failed to start")

// durations holds every configured interval, parsed once.
type durations struct {
	request        time.Duration
	idleTimeout    time.Duration
	heartbeat      time.Duration
	poll           time.Duration
	registerRetry  time.Duration
	tokenTimeout   time.Duration
	resourceGrace  time.Duration
	tunnelStartup  time.Duration
	tunnelGrace    time.Duration
	daemonShutdown time.Duration
}

func parseDurations(cfg *config.Config) (durations, error) {
	var d durations
	for _, f := range []struct {
		dst      *time.Duration
		key      string
		value    string
		fallback string
	}{
		{&d.request, "control_plane.request_timeout", cfg.ControlPlane.RequestTimeout, config.DefaultControlPlaneRequestTimeout},
		{&d.idleTimeout, "session.idle_timeout", cfg.Session.IdleTimeout, ""},
		{&d.heartbeat, "session.heartbeat_interval", cfg.Session.HeartbeatInterval, config.DefaultSessionHeartbeatInterval},
		{&d.poll, "session.poll_interval", cfg.Session.PollInterval, config.DefaultSessionPollInterval},
		{&d.registerRetry, "session.register_backoff", cfg.Session.RegisterBackoff, config.DefaultSessionRegisterBackoff},
		{&d.tokenTimeout, "resource.token_timeout", cfg.Resource.TokenTimeout, config.DefaultResourceTokenTimeout},
		{&d.resourceGrace, "resource.stop_grace", cfg.Resource.StopGrace, config.DefaultResourceStopGrace},
		{&d.tunnelStartup, "tunnel.startup_timeout", cfg.Tunnel.StartupTimeout, config.DefaultTunnelStartupTimeout},
		{&d.tunnelGrace, "tunnel.stop_grace", cfg.Tunnel.StopGrace, config.DefaultTunnelStopGrace},
		{&d.daemonShutdown, "daemon.shutdown_timeout", cfg.Daemon.ShutdownTimeout, config.DefaultDaemonShutdownTimeout},
	} {
		v, err := config.DurationOrDefault(f.value, f.fallback)
		if err != nil {
			return durations{}, runitErrors.InvalidInput(fmt.Sprintf("%s: %v", f.key, err))
		}
		*f.dst = v
	}
	return d, nil
}

func newTunnel(cfg *config.Config, d durations) (*tunnel.Process, error) {
	urlMatcher, err := scrape.NewRegexpMatcher(cfg.Tunnel.URLPattern)
	if err != nil {
		return nil, runitErrors.InvalidInput(fmt.Sprintf("tunnel.url_pattern: %v", err))
	}
	return tunnel.NewProcess(tunnel.Options{
		Command:        cfg.Tunnel.Command,
		URLMatcher:     urlMatcher,
		StartupTimeout: d.tunnelStartup,
		StopGrace:      d.tunnelGrace,
	})
}

func dockerOptions(cfg *config.Config, d durations) (resource.DockerOptions, error) {
	tokenMatcher, err := scrape.NewRegexpMatcher(cfg.Resource.TokenPattern)
	if err != nil {
		return resource.DockerOptions{}, runitErrors.InvalidInput(fmt.Sprintf("resource.token_pattern: %v", err))
	}
	limits, err := resource.ParseLimits(cfg.Resource.CPUs, cfg.Resource.Memory, cfg.Resource.PidsLimit)
	if err != nil {
		return resource.DockerOptions{}, err
	}
	return resource.DockerOptions{
		Host:         cfg.Resource.DockerHost,
		Image:        cfg.Resource.Image,
		BuildContext: cfg.Resource.BuildContext,
		Port:         cfg.Resource.Port,
		Workdir:      cfg.Resource.Workdir,
		Limits:       limits,
		TokenMatcher: tokenMatcher,
		TokenTimeout: d.tokenTimeout,
		StopGrace:    d.resourceGrace,
	}, nil
}

func coordinatorOptions(cfg *config.Config, d durations, m *metrics.Metrics) (lifecycle.Options, error) {
	hw, pricing, err := hardware.Resolve(cfg)
	if err != nil {
		return lifecycle.Options{}, err
	}
	return lifecycle.Options{
		ProviderID:        uuid.NewString(),
		Hardware:          hw,
		Pricing:           pricing,
		IdleTimeout:       d.idleTimeout,
		HeartbeatInterval: d.heartbeat,
		PollInterval:      d.poll,
		RegisterBackoff:   d.registerRetry,
		RequestTimeout:    d.request,
		DrainTimeout:      d.daemonShutdown,
		Metrics:           m,
	}, nil
}

// runProvider wires the components and drives one session. It returns nil
// after a clean drain and errStartupFailed when the session never came up.
func runProvider(parent context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if parent == nil {
		parent = context.Background()
	}

	d, err := parseDurations(cfg)
	if err != nil {
		return err
	}
	m := metrics.New()

	opts, err := coordinatorOptions(cfg, d, m)
	if err != nil {
		return err
	}
	tun, err := newTunnel(cfg, d)
	if err != nil {
		return err
	}
	dockerOpts, err := dockerOptions(cfg, d)
	if err != nil {
		return err
	}

	signals := NewSignalHandler(parent)
	signals.Start()
	defer signals.Stop()
	ctx := signals.Context()

	daemonMgr, err := daemon.NewDaemon(cfg)
	if err != nil {
		return fmt.Errorf("failed to create daemon manager: %w", err)
	}
	storeComp, err := components.NewStateStoreComponent(&cfg.Daemon)
	if err != nil {
		return runitErrors.FatalStartup(err, "open state dir")
	}
	daemonMgr.AddComponent(storeComp)

	docker, err := resource.NewDocker(ctx, dockerOpts)
	if err != nil {
		return runitErrors.FatalStartup(err, "connect to docker")
	}
	defer docker.Close()

	cp := controlplane.New(cfg.ControlPlane.BaseURL, cfg.ControlPlane.Token, d.request)

	coordinator, err := lifecycle.New(docker, tun, cp, storeComp.StateFile(), opts)
	if err != nil {
		return err
	}

	if cfg.Status.Enabled {
		daemonMgr.AddComponent(components.NewStatusServerComponent(daemonMgr, &cfg.Status, coordinator, m))
	}

	slog.Info("runit provider starting up...",
		"provider_id", coordinator.ProviderID(),
		"control_plane", cfg.ControlPlane.BaseURL,
		"idle_timeout", d.idleTimeout,
		"hourly_usd", opts.Pricing.HourlyUSD,
	)

	if err := daemonMgr.Start(ctx); err != nil {
		return runitErrors.FatalStartup(err, "start provider daemon")
	}

	code := coordinator.Run(ctx)

	if err := daemonMgr.Shutdown(context.Background()); err != nil {
		slog.Warn("Provider daemon shutdown incomplete", "error", err)
	}

	if code != 0 {
		return errStartupFailed
	}
	slog.Info("runit provider stopped gracefully", "provider_id", coordinator.ProviderID())
	return nil
}
