package main

import (
	"fmt"
	"os"

	"github.com/harunnryd/runit/internal/config"
	"github.com/harunnryd/runit/internal/logger"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "runit-provider",
	Short: "Offer a sandboxed Jupyter environment to the runit marketplace",
	Long: `runit-provider starts a resource-limited Jupyter container, exposes it through a
public tunnel and registers it with the runit control plane. The session is kept
alive with heartbeats and torn down when it has been idle past the configured
timeout, when the container exits, or on interrupt.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cmd)
		if err != nil {
			return err
		}

		logger.Setup(cfg.Daemon.LogLevel)
		return cfg.Validate()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProvider(cmd.Context(), cfg)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.runit/config.yaml)")
	f.String("daemon.log_level", config.DefaultDaemonLogLevel, "log level (debug, info, warn, error)")
	f.String("daemon.state_dir", "", "state directory (default is $HOME/.runit)")
	f.String("control_plane.base_url", "", "control plane base URL")
	f.String("control_plane.token", "", "control plane bearer token")
	f.String("session.idle_timeout", "", "tear down after the session has been idle this long (required)")
	f.String("resource.image", config.DefaultResourceImage, "sandbox image")
	f.String("resource.build_context", "", "build the image from this directory when it is absent")
	f.Int("resource.port", config.DefaultResourcePort, "sandbox port")
	f.Float64("resource.cpus", config.DefaultResourceCPUs, "CPU limit")
	f.String("resource.memory", config.DefaultResourceMemory, "memory limit")
	f.String("tunnel.command", config.DefaultTunnelCommand, "tunnel command template, {port} is replaced")
	f.String("status.addr", config.DefaultStatusAddr, "local status server address")
	f.Bool("status.enabled", config.DefaultStatusEnabled, "serve the local status API")
	f.Float64("pricing.hourly_usd", 0, "hourly price in USD (estimated when 0)")
}
