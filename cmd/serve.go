package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/baaaht/netlinkd/pkg/daemon"
)

var (
	adminEnabled bool
	adminPort    int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon",
	Long: `Serve starts the connection manager, accepts clients on the Unix socket
and, when enabled, the admin HTTP server. It runs until SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("admin") {
		cfg.Admin.Enabled = adminEnabled
	}
	if adminPort > 0 {
		cfg.Admin.Port = adminPort
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	rootLog.Info("Starting netlinkd", "version", daemon.GetVersion())

	result, err := daemon.Bootstrap(cmd.Context(), *cfg, rootLog)
	if err != nil {
		rootLog.Error("Failed to bootstrap daemon", "error", err)
		return err
	}
	d := result.Daemon
	shutdown := result.Shutdown

	shutdown.AddHook(func(ctx context.Context) error {
		rootLog.Info("Draining clients", "stats", d.Manager().Stats().String())
		return nil
	})
	shutdown.Start()
	defer shutdown.Stop()

	rootLog.Info("netlinkd is running. Press Ctrl+C to stop.",
		"socket", cfg.IPC.SocketPath,
		"startup", result.Duration.String())

	select {
	case <-shutdown.Done():
	case err := <-d.Errors():
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		_ = shutdown.Shutdown(ctx, "endpoint failed")
		return err
	}

	rootLog.Info("netlinkd shutdown complete", "reason", shutdown.ShutdownReason())
	return nil
}

func init() {
	serveCmd.Flags().BoolVar(&adminEnabled, "admin", false,
		"Enable the admin HTTP server (default: from config or env)")
	serveCmd.Flags().IntVar(&adminPort, "admin-port", 0,
		"Admin HTTP server port (default: from config or env)")
}
