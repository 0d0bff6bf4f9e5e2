package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/baaaht/netlinkd/internal/config"
	"github.com/baaaht/netlinkd/internal/logger"
	"github.com/baaaht/netlinkd/pkg/daemon"
)

var (
	// CLI flags
	cfgFile    string
	logLevel   string
	logFormat  string
	logOutput  string
	socketPath string

	// Global variables
	rootLog *logger.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "netlinkd",
	Short: "netlinkd - netlink-style connection multiplexer",
	Long: `netlinkd keeps a pool of message connections, queues replies and
multicast notifications on them and serves them to clients over a Unix
domain socket using netlink framing.

Run "netlinkd serve" to start the daemon, "netlinkd ctl" to talk to a running
one and "netlinkd stress" to load test the connection manager in process.`,
	Version:       daemon.DefaultVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// setup loads the configuration and initializes the logger from it, applying
// CLI overrides to both
func setup() (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := initLogger(cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

// initLogger initializes the global logger from cfg and the logging flags
func initLogger(cfg config.LoggingConfig) error {
	if logLevel != "" {
		cfg.Level = logLevel
	}
	if logFormat != "" {
		cfg.Format = logFormat
	}
	if logOutput != "" {
		cfg.Output = logOutput
	}

	log, err := logger.New(cfg)
	if err != nil {
		return err
	}

	rootLog = log
	logger.SetGlobal(log)
	return nil
}

// loadConfig loads the configuration file and environment, then applies CLI overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	if socketPath != "" {
		cfg.IPC.SocketPath = socketPath
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if rootLog != nil {
			rootLog.Error("Command execution failed", "error", err)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	// Config file flag
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path (default: ~/.config/netlinkd/config.yaml if present)")

	// Logging flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "",
		"Log output: stdout, stderr, or file path (default: from config or env)")

	// Socket flag
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "",
		"Unix socket path (default: from config or env)")

	rootCmd.AddCommand(serveCmd, stressCmd, ctlCmd, versionCmd)
}
