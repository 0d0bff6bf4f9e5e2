package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/baaaht/netlinkd/pkg/types"
)

// Config represents the complete netlinkd configuration
type Config struct {
	Logging         LoggingConfig `json:"logging" yaml:"logging"`
	Netlink         NetlinkConfig `json:"netlink" yaml:"netlink"`
	IPC             IPCConfig     `json:"ipc" yaml:"ipc"`
	Metrics         MetricsConfig `json:"metrics" yaml:"metrics"`
	Admin           AdminConfig   `json:"admin" yaml:"admin"`
	Health          HealthConfig  `json:"health" yaml:"health"`
	Stress          StressConfig  `json:"stress" yaml:"stress"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
	Output string `json:"output" yaml:"output"` // stdout, stderr, file path
}

// NetlinkConfig sizes the connection pool and the per-connection response queues.
//
// Prealloc slots exist from startup. When AllocIncrement is non-zero the pool grows
// by that many slots at a time until MaxConns is reached; MaxConns of zero leaves
// growth uncapped.
type NetlinkConfig struct {
	Prealloc       int `json:"prealloc" yaml:"prealloc"`
	AllocIncrement int `json:"alloc_increment" yaml:"alloc_increment"`
	MaxConns       int `json:"max_conns" yaml:"max_conns"`
	MaxQueued      int `json:"max_queued" yaml:"max_queued"` // 0 = unlimited
}

// IPCConfig contains Unix socket transport configuration
type IPCConfig struct {
	SocketPath     string        `json:"socket_path" yaml:"socket_path"`
	MaxFrameSize   int           `json:"max_frame_size" yaml:"max_frame_size"`
	WriteTimeout   time.Duration `json:"write_timeout" yaml:"write_timeout"`
	HandlerTimeout time.Duration `json:"handler_timeout" yaml:"handler_timeout"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// AdminConfig contains the admin HTTP server configuration
type AdminConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port"`
}

// HealthConfig contains the gRPC health endpoint configuration
type HealthConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port"`
}

// StressConfig contains defaults for the in-process load generator
type StressConfig struct {
	Producers   int     `json:"producers" yaml:"producers"`
	Subscribers int     `json:"subscribers" yaml:"subscribers"`
	Messages    int     `json:"messages" yaml:"messages"` // per producer
	Group       int     `json:"group" yaml:"group"`
	PayloadSize int     `json:"payload_size" yaml:"payload_size"`
	Rate        float64 `json:"rate" yaml:"rate"` // broadcasts per second per producer, 0 = unpaced
}

// Default returns a configuration populated with defaults
func Default() *Config {
	return &Config{
		Logging:         DefaultLoggingConfig(),
		Netlink:         DefaultNetlinkConfig(),
		IPC:             DefaultIPCConfig(),
		Metrics:         DefaultMetricsConfig(),
		Admin:           DefaultAdminConfig(),
		Health:          DefaultHealthConfig(),
		Stress:          DefaultStressConfig(),
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// applyDefaults fills zero-valued fields left out of a partial configuration
func applyDefaults(cfg *Config) {
	defaultLogging := DefaultLoggingConfig()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaultLogging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = defaultLogging.Output
	}

	// A pool section with every field at zero could never hand out a connection
	if cfg.Netlink.Prealloc == 0 && cfg.Netlink.AllocIncrement == 0 {
		defaultNetlink := DefaultNetlinkConfig()
		cfg.Netlink.Prealloc = defaultNetlink.Prealloc
		cfg.Netlink.AllocIncrement = defaultNetlink.AllocIncrement
		if cfg.Netlink.MaxConns == 0 {
			cfg.Netlink.MaxConns = defaultNetlink.MaxConns
		}
	}

	defaultIPC := DefaultIPCConfig()
	if cfg.IPC.SocketPath == "" {
		cfg.IPC.SocketPath = defaultIPC.SocketPath
	}
	if cfg.IPC.MaxFrameSize == 0 {
		cfg.IPC.MaxFrameSize = defaultIPC.MaxFrameSize
	}
	if cfg.IPC.WriteTimeout == 0 {
		cfg.IPC.WriteTimeout = defaultIPC.WriteTimeout
	}
	if cfg.IPC.HandlerTimeout == 0 {
		cfg.IPC.HandlerTimeout = defaultIPC.HandlerTimeout
	}

	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = DefaultMetricsNamespace
	}

	defaultAdmin := DefaultAdminConfig()
	if cfg.Admin.Host == "" {
		cfg.Admin.Host = defaultAdmin.Host
	}
	if cfg.Admin.Port == 0 {
		cfg.Admin.Port = defaultAdmin.Port
	}

	defaultHealth := DefaultHealthConfig()
	if cfg.Health.Host == "" {
		cfg.Health.Host = defaultHealth.Host
	}
	if cfg.Health.Port == 0 {
		cfg.Health.Port = defaultHealth.Port
	}

	defaultStress := DefaultStressConfig()
	if cfg.Stress.Producers == 0 {
		cfg.Stress.Producers = defaultStress.Producers
	}
	if cfg.Stress.Subscribers == 0 {
		cfg.Stress.Subscribers = defaultStress.Subscribers
	}
	if cfg.Stress.Messages == 0 {
		cfg.Stress.Messages = defaultStress.Messages
	}
	if cfg.Stress.Group == 0 {
		cfg.Stress.Group = defaultStress.Group
	}
	if cfg.Stress.PayloadSize == 0 {
		cfg.Stress.PayloadSize = defaultStress.PayloadSize
	}

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// Load builds the configuration from, in increasing precedence: defaults, the YAML
// file at path (or the default config path when path is empty and the file exists),
// and environment variables.
func Load(path string) (*Config, error) {
	var cfg *Config

	if path == "" {
		defaultPath, err := GetDefaultConfigPath()
		if err == nil {
			if _, statErr := os.Stat(defaultPath); statErr == nil {
				path = defaultPath
			} else if !os.IsNotExist(statErr) {
				return nil, fmt.Errorf("failed to check config file: %w", statErr)
			}
		}
	}

	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = Default()
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for validity
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return types.NewError(types.ErrCodeInvalidArgument, "invalid log level: "+c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return types.NewError(types.ErrCodeInvalidArgument, "invalid log format: "+c.Logging.Format)
	}

	if err := c.Netlink.Validate(); err != nil {
		return err
	}

	if c.IPC.SocketPath == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "ipc socket path cannot be empty")
	}
	if c.IPC.MaxFrameSize < MinFrameSize {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("ipc max frame size must be at least %d bytes", MinFrameSize))
	}
	if c.IPC.WriteTimeout < 0 || c.IPC.HandlerTimeout < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "ipc timeouts cannot be negative")
	}

	if c.Admin.Enabled && (c.Admin.Port <= 0 || c.Admin.Port > 65535) {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("admin port out of range: %d", c.Admin.Port))
	}

	if c.Health.Enabled && (c.Health.Port < 0 || c.Health.Port > 65535) {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("health port out of range: %d", c.Health.Port))
	}
	if c.Admin.Enabled && c.Health.Enabled && c.Health.Port != 0 && c.AdminAddress() == c.HealthAddress() {
		return types.NewError(types.ErrCodeInvalidArgument, "admin and health endpoints cannot share an address")
	}

	if c.Stress.Producers <= 0 || c.Stress.Subscribers < 0 || c.Stress.Messages <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "stress producers and messages must be positive")
	}
	if c.Stress.Group < 1 || c.Stress.Group > MaxGroup {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("stress group must be between 1 and %d", MaxGroup))
	}
	if c.Stress.PayloadSize < 0 || c.Stress.Rate < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "stress payload size and rate cannot be negative")
	}

	if c.ShutdownTimeout < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "shutdown timeout cannot be negative")
	}

	return nil
}

// Validate checks the pool and queue limits
func (c NetlinkConfig) Validate() error {
	if c.Prealloc < 0 || c.AllocIncrement < 0 || c.MaxConns < 0 || c.MaxQueued < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "netlink pool settings cannot be negative")
	}
	if c.Prealloc == 0 && c.AllocIncrement == 0 {
		return types.NewError(types.ErrCodeInvalidArgument,
			"netlink pool needs prealloc or alloc_increment to be non-zero")
	}
	if c.MaxConns > 0 && c.MaxConns < c.Prealloc {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("netlink max_conns (%d) is below prealloc (%d)", c.MaxConns, c.Prealloc))
	}
	return nil
}

// AdminAddress returns the admin server listen address
func (c *Config) AdminAddress() string {
	return fmt.Sprintf("%s:%d", c.Admin.Host, c.Admin.Port)
}

// HealthAddress returns the gRPC health endpoint listen address
func (c *Config) HealthAddress() string {
	return fmt.Sprintf("%s:%d", c.Health.Host, c.Health.Port)
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf("Config{Logging: %s, Netlink: %s, IPC: %s, Admin: %s}",
		c.Logging, c.Netlink, c.IPC, c.AdminAddress())
}

func (c LoggingConfig) String() string {
	return fmt.Sprintf("LoggingConfig{Level: %s, Format: %s, Output: %s}", c.Level, c.Format, c.Output)
}

func (c NetlinkConfig) String() string {
	return fmt.Sprintf("NetlinkConfig{Prealloc: %d, AllocIncrement: %d, MaxConns: %d, MaxQueued: %d}",
		c.Prealloc, c.AllocIncrement, c.MaxConns, c.MaxQueued)
}

func (c IPCConfig) String() string {
	return fmt.Sprintf("IPCConfig{SocketPath: %s, MaxFrameSize: %d, WriteTimeout: %s}",
		c.SocketPath, c.MaxFrameSize, c.WriteTimeout)
}
