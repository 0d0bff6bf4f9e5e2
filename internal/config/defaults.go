package config

import (
	"os"
	"path/filepath"
	"time"
)

// testConfigPath is an override for the default config path used in testing
var testConfigPath string

// SetTestConfigPath sets a custom config path for testing purposes
// This should only be called from tests
func SetTestConfigPath(path string) {
	testConfigPath = path
}

// GetConfigDir returns the netlinkd configuration directory
// Uses ~/.config/netlinkd/ on Unix systems
func GetConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "netlinkd"), nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() (string, error) {
	if testConfigPath != "" {
		return testConfigPath, nil
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

const (
	// EnvPrefix prefixes every environment override, e.g. NETLINKD_LOG_LEVEL.
	// The unprefixed name (LOG_LEVEL) is honoured as a fallback.
	EnvPrefix = "NETLINKD"

	// MinFrameSize is the size of a bare message header
	MinFrameSize = 16

	// MaxGroup is the highest broadcast group a connection can subscribe to
	MaxGroup = 32
)

const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
	DefaultLogOutput = "stderr"

	DefaultPrealloc       = 16
	DefaultAllocIncrement = 16
	DefaultMaxConns       = 256
	DefaultMaxQueued      = 4096

	DefaultMaxFrameSize   = 64 * 1024
	DefaultWriteTimeout   = 5 * time.Second
	DefaultHandlerTimeout = 10 * time.Second

	DefaultMetricsNamespace = "netlinkd"

	DefaultAdminHost = "127.0.0.1"
	DefaultAdminPort = 9470

	DefaultHealthHost = "127.0.0.1"
	DefaultHealthPort = 9471

	DefaultShutdownTimeout = 15 * time.Second
)

// DefaultSocketPath returns the default Unix socket path
func DefaultSocketPath() string {
	return filepath.Join(os.TempDir(), "netlinkd.sock")
}

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  DefaultLogLevel,
		Format: DefaultLogFormat,
		Output: DefaultLogOutput,
	}
}

// DefaultNetlinkConfig returns the default pool configuration
func DefaultNetlinkConfig() NetlinkConfig {
	return NetlinkConfig{
		Prealloc:       DefaultPrealloc,
		AllocIncrement: DefaultAllocIncrement,
		MaxConns:       DefaultMaxConns,
		MaxQueued:      DefaultMaxQueued,
	}
}

// DefaultIPCConfig returns the default IPC configuration
func DefaultIPCConfig() IPCConfig {
	return IPCConfig{
		SocketPath:     DefaultSocketPath(),
		MaxFrameSize:   DefaultMaxFrameSize,
		WriteTimeout:   DefaultWriteTimeout,
		HandlerTimeout: DefaultHandlerTimeout,
	}
}

// DefaultMetricsConfig returns the default metrics configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: DefaultMetricsNamespace,
	}
}

// DefaultAdminConfig returns the default admin server configuration
func DefaultAdminConfig() AdminConfig {
	return AdminConfig{
		Enabled: false,
		Host:    DefaultAdminHost,
		Port:    DefaultAdminPort,
	}
}

// DefaultHealthConfig returns the default gRPC health endpoint configuration
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Enabled: false,
		Host:    DefaultHealthHost,
		Port:    DefaultHealthPort,
	}
}

// DefaultStressConfig returns the default load generator settings
func DefaultStressConfig() StressConfig {
	return StressConfig{
		Producers:   4,
		Subscribers: 8,
		Messages:    1000,
		Group:       1,
		PayloadSize: 64,
		Rate:        0,
	}
}
