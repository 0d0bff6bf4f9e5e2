package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/baaaht/netlinkd/pkg/types"
)

// envOverrides is the flat set of settings that may be overridden from the
// environment. Each key is looked up as NETLINKD_<TAG> first and then as <TAG>.
type envOverrides struct {
	LogLevel  string `envconfig:"LOG_LEVEL"`
	LogFormat string `envconfig:"LOG_FORMAT"`
	LogOutput string `envconfig:"LOG_OUTPUT"`

	Prealloc       int `envconfig:"POOL_PREALLOC"`
	AllocIncrement int `envconfig:"POOL_ALLOC_INCREMENT"`
	MaxConns       int `envconfig:"POOL_MAX_CONNS"`
	MaxQueued      int `envconfig:"POOL_MAX_QUEUED"`

	SocketPath     string        `envconfig:"IPC_SOCKET_PATH"`
	MaxFrameSize   int           `envconfig:"IPC_MAX_FRAME_SIZE"`
	WriteTimeout   time.Duration `envconfig:"IPC_WRITE_TIMEOUT"`
	HandlerTimeout time.Duration `envconfig:"IPC_HANDLER_TIMEOUT"`

	MetricsEnabled   bool   `envconfig:"METRICS_ENABLED"`
	MetricsNamespace string `envconfig:"METRICS_NAMESPACE"`

	AdminEnabled bool   `envconfig:"ADMIN_ENABLED"`
	AdminHost    string `envconfig:"ADMIN_HOST"`
	AdminPort    int    `envconfig:"ADMIN_PORT"`

	HealthEnabled bool   `envconfig:"HEALTH_ENABLED"`
	HealthHost    string `envconfig:"HEALTH_HOST"`
	HealthPort    int    `envconfig:"HEALTH_PORT"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT"`
}

// applyEnvOverrides overlays environment variables onto cfg. Variables that are
// not set leave the corresponding field untouched.
func applyEnvOverrides(cfg *Config) error {
	ov := envOverrides{
		LogLevel:         cfg.Logging.Level,
		LogFormat:        cfg.Logging.Format,
		LogOutput:        cfg.Logging.Output,
		Prealloc:         cfg.Netlink.Prealloc,
		AllocIncrement:   cfg.Netlink.AllocIncrement,
		MaxConns:         cfg.Netlink.MaxConns,
		MaxQueued:        cfg.Netlink.MaxQueued,
		SocketPath:       cfg.IPC.SocketPath,
		MaxFrameSize:     cfg.IPC.MaxFrameSize,
		WriteTimeout:     cfg.IPC.WriteTimeout,
		HandlerTimeout:   cfg.IPC.HandlerTimeout,
		MetricsEnabled:   cfg.Metrics.Enabled,
		MetricsNamespace: cfg.Metrics.Namespace,
		AdminEnabled:     cfg.Admin.Enabled,
		AdminHost:        cfg.Admin.Host,
		AdminPort:        cfg.Admin.Port,
		HealthEnabled:    cfg.Health.Enabled,
		HealthHost:       cfg.Health.Host,
		HealthPort:       cfg.Health.Port,
		ShutdownTimeout:  cfg.ShutdownTimeout,
	}

	if err := envconfig.Process(EnvPrefix, &ov); err != nil {
		return types.WrapError(types.ErrCodeInvalidArgument, "invalid environment override", err)
	}

	cfg.Logging.Level = ov.LogLevel
	cfg.Logging.Format = ov.LogFormat
	cfg.Logging.Output = ov.LogOutput
	cfg.Netlink.Prealloc = ov.Prealloc
	cfg.Netlink.AllocIncrement = ov.AllocIncrement
	cfg.Netlink.MaxConns = ov.MaxConns
	cfg.Netlink.MaxQueued = ov.MaxQueued
	cfg.IPC.SocketPath = ov.SocketPath
	cfg.IPC.MaxFrameSize = ov.MaxFrameSize
	cfg.IPC.WriteTimeout = ov.WriteTimeout
	cfg.IPC.HandlerTimeout = ov.HandlerTimeout
	cfg.Metrics.Enabled = ov.MetricsEnabled
	cfg.Metrics.Namespace = ov.MetricsNamespace
	cfg.Admin.Enabled = ov.AdminEnabled
	cfg.Admin.Host = ov.AdminHost
	cfg.Admin.Port = ov.AdminPort
	cfg.Health.Enabled = ov.HealthEnabled
	cfg.Health.Host = ov.HealthHost
	cfg.Health.Port = ov.HealthPort
	cfg.ShutdownTimeout = ov.ShutdownTimeout

	return nil
}
