package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/baaaht/netlinkd/internal/admin"
	"github.com/baaaht/netlinkd/internal/config"
	"github.com/baaaht/netlinkd/internal/health"
	"github.com/baaaht/netlinkd/internal/logger"
	"github.com/baaaht/netlinkd/pkg/ipc"
	"github.com/baaaht/netlinkd/pkg/netlink"
	"github.com/baaaht/netlinkd/pkg/types"
)

const (
	// DefaultVersion is the version reported by the daemon
	DefaultVersion = "0.1.0"
)

// Daemon ties the connection manager, the socket broker, the admin server and
// the health endpoint together. It is built by New, started by Start and torn
// down by Close.
type Daemon struct {
	mu       sync.RWMutex
	cfg      config.Config
	logger   *logger.Logger
	registry *prometheus.Registry
	metrics  *netlink.Metrics
	mgr      *netlink.Manager
	broker   *ipc.Broker
	admin    *admin.Server
	health   *health.Server
	errCh    chan error
	started  bool
	closed   bool
}

// New builds every subsystem from cfg without starting any of them
func New(cfg config.Config, log *logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "invalid configuration", err)
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	d := &Daemon{
		cfg:    cfg,
		logger: log.With("component", "daemon"),
		errCh:  make(chan error, 2),
	}

	if cfg.Metrics.Enabled {
		d.registry = prometheus.NewRegistry()
		d.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		d.metrics = netlink.NewMetrics(cfg.Metrics.Namespace, d.registry)
	}

	mgr, err := netlink.New(netlink.FromConfig(cfg.Netlink), log, d.metrics)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to create connection manager", err)
	}
	d.mgr = mgr

	broker, err := ipc.New(cfg.IPC, mgr, log)
	if err != nil {
		mgr.Close()
		return nil, types.WrapError(types.ErrCodeInternal, "failed to create broker", err)
	}
	d.broker = broker

	if err := registerHandlers(broker, mgr); err != nil {
		broker.Close()
		mgr.Close()
		return nil, err
	}

	if cfg.Admin.Enabled {
		var gatherer prometheus.Gatherer = prometheus.NewRegistry()
		if d.registry != nil {
			gatherer = d.registry
		}
		srv, err := admin.New(cfg.AdminAddress(), mgr, broker, gatherer, log)
		if err != nil {
			broker.Close()
			mgr.Close()
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create admin server", err)
		}
		d.admin = srv
	}

	if cfg.Health.Enabled {
		d.health = health.NewServer(cfg.HealthAddress(), log)
	}

	d.logger.Info("Daemon created",
		"socket_path", cfg.IPC.SocketPath,
		"metrics", cfg.Metrics.Enabled,
		"admin", cfg.Admin.Enabled,
		"health", cfg.Health.Enabled)
	return d, nil
}

// Start begins serving the socket and, when enabled, the admin and health
// endpoints. The health endpoint reports SERVING once everything is up.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return types.NewError(types.ErrCodeUnavailable, "daemon is closed")
	}
	if d.started {
		return types.NewError(types.ErrCodeFailedPrecondition, "daemon already started")
	}

	if err := d.broker.Start(ctx); err != nil {
		return err
	}
	if d.admin != nil {
		errCh, err := d.admin.Start(ctx)
		if err != nil {
			return err
		}
		go d.forward("admin", errCh)
	}
	if d.health != nil {
		errCh, err := d.health.Start(ctx)
		if err != nil {
			return err
		}
		go d.forward("health", errCh)
		d.health.Health().SetServing()
	}

	go d.watchSocket(d.broker.Done())

	d.started = true
	d.logger.Info("Daemon started", "version", DefaultVersion)
	return nil
}

// Close reports NOT_SERVING, stops the endpoints, disconnects every client and
// closes the connection manager. It is safe to call more than once.
func (d *Daemon) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	var firstErr error
	if d.health != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		d.health.Stop(ctx)
		cancel()
	}
	if d.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.admin.Shutdown(ctx); err != nil {
			d.logger.Error("Failed to stop admin server", "error", err)
			firstErr = err
		}
		cancel()
	}
	if err := d.broker.Close(); err != nil {
		d.logger.Error("Failed to close broker", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	if err := d.mgr.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	d.logger.Info("Daemon closed", "stats", d.mgr.Stats().String())
	return firstErr
}

// Errors delivers failures of the admin server or the health endpoint while
// they serve
func (d *Daemon) Errors() <-chan error {
	return d.errCh
}

// forward passes a serve failure from src to Errors
func (d *Daemon) forward(name string, src <-chan error) {
	for err := range src {
		d.logger.Error("Endpoint failed", "endpoint", name, "error", err)
		select {
		case d.errCh <- err:
		default:
		}
	}
}

// watchSocket reports the socket stopping on its own through Errors and
// marks the health endpoint NOT_SERVING
func (d *Daemon) watchSocket(done <-chan struct{}) {
	<-done
	if d.IsClosed() {
		return
	}
	d.logger.Error("Socket stopped accepting clients")
	if d.health != nil {
		d.health.Health().SetServingStatus(health.ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}
	select {
	case d.errCh <- types.NewError(types.ErrCodeUnavailable, "socket stopped accepting clients"):
	default:
	}
}

// HealthAddr returns the bound address of the health endpoint, or "" when it
// is disabled
func (d *Daemon) HealthAddr() string {
	if d.health == nil {
		return ""
	}
	return d.health.Addr()
}

// Manager returns the connection manager
func (d *Daemon) Manager() *netlink.Manager {
	return d.mgr
}

// Broker returns the socket broker
func (d *Daemon) Broker() *ipc.Broker {
	return d.broker
}

// Registry returns the metrics registry, or nil when metrics are disabled
func (d *Daemon) Registry() *prometheus.Registry {
	return d.registry
}

// Logger returns the daemon logger
func (d *Daemon) Logger() *logger.Logger {
	return d.logger
}

// Status reports the lifecycle phase: starting until Start succeeds, running
// until Close, stopped afterwards
func (d *Daemon) Status() types.Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch {
	case d.closed:
		return types.StatusStopped
	case d.started:
		return types.StatusRunning
	default:
		return types.StatusStarting
	}
}

// IsStarted reports whether Start has succeeded
func (d *Daemon) IsStarted() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.started
}

// IsClosed reports whether Close has been called
func (d *Daemon) IsClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

// String returns a string representation of the daemon
func (d *Daemon) String() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return fmt.Sprintf("Daemon{socket: %s, started: %t, closed: %t, conns: %d}",
		d.cfg.IPC.SocketPath, d.started, d.closed, d.mgr.Stats().ActiveConns)
}
