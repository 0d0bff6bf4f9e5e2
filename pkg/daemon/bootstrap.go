package daemon

import (
	"context"
	"time"

	"github.com/baaaht/netlinkd/internal/config"
	"github.com/baaaht/netlinkd/internal/logger"
	"github.com/baaaht/netlinkd/pkg/ipc"
	"github.com/baaaht/netlinkd/pkg/types"
)

// BootstrapResult contains the result of bootstrapping the daemon
type BootstrapResult struct {
	Daemon    *Daemon
	Shutdown  *ShutdownManager
	StartedAt time.Time
	Duration  time.Duration
	Version   string
}

// Bootstrap builds and starts a daemon and wires its shutdown manager. Signal
// handling is left to the caller through Shutdown.Start.
func Bootstrap(ctx context.Context, cfg config.Config, log *logger.Logger) (*BootstrapResult, error) {
	startedAt := time.Now()

	d, err := New(cfg, log)
	if err != nil {
		return nil, err
	}
	if err := d.Start(ctx); err != nil {
		d.Close()
		return nil, types.WrapError(types.ErrCodeInternal, "failed to start daemon", err)
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}

	result := &BootstrapResult{
		Daemon:    d,
		Shutdown:  NewShutdownManager(d, timeout, log),
		StartedAt: startedAt,
		Duration:  time.Since(startedAt),
		Version:   DefaultVersion,
	}

	d.Logger().Info("Daemon bootstrapped",
		"version", result.Version,
		"duration", result.Duration.String())
	return result, nil
}

// WaitForReady polls the socket at path until a client can connect
func WaitForReady(ctx context.Context, path string, timeout, checkInterval time.Duration) error {
	if checkInterval == 0 {
		checkInterval = 50 * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		client, err := ipc.Dial(ctx, path)
		if err == nil {
			client.Close()
			return nil
		}

		select {
		case <-ctx.Done():
			return types.WrapError(types.ErrCodeTimeout, "daemon not ready within timeout", ctx.Err())
		case <-ticker.C:
		}
	}
}

// GetVersion returns the version of the daemon
func GetVersion() string {
	return DefaultVersion
}
