package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/baaaht/netlinkd/internal/logger"
	"github.com/baaaht/netlinkd/pkg/types"
)

// ShutdownState represents the current state of the shutdown process
type ShutdownState string

const (
	// ShutdownStateRunning indicates the daemon is running normally
	ShutdownStateRunning ShutdownState = "running"
	// ShutdownStateInitiated indicates shutdown has been initiated
	ShutdownStateInitiated ShutdownState = "initiated"
	// ShutdownStateStopping indicates subsystems are being stopped
	ShutdownStateStopping ShutdownState = "stopping"
	// ShutdownStateComplete indicates shutdown is complete
	ShutdownStateComplete ShutdownState = "complete"
)

// hookTimeout bounds a single hook within the overall shutdown timeout
const hookTimeout = 5 * time.Second

// ShutdownHook is a function that can be called during shutdown
type ShutdownHook func(ctx context.Context) error

// ShutdownManager runs the graceful shutdown of a target, on request or on
// SIGINT/SIGTERM. Pre-shutdown hooks run before the target is closed and
// post-shutdown hooks after.
type ShutdownManager struct {
	mu              sync.RWMutex
	target          io.Closer
	state           ShutdownState
	shutdownTimeout time.Duration
	preHooks        []ShutdownHook
	postHooks       []ShutdownHook
	logger          *logger.Logger
	signalChan      chan os.Signal
	stopCh          chan struct{}
	started         bool
	completionChan  chan struct{}
	shutdownReason  string
	initiatedAt     time.Time
}

// NewShutdownManager creates a shutdown manager for target
func NewShutdownManager(target io.Closer, timeout time.Duration, log *logger.Logger) *ShutdownManager {
	if log == nil {
		log = logger.NewNop()
	}

	return &ShutdownManager{
		target:          target,
		state:           ShutdownStateRunning,
		shutdownTimeout: timeout,
		logger:          log.With("component", "shutdown_manager"),
		signalChan:      make(chan os.Signal, 1),
		stopCh:          make(chan struct{}),
		completionChan:  make(chan struct{}),
	}
}

// Start begins listening for shutdown signals
func (sm *ShutdownManager) Start() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.started {
		return
	}

	signal.Notify(sm.signalChan, syscall.SIGINT, syscall.SIGTERM)
	sm.started = true
	sm.logger.Info("Shutdown manager started", "timeout", sm.shutdownTimeout.String())

	go sm.handleSignals()
}

// Stop stops signal handling
func (sm *ShutdownManager) Stop() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.started {
		return
	}

	signal.Stop(sm.signalChan)
	close(sm.stopCh)
	sm.started = false

	sm.logger.Debug("Shutdown manager stopped")
}

// Shutdown runs the shutdown sequence once. A second call fails with
// FAILED_PRECONDITION.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	sm.mu.Lock()
	if sm.state != ShutdownStateRunning {
		sm.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "shutdown already initiated")
	}
	sm.state = ShutdownStateInitiated
	sm.shutdownReason = reason
	sm.initiatedAt = time.Now()
	sm.mu.Unlock()

	sm.logger.Info("Shutdown initiated", "reason", reason)

	shutdownCtx, cancel := context.WithTimeout(ctx, sm.shutdownTimeout)
	defer cancel()

	if err := sm.executeHooks(shutdownCtx, "pre-shutdown", sm.hooks(true)); err != nil {
		sm.logger.Error("Pre-shutdown hooks failed", "error", err)
	}

	sm.setState(ShutdownStateStopping)

	var closeErr error
	if sm.target != nil {
		if closeErr = sm.target.Close(); closeErr != nil {
			sm.logger.Error("Close failed", "error", closeErr)
		}
	}

	if err := sm.executeHooks(shutdownCtx, "post-shutdown", sm.hooks(false)); err != nil {
		sm.logger.Error("Post-shutdown hooks failed", "error", err)
	}

	sm.setState(ShutdownStateComplete)
	close(sm.completionChan)

	sm.logger.Info("Shutdown complete",
		"reason", reason,
		"duration", time.Since(sm.initiatedAt).String())
	return closeErr
}

// AddHook registers a hook that runs before the target is closed
func (sm *ShutdownManager) AddHook(hook ShutdownHook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.preHooks = append(sm.preHooks, hook)
}

// AddPostHook registers a hook that runs after the target is closed
func (sm *ShutdownManager) AddPostHook(hook ShutdownHook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.postHooks = append(sm.postHooks, hook)
}

// State returns the current shutdown state
func (sm *ShutdownManager) State() ShutdownState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// IsShuttingDown returns true once shutdown has been initiated
func (sm *ShutdownManager) IsShuttingDown() bool {
	return sm.State() != ShutdownStateRunning
}

// IsComplete returns true if shutdown is complete
func (sm *ShutdownManager) IsComplete() bool {
	return sm.State() == ShutdownStateComplete
}

// ShutdownReason returns the reason for shutdown
func (sm *ShutdownManager) ShutdownReason() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.shutdownReason
}

// Done is closed when shutdown completes
func (sm *ShutdownManager) Done() <-chan struct{} {
	return sm.completionChan
}

// WaitCompletion waits for shutdown to complete
func (sm *ShutdownManager) WaitCompletion(ctx context.Context) error {
	select {
	case <-sm.completionChan:
		return nil
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "wait for completion canceled", ctx.Err())
	}
}

func (sm *ShutdownManager) handleSignals() {
	select {
	case sig := <-sm.signalChan:
		sm.logger.Info("Shutdown signal received", "signal", sig.String())
		if err := sm.Shutdown(context.Background(), fmt.Sprintf("signal received: %s", sig)); err != nil {
			sm.logger.Error("Shutdown failed", "error", err)
		}
	case <-sm.stopCh:
		sm.logger.Debug("Signal handler stopping")
	}
}

func (sm *ShutdownManager) hooks(pre bool) []ShutdownHook {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	src := sm.postHooks
	if pre {
		src = sm.preHooks
	}
	hooks := make([]ShutdownHook, len(src))
	copy(hooks, src)
	return hooks
}

// executeHooks runs hooks in registration order. A failed hook does not stop
// the others; an expired ctx does.
func (sm *ShutdownManager) executeHooks(ctx context.Context, phase string, hooks []ShutdownHook) error {
	sm.logger.Debug("Executing shutdown hooks", "phase", phase, "count", len(hooks))

	var errs []error
	for i, hook := range hooks {
		hookCtx, cancel := context.WithTimeout(ctx, hookTimeout)
		err := hook(hookCtx)
		cancel()
		if err != nil {
			sm.logger.Error("Shutdown hook failed", "phase", phase, "hook", i, "error", err)
			errs = append(errs, err)
		}

		if ctx.Err() != nil {
			sm.logger.Warn("Shutdown hook execution canceled", "phase", phase)
			return types.WrapError(types.ErrCodeCanceled, "hook execution canceled", ctx.Err())
		}
	}

	if len(errs) > 0 {
		return types.WrapError(types.ErrCodePartialFailure, fmt.Sprintf("%s hooks failed", phase), errs[0])
	}
	return nil
}

func (sm *ShutdownManager) setState(state ShutdownState) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state = state
	sm.logger.Debug("Shutdown state changed", "state", string(state))
}

// String returns a string representation of the shutdown state
func (s ShutdownState) String() string {
	return string(s)
}

// String returns a string representation of the shutdown manager
func (sm *ShutdownManager) String() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return fmt.Sprintf("ShutdownManager{state: %s, timeout: %v, hooks: %d, started: %t}",
		sm.state, sm.shutdownTimeout, len(sm.preHooks)+len(sm.postHooks), sm.started)
}
