package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baaaht/netlinkd/internal/logger"
	"github.com/baaaht/netlinkd/pkg/types"
)

type recordingCloser struct {
	mu     sync.Mutex
	events *[]string
	err    error
}

func (c *recordingCloser) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	*c.events = append(*c.events, "close")
	return c.err
}

func TestShutdownOrder(t *testing.T) {
	var events []string
	sm := NewShutdownManager(&recordingCloser{events: &events}, time.Second, logger.NewNop())

	sm.AddHook(func(ctx context.Context) error {
		events = append(events, "pre")
		return nil
	})
	sm.AddPostHook(func(ctx context.Context) error {
		events = append(events, "post")
		return nil
	})

	require.NoError(t, sm.Shutdown(context.Background(), "test"))
	assert.Equal(t, []string{"pre", "close", "post"}, events)
	assert.True(t, sm.IsComplete())
	assert.Equal(t, "test", sm.ShutdownReason())

	select {
	case <-sm.Done():
	default:
		t.Fatal("Done not closed after shutdown")
	}
}

func TestShutdownOnlyOnce(t *testing.T) {
	var events []string
	sm := NewShutdownManager(&recordingCloser{events: &events}, time.Second, nil)

	require.NoError(t, sm.Shutdown(context.Background(), "first"))
	err := sm.Shutdown(context.Background(), "second")
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeFailedPrecondition))
	assert.Equal(t, []string{"close"}, events)
	assert.Equal(t, "first", sm.ShutdownReason())
}

func TestShutdownHookFailureContinues(t *testing.T) {
	var events []string
	sm := NewShutdownManager(&recordingCloser{events: &events}, time.Second, logger.NewNop())

	sm.AddHook(func(ctx context.Context) error { return errors.New("boom") })
	sm.AddHook(func(ctx context.Context) error {
		events = append(events, "second")
		return nil
	})

	require.NoError(t, sm.Shutdown(context.Background(), "test"))
	assert.Equal(t, []string{"second", "close"}, events)
}

func TestShutdownReturnsCloseError(t *testing.T) {
	var events []string
	closer := &recordingCloser{events: &events, err: types.NewError(types.ErrCodeInternal, "close failed")}
	sm := NewShutdownManager(closer, time.Second, logger.NewNop())

	err := sm.Shutdown(context.Background(), "test")
	require.Error(t, err)
	assert.True(t, sm.IsComplete())
}

func TestWaitCompletion(t *testing.T) {
	var events []string
	sm := NewShutdownManager(&recordingCloser{events: &events}, time.Second, logger.NewNop())
	assert.Equal(t, ShutdownStateRunning, sm.State())
	assert.False(t, sm.IsShuttingDown())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := sm.WaitCompletion(ctx)
	assert.True(t, types.IsErrCode(err, types.ErrCodeCanceled))

	go sm.Shutdown(context.Background(), "test")
	require.NoError(t, sm.WaitCompletion(context.Background()))
	assert.True(t, sm.IsShuttingDown())
}

func TestShutdownClosesDaemon(t *testing.T) {
	d, path := startDaemon(t)
	client := dial(t, path)
	_, err := client.Request(testContext(t), MsgGetStats, 0, nil)
	require.NoError(t, err)

	sm := NewShutdownManager(d, time.Second, logger.NewNop())
	sm.Start()
	defer sm.Stop()

	require.NoError(t, sm.Shutdown(context.Background(), "test"))
	assert.True(t, d.IsClosed())
	assert.Equal(t, 0, d.Manager().Stats().ActiveConns)

	_, err = client.Receive(testContext(t))
	assert.Error(t, err)
}
