package stress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baaaht/netlinkd/internal/config"
	"github.com/baaaht/netlinkd/internal/logger"
	"github.com/baaaht/netlinkd/pkg/netlink"
	"github.com/baaaht/netlinkd/pkg/types"
)

func newManager(t *testing.T, maxQueued int) *netlink.Manager {
	t.Helper()
	mgr, err := netlink.New(netlink.Config{
		Pool:      netlink.PoolConfig{Prealloc: 4, AllocIncrement: 4, MaxConns: 16},
		MaxQueued: maxQueued,
	}, logger.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func TestRunDeliversEverything(t *testing.T) {
	mgr := newManager(t, 0)
	cfg := config.StressConfig{Producers: 4, Subscribers: 3, Messages: 200, Group: 2, PayloadSize: 32}

	runner, err := NewRunner(mgr, cfg, logger.NewNop())
	require.NoError(t, err)

	report, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(800), report.Sent)
	assert.Equal(t, uint64(2400), report.Expected)
	assert.Equal(t, report.Expected, report.Received)
	assert.Zero(t, report.OutOfOrder)
	assert.Zero(t, report.Incomplete)
	assert.Equal(t, uint64(804), report.Netlink.Broadcasts)
	assert.Zero(t, report.Netlink.Dropped)

	// subscribers are returned to the pool
	assert.Equal(t, 0, mgr.Stats().ActiveConns)
}

func TestRunWithoutSubscribers(t *testing.T) {
	mgr := newManager(t, 0)
	cfg := config.StressConfig{Producers: 2, Messages: 10, Group: 1}

	runner, err := NewRunner(mgr, cfg, nil)
	require.NoError(t, err)

	report, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(20), report.Sent)
	assert.Zero(t, report.Received)
	assert.Equal(t, uint64(22), report.Netlink.Dropped)
}

func TestRunRateLimited(t *testing.T) {
	mgr := newManager(t, 0)
	cfg := config.StressConfig{Producers: 1, Subscribers: 1, Messages: 5, Group: 1, Rate: 100}

	runner, err := NewRunner(mgr, cfg, nil)
	require.NoError(t, err)

	report, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), report.Received)
	// the first token is available immediately, the other four are paced at 10ms
	assert.GreaterOrEqual(t, report.Duration, 30*time.Millisecond)
}

func TestRunCanceled(t *testing.T) {
	mgr := newManager(t, 0)
	cfg := config.StressConfig{Producers: 1, Subscribers: 1, Messages: 1000, Group: 1, Rate: 10}

	runner, err := NewRunner(mgr, cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	report, err := runner.Run(ctx)
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeCanceled))
	require.NotNil(t, report)
	assert.Less(t, report.Sent, uint64(1000))
}

func TestRunPoolTooSmall(t *testing.T) {
	mgr, err := netlink.New(netlink.Config{Pool: netlink.PoolConfig{Prealloc: 2}}, logger.NewNop(), nil)
	require.NoError(t, err)
	defer mgr.Close()

	runner, err := NewRunner(mgr, config.StressConfig{Producers: 1, Subscribers: 3, Messages: 1, Group: 1}, nil)
	require.NoError(t, err)

	_, err = runner.Run(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeResourceExhausted))
	assert.Equal(t, 0, mgr.Stats().ActiveConns)
}

func TestNewRunnerValidation(t *testing.T) {
	mgr := newManager(t, 0)

	_, err := NewRunner(nil, config.StressConfig{Producers: 1, Messages: 1, Group: 1}, nil)
	assert.Error(t, err)
	_, err = NewRunner(mgr, config.StressConfig{Producers: 0, Messages: 1, Group: 1}, nil)
	assert.Error(t, err)
	_, err = NewRunner(mgr, config.StressConfig{Producers: 1, Messages: 1, Group: 33}, nil)
	assert.Error(t, err)
}

func TestReportString(t *testing.T) {
	r := &Report{Producers: 1, Subscribers: 2, Sent: 10, Received: 20, Expected: 20, Duration: time.Second}
	assert.Equal(t, 20.0, r.Throughput())
	assert.Contains(t, r.String(), "Received: 20/20")
}
