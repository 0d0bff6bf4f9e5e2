package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baaaht/netlinkd/internal/config"
	"github.com/baaaht/netlinkd/internal/logger"
	"github.com/baaaht/netlinkd/pkg/ipc"
	"github.com/baaaht/netlinkd/pkg/netlink"
)

func newTestServer(t *testing.T) (*Server, *netlink.Manager) {
	t.Helper()

	reg := prometheus.NewRegistry()
	mgr, err := netlink.New(netlink.Config{Pool: netlink.PoolConfig{Prealloc: 2}},
		logger.NewNop(), netlink.NewMetrics("netlinkd", reg))
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	srv, err := New("127.0.0.1:0", mgr, nil, reg, logger.NewNop())
	require.NoError(t, err)
	return srv, mgr
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	srv, mgr := newTestServer(t)

	rec := get(t, srv, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"running"`)

	require.NoError(t, mgr.Close())
	rec = get(t, srv, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStats(t *testing.T) {
	srv, mgr := newTestServer(t)
	_, err := mgr.Alloc()
	require.NoError(t, err)

	rec := get(t, srv, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var body StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Netlink.ActiveConns)
	assert.Equal(t, 2, body.Netlink.Capacity)
	assert.Nil(t, body.Broker)
}

func TestMetrics(t *testing.T) {
	srv, mgr := newTestServer(t)
	_, err := mgr.Alloc()
	require.NoError(t, err)

	rec := get(t, srv, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)

	var found bool
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if strings.HasPrefix(line, "netlinkd_netlink_connections_active ") {
			found = true
			assert.Equal(t, "netlinkd_netlink_connections_active 1", line)
		}
	}
	assert.True(t, found, "connections gauge missing from /metrics")
}

func TestNewRequiresManager(t *testing.T) {
	_, err := New(":0", nil, nil, nil, logger.NewNop())
	assert.Error(t, err)
}

func del(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, path, nil))
	return rec
}

func TestDisconnectWithoutBroker(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := del(t, srv, "/conns/0.1")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDisconnect(t *testing.T) {
	reg := prometheus.NewRegistry()
	mgr, err := netlink.New(netlink.Config{Pool: netlink.PoolConfig{Prealloc: 2}},
		logger.NewNop(), netlink.NewMetrics("netlinkd", reg))
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	socketPath := filepath.Join(t.TempDir(), "admin.sock")
	broker, err := ipc.New(config.IPCConfig{SocketPath: socketPath, MaxFrameSize: 4096}, mgr, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, broker.Start(context.Background()))
	t.Cleanup(func() { broker.Close() })

	srv, err := New("127.0.0.1:0", mgr, broker, reg, logger.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := ipc.Dial(ctx, socketPath)
	require.NoError(t, err)
	defer client.Close()
	_, err = client.Request(ctx, netlink.TypeNoop, netlink.FlagAck, nil)
	require.NoError(t, err)

	conn := mgr.Next(nil)
	require.NotNil(t, conn)
	handle := conn.Handle().String()

	assert.Equal(t, http.StatusBadRequest, del(t, srv, "/conns/bogus").Code)
	assert.Equal(t, http.StatusNotFound, del(t, srv, "/conns/1.7").Code)
	assert.Equal(t, http.StatusNoContent, del(t, srv, "/conns/"+handle).Code)

	require.Eventually(t, func() bool { return mgr.Stats().ActiveConns == 0 }, 5*time.Second, 5*time.Millisecond)
	_, err = client.Receive(ctx)
	assert.Error(t, err)
}
