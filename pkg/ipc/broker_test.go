package ipc

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/baaaht/netlinkd/internal/config"
	"github.com/baaaht/netlinkd/internal/logger"
	"github.com/baaaht/netlinkd/pkg/netlink"
	"github.com/baaaht/netlinkd/pkg/types"
)

const (
	msgGetItems = MsgMinHandler
	msgItem     = MsgMinHandler + 1
	msgFail     = MsgMinHandler + 2
	msgEvent    = MsgMinHandler + 3
)

// Helper function to create a started test broker
func createTestBroker(t *testing.T, netCfg netlink.Config) (*Broker, *netlink.Manager, string) {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "nl.sock")
	cfg := config.IPCConfig{
		SocketPath:     socketPath,
		MaxFrameSize:   4096,
		WriteTimeout:   time.Second,
		HandlerTimeout: time.Second,
	}

	log := logger.NewNop()
	mgr, err := netlink.New(netCfg, log, nil)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	broker, err := New(cfg, mgr, log)
	if err != nil {
		t.Fatalf("Failed to create broker: %v", err)
	}
	if err := broker.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start broker: %v", err)
	}

	t.Cleanup(func() {
		broker.Close()
		mgr.Close()
	})
	return broker, mgr, socketPath
}

func defaultNetlinkConfig() netlink.Config {
	return netlink.Config{Pool: netlink.PoolConfig{Prealloc: 4, AllocIncrement: 4, MaxConns: 16}}
}

func dialTestClient(t *testing.T, path string) *Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, path)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// waitForConns waits until the manager has n live connections
func waitForConns(t *testing.T, mgr *netlink.Manager, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if mgr.Stats().ActiveConns == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Expected %d active connections, got %d", n, mgr.Stats().ActiveConns)
}

func itemsHandler(n int) MessageHandler {
	return MessageHandlerFunc(func(ctx context.Context, req *Request, w *ReplyWriter) error {
		for i := 0; i < n; i++ {
			if err := w.Send(msgItem, []byte{byte(i)}); err != nil {
				return err
			}
		}
		return nil
	})
}

func TestBrokerStartCreatesSocket(t *testing.T) {
	broker, _, socketPath := createTestBroker(t, defaultNetlinkConfig())

	if _, err := os.Stat(socketPath); err != nil {
		t.Errorf("Socket file does not exist: %v", err)
	}

	err := broker.Start(context.Background())
	if err == nil {
		t.Error("Expected error starting twice")
	}
}

func TestBrokerRegisterHandler(t *testing.T) {
	broker, _, _ := createTestBroker(t, defaultNetlinkConfig())

	if err := broker.RegisterHandler(msgGetItems, itemsHandler(1)); err != nil {
		t.Fatalf("Failed to register handler: %v", err)
	}
	if stats := broker.Stats(); stats.ActiveHandlers != 1 {
		t.Errorf("Expected 1 active handler, got %d", stats.ActiveHandlers)
	}

	err := broker.RegisterHandler(msgGetItems, itemsHandler(1))
	if !types.IsErrCode(err, types.ErrCodeAlreadyExists) {
		t.Errorf("Expected ALREADY_EXISTS for duplicate handler, got %v", err)
	}

	err = broker.RegisterHandler(MsgAddMembership, itemsHandler(1))
	if !types.IsErrCode(err, types.ErrCodeInvalidArgument) {
		t.Errorf("Expected INVALID_ARGUMENT for reserved type, got %v", err)
	}

	err = broker.RegisterHandler(msgItem, nil)
	if !types.IsErrCode(err, types.ErrCodeInvalidArgument) {
		t.Errorf("Expected INVALID_ARGUMENT for nil handler, got %v", err)
	}

	if err := broker.UnregisterHandler(msgGetItems); err != nil {
		t.Fatalf("Failed to unregister handler: %v", err)
	}
	err = broker.UnregisterHandler(msgGetItems)
	if !types.IsErrCode(err, types.ErrCodeNotFound) {
		t.Errorf("Expected NOT_FOUND, got %v", err)
	}
}

func TestRequestSingleReply(t *testing.T) {
	broker, _, socketPath := createTestBroker(t, defaultNetlinkConfig())
	if err := broker.RegisterHandler(msgGetItems, itemsHandler(1)); err != nil {
		t.Fatalf("Failed to register handler: %v", err)
	}

	client := dialTestClient(t, socketPath)
	replies, err := client.Request(testContext(t), msgGetItems, 0, nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if len(replies) != 1 {
		t.Fatalf("Expected 1 reply, got %d", len(replies))
	}
	if replies[0].Header.Type != msgItem {
		t.Errorf("Expected type %#x, got %#x", msgItem, replies[0].Header.Type)
	}
	if replies[0].Header.PID != client.PID() {
		t.Errorf("Expected reply addressed to %d, got %d", client.PID(), replies[0].Header.PID)
	}
}

func TestRequestDump(t *testing.T) {
	broker, _, socketPath := createTestBroker(t, defaultNetlinkConfig())
	if err := broker.RegisterHandler(msgGetItems, itemsHandler(5)); err != nil {
		t.Fatalf("Failed to register handler: %v", err)
	}

	client := dialTestClient(t, socketPath)
	replies, err := client.Request(testContext(t), msgGetItems, netlink.FlagDump|netlink.FlagAck, nil)
	if err != nil {
		t.Fatalf("Dump failed: %v", err)
	}
	if len(replies) != 5 {
		t.Fatalf("Expected 5 parts, got %d", len(replies))
	}
	for i, resp := range replies {
		if resp.Header.Flags&netlink.FlagMulti == 0 {
			t.Errorf("Part %d is missing FlagMulti", i)
		}
		if resp.Payload[0] != byte(i) {
			t.Errorf("Part %d out of order: payload %d", i, resp.Payload[0])
		}
	}

	stats := broker.Stats()
	if stats.Replies != 5 || stats.Acks != 1 {
		t.Errorf("Expected 5 replies and 1 ack, got %s", stats)
	}
}

func TestRequestErrors(t *testing.T) {
	broker, _, socketPath := createTestBroker(t, defaultNetlinkConfig())
	err := broker.RegisterHandler(msgFail, MessageHandlerFunc(
		func(ctx context.Context, req *Request, w *ReplyWriter) error {
			return types.NewError(types.ErrCodeNotFound, "no such item")
		}))
	if err != nil {
		t.Fatalf("Failed to register handler: %v", err)
	}

	client := dialTestClient(t, socketPath)
	ctx := testContext(t)

	_, err = client.Request(ctx, msgFail, 0, nil)
	if !types.IsErrCode(err, types.ErrCodeNotFound) {
		t.Errorf("Expected NOT_FOUND from handler error, got %v", err)
	}

	_, err = client.Request(ctx, msgEvent, 0, nil)
	if !types.IsErrCode(err, types.ErrCodeUnsupported) {
		t.Errorf("Expected UNSUPPORTED for unknown type, got %v", err)
	}

	_, err = client.Request(ctx, netlink.TypeDone, 0, nil)
	if !types.IsErrCode(err, types.ErrCodeInvalidArgument) {
		t.Errorf("Expected INVALID_ARGUMENT for control type, got %v", err)
	}

	if stats := broker.Stats(); stats.Errors != 3 {
		t.Errorf("Expected 3 errors, got %d", stats.Errors)
	}
}

func TestNoopAck(t *testing.T) {
	_, _, socketPath := createTestBroker(t, defaultNetlinkConfig())
	client := dialTestClient(t, socketPath)

	replies, err := client.Request(testContext(t), netlink.TypeNoop, netlink.FlagAck, nil)
	if err != nil {
		t.Fatalf("Noop failed: %v", err)
	}
	if len(replies) != 0 {
		t.Errorf("Expected no replies, got %d", len(replies))
	}
}

func TestPublishToSubscribers(t *testing.T) {
	broker, mgr, socketPath := createTestBroker(t, defaultNetlinkConfig())

	subscriber := dialTestClient(t, socketPath)
	bystander := dialTestClient(t, socketPath)
	ctx := testContext(t)

	if err := subscriber.Subscribe(ctx, 3); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := bystander.Subscribe(ctx, 4); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	waitForConns(t, mgr, 2)

	if err := broker.Publish(3, msgEvent, []byte("link down")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	resp, err := subscriber.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if resp.Header.Type != msgEvent || string(resp.Payload) != "link down" {
		t.Errorf("Unexpected notification %s %q", resp.Header, resp.Payload)
	}

	shortCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := bystander.Receive(shortCtx); !types.IsErrCode(err, types.ErrCodeCanceled) {
		t.Errorf("Expected bystander to receive nothing, got %v", err)
	}

	if err := subscriber.Unsubscribe(ctx, 3); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if err := broker.Publish(3, msgEvent, []byte("link up")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if stats := mgr.Stats(); stats.Dropped != 1 {
		t.Errorf("Expected the second notification to be dropped, got %d drops", stats.Dropped)
	}
}

func TestMembershipValidation(t *testing.T) {
	_, _, socketPath := createTestBroker(t, defaultNetlinkConfig())
	client := dialTestClient(t, socketPath)
	ctx := testContext(t)

	_, err := client.Request(ctx, MsgAddMembership, netlink.FlagAck, []byte{1})
	if !types.IsErrCode(err, types.ErrCodeInvalidArgument) {
		t.Errorf("Expected INVALID_ARGUMENT for short payload, got %v", err)
	}

	_, err = client.Request(ctx, MsgAddMembership, netlink.FlagAck, MembershipPayload(40))
	if !types.IsErrCode(err, types.ErrCodeInvalidArgument) {
		t.Errorf("Expected INVALID_ARGUMENT for group 40, got %v", err)
	}

	if err := client.Subscribe(ctx, 0); !types.IsErrCode(err, types.ErrCodeInvalidArgument) {
		t.Errorf("Expected client-side INVALID_ARGUMENT, got %v", err)
	}
}

func TestConnectionFreedOnDisconnect(t *testing.T) {
	_, mgr, socketPath := createTestBroker(t, defaultNetlinkConfig())

	client := dialTestClient(t, socketPath)
	if _, err := client.Request(testContext(t), netlink.TypeNoop, netlink.FlagAck, nil); err != nil {
		t.Fatalf("Noop failed: %v", err)
	}
	waitForConns(t, mgr, 1)

	client.Close()
	waitForConns(t, mgr, 0)
}

func TestPoolExhaustionRejectsClient(t *testing.T) {
	broker, mgr, socketPath := createTestBroker(t, netlink.Config{Pool: netlink.PoolConfig{Prealloc: 1}})

	first := dialTestClient(t, socketPath)
	if _, err := first.Request(testContext(t), netlink.TypeNoop, netlink.FlagAck, nil); err != nil {
		t.Fatalf("Noop failed: %v", err)
	}
	waitForConns(t, mgr, 1)

	second := dialTestClient(t, socketPath)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := second.Request(ctx, netlink.TypeNoop, netlink.FlagAck, nil); err == nil {
		t.Error("Expected second client to be disconnected")
	}

	if stats := broker.Stats(); stats.SocketStats.Rejected != 1 {
		t.Errorf("Expected 1 rejected connection, got %d", stats.SocketStats.Rejected)
	}
}

func TestBrokerDisconnect(t *testing.T) {
	broker, mgr, socketPath := createTestBroker(t, defaultNetlinkConfig())
	client := dialTestClient(t, socketPath)
	if _, err := client.Request(testContext(t), netlink.TypeNoop, netlink.FlagAck, nil); err != nil {
		t.Fatalf("Noop failed: %v", err)
	}
	waitForConns(t, mgr, 1)

	next := mgr.Next(nil)
	if next == nil {
		t.Fatal("Expected one registered connection")
	}
	h := next.Handle()

	if err := broker.Disconnect(h); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	waitForConns(t, mgr, 0)

	if _, err := client.Receive(testContext(t)); !types.IsErrCode(err, types.ErrCodeUnavailable) {
		t.Errorf("Expected UNAVAILABLE after disconnect, got %v", err)
	}
	if err := broker.Disconnect(h); !types.IsErrCode(err, types.ErrCodeNotFound) {
		t.Errorf("Expected NOT_FOUND for a dropped client, got %v", err)
	}
}

func TestBrokerDoneOnListenerFailure(t *testing.T) {
	broker, _, _ := createTestBroker(t, defaultNetlinkConfig())

	select {
	case <-broker.Done():
		t.Fatal("Done closed while serving")
	default:
	}

	broker.socket.listener.Close()
	select {
	case <-broker.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done not closed after the listener failed")
	}
}

func TestBrokerClose(t *testing.T) {
	broker, mgr, socketPath := createTestBroker(t, defaultNetlinkConfig())
	client := dialTestClient(t, socketPath)
	if _, err := client.Request(testContext(t), netlink.TypeNoop, netlink.FlagAck, nil); err != nil {
		t.Fatalf("Noop failed: %v", err)
	}

	if err := broker.Close(); err != nil {
		t.Fatalf("Failed to close broker: %v", err)
	}
	waitForConns(t, mgr, 0)

	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("Expected socket file to be removed, got %v", err)
	}
	select {
	case <-broker.Done():
	default:
		t.Error("Expected Done to be closed after Close")
	}
	if err := broker.Close(); err == nil {
		t.Error("Expected error closing twice")
	}
	if err := broker.Publish(1, msgEvent, nil); !types.IsErrCode(err, types.ErrCodeUnavailable) {
		t.Errorf("Expected UNAVAILABLE after close, got %v", err)
	}
}

func TestErrnoRoundTrip(t *testing.T) {
	codes := []string{
		types.ErrCodeInvalidArgument,
		types.ErrCodeNotFound,
		types.ErrCodeUnsupported,
		types.ErrCodeResourceExhausted,
		types.ErrCodeFailedPrecondition,
	}
	for _, code := range codes {
		errno := Errno(types.NewError(code, "test"))
		if errno >= 0 {
			t.Errorf("Expected negative errno for %s, got %d", code, errno)
		}
		if err := ErrnoError(errno); !types.IsErrCode(err, code) {
			t.Errorf("Expected %s back from errno %d, got %v", code, errno, err)
		}
	}

	if Errno(nil) != 0 || ErrnoError(0) != nil {
		t.Error("Expected zero errno to mean success")
	}
	if err := ErrnoError(Errno(os.ErrClosed)); !types.IsErrCode(err, types.ErrCodeInternal) {
		t.Errorf("Expected INTERNAL for an uncoded error, got %v", err)
	}
}

func TestBrokerStatsString(t *testing.T) {
	stats := BrokerStats{
		Requests:    3,
		Replies:     2,
		Published:   1,
		SocketStats: SocketStats{Path: "/tmp/nl.sock", ActiveConns: 1},
	}

	str := stats.String()
	if str == "" {
		t.Error("Expected non-empty string")
	}
	for _, want := range []string{"Requests: 3", "Published: 1", "/tmp/nl.sock"} {
		if !strings.Contains(str, want) {
			t.Errorf("Expected %q in %q", want, str)
		}
	}
}
