package ipc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/baaaht/netlinkd/internal/config"
	"github.com/baaaht/netlinkd/internal/logger"
	"github.com/baaaht/netlinkd/pkg/netlink"
	"github.com/baaaht/netlinkd/pkg/types"
)

// Dispatcher receives every request read from a client
type Dispatcher interface {
	Dispatch(ctx context.Context, conn *netlink.Conn, req *netlink.Response) error
}

// Socket is the Unix domain socket endpoint. Every accepted client is bound
// to one netlink connection: a reader loop passes its frames to the
// Dispatcher and a writer loop drains the connection queue back to it.
type Socket struct {
	path         string
	listener     net.Listener
	mgr          *netlink.Manager
	dispatcher   Dispatcher
	conns        map[netlink.Handle]*connection
	mu           sync.RWMutex
	logger       *logger.Logger
	closed       bool
	wg           sync.WaitGroup
	stopped      chan struct{}
	maxFrame     uint32
	writeTimeout time.Duration
	stats        SocketStats
}

// connection is one accepted client
type connection struct {
	net.Conn
	id        types.ID
	nl        *netlink.Conn
	cancel    context.CancelFunc
	createdAt time.Time
}

// NewSocket creates the socket endpoint. It does not listen until Listen.
func NewSocket(cfg config.IPCConfig, mgr *netlink.Manager, dispatcher Dispatcher, log *logger.Logger) (*Socket, error) {
	if mgr == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "connection manager cannot be nil")
	}
	if dispatcher == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "dispatcher cannot be nil")
	}
	if cfg.SocketPath == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "socket path cannot be empty")
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	maxFrame := cfg.MaxFrameSize
	if maxFrame <= 0 {
		maxFrame = config.DefaultMaxFrameSize
	}

	s := &Socket{
		path:         cfg.SocketPath,
		mgr:          mgr,
		dispatcher:   dispatcher,
		conns:        make(map[netlink.Handle]*connection),
		logger:       log.With("component", "ipc_socket", "socket_path", cfg.SocketPath),
		stopped:      make(chan struct{}),
		maxFrame:     uint32(maxFrame),
		writeTimeout: cfg.WriteTimeout,
		stats:        SocketStats{Path: cfg.SocketPath},
	}

	s.logger.Info("IPC socket initialized",
		"max_frame_size", maxFrame,
		"write_timeout", cfg.WriteTimeout.String())

	return s, nil
}

// Listen binds the socket and starts accepting clients
func (s *Socket) Listen(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeUnavailable, "socket is closed")
	}
	if s.listener != nil {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeAlreadyExists, "socket is already listening")
	}
	s.mu.Unlock()

	// Remove a stale socket file left by a previous run
	if _, err := os.Stat(s.path); err == nil {
		if err := os.Remove(s.path); err != nil {
			return types.WrapError(types.ErrCodeInternal, "failed to remove existing socket file", err)
		}
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "unix", s.path)
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to listen on socket", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("IPC socket listening")

	s.wg.Add(1)
	go s.acceptConnections()

	return nil
}

// acceptConnections accepts new clients from the listener
func (s *Socket) acceptConnections() {
	defer s.wg.Done()
	defer close(s.stopped)

	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				s.logger.Error("Listener closed unexpectedly", "error", err)
				return
			}
			s.logger.Error("Failed to accept connection", "error", err)
			continue
		}
		s.handleConnection(netConn)
	}
}

// handleConnection binds a client to a netlink connection and starts its loops
func (s *Socket) handleConnection(netConn net.Conn) {
	nl, err := s.mgr.Alloc()
	if err != nil {
		s.mu.Lock()
		s.stats.Rejected++
		s.mu.Unlock()

		s.logger.Warn("Rejecting connection", "error", err)
		netConn.Close()
		return
	}
	if err := nl.Retain(); err != nil {
		s.logger.Error("Failed to retain connection", "handle", nl.Handle().String(), "error", err)
		_ = s.mgr.Free(nl)
		netConn.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn := &connection{
		Conn:      netConn,
		id:        types.GenerateID(),
		nl:        nl,
		cancel:    cancel,
		createdAt: time.Now(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		s.release(conn)
		return
	}
	s.conns[nl.Handle()] = conn
	s.stats.Accepted++
	s.stats.ActiveConns = len(s.conns)
	s.mu.Unlock()

	s.logger.Debug("Connection accepted",
		"conn_id", conn.id,
		"handle", nl.Handle().String())

	s.wg.Add(1)
	go s.serve(ctx, conn)
}

// serve runs the reader and writer loops of one client until either fails
func (s *Socket) serve(ctx context.Context, conn *connection) {
	defer s.wg.Done()
	defer conn.cancel()

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() {
		conn.Conn.Close()
	})
	defer stop()

	g.Go(func() error { return s.readLoop(gctx, conn) })
	g.Go(func() error { return s.writeLoop(gctx, conn) })

	err := g.Wait()

	s.mu.Lock()
	delete(s.conns, conn.nl.Handle())
	s.stats.ActiveConns = len(s.conns)
	s.mu.Unlock()

	s.release(conn)

	if err != nil && !isDisconnect(err) {
		s.logger.Warn("Connection terminated", "conn_id", conn.id, "error", err)
		return
	}
	s.logger.Debug("Connection closed",
		"conn_id", conn.id,
		"lifetime", time.Since(conn.createdAt).String())
}

// release closes the client and drops the socket's reference to its netlink connection
func (s *Socket) release(conn *connection) {
	conn.Conn.Close()
	if err := conn.nl.Release(); err != nil {
		s.logger.Error("Failed to release connection", "conn_id", conn.id, "error", err)
	}
}

// readLoop decodes frames from the client and dispatches them
func (s *Socket) readLoop(ctx context.Context, conn *connection) error {
	rd := bufio.NewReader(conn.Conn)
	for {
		req, err := netlink.ReadResponse(rd, s.maxFrame)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		s.mu.Lock()
		s.stats.FramesIn++
		s.mu.Unlock()

		if err := s.dispatcher.Dispatch(ctx, conn.nl, req); err != nil {
			if types.IsErrCode(err, types.ErrCodeUnavailable) {
				return err
			}
			s.logger.Debug("Dispatch failed", "conn_id", conn.id, "type", req.Header.Type, "error", err)
		}
	}
}

// writeLoop writes queued records to the client as they arrive
func (s *Socket) writeLoop(ctx context.Context, conn *connection) error {
	for {
		resp, err := s.mgr.GetResponse(ctx, conn.nl)
		if err != nil {
			if types.IsErrCode(err, types.ErrCodeCanceled) {
				return nil
			}
			return err
		}

		if s.writeTimeout > 0 {
			if err := conn.Conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
				return types.WrapError(types.ErrCodeInternal, "failed to set write deadline", err)
			}
		}
		if _, err := resp.WriteTo(conn.Conn); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return types.WrapError(types.ErrCodeInternal, "failed to write to connection", err)
		}

		s.mu.Lock()
		s.stats.FramesOut++
		s.mu.Unlock()
	}
}

func (s *Socket) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// isDisconnect reports whether err is the ordinary end of a client session
func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// CloseConnection disconnects the client bound to h
func (s *Socket) CloseConnection(h netlink.Handle) error {
	s.mu.RLock()
	conn, exists := s.conns[h]
	s.mu.RUnlock()

	if !exists {
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("connection not found: %s", h))
	}
	s.logger.Info("Disconnecting client", "conn_id", conn.id, "handle", h.String())
	conn.cancel()
	return nil
}

// Close stops accepting, disconnects every client and removes the socket file
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeInvalid, "socket already closed")
	}
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
	for _, conn := range s.conns {
		conn.cancel()
	}
	listening := s.listener != nil
	s.mu.Unlock()

	s.wg.Wait()

	if listening {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to remove socket file", "error", err)
		}
	}

	s.logger.Info("IPC socket closed")
	return nil
}

// Done is closed once a listening socket stops accepting clients, whether
// through Close or because the listener failed
func (s *Socket) Done() <-chan struct{} {
	return s.stopped
}

// Stats returns socket statistics
func (s *Socket) Stats() SocketStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := s.stats
	stats.ActiveConns = len(s.conns)
	return stats
}

// String returns a string representation of the socket
func (s *Socket) String() string {
	stats := s.Stats()
	return fmt.Sprintf("Socket{Path: %s, ActiveConns: %d}", stats.Path, stats.ActiveConns)
}

// SocketStats represents socket statistics
type SocketStats struct {
	Path        string `json:"path"`
	ActiveConns int    `json:"active_connections"`
	Accepted    int64  `json:"accepted"`
	Rejected    int64  `json:"rejected"`
	FramesIn    int64  `json:"frames_in"`
	FramesOut   int64  `json:"frames_out"`
}

// String returns a string representation of the stats
func (s SocketStats) String() string {
	return fmt.Sprintf("SocketStats{Path: %s, Active: %d, Accepted: %d, Rejected: %d, In: %d, Out: %d}",
		s.Path, s.ActiveConns, s.Accepted, s.Rejected, s.FramesIn, s.FramesOut)
}
