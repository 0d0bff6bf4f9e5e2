package ipc

import (
	"context"
	"fmt"
	"sync"

	"github.com/baaaht/netlinkd/internal/config"
	"github.com/baaaht/netlinkd/internal/logger"
	"github.com/baaaht/netlinkd/pkg/netlink"
	"github.com/baaaht/netlinkd/pkg/types"
)

// Membership control messages. The payload is the group number as a host
// order uint32.
const (
	MsgAddMembership  = netlink.TypeMinUser
	MsgDropMembership = netlink.TypeMinUser + 1

	// MsgMinHandler is the lowest type a handler may be registered for
	MsgMinHandler = netlink.TypeMinUser + 0x10
)

// Broker routes client requests to handlers and publishes group notifications.
// Replies travel through the netlink connection queues, so a handler never
// writes to a socket itself.
type Broker struct {
	mu       sync.RWMutex
	mgr      *netlink.Manager
	socket   *Socket
	handlers map[uint16]MessageHandler
	logger   *logger.Logger
	cfg      config.IPCConfig
	closed   bool
	stats    BrokerStats
}

// Request is a decoded client request
type Request struct {
	Conn    *netlink.Conn
	Header  netlink.Header
	Payload []byte
}

// IsDump reports whether the request asks for a multi-part reply
func (r *Request) IsDump() bool {
	return r.Header.Flags&netlink.FlagDump != 0
}

// MessageHandler handles client requests of one message type
type MessageHandler interface {
	// HandleMessage processes a request and queues its replies on w
	HandleMessage(ctx context.Context, req *Request, w *ReplyWriter) error
}

// MessageHandlerFunc is a function adapter for MessageHandler
type MessageHandlerFunc func(ctx context.Context, req *Request, w *ReplyWriter) error

// HandleMessage implements MessageHandler
func (f MessageHandlerFunc) HandleMessage(ctx context.Context, req *Request, w *ReplyWriter) error {
	return f(ctx, req, w)
}

// ReplyWriter queues replies to the connection that sent a request. Replies
// to a dump request carry FlagMulti and are followed by a terminator once
// the handler returns.
type ReplyWriter struct {
	mgr     *netlink.Manager
	handle  netlink.Handle
	req     netlink.Header
	replies int
}

// Send queues one reply record with the request's sequence number and sender
func (w *ReplyWriter) Send(msgType uint16, payload []byte) error {
	var flags uint16
	if w.req.Flags&netlink.FlagDump != 0 {
		flags = netlink.FlagMulti
	}
	resp := netlink.NewResponse(msgType, flags, w.req.Seq, w.req.PID, payload)
	if err := w.mgr.AddResponse(w.handle, resp); err != nil {
		return err
	}
	w.replies++
	return nil
}

// Replies returns the number of records queued so far
func (w *ReplyWriter) Replies() int {
	return w.replies
}

// New creates a broker serving cfg.SocketPath on top of mgr
func New(cfg config.IPCConfig, mgr *netlink.Manager, log *logger.Logger) (*Broker, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	b := &Broker{
		mgr:      mgr,
		handlers: make(map[uint16]MessageHandler),
		logger:   log.With("component", "ipc_broker"),
		cfg:      cfg,
	}

	socket, err := NewSocket(cfg, mgr, b, log)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to create socket", err)
	}
	b.socket = socket

	b.logger.Info("IPC broker created", "socket_path", cfg.SocketPath)
	return b, nil
}

// Start starts accepting clients
func (b *Broker) Start(ctx context.Context) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return types.NewError(types.ErrCodeUnavailable, "broker is closed")
	}

	if err := b.socket.Listen(ctx); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to start socket", err)
	}

	b.logger.Info("IPC broker started")
	return nil
}

// RegisterHandler registers the handler for a message type
func (b *Broker) RegisterHandler(msgType uint16, handler MessageHandler) error {
	if handler == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "handler cannot be nil")
	}
	if msgType < MsgMinHandler {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("message type %#x is reserved", msgType))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return types.NewError(types.ErrCodeUnavailable, "broker is closed")
	}
	if _, exists := b.handlers[msgType]; exists {
		return types.NewError(types.ErrCodeAlreadyExists,
			fmt.Sprintf("handler already registered for type %#x", msgType))
	}

	b.handlers[msgType] = handler
	b.stats.ActiveHandlers = len(b.handlers)

	b.logger.Debug("Handler registered", "message_type", msgType)
	return nil
}

// UnregisterHandler removes the handler for a message type
func (b *Broker) UnregisterHandler(msgType uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return types.NewError(types.ErrCodeUnavailable, "broker is closed")
	}
	if _, exists := b.handlers[msgType]; !exists {
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("handler not found for type %#x", msgType))
	}

	delete(b.handlers, msgType)
	b.stats.ActiveHandlers = len(b.handlers)

	b.logger.Debug("Handler unregistered", "message_type", msgType)
	return nil
}

// Dispatch processes one request from conn. Replies, the terminator of a
// dump, acknowledgements and error records are queued on conn. The returned
// error describes a failed request; it has already been reported to the
// client.
func (b *Broker) Dispatch(ctx context.Context, conn *netlink.Conn, req *netlink.Response) error {
	b.mu.Lock()
	b.stats.Requests++
	b.mu.Unlock()

	if req.Header.Flags&netlink.FlagEcho != 0 {
		if err := b.mgr.AddResponse(conn.Handle(), req.Clone()); err != nil {
			return err
		}
	}

	err := b.process(ctx, conn, req)
	if err != nil {
		b.mu.Lock()
		b.stats.Errors++
		b.mu.Unlock()

		b.logger.Debug("Request failed",
			"handle", conn.Handle().String(),
			"type", req.Header.Type,
			"seq", req.Header.Seq,
			"error", err)
		if replyErr := b.mgr.AddResponse(conn.Handle(), netlink.NewErrorResponse(&req.Header, Errno(err))); replyErr != nil {
			return replyErr
		}
		return err
	}

	if req.Header.Flags&netlink.FlagAck != 0 {
		b.mu.Lock()
		b.stats.Acks++
		b.mu.Unlock()
		return b.mgr.AddResponse(conn.Handle(), netlink.NewErrorResponse(&req.Header, 0))
	}
	return nil
}

func (b *Broker) process(ctx context.Context, conn *netlink.Conn, req *netlink.Response) error {
	switch req.Header.Type {
	case netlink.TypeNoop:
		return nil
	case MsgAddMembership, MsgDropMembership:
		return b.membership(conn, req)
	}
	if req.Header.Type < netlink.TypeMinUser {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("control message type %#x cannot be sent by clients", req.Header.Type))
	}

	b.mu.RLock()
	handler, exists := b.handlers[req.Header.Type]
	b.mu.RUnlock()
	if !exists {
		return types.NewError(types.ErrCodeUnsupported,
			fmt.Sprintf("no handler for message type %#x", req.Header.Type))
	}

	handlerCtx := ctx
	if b.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		handlerCtx, cancel = context.WithTimeout(ctx, b.cfg.HandlerTimeout)
		defer cancel()
	}

	w := &ReplyWriter{mgr: b.mgr, handle: conn.Handle(), req: req.Header}
	r := &Request{Conn: conn, Header: req.Header, Payload: req.Payload}
	if err := handler.HandleMessage(handlerCtx, r, w); err != nil {
		return err
	}

	b.mu.Lock()
	b.stats.Replies += int64(w.replies)
	b.mu.Unlock()

	if r.IsDump() {
		return b.mgr.AddTerminator(conn.Handle(), &req.Header, 0)
	}
	return nil
}

// membership applies an add or drop membership request
func (b *Broker) membership(conn *netlink.Conn, req *netlink.Response) error {
	if len(req.Payload) != 4 {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("membership payload must be 4 bytes, got %d", len(req.Payload)))
	}
	group := int(MembershipGroup(req.Payload))

	var err error
	if req.Header.Type == MsgAddMembership {
		err = conn.Subscribe(group)
	} else {
		err = conn.Unsubscribe(group)
	}
	if err != nil {
		return err
	}

	b.logger.Debug("Membership changed",
		"handle", conn.Handle().String(),
		"group", group,
		"joined", req.Header.Type == MsgAddMembership)
	return nil
}

// Publish broadcasts a notification to every client subscribed to group
func (b *Broker) Publish(group int, msgType uint16, payload []byte) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return types.NewError(types.ErrCodeUnavailable, "broker is closed")
	}

	if err := b.mgr.AddBroadcast(group, netlink.NewResponse(msgType, 0, 0, 0, payload)); err != nil {
		return err
	}

	b.mu.Lock()
	b.stats.Published++
	b.mu.Unlock()
	return nil
}

// Disconnect drops the client bound to h. Its netlink connection is freed
// once the client's loops have stopped.
func (b *Broker) Disconnect(h netlink.Handle) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return types.NewError(types.ErrCodeUnavailable, "broker is closed")
	}
	return b.socket.CloseConnection(h)
}

// Done is closed once the broker stops accepting clients
func (b *Broker) Done() <-chan struct{} {
	return b.socket.Done()
}

// Close stops the socket and disconnects every client. The connection
// manager stays open; it belongs to the caller.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return types.NewError(types.ErrCodeInvalid, "broker already closed")
	}
	b.closed = true
	b.mu.Unlock()

	if err := b.socket.Close(); err != nil {
		return err
	}

	b.logger.Info("IPC broker closed")
	return nil
}

// Stats returns broker statistics
func (b *Broker) Stats() BrokerStats {
	b.mu.RLock()
	stats := b.stats
	b.mu.RUnlock()

	stats.SocketStats = b.socket.Stats()
	return stats
}

// String returns a string representation of the broker
func (b *Broker) String() string {
	stats := b.Stats()
	return fmt.Sprintf("Broker{Requests: %d, Replies: %d, Errors: %d, Published: %d, Handlers: %d}",
		stats.Requests, stats.Replies, stats.Errors, stats.Published, stats.ActiveHandlers)
}

// BrokerStats represents broker statistics
type BrokerStats struct {
	Requests       int64       `json:"requests"`
	Replies        int64       `json:"replies"`
	Acks           int64       `json:"acks"`
	Errors         int64       `json:"errors"`
	Published      int64       `json:"published"`
	ActiveHandlers int         `json:"active_handlers"`
	SocketStats    SocketStats `json:"socket_stats"`
}

// String returns a string representation of the stats
func (s BrokerStats) String() string {
	return fmt.Sprintf("BrokerStats{Requests: %d, Replies: %d, Acks: %d, Errors: %d, Published: %d, Handlers: %d, Socket: %s}",
		s.Requests, s.Replies, s.Acks, s.Errors, s.Published, s.ActiveHandlers, s.SocketStats.String())
}
