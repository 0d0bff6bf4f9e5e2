package ipc

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/baaaht/netlinkd/internal/config"
	"github.com/baaaht/netlinkd/pkg/netlink"
	"github.com/baaaht/netlinkd/pkg/types"
)

// MembershipPayload encodes the payload of a membership request
func MembershipPayload(group uint32) []byte {
	b := make([]byte, 4)
	binary.NativeEndian.PutUint32(b, group)
	return b
}

// MembershipGroup decodes the payload of a membership request
func MembershipGroup(b []byte) uint32 {
	return binary.NativeEndian.Uint32(b)
}

// Client is a connection to a netlinkd socket. Send and Request may be called
// concurrently; Receive and Request must not run at the same time since both
// read from the socket.
type Client struct {
	conn     net.Conn
	rd       *bufio.Reader
	wmu      sync.Mutex
	rmu      sync.Mutex
	seq      atomic.Uint32
	pid      uint32
	maxFrame uint32
	pending  []*netlink.Response
}

// Dial connects to the socket at path
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to connect to socket", err)
	}
	return &Client{
		conn:     conn,
		rd:       bufio.NewReader(conn),
		pid:      uint32(os.Getpid()),
		maxFrame: config.DefaultMaxFrameSize,
	}, nil
}

// PID returns the sender id stamped on outgoing requests
func (c *Client) PID() uint32 {
	return c.pid
}

// Send writes one request and returns its sequence number
func (c *Client) Send(ctx context.Context, msgType, flags uint16, payload []byte) (uint32, error) {
	seq := c.seq.Add(1)
	req := netlink.NewResponse(msgType, flags|netlink.FlagRequest, seq, c.pid, payload)

	c.wmu.Lock()
	defer c.wmu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return 0, types.WrapError(types.ErrCodeInternal, "failed to set write deadline", err)
	}
	if _, err := req.WriteTo(c.conn); err != nil {
		return 0, types.WrapError(types.ErrCodeUnavailable, "failed to write request", err)
	}
	return seq, nil
}

// Receive returns the next record from the daemon, waiting until ctx is done
func (c *Client) Receive(ctx context.Context) (*netlink.Response, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	if len(c.pending) > 0 {
		resp := c.pending[0]
		c.pending = c.pending[1:]
		return resp, nil
	}
	return c.read(ctx)
}

// read takes one record off the socket. The caller holds rmu.
func (c *Client) read(ctx context.Context) (*netlink.Response, error) {
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to set read deadline", err)
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	resp, err := netlink.ReadResponse(c.rd, c.maxFrame)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, types.WrapError(types.ErrCodeCanceled, "receive interrupted", ctxErr)
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, types.WrapError(types.ErrCodeCanceled, "receive interrupted", context.DeadlineExceeded)
		}
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to read from socket", err)
	}
	return resp, nil
}

// Request sends a request and collects its replies. A dump request returns
// every part up to the terminator, which is not included. An error record
// from the daemon is returned as a coded error. Records that belong to
// other exchanges, such as group notifications, are kept for Receive.
// Without FlagAck a request that produces no reply waits until ctx is done.
func (c *Client) Request(ctx context.Context, msgType, flags uint16, payload []byte) ([]*netlink.Response, error) {
	seq, err := c.Send(ctx, msgType, flags, payload)
	if err != nil {
		return nil, err
	}
	ack := flags&netlink.FlagAck != 0

	c.rmu.Lock()
	defer c.rmu.Unlock()

	var replies []*netlink.Response
	for {
		resp, err := c.read(ctx)
		if err != nil {
			return nil, err
		}
		if resp.Header.Seq != seq || resp.Header.PID != c.pid {
			c.pending = append(c.pending, resp)
			continue
		}

		switch {
		case resp.Header.Type == netlink.TypeError:
			errno, ok := resp.Errno()
			if !ok {
				return nil, types.NewError(types.ErrCodeInvalid, "truncated error record")
			}
			if err := ErrnoError(errno); err != nil {
				return nil, err
			}
			return replies, nil
		case resp.IsTerminator():
			if !ack {
				return replies, nil
			}
		default:
			replies = append(replies, resp)
			if !ack && resp.Header.Flags&netlink.FlagMulti == 0 {
				return replies, nil
			}
		}
	}
}

// Subscribe joins a multicast group and waits for the acknowledgement
func (c *Client) Subscribe(ctx context.Context, group int) error {
	return c.membership(ctx, MsgAddMembership, group)
}

// Unsubscribe leaves a multicast group
func (c *Client) Unsubscribe(ctx context.Context, group int) error {
	return c.membership(ctx, MsgDropMembership, group)
}

func (c *Client) membership(ctx context.Context, msgType uint16, group int) error {
	if group < 1 || group > netlink.MaxGroups {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("group %d out of range 1..%d", group, netlink.MaxGroups))
	}
	_, err := c.Request(ctx, msgType, netlink.FlagAck, MembershipPayload(uint32(group)))
	return err
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}
