package daemon

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/baaaht/netlinkd/pkg/ipc"
	"github.com/baaaht/netlinkd/pkg/netlink"
	"github.com/baaaht/netlinkd/pkg/types"
)

// Message types served by the daemon itself
const (
	// MsgGetStats replies with the connection manager statistics as JSON
	MsgGetStats = ipc.MsgMinHandler + iota
	// MsgPublish broadcasts the request body to a group. The payload is the
	// group as a host order uint32 followed by the notification body.
	MsgPublish
	// MsgNotify is the type of the notifications produced by MsgPublish
	MsgNotify
	// MsgListConns dumps one ConnInfo record per live connection
	MsgListConns
	// MsgDisconnect drops the client whose handle, in ConnInfo.Handle form,
	// is the payload
	MsgDisconnect
)

// ConnInfo describes one connection in a MsgListConns dump
type ConnInfo struct {
	Handle  string `json:"handle"`
	Groups  uint32 `json:"groups"`
	Pending int    `json:"pending"`
	Refs    int    `json:"refs"`
}

// PublishPayload encodes the payload of a MsgPublish request
func PublishPayload(group uint32, body []byte) []byte {
	return append(ipc.MembershipPayload(group), body...)
}

func registerHandlers(b *ipc.Broker, mgr *netlink.Manager) error {
	handlers := map[uint16]ipc.MessageHandler{
		MsgGetStats:   ipc.MessageHandlerFunc(statsHandler(mgr)),
		MsgPublish:    ipc.MessageHandlerFunc(publishHandler(b)),
		MsgListConns:  ipc.MessageHandlerFunc(listHandler(mgr)),
		MsgDisconnect: ipc.MessageHandlerFunc(disconnectHandler(b)),
	}
	for msgType, h := range handlers {
		if err := b.RegisterHandler(msgType, h); err != nil {
			return types.WrapError(types.ErrCodeInternal,
				fmt.Sprintf("failed to register handler %#x", msgType), err)
		}
	}
	return nil
}

func statsHandler(mgr *netlink.Manager) ipc.MessageHandlerFunc {
	return func(ctx context.Context, req *ipc.Request, w *ipc.ReplyWriter) error {
		body, err := json.Marshal(mgr.Stats())
		if err != nil {
			return types.WrapError(types.ErrCodeInternal, "failed to encode stats", err)
		}
		return w.Send(MsgGetStats, body)
	}
}

func publishHandler(b *ipc.Broker) ipc.MessageHandlerFunc {
	return func(ctx context.Context, req *ipc.Request, w *ipc.ReplyWriter) error {
		if len(req.Payload) < 4 {
			return types.NewError(types.ErrCodeInvalidArgument,
				fmt.Sprintf("publish payload too short: %d bytes", len(req.Payload)))
		}
		group := int(ipc.MembershipGroup(req.Payload))
		return b.Publish(group, MsgNotify, req.Payload[4:])
	}
}

func listHandler(mgr *netlink.Manager) ipc.MessageHandlerFunc {
	return func(ctx context.Context, req *ipc.Request, w *ipc.ReplyWriter) error {
		var conns []*netlink.Conn
		mgr.Range(func(c *netlink.Conn) bool {
			conns = append(conns, c)
			return true
		})

		for _, c := range conns {
			if err := ctx.Err(); err != nil {
				return types.WrapError(types.ErrCodeCanceled, "listing interrupted", err)
			}
			info := ConnInfo{
				Handle:  c.Handle().String(),
				Groups:  c.Groups(),
				Pending: c.Pending(),
				Refs:    c.Refs(),
			}
			body, err := json.Marshal(info)
			if err != nil {
				return types.WrapError(types.ErrCodeInternal, "failed to encode connection", err)
			}
			if err := w.Send(MsgListConns, body); err != nil {
				return err
			}
		}
		return nil
	}
}

func disconnectHandler(b *ipc.Broker) ipc.MessageHandlerFunc {
	return func(ctx context.Context, req *ipc.Request, w *ipc.ReplyWriter) error {
		h, err := netlink.ParseHandle(string(req.Payload))
		if err != nil {
			return err
		}
		return b.Disconnect(h)
	}
}
