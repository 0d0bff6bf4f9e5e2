// Package ipc carries netlink-style messages between netlinkd and local
// clients over a Unix domain socket.
//
// The package provides:
//
//   - A Socket that binds every accepted client to one netlink connection
//   - A Broker that routes requests to handlers by message type, manages
//     group membership and publishes group notifications
//   - Acknowledgements and error records in reply to failed or FlagAck requests
//   - A Client that sends requests and collects multi-part replies
//
// Example usage:
//
//	broker, err := ipc.New(cfg.IPC, mgr, log)
//	if err != nil {
//	    return err
//	}
//	broker.RegisterHandler(MsgGetLinks, ipc.MessageHandlerFunc(
//	    func(ctx context.Context, req *ipc.Request, w *ipc.ReplyWriter) error {
//	        for _, link := range links {
//	            if err := w.Send(MsgNewLink, link.Encode()); err != nil {
//	                return err
//	            }
//	        }
//	        return nil
//	    }))
//	if err := broker.Start(ctx); err != nil {
//	    return err
//	}
//
//	// Somewhere else
//	broker.Publish(GroupLink, MsgNewLink, payload)
package ipc
