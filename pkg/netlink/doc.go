// Package netlink implements the connection and message-delivery layer of a
// netlink-style control-plane protocol.
//
// The package provides:
//
//   - A capped connection pool: a pre-allocated arena of slots that may grow in
//     fixed increments up to a maximum, handing out generation-checked handles
//   - A registry of live connections traversed in allocation order
//   - A FIFO of pending Response records per connection
//   - Direct delivery to one connection and group broadcast, where the first
//     subscriber receives the original record and every later one a clone
//   - A blocking receive that arms a single-slot notifier under the manager
//     lock, so a producer that enqueues afterwards always wakes the reader
//
// A single Manager mutex serializes pool, registry and queue mutation. Only
// GetResponse suspends, and it never holds the mutex while doing so.
//
// Example usage:
//
//	mgr, err := netlink.New(netlink.Config{
//	    Pool: netlink.PoolConfig{Prealloc: 8, AllocIncrement: 8, MaxConns: 64},
//	}, log, nil)
//	if err != nil {
//	    return err
//	}
//
//	conn, err := mgr.Alloc()
//	if err != nil {
//	    return err
//	}
//	conn.Subscribe(5)
//
//	// A producer somewhere else
//	mgr.AddBroadcast(5, netlink.NewResponse(TypeLinkEvent, 0, 0, 0, payload))
//
//	// The reader
//	resp, err := mgr.GetResponse(ctx, conn)
package netlink
