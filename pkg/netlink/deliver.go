package netlink

import (
	"fmt"

	"github.com/baaaht/netlinkd/pkg/types"
)

// AddResponse appends resp to the queue of the connection behind h and wakes
// its receiver. On success the queue owns resp. A full queue yields
// RESOURCE_EXHAUSTED and leaves resp with the caller.
func (m *Manager) AddResponse(h Handle, resp *Response) error {
	if err := resp.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return types.NewError(types.ErrCodeUnavailable, "connection manager is closed")
	}
	s := m.pool.lookup(h)
	if s == nil {
		m.mu.Unlock()
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("connection %s not found", h))
	}
	if !m.deliverLocked(s, resp) {
		m.mu.Unlock()
		return types.NewError(types.ErrCodeResourceExhausted,
			fmt.Sprintf("response queue of connection %s is full", h))
	}
	// counted before a receiver can dequeue it
	m.metrics.queued(1)
	m.mu.Unlock()

	m.stats.enqueued.Add(1)
	return nil
}

// AddTerminator queues the TypeDone record ending a multi-part reply. The
// record copies flags, sequence and sender from req, or leaves them zero when
// req is nil. A group of zero sends it to h alone; a positive group
// broadcasts it and h is ignored.
func (m *Manager) AddTerminator(h Handle, req *Header, group int) error {
	resp := NewTerminator(req)
	if group == 0 {
		return m.AddResponse(h, resp)
	}
	return m.AddBroadcast(group, resp)
}

// AddBroadcast delivers resp to every connection subscribed to group. The
// first subscriber receives resp itself and each later one an independent
// clone. A subscriber whose queue is full is skipped. When no subscriber
// receives the record it is dropped; that is not an error.
func (m *Manager) AddBroadcast(group int, resp *Response) error {
	if err := validateGroup(group); err != nil {
		return err
	}
	if err := resp.Validate(); err != nil {
		return err
	}

	bit := groupBit(group)
	delivered, skipped := 0, 0

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return types.NewError(types.ErrCodeUnavailable, "connection manager is closed")
	}
	for s := m.reg.next(nil); s != nil; s = m.reg.next(s) {
		if s.groups.Load()&bit == 0 {
			continue
		}
		rec := resp
		if delivered > 0 {
			rec = resp.Clone()
		}
		if !m.deliverLocked(s, rec) {
			skipped++
			continue
		}
		delivered++
	}
	m.metrics.queued(delivered)
	m.mu.Unlock()

	// Unless delivered is zero, resp now belongs to a receiver.
	clones := max(delivered-1, 0)
	m.stats.broadcasts.Add(1)
	m.stats.enqueued.Add(uint64(delivered))
	m.stats.clones.Add(uint64(clones))
	m.stats.skipped.Add(uint64(skipped))
	m.metrics.broadcast(clones, skipped, delivered == 0)

	if skipped > 0 {
		m.logger.Warn("Broadcast skipped subscribers with full queues",
			"group", group, "skipped", skipped, "delivered", delivered)
	}
	if delivered == 0 {
		m.stats.dropped.Add(1)
		m.logger.Debug("Broadcast dropped with no receiving subscriber",
			"group", group, "type", resp.Header.Type, "seq", resp.Header.Seq)
	}
	return nil
}

// deliverLocked appends resp to s and signals its waiter. It reports false
// when the queue is at its limit.
func (m *Manager) deliverLocked(s *slot, resp *Response) bool {
	if m.cfg.MaxQueued > 0 && s.queue.len() >= m.cfg.MaxQueued {
		return false
	}
	s.queue.pushBack(resp)
	s.notify.signal()
	return true
}
