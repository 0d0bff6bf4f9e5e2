package netlink

import (
	"context"

	"github.com/baaaht/netlinkd/pkg/types"
)

// TryGetResponse pops the oldest queued record of c, or returns nil when the
// queue is empty. It never blocks.
func (m *Manager) TryGetResponse(c *Conn) (*Response, error) {
	m.mu.Lock()
	s, err := m.resolveLocked(c)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	resp := s.queue.popFront()
	m.mu.Unlock()

	if resp != nil {
		m.recordDequeue()
	}
	return resp, nil
}

// GetResponse pops the oldest queued record of c, waiting for one if the
// queue is empty. The wait ends with a CANCELED error when ctx is done and
// with UNAVAILABLE when c is freed or the manager is closed. Only one
// receiver may wait on a connection at a time; a second one gets
// FAILED_PRECONDITION.
func (m *Manager) GetResponse(ctx context.Context, c *Conn) (*Response, error) {
	wake := make(chan struct{}, 1)
	notify := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	waited := false
	for {
		m.mu.Lock()
		s, err := m.resolveLocked(c)
		if err != nil {
			m.mu.Unlock()
			if waited && types.IsErrCode(err, types.ErrCodeNotFound) {
				m.recordInterrupt("freed")
				return nil, types.WrapError(types.ErrCodeUnavailable, "connection freed while waiting", err)
			}
			return nil, err
		}
		if resp := s.queue.popFront(); resp != nil {
			m.mu.Unlock()
			m.recordDequeue()
			return resp, nil
		}
		if m.closed {
			m.mu.Unlock()
			if waited {
				m.recordInterrupt("closed")
			}
			return nil, types.NewError(types.ErrCodeUnavailable, "connection manager is closed")
		}
		token, err := s.notify.setup(notify)
		m.mu.Unlock()
		if err != nil {
			return nil, err
		}

		if !waited {
			m.stats.waits.Add(1)
			m.metrics.waited()
			waited = true
		}

		var ctxErr error
		select {
		case <-wake:
		case <-ctx.Done():
			ctxErr = ctx.Err()
		}

		m.mu.Lock()
		if s.gen.Load() == c.h.gen {
			s.notify.teardownOwn(token)
		}
		m.mu.Unlock()

		if ctxErr != nil {
			m.recordInterrupt("canceled")
			return nil, types.WrapError(types.ErrCodeCanceled, "wait for response interrupted", ctxErr)
		}
	}
}

// CheckResponse reports whether c has a queued record. It does not take the
// lock, so the answer may be stale by the time the caller acts on it.
func (m *Manager) CheckResponse(c *Conn) bool {
	if c == nil || c.m != m {
		return false
	}
	return c.Pending() > 0
}

func (m *Manager) recordDequeue() {
	m.stats.dequeued.Add(1)
	m.metrics.dequeued()
}

func (m *Manager) recordInterrupt(reason string) {
	m.stats.interrupted.Add(1)
	m.metrics.interrupted(reason)
	m.logger.Debug("Wait for response interrupted", "reason", reason)
}
