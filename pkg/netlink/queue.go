package netlink

import (
	"sync/atomic"

	"github.com/baaaht/netlinkd/pkg/types"
)

// compactThreshold is how many consumed entries may sit at the front of a
// queue's backing slice before they are reclaimed
const compactThreshold = 64

// responseQueue is the per-connection FIFO. Mutation happens under the Manager
// mutex; size may be read without it.
type responseQueue struct {
	items []*Response
	head  int
	size  atomic.Int32
}

func (q *responseQueue) pushBack(r *Response) {
	q.items = append(q.items, r)
	q.size.Add(1)
}

// popFront removes the head record, or returns nil if the queue is empty
func (q *responseQueue) popFront() *Response {
	if q.head == len(q.items) {
		return nil
	}
	r := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	q.size.Add(-1)

	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head >= compactThreshold && q.head*2 >= len(q.items):
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return r
}

func (q *responseQueue) nonEmpty() bool {
	return q.size.Load() > 0
}

func (q *responseQueue) len() int {
	return int(q.size.Load())
}

// drain discards every pending record and returns how many there were
func (q *responseQueue) drain() int {
	n := 0
	for q.popFront() != nil {
		n++
	}
	q.items = nil
	return n
}

// notifier is the single-slot wakeup registration of a connection. It is
// guarded by the Manager mutex.
type notifier struct {
	armed bool
	fn    func()
	token uint64
}

// setup arms the notifier. It fails if a waiter is already registered.
func (n *notifier) setup(fn func()) (uint64, error) {
	if n.armed {
		return 0, types.NewError(types.ErrCodeFailedPrecondition, "a receive is already waiting on this connection")
	}
	n.token++
	n.armed = true
	n.fn = fn
	return n.token, nil
}

// signal fires and disarms a registered waiter. It reports whether one was armed.
func (n *notifier) signal() bool {
	if !n.armed {
		return false
	}
	fn := n.fn
	n.armed = false
	n.fn = nil
	fn()
	return true
}

// teardown clears any registration
func (n *notifier) teardown() {
	n.armed = false
	n.fn = nil
}

// teardownOwn clears the registration only if it is still the one identified
// by token, so a waiter that lost the race never clears a newer registration
func (n *notifier) teardownOwn(token uint64) {
	if n.token == token {
		n.teardown()
	}
}
