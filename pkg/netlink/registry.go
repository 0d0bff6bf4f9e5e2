package netlink

// registry links live slots in allocation order through their prev/next
// indices. It has no lock of its own; callers hold the Manager mutex.
type registry struct {
	pool       *pool
	head, tail int32
	count      int
}

func newRegistry(p *pool) registry {
	return registry{pool: p, head: noSlot, tail: noSlot}
}

func (r *registry) at(i int32) *slot {
	if i == noSlot {
		return nil
	}
	return r.pool.slots[i]
}

// register appends s at the tail
func (r *registry) register(s *slot) {
	idx := int32(s.index)
	s.prev, s.next = r.tail, noSlot
	if tail := r.at(r.tail); tail != nil {
		tail.next = idx
	} else {
		r.head = idx
	}
	r.tail = idx
	r.count++
}

// unregister unlinks s
func (r *registry) unregister(s *slot) {
	if prev := r.at(s.prev); prev != nil {
		prev.next = s.next
	} else {
		r.head = s.next
	}
	if next := r.at(s.next); next != nil {
		next.prev = s.prev
	} else {
		r.tail = s.prev
	}
	s.prev, s.next = noSlot, noSlot
	r.count--
}

// next returns the successor of cursor, or the head when cursor is nil
func (r *registry) next(cursor *slot) *slot {
	if cursor == nil {
		return r.at(r.head)
	}
	return r.at(cursor.next)
}
