package netlink

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/baaaht/netlinkd/pkg/types"
)

// PoolConfig sizes the connection arena. Prealloc slots are created up front.
// When the free list runs dry the arena grows by AllocIncrement slots, never
// past MaxConns; a MaxConns of zero leaves growth uncapped. An AllocIncrement
// of zero fixes the arena at Prealloc slots.
type PoolConfig struct {
	Prealloc       int
	AllocIncrement int
	MaxConns       int
}

// Handle identifies one allocation of a connection slot. The slot generation
// advances on every free, so a handle kept past Free no longer resolves.
type Handle struct {
	index uint32
	gen   uint32
}

// IsZero reports whether the handle was never issued
func (h Handle) IsZero() bool {
	return h.gen == 0
}

// String returns a string representation of the handle
func (h Handle) String() string {
	return fmt.Sprintf("%d.%d", h.index, h.gen)
}

// ParseHandle parses the "index.gen" form produced by Handle.String
func ParseHandle(s string) (Handle, error) {
	idx, gen, ok := strings.Cut(s, ".")
	if ok {
		i, errIdx := strconv.ParseUint(idx, 10, 32)
		g, errGen := strconv.ParseUint(gen, 10, 32)
		if errIdx == nil && errGen == nil && g != 0 {
			return Handle{index: uint32(i), gen: uint32(g)}, nil
		}
	}
	return Handle{}, types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("invalid handle %q", s))
}

// noSlot terminates registry links
const noSlot int32 = -1

// slot is the pooled storage behind a connection. Everything except gen,
// groups and the queue size counter is guarded by the Manager mutex.
type slot struct {
	index  uint32
	gen    atomic.Uint32
	inUse  bool
	refs   int
	groups atomic.Uint32
	queue  responseQueue
	notify notifier

	prev, next int32
}

// pool is a chunked arena of slots. Chunks are never resized, so slot
// pointers stay valid for the life of the pool.
type pool struct {
	cfg   PoolConfig
	slots []*slot
	free  []*slot
	inUse int
}

func newPool(cfg PoolConfig) *pool {
	p := &pool{cfg: cfg}
	if cfg.Prealloc > 0 {
		p.addChunk(cfg.Prealloc)
	}
	return p
}

// addChunk appends n fresh slots and pushes them so the lowest index pops first
func (p *pool) addChunk(n int) {
	chunk := make([]slot, n)
	base := len(p.slots)
	for i := range chunk {
		s := &chunk[i]
		s.index = uint32(base + i)
		s.gen.Store(1)
		s.prev, s.next = noSlot, noSlot
		p.slots = append(p.slots, s)
	}
	for i := n - 1; i >= 0; i-- {
		p.free = append(p.free, &chunk[i])
	}
}

// grow adds one increment of slots, bounded by MaxConns
func (p *pool) grow() bool {
	n := p.cfg.AllocIncrement
	if n <= 0 {
		return false
	}
	if p.cfg.MaxConns > 0 {
		room := p.cfg.MaxConns - len(p.slots)
		if room <= 0 {
			return false
		}
		if n > room {
			n = room
		}
	}
	p.addChunk(n)
	return true
}

// alloc takes a slot from the free list, growing the arena if allowed.
// It returns nil when the arena and its growth budget are exhausted.
func (p *pool) alloc() *slot {
	if len(p.free) == 0 && !p.grow() {
		return nil
	}
	last := len(p.free) - 1
	s := p.free[last]
	p.free[last] = nil
	p.free = p.free[:last]

	s.inUse = true
	s.refs = 0
	p.inUse++
	return s
}

// release returns a slot to the free list and retires its current handle
func (p *pool) release(s *slot) {
	s.inUse = false
	s.refs = 0
	s.prev, s.next = noSlot, noSlot

	gen := s.gen.Load() + 1
	if gen == 0 {
		gen = 1
	}
	s.gen.Store(gen)

	p.free = append(p.free, s)
	p.inUse--
}

// lookup resolves a handle to its slot, or nil if the handle is stale or foreign
func (p *pool) lookup(h Handle) *slot {
	if h.IsZero() || int(h.index) >= len(p.slots) {
		return nil
	}
	s := p.slots[h.index]
	if !s.inUse || s.gen.Load() != h.gen {
		return nil
	}
	return s
}

func (p *pool) capacity() int {
	return len(p.slots)
}

func (p *pool) available() int {
	return len(p.free)
}
