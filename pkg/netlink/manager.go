package netlink

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/baaaht/netlinkd/internal/config"
	"github.com/baaaht/netlinkd/internal/logger"
	"github.com/baaaht/netlinkd/pkg/types"
)

// Config configures a Manager
type Config struct {
	Pool PoolConfig
	// MaxQueued bounds each connection queue; 0 = unlimited
	MaxQueued int
}

// FromConfig converts the daemon configuration section into a Manager Config
func FromConfig(cfg config.NetlinkConfig) Config {
	return Config{
		Pool: PoolConfig{
			Prealloc:       cfg.Prealloc,
			AllocIncrement: cfg.AllocIncrement,
			MaxConns:       cfg.MaxConns,
		},
		MaxQueued: cfg.MaxQueued,
	}
}

// Validate checks the pool can hold at least one connection and no limit is negative
func (c Config) Validate() error {
	return config.NetlinkConfig{
		Prealloc:       c.Pool.Prealloc,
		AllocIncrement: c.Pool.AllocIncrement,
		MaxConns:       c.Pool.MaxConns,
		MaxQueued:      c.MaxQueued,
	}.Validate()
}

// Manager owns the connection pool, the registry of live connections and every
// connection queue. One mutex serializes all of them.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	pool    *pool
	reg     registry
	closed  bool
	logger  *logger.Logger
	metrics *Metrics
	stats   counters
}

type counters struct {
	allocated     atomic.Uint64
	freed         atomic.Uint64
	allocFailures atomic.Uint64
	enqueued      atomic.Uint64
	dequeued      atomic.Uint64
	broadcasts    atomic.Uint64
	clones        atomic.Uint64
	dropped       atomic.Uint64
	skipped       atomic.Uint64
	waits         atomic.Uint64
	interrupted   atomic.Uint64
}

// Stats is a point-in-time snapshot of a Manager
type Stats struct {
	ActiveConns   int    `json:"active_conns"`
	Capacity      int    `json:"capacity"`
	FreeSlots     int    `json:"free_slots"`
	Queued        int    `json:"queued"`
	Allocated     uint64 `json:"allocated"`
	Freed         uint64 `json:"freed"`
	AllocFailures uint64 `json:"alloc_failures"`
	Enqueued      uint64 `json:"enqueued"`
	Dequeued      uint64 `json:"dequeued"`
	Broadcasts    uint64 `json:"broadcasts"`
	Clones        uint64 `json:"clones"`
	Dropped       uint64 `json:"dropped"`
	Skipped       uint64 `json:"skipped"`
	Waits         uint64 `json:"waits"`
	Interrupted   uint64 `json:"interrupted"`
	Closed        bool   `json:"closed"`
}

// New creates a Manager. A nil logger falls back to the default logger and a
// nil metrics set records nothing.
func New(cfg Config, log *logger.Logger, metrics *Metrics) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	p := newPool(cfg.Pool)
	m := &Manager{
		cfg:     cfg,
		pool:    p,
		reg:     newRegistry(p),
		logger:  log.With("component", "netlink"),
		metrics: metrics,
	}

	m.logger.Info("Connection manager created",
		"prealloc", cfg.Pool.Prealloc,
		"alloc_increment", cfg.Pool.AllocIncrement,
		"max_conns", cfg.Pool.MaxConns,
		"max_queued", cfg.MaxQueued)

	return m, nil
}

// Alloc takes a connection from the pool and registers it. It never blocks;
// an exhausted pool yields a RESOURCE_EXHAUSTED error.
func (m *Manager) Alloc() (*Conn, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, types.NewError(types.ErrCodeUnavailable, "connection manager is closed")
	}
	s := m.pool.alloc()
	if s == nil {
		capacity := m.pool.capacity()
		m.mu.Unlock()

		m.stats.allocFailures.Add(1)
		m.metrics.allocFailed()
		m.logger.Warn("Connection pool exhausted", "capacity", capacity)
		return nil, types.NewError(types.ErrCodeResourceExhausted,
			fmt.Sprintf("connection pool exhausted (%d slots)", capacity))
	}
	m.reg.register(s)
	c := m.viewLocked(s)
	m.mu.Unlock()

	m.stats.allocated.Add(1)
	m.metrics.connAllocated()
	m.logger.Debug("Connection allocated", "handle", c.h.String())
	return c, nil
}

// Free unregisters the connection, discards its pending records and returns
// its slot to the pool. A connection with open references is refused with
// FAILED_PRECONDITION. A receiver blocked on the connection is woken and
// returns UNAVAILABLE.
func (m *Manager) Free(c *Conn) error {
	m.mu.Lock()
	s, err := m.resolveLocked(c)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if s.refs != 0 {
		refs := s.refs
		m.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition,
			fmt.Sprintf("connection %s still has %d references", c.h, refs))
	}
	drained := m.freeLocked(s)
	m.mu.Unlock()

	m.logFreed(c.h, drained)
	return nil
}

// freeLocked releases s. The caller holds m.mu and has checked refs.
func (m *Manager) freeLocked(s *slot) int {
	m.reg.unregister(s)
	s.groups.Store(0)
	drained := s.queue.drain()
	s.notify.signal()
	s.notify.teardown()
	m.pool.release(s)
	return drained
}

func (m *Manager) logFreed(h Handle, drained int) {
	m.stats.freed.Add(1)
	m.metrics.connFreed(drained)
	m.logger.Debug("Connection freed", "handle", h.String(), "discarded", drained)
}

// Lookup resolves a handle to its live connection
func (m *Manager) Lookup(h Handle) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.pool.lookup(h)
	if s == nil {
		return nil, types.NewError(types.ErrCodeNotFound, fmt.Sprintf("connection %s not found", h))
	}
	return m.viewLocked(s), nil
}

// Next returns the connection registered after c, or the first connection when
// c is nil. It returns nil past the last connection or when c is no longer
// live. Each call takes the lock for one step only, so a traversal built from
// Next may observe connections allocated or freed between steps.
func (m *Manager) Next(c *Conn) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cursor *slot
	if c != nil {
		if cursor = m.pool.lookup(c.h); cursor == nil || c.m != m {
			return nil
		}
	}
	if s := m.reg.next(cursor); s != nil {
		return m.viewLocked(s)
	}
	return nil
}

// Range calls fn for each live connection in allocation order until fn
// returns false. The lock is held for the whole traversal, so fn must not
// call methods of the Manager or Conn methods that take the lock; Handle,
// Groups, IsSubscribed and Pending are safe.
func (m *Manager) Range(fn func(*Conn) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for s := m.reg.next(nil); s != nil; s = m.reg.next(s) {
		if !fn(m.viewLocked(s)) {
			return
		}
	}
}

// Close marks the manager closed and wakes every blocked receiver. Later
// allocations and deliveries fail with UNAVAILABLE; records already queued
// can still be read.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	woken := 0
	for s := m.reg.next(nil); s != nil; s = m.reg.next(s) {
		if s.notify.signal() {
			woken++
		}
	}
	active := m.reg.count
	m.mu.Unlock()

	m.logger.Info("Connection manager closed", "active_conns", active, "woken", woken)
	return nil
}

// Stats returns a snapshot of pool occupancy and delivery counters
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	st := Stats{
		ActiveConns: m.reg.count,
		Capacity:    m.pool.capacity(),
		FreeSlots:   m.pool.available(),
		Closed:      m.closed,
	}
	for s := m.reg.next(nil); s != nil; s = m.reg.next(s) {
		st.Queued += s.queue.len()
	}
	m.mu.Unlock()

	st.Allocated = m.stats.allocated.Load()
	st.Freed = m.stats.freed.Load()
	st.AllocFailures = m.stats.allocFailures.Load()
	st.Enqueued = m.stats.enqueued.Load()
	st.Dequeued = m.stats.dequeued.Load()
	st.Broadcasts = m.stats.broadcasts.Load()
	st.Clones = m.stats.clones.Load()
	st.Dropped = m.stats.dropped.Load()
	st.Skipped = m.stats.skipped.Load()
	st.Waits = m.stats.waits.Load()
	st.Interrupted = m.stats.interrupted.Load()
	return st
}

// String returns a string representation of the manager
func (m *Manager) String() string {
	st := m.Stats()
	return fmt.Sprintf("Manager{Active: %d, Capacity: %d, Queued: %d, Closed: %v}",
		st.ActiveConns, st.Capacity, st.Queued, st.Closed)
}

// String returns a string representation of the stats
func (s Stats) String() string {
	return fmt.Sprintf("Stats{Active: %d, Capacity: %d, Free: %d, Queued: %d, Enqueued: %d, Dequeued: %d, Broadcasts: %d, Clones: %d, Dropped: %d, Skipped: %d, AllocFailures: %d}",
		s.ActiveConns, s.Capacity, s.FreeSlots, s.Queued, s.Enqueued, s.Dequeued,
		s.Broadcasts, s.Clones, s.Dropped, s.Skipped, s.AllocFailures)
}

func (m *Manager) viewLocked(s *slot) *Conn {
	return &Conn{m: m, s: s, h: Handle{index: s.index, gen: s.gen.Load()}}
}

// resolveLocked returns the slot behind a live connection
func (m *Manager) resolveLocked(c *Conn) (*slot, error) {
	if c == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "connection cannot be nil")
	}
	if c.m != m {
		return nil, types.NewError(types.ErrCodeNotFound,
			fmt.Sprintf("connection %s belongs to another manager", c.h))
	}
	if s := m.pool.lookup(c.h); s != nil {
		return s, nil
	}
	return nil, types.NewError(types.ErrCodeNotFound, fmt.Sprintf("connection %s not found", c.h))
}
