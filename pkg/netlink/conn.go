package netlink

import (
	"fmt"
	"math/bits"

	"github.com/baaaht/netlinkd/pkg/types"
)

// MaxGroups is the number of multicast groups a connection can join
const MaxGroups = 32

// Conn is a view of one allocated connection. It stays cheap to copy and
// compare; once the connection is freed every method that needs the slot
// fails with NOT_FOUND.
type Conn struct {
	m *Manager
	s *slot
	h Handle
}

// Handle returns the generation-checked handle of the connection
func (c *Conn) Handle() Handle {
	return c.h
}

// live reports whether the slot still belongs to this connection
func (c *Conn) live() bool {
	return c.s.gen.Load() == c.h.gen
}

// Groups returns the subscription bitmask; bit g-1 is set for group g
func (c *Conn) Groups() uint32 {
	if !c.live() {
		return 0
	}
	return c.s.groups.Load()
}

// IsSubscribed reports whether the connection receives broadcasts to group
func (c *Conn) IsSubscribed(group int) bool {
	if group < 1 || group > MaxGroups {
		return false
	}
	return c.Groups()&groupBit(group) != 0
}

// Subscribe joins group, which must be in 1..MaxGroups
func (c *Conn) Subscribe(group int) error {
	if err := validateGroup(group); err != nil {
		return err
	}
	return c.updateGroups(func(mask uint32) uint32 { return mask | groupBit(group) })
}

// Unsubscribe leaves group
func (c *Conn) Unsubscribe(group int) error {
	if err := validateGroup(group); err != nil {
		return err
	}
	return c.updateGroups(func(mask uint32) uint32 { return mask &^ groupBit(group) })
}

// SetGroups replaces the whole subscription bitmask
func (c *Conn) SetGroups(mask uint32) error {
	return c.updateGroups(func(uint32) uint32 { return mask })
}

func (c *Conn) updateGroups(fn func(uint32) uint32) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()

	s, err := c.m.resolveLocked(c)
	if err != nil {
		return err
	}
	s.groups.Store(fn(s.groups.Load()))
	return nil
}

// Retain takes a reference, preventing Free until a matching Release
func (c *Conn) Retain() error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()

	s, err := c.m.resolveLocked(c)
	if err != nil {
		return err
	}
	s.refs++
	return nil
}

// Release drops a reference. Dropping the last one frees the connection.
func (c *Conn) Release() error {
	c.m.mu.Lock()
	s, err := c.m.resolveLocked(c)
	if err != nil {
		c.m.mu.Unlock()
		return err
	}
	if s.refs == 0 {
		c.m.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition,
			fmt.Sprintf("connection %s has no references to release", c.h))
	}
	s.refs--
	if s.refs > 0 {
		c.m.mu.Unlock()
		return nil
	}
	drained := c.m.freeLocked(s)
	c.m.mu.Unlock()

	c.m.logFreed(c.h, drained)
	return nil
}

// Refs returns the number of open references
func (c *Conn) Refs() int {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()

	s, err := c.m.resolveLocked(c)
	if err != nil {
		return 0
	}
	return s.refs
}

// Pending returns the number of queued records without taking the lock
func (c *Conn) Pending() int {
	if !c.live() {
		return 0
	}
	return c.s.queue.len()
}

// String returns a string representation of the connection
func (c *Conn) String() string {
	return fmt.Sprintf("Conn{Handle: %s, Groups: %d, Pending: %d}",
		c.h, bits.OnesCount32(c.Groups()), c.Pending())
}

func groupBit(group int) uint32 {
	return 1 << uint(group-1)
}

func validateGroup(group int) error {
	if group < 1 || group > MaxGroups {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("group %d out of range 1..%d", group, MaxGroups))
	}
	return nil
}
