package netlink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolGrowthKeepsSlotsStable(t *testing.T) {
	p := newPool(PoolConfig{Prealloc: 2, AllocIncrement: 2, MaxConns: 5})

	first := p.alloc()
	require.NotNil(t, first)
	assert.Equal(t, uint32(0), first.index, "lowest index is handed out first")

	var all []*slot
	all = append(all, first)
	for s := p.alloc(); s != nil; s = p.alloc() {
		all = append(all, s)
	}
	assert.Len(t, all, 5)
	assert.Equal(t, 5, p.capacity())
	assert.Same(t, first, p.slots[0], "growth must not move existing slots")
}

func TestPoolGenerations(t *testing.T) {
	p := newPool(PoolConfig{Prealloc: 1})

	s := p.alloc()
	h := Handle{index: s.index, gen: s.gen.Load()}
	assert.Equal(t, uint32(1), h.gen)
	assert.Same(t, s, p.lookup(h))

	p.release(s)
	assert.Nil(t, p.lookup(h))
	assert.Nil(t, p.lookup(Handle{}))
	assert.Nil(t, p.lookup(Handle{index: 7, gen: 1}))

	s.gen.Store(^uint32(0))
	p.alloc()
	p.release(s)
	assert.Equal(t, uint32(1), s.gen.Load(), "generation skips zero on wrap")
}

func TestParseHandle(t *testing.T) {
	h := Handle{index: 12, gen: 3}
	got, err := ParseHandle(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, got)

	for _, bad := range []string{"", "12", "12.0", "a.1", "1.b", "-1.2", "1.2.3"} {
		_, err := ParseHandle(bad)
		assert.Error(t, err, bad)
	}
}

func TestRegistryUnlinkHeadAndTail(t *testing.T) {
	p := newPool(PoolConfig{Prealloc: 3})
	r := newRegistry(p)

	a, b, c := p.alloc(), p.alloc(), p.alloc()
	r.register(a)
	r.register(b)
	r.register(c)

	r.unregister(a)
	r.unregister(c)
	assert.Same(t, b, r.next(nil))
	assert.Nil(t, r.next(b))
	assert.Equal(t, 1, r.count)

	r.unregister(b)
	assert.Nil(t, r.next(nil))
	assert.Equal(t, noSlot, r.tail)
}

func TestQueueCompaction(t *testing.T) {
	var q responseQueue
	for i := uint32(0); i < 200; i++ {
		q.pushBack(seqResponse(i))
	}
	for i := uint32(0); i < 150; i++ {
		require.Equal(t, i, q.popFront().Header.Seq)
	}
	assert.Less(t, q.head, compactThreshold*2)
	for i := uint32(200); i < 210; i++ {
		q.pushBack(seqResponse(i))
	}
	assert.Equal(t, 60, q.len())
	for i := uint32(150); i < 210; i++ {
		require.Equal(t, i, q.popFront().Header.Seq)
	}
	assert.Nil(t, q.popFront())
	assert.False(t, q.nonEmpty())
}

func TestNotifierStates(t *testing.T) {
	var n notifier
	fired := 0

	assert.False(t, n.signal(), "signal on an idle notifier is a no-op")

	token, err := n.setup(func() { fired++ })
	require.NoError(t, err)
	_, err = n.setup(func() {})
	require.Error(t, err)

	assert.True(t, n.signal())
	assert.False(t, n.signal())
	assert.Equal(t, 1, fired)

	newer, err := n.setup(func() { fired++ })
	require.NoError(t, err)
	n.teardownOwn(token)
	assert.True(t, n.armed, "stale token must not clear a newer registration")
	n.teardownOwn(newer)
	assert.False(t, n.armed)
}
