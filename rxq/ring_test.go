package rxq

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"rxsteer/hw"
	"rxsteer/hw/sim"
	"rxsteer/mempool"
)

func newTestPool(t *testing.T, count int) *mempool.Pool {
	mp, err := mempool.New(&mempool.Config{
		BufCount: count,
		BufLen:   2048,
		Headroom: 128,
	})
	assert.NoError(t, err)
	return mp
}

func TestSetupSingleSegment(t *testing.T) {
	d := sim.New(nil)
	mp := newTestPool(t, 64)
	r := New(d, mp)

	assert.NoError(t, r.Setup(&Config{MaxFrameLen: 1500, SegsPerDesc: 4, DescCount: 64}))
	assert.False(t, r.ScatterGather())
	assert.Equal(t, 64, mp.InUse())
	assert.Equal(t, 1, d.LiveMemoryRegions())
	assert.Equal(t, 1, d.LiveDomains())
	assert.Equal(t, 1, d.LiveCompletionQueues())
	assert.Equal(t, 1, d.LiveWorkQueues())

	wq := d.WorkQueues()[0]
	assert.Equal(t, hw.QueueStateReady, wq.State())
	assert.Equal(t, 64, wq.Posted())

	assert.NoError(t, r.Teardown())
	assert.Equal(t, 0, mp.InUse())
	assert.Equal(t, 0, d.LiveMemoryRegions())
	assert.Equal(t, 0, d.LiveDomains())
	assert.Equal(t, 0, d.LiveCompletionQueues())
	assert.Equal(t, 0, d.LiveWorkQueues())
}

func TestSetupScatterGather(t *testing.T) {
	d := sim.New(nil)
	mp := newTestPool(t, 64)
	r := New(d, mp)

	// A frame larger than one buffer forces segment chaining; the
	// posted descriptor count shrinks so the buffer budget holds.
	assert.NoError(t, r.Setup(&Config{MaxFrameLen: 9000, SegsPerDesc: 4, DescCount: 64}))
	assert.True(t, r.ScatterGather())
	assert.Equal(t, 64, mp.InUse())
	assert.Equal(t, 16, d.WorkQueues()[0].Posted())

	assert.NoError(t, r.Teardown())
	assert.Equal(t, 0, mp.InUse())
}

func TestSetupValidation(t *testing.T) {
	d := sim.New(nil)
	mp := newTestPool(t, 64)
	r := New(d, mp)

	err := r.Setup(&Config{MaxFrameLen: 1500, SegsPerDesc: 4, DescCount: 0})
	assert.ErrorIs(t, err, ErrInvalidDescCount)
	err = r.Setup(&Config{MaxFrameLen: 1500, SegsPerDesc: 4, DescCount: 66})
	assert.ErrorIs(t, err, ErrInvalidDescCount)
	err = r.Setup(&Config{MaxFrameLen: 1500, SegsPerDesc: 8, DescCount: 64})
	assert.ErrorIs(t, err, ErrInvalidDescCount)
	assert.Equal(t, 0, mp.InUse())
}

func TestSetupUnwindsOnFailure(t *testing.T) {
	d := sim.New(nil)
	mp := newTestPool(t, 64)
	r := New(d, mp)

	d.FailAfter(sim.OpModifyWQ, 0, nil)
	assert.Error(t, r.Setup(&Config{MaxFrameLen: 1500, SegsPerDesc: 4, DescCount: 64}))
	assert.Equal(t, 0, mp.InUse())
	assert.Equal(t, 0, d.LiveMemoryRegions())
	assert.Equal(t, 0, d.LiveDomains())
	assert.Equal(t, 0, d.LiveCompletionQueues())
	assert.Equal(t, 0, d.LiveWorkQueues())
}

func TestRehashConservesBuffers(t *testing.T) {
	d := sim.New(nil)
	mp := newTestPool(t, 64)
	r := New(d, mp)

	assert.NoError(t, r.Setup(&Config{MaxFrameLen: 1500, SegsPerDesc: 4, DescCount: 64}))
	assert.Equal(t, 64, mp.InUse())
	wq := d.WorkQueues()[0]
	assert.Equal(t, 64, wq.Posted())

	// Switching layouts reuses the ring's own buffers; the pool is
	// never asked for more.
	assert.NoError(t, r.Rehash(true))
	assert.True(t, r.ScatterGather())
	assert.Equal(t, 64, mp.InUse())
	assert.Equal(t, 64+16, wq.Posted())
	assert.Equal(t, hw.QueueStateReady, wq.State())

	assert.NoError(t, r.Rehash(false))
	assert.False(t, r.ScatterGather())
	assert.Equal(t, 64, mp.InUse())
	assert.Equal(t, 64+16+64, wq.Posted())

	// Same layout, nothing to do.
	assert.NoError(t, r.Rehash(false))
	assert.Equal(t, 64+16+64, wq.Posted())

	assert.NoError(t, r.Teardown())
	assert.Equal(t, 0, mp.InUse())
}

func TestRehashHaltFailureLeavesRing(t *testing.T) {
	d := sim.New(nil)
	mp := newTestPool(t, 64)
	r := New(d, mp)

	assert.NoError(t, r.Setup(&Config{MaxFrameLen: 1500, SegsPerDesc: 4, DescCount: 64}))

	// A failure halting the queue happens before anything was touched;
	// the ring keeps working in its old layout.
	d.FailAfter(sim.OpModifyWQ, 0, nil)
	err := r.Rehash(true)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnrecoverable)
	assert.False(t, r.ScatterGather())
	assert.Equal(t, 64, mp.InUse())

	assert.NoError(t, r.Rehash(true))
	assert.True(t, r.ScatterGather())
	assert.NoError(t, r.Teardown())
}

func TestRehashFatalPastHalt(t *testing.T) {
	d := sim.New(nil)
	mp := newTestPool(t, 64)
	r := New(d, mp)

	assert.NoError(t, r.Setup(&Config{MaxFrameLen: 1500, SegsPerDesc: 4, DescCount: 64}))

	// Once the queue is halted a failure cannot be rolled back; the
	// error is marked fatal and teardown still recovers every buffer.
	d.FailAfter(sim.OpResizeCQ, 0, nil)
	assert.ErrorIs(t, r.Rehash(true), ErrUnrecoverable)

	assert.NoError(t, r.Teardown())
	assert.Equal(t, 0, mp.InUse())
	assert.Equal(t, 0, d.LiveCompletionQueues())
}

// orderContext wraps the simulator to observe when the memory region
// goes away relative to the pool.
type orderContext struct {
	hw.Context
	onDereg func()
}

type orderRegion struct {
	hw.MemoryRegion
	onDereg func()
}

func (c *orderContext) RegisterMemory(buf []byte) (hw.MemoryRegion, error) {
	mr, err := c.Context.RegisterMemory(buf)
	if err != nil {
		return nil, err
	}
	return &orderRegion{MemoryRegion: mr, onDereg: c.onDereg}, nil
}

func (r *orderRegion) Deregister() error {
	r.onDereg()
	return r.MemoryRegion.Deregister()
}

func TestTeardownReturnsBuffersLast(t *testing.T) {
	mp := newTestPool(t, 64)
	inUseAtDereg := -1
	d := &orderContext{
		Context: sim.New(nil),
		onDereg: func() { inUseAtDereg = mp.InUse() },
	}
	r := New(d, mp)

	assert.NoError(t, r.Setup(&Config{MaxFrameLen: 1500, SegsPerDesc: 4, DescCount: 64}))
	assert.NoError(t, r.Teardown())

	// The region still covered every buffer when it was deregistered.
	assert.Equal(t, 64, inUseAtDereg)
	assert.Equal(t, 0, mp.InUse())
}
