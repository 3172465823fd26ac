// Package rxq manages the lifecycle of one receive ring: buffer
// allocation out of a memory pool, work/completion queue plumbing and
// the in-place reconfiguration between single-segment and
// scatter/gather layouts.
package rxq

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"rxsteer/hw"
	"rxsteer/mempool"
)

var log = logrus.WithField("module", "rxq")

// ErrInvalidDescCount reports a descriptor count that is zero or not a
// multiple of the segments per descriptor.
var ErrInvalidDescCount = errors.New("invalid descriptor count")

// ErrUnrecoverable marks a reconfiguration failure past the point where
// the ring could be restored; the ring must be torn down. Check with
// errors.Is.
var ErrUnrecoverable = errors.New("receive ring unrecoverable")

// DefaultConfig is used by Setup when cfg is nil.
var DefaultConfig = Config{
	MaxFrameLen: 1518,
	SegsPerDesc: 4,
	DescCount:   256,
}

// Config describes one receive ring.
type Config struct {
	// MaxFrameLen is the largest frame the ring must accept. Frames
	// larger than one pool buffer enable scatter/gather.
	MaxFrameLen int

	// SegsPerDesc is the number of segments chained per descriptor when
	// scatter/gather is active.
	SegsPerDesc int

	// DescCount is the number of descriptors posted to the ring. It
	// must be a multiple of SegsPerDesc.
	DescCount int
}

// elt is one posted receive descriptor: its buffers and the
// scatter/gather list handed to the device.
type elt struct {
	bufs []*mempool.Buf
	sges []hw.SGE
}

// Ring is one receive ring. Not safe for concurrent use; the owner
// serializes Setup, Rehash and Teardown.
type Ring struct {
	ctx hw.Context
	mp  *mempool.Pool

	mr   hw.MemoryRegion
	rd   hw.ResourceDomain
	cq   hw.CompletionQueue
	wq   hw.WorkQueue
	wqIf hw.QueueInterface
	cqIf hw.CompletionInterface

	sg          bool
	segsPerDesc int
	maxFrameLen int
	elts        []elt
}

// New binds a ring to a device and a buffer pool. Setup does the actual
// resource creation.
func New(ctx hw.Context, mp *mempool.Pool) *Ring {
	return &Ring{ctx: ctx, mp: mp}
}

// ScatterGather reports whether the ring currently chains multiple
// segments per descriptor.
func (r *Ring) ScatterGather() bool { return r.sg }

// WorkQueue returns the ring's receive work queue, nil before Setup.
func (r *Ring) WorkQueue() hw.WorkQueue { return r.wq }

// Setup creates the ring resources, fills every descriptor with pool
// buffers and moves the work queue to the ready state. Any failure
// releases whatever was created and returns the cause.
func (r *Ring) Setup(cfg *Config) error {
	if cfg == nil {
		cfg = &DefaultConfig
	}
	segs := cfg.SegsPerDesc
	if segs <= 0 {
		segs = 1
	}
	if cfg.DescCount <= 0 || cfg.DescCount%segs != 0 {
		return errors.Wrapf(ErrInvalidDescCount, "%d descriptors, %d segments each",
			cfg.DescCount, segs)
	}
	sg := cfg.MaxFrameLen > r.mp.BufLen()-r.mp.Headroom()
	desc := cfg.DescCount
	if sg {
		// With scatter/gather each descriptor consumes segs buffers;
		// the posted count shrinks so the buffer budget stays the same.
		desc /= segs
	}
	caps := r.ctx.Capabilities()
	if cfg.DescCount > caps.MaxQueueDepth {
		return errors.Wrapf(ErrInvalidDescCount, "%d descriptors", cfg.DescCount)
	}
	// The work queue takes the full segment budget even when starting
	// single-segment, so a later Rehash can chain without recreating it.
	if segs > caps.MaxScatterGather {
		return errors.Wrapf(ErrInvalidDescCount, "%d segments per descriptor", segs)
	}

	r.sg = sg
	r.segsPerDesc = segs
	r.maxFrameLen = cfg.MaxFrameLen

	var err error
	if r.mr, err = r.ctx.RegisterMemory(r.mp.Mem()); err != nil {
		r.Teardown()
		return errors.Wrap(err, "memory registration failed")
	}
	if r.rd, err = r.ctx.CreateResourceDomain(); err != nil {
		r.Teardown()
		return errors.Wrap(err, "resource domain creation failed")
	}
	if r.cq, err = r.ctx.CreateCompletionQueue(desc, r.rd); err != nil {
		r.Teardown()
		return errors.Wrap(err, "completion queue creation failed")
	}
	if r.wq, err = r.ctx.CreateWorkQueue(hw.WorkQueueConfig{
		MaxRecv: cfg.DescCount,
		MaxSGE:  segs,
		CQ:      r.cq,
		Domain:  r.rd,
	}); err != nil {
		r.Teardown()
		return errors.Wrap(err, "work queue creation failed")
	}
	if r.elts, err = r.allocElts(desc, nil); err != nil {
		r.Teardown()
		return err
	}
	if r.wqIf, err = r.ctx.QueryQueueInterface(r.wq); err != nil {
		r.Teardown()
		return errors.Wrap(err, "work queue interface query failed")
	}
	if r.cqIf, err = r.ctx.QueryCompletionInterface(r.cq); err != nil {
		r.Teardown()
		return errors.Wrap(err, "completion queue interface query failed")
	}
	if err = r.postAll(); err != nil {
		r.Teardown()
		return err
	}
	if err = r.wq.Modify(hw.QueueStateReady); err != nil {
		r.Teardown()
		return errors.Wrap(err, "work queue state change failed")
	}
	log.Debugf("ring ready, %d descriptors, scatter/gather %v", desc, r.sg)
	return nil
}

// allocElts builds the descriptor array. When reuse is not nil its
// buffers are consumed before the pool is asked for more; Rehash passes
// the harvested buffers of the previous layout so no allocation happens
// there. The first segment of a descriptor keeps the pool headroom,
// chained segments give it up for payload.
func (r *Ring) allocElts(desc int, reuse []*mempool.Buf) ([]elt, error) {
	segs := 1
	if r.sg {
		segs = r.segsPerDesc
	}
	next := func() (*mempool.Buf, error) {
		if len(reuse) > 0 {
			b := reuse[0]
			reuse = reuse[1:]
			b.Reset()
			return b, nil
		}
		return r.mp.Get()
	}
	elts := make([]elt, desc)
	undo := func(n int) {
		for i := 0; i < n; i++ {
			for _, b := range elts[i].bufs {
				r.mp.Put(b)
			}
		}
	}
	for i := range elts {
		bufs := make([]*mempool.Buf, segs)
		sges := make([]hw.SGE, segs)
		for j := range bufs {
			b, err := next()
			if err != nil {
				for k := 0; k < j; k++ {
					r.mp.Put(bufs[k])
				}
				undo(i)
				return nil, errors.Wrap(err, "descriptor buffer allocation failed")
			}
			if j > 0 {
				b.StripHeadroom()
			}
			bufs[j] = b
			sges[j] = hw.SGE{
				Addr:   b.RegionOffset(),
				Length: uint32(b.Tailroom()),
				LKey:   r.mr.LKey(),
			}
		}
		elts[i] = elt{bufs: bufs, sges: sges}
	}
	return elts, nil
}

// postAll hands every descriptor to the work queue.
func (r *Ring) postAll() error {
	for i := range r.elts {
		if err := r.wqIf.PostReceive(r.elts[i].sges); err != nil {
			return errors.Wrapf(err, "posting descriptor %d failed", i)
		}
	}
	return nil
}

// Rehash switches the ring between single-segment and scatter/gather
// layouts in place, reusing the buffers already owned by the ring. If
// the layout already matches, nothing happens. A failure while halting
// the work queue leaves the ring untouched; any failure after that
// point is wrapped in ErrUnrecoverable and the ring must be torn down.
func (r *Ring) Rehash(sg bool) error {
	if sg == r.sg {
		return nil
	}
	if err := r.wq.Modify(hw.QueueStateReset); err != nil {
		return errors.Wrap(err, "work queue halt failed")
	}
	// The queue is halted. From here on the old descriptors are gone
	// and a failure cannot be rolled back.
	segs := r.segsPerDesc
	var desc int
	if sg {
		desc = len(r.elts) / segs
	} else {
		desc = len(r.elts) * segs
	}
	if err := r.cq.Resize(desc); err != nil {
		return errors.Wrapf(ErrUnrecoverable, "completion queue resize: %v", err)
	}
	// Snatch the buffers from the old layout; the new one is built from
	// them alone, the pool is never asked for more.
	reuse := make([]*mempool.Buf, 0, len(r.elts)*len(r.elts[0].bufs))
	for i := range r.elts {
		reuse = append(reuse, r.elts[i].bufs...)
	}
	r.elts = nil
	r.sg = sg
	elts, err := r.allocElts(desc, reuse)
	if err != nil {
		return errors.Wrapf(ErrUnrecoverable, "descriptor rebuild: %v", err)
	}
	r.elts = elts
	if err := r.postAll(); err != nil {
		return errors.Wrapf(ErrUnrecoverable, "descriptor repost: %v", err)
	}
	if err := r.wq.Modify(hw.QueueStateReady); err != nil {
		return errors.Wrapf(ErrUnrecoverable, "work queue restart: %v", err)
	}
	log.Debugf("ring rehashed, %d descriptors, scatter/gather %v", desc, r.sg)
	return nil
}

// Teardown releases every resource the ring holds and returns its
// buffers to the pool. It tolerates partial construction, so Setup uses
// it as its own unwind path. The first failure is returned, later ones
// are logged.
func (r *Ring) Teardown() error {
	var first error
	keep := func(err error, what string) {
		if err == nil {
			return
		}
		if first == nil {
			first = errors.Wrap(err, what)
			return
		}
		log.Errorf("%s: %v", what, err)
	}
	if r.wqIf != nil {
		keep(r.wqIf.Release(), "work queue interface release failed")
		r.wqIf = nil
	}
	if r.cqIf != nil {
		keep(r.cqIf.Release(), "completion queue interface release failed")
		r.cqIf = nil
	}
	if r.wq != nil {
		keep(r.wq.Destroy(), "work queue destruction failed")
		r.wq = nil
	}
	if r.cq != nil {
		keep(r.cq.Destroy(), "completion queue destruction failed")
		r.cq = nil
	}
	if r.mr != nil {
		keep(r.mr.Deregister(), "memory deregistration failed")
		r.mr = nil
	}
	if r.rd != nil {
		keep(r.rd.Destroy(), "resource domain destruction failed")
		r.rd = nil
	}
	// Buffers go back only once nothing references the region anymore.
	for i := range r.elts {
		for _, b := range r.elts[i].bufs {
			r.mp.Put(b)
		}
	}
	r.elts = nil
	return first
}
