// Package mempool provides the buffer pool backing receive rings: a
// fixed number of equally sized buffers carved out of one contiguous
// slab, so the whole pool can be registered as a single DMA memory
// region.
package mempool

import (
	"github.com/pkg/errors"
)

// DefaultConfig is used by New when cfg is nil.
var DefaultConfig = Config{
	BufCount: 512,
	BufLen:   2048,
	Headroom: 128,
}

// Config describes the pool geometry. BufLen includes the headroom.
type Config struct {
	BufCount int
	BufLen   int
	Headroom int
}

// ErrNoBuffers is returned by Get when every buffer is in use.
var ErrNoBuffers = errors.New("mempool: no free buffers")

// Buf is one pool buffer. Its identity is stable: the same *Buf is
// handed out again after it is returned to the pool.
type Buf struct {
	pool *Pool
	idx  int
	off  int
}

// Pool owns the slab and tracks per-buffer ownership.
type Pool struct {
	mem      []byte
	bufs     []Buf
	free     []bool
	headroom int
	bufLen   int
	inUse    int
}

// New creates a pool. The slab is allocated in one piece so callers can
// register Mem() as a single memory region.
func New(cfg *Config) (*Pool, error) {
	if cfg == nil {
		cfg = &DefaultConfig
	}
	if cfg.BufCount <= 0 || cfg.BufLen <= 0 {
		return nil, errors.New("mempool: invalid buffer geometry")
	}
	if cfg.Headroom < 0 || cfg.Headroom >= cfg.BufLen {
		return nil, errors.New("mempool: headroom exceeds buffer length")
	}

	p := &Pool{
		mem:      make([]byte, cfg.BufCount*cfg.BufLen),
		bufs:     make([]Buf, cfg.BufCount),
		free:     make([]bool, cfg.BufCount),
		headroom: cfg.Headroom,
		bufLen:   cfg.BufLen,
	}
	for i := range p.bufs {
		p.bufs[i] = Buf{pool: p, idx: i, off: cfg.Headroom}
		p.free[i] = true
	}
	return p, nil
}

// Get returns a free buffer with its headroom restored.
func (p *Pool) Get() (*Buf, error) {
	for i := range p.free {
		if !p.free[i] {
			continue
		}
		p.free[i] = false
		p.inUse++
		b := &p.bufs[i]
		b.Reset()
		return b, nil
	}
	return nil, ErrNoBuffers
}

// Put returns a buffer to the pool. Returning a buffer twice is a
// programming error.
func (p *Pool) Put(b *Buf) {
	if p.free[b.idx] {
		panic("mempool: buffer returned twice")
	}
	p.free[b.idx] = true
	p.inUse--
}

// Mem returns the backing slab, suitable for one region registration.
func (p *Pool) Mem() []byte { return p.mem }

// BufLen returns the full per-buffer length including headroom.
func (p *Pool) BufLen() int { return p.bufLen }

// Headroom returns the reserved space at the front of a fresh buffer.
func (p *Pool) Headroom() int { return p.headroom }

// InUse returns the number of buffers currently handed out.
func (p *Pool) InUse() int { return p.inUse }

// Reset restores the buffer's headroom.
func (b *Buf) Reset() { b.off = b.pool.headroom }

// StripHeadroom removes the headroom so the whole buffer is usable;
// trailing segments of a scatter/gather chain are configured this way.
func (b *Buf) StripHeadroom() { b.off = 0 }

// DataOff returns the current data offset within the buffer.
func (b *Buf) DataOff() int { return b.off }

// Tailroom returns the usable length from the data offset to the end.
func (b *Buf) Tailroom() int { return b.pool.bufLen - b.off }

// RegionOffset returns the offset of the data start within the pool
// slab, the address carried by an SGE.
func (b *Buf) RegionOffset() uint64 {
	return uint64(b.idx*b.pool.bufLen + b.off)
}

// Bytes returns the usable byte range of the buffer.
func (b *Buf) Bytes() []byte {
	start := b.idx*b.pool.bufLen + b.off
	return b.pool.mem[start : (b.idx+1)*b.pool.bufLen]
}
