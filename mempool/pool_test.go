package mempool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPool_GetPut(t *testing.T) {
	p, err := New(&Config{BufCount: 4, BufLen: 256, Headroom: 32})
	assert.Nil(t, err)
	assert.Equal(t, 0, p.InUse())
	assert.Equal(t, 4*256, len(p.Mem()))

	bufs := make([]*Buf, 0, 4)
	for i := 0; i < 4; i++ {
		b, err := p.Get()
		assert.Nil(t, err)
		bufs = append(bufs, b)
	}
	assert.Equal(t, 4, p.InUse())

	_, err = p.Get()
	assert.Equal(t, ErrNoBuffers, err)

	for _, b := range bufs {
		p.Put(b)
	}
	assert.Equal(t, 0, p.InUse())
}

func TestPool_IdentityStable(t *testing.T) {
	p, err := New(&Config{BufCount: 2, BufLen: 128, Headroom: 16})
	assert.Nil(t, err)

	a, _ := p.Get()
	p.Put(a)
	b, _ := p.Get()
	assert.Equal(t, a, b)
}

func TestBuf_Headroom(t *testing.T) {
	p, err := New(&Config{BufCount: 2, BufLen: 256, Headroom: 64})
	assert.Nil(t, err)

	b, _ := p.Get()
	assert.Equal(t, 64, b.DataOff())
	assert.Equal(t, 256-64, b.Tailroom())
	assert.Equal(t, uint64(b.idx*256+64), b.RegionOffset())

	b.StripHeadroom()
	assert.Equal(t, 0, b.DataOff())
	assert.Equal(t, 256, b.Tailroom())

	b.Reset()
	assert.Equal(t, 64, b.DataOff())
}

func TestPool_DoublePutPanics(t *testing.T) {
	p, err := New(&Config{BufCount: 1, BufLen: 64, Headroom: 0})
	assert.Nil(t, err)

	b, _ := p.Get()
	p.Put(b)
	assert.Panics(t, func() { p.Put(b) })
}

func TestPool_InvalidGeometry(t *testing.T) {
	_, err := New(&Config{BufCount: 0, BufLen: 64})
	assert.NotNil(t, err)

	_, err = New(&Config{BufCount: 1, BufLen: 64, Headroom: 64})
	assert.NotNil(t, err)
}
