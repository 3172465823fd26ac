package xdpdev

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// newRingSocket builds a socket over plain memory so the ring
// bookkeeping can be driven without a kernel.
func newRingSocket(umem []byte, fillSize, rxSize int) *socket {
	s := &socket{fd: -1, umem: umem, fillSize: fillSize, rxSize: rxSize}
	s.fill.Producer = new(uint32)
	s.fill.Consumer = new(uint32)
	s.fill.Descs = make([]uint64, fillSize)
	s.rx.Producer = new(uint32)
	s.rx.Consumer = new(uint32)
	s.rx.Descs = make([]Desc, rxSize)
	return s
}

func TestFillRingFullAndWrap(t *testing.T) {
	s := newRingSocket(make([]byte, 8*2048), 4, 4)

	for i := 0; i < 4; i++ {
		assert.NoError(t, s.fillOne(uint64(i)*2048))
	}
	assert.Error(t, s.fillOne(4*2048))
	assert.Equal(t, uint32(4), *s.fill.Producer)

	// Kernel consumes two entries; the next produce wraps the index.
	*s.fill.Consumer = 2
	assert.NoError(t, s.fillOne(4*2048))
	assert.Equal(t, uint64(4*2048), s.fill.Descs[4&3])
	assert.Equal(t, 5, s.numFill)
}

func TestReceiveDrainsRxRing(t *testing.T) {
	umem := make([]byte, 8*2048)
	s := newRingSocket(umem, 8, 8)
	for i := 0; i < 4; i++ {
		assert.NoError(t, s.fillOne(uint64(i)*2048))
	}

	// No frames produced yet; poll with nothing outstanding is a no-op.
	assert.Equal(t, 0, s.numReceived())
	got, _ := newRingSocket(umem, 8, 8).poll(0)
	assert.Equal(t, 0, got)

	// Kernel returns three filled descriptors.
	for i := 0; i < 3; i++ {
		s.rx.Descs[i] = Desc{Addr: uint64(i) * 2048, Len: 64}
	}
	*s.rx.Producer = 3
	assert.Equal(t, 3, s.numReceived())

	out := make([]Desc, 2)
	assert.Equal(t, 2, s.receive(out))
	assert.Equal(t, uint64(0), out[0].Addr)
	assert.Equal(t, uint64(2048), out[1].Addr)
	assert.Equal(t, 1, s.receive(out))
	assert.Equal(t, uint64(2*2048), out[0].Addr)
	assert.Equal(t, 0, s.numReceived())
	assert.Equal(t, 1, s.numFill)
}

func TestFrameSlicesRegisteredMemory(t *testing.T) {
	umem := make([]byte, 4*2048)
	umem[2048] = 0xab
	umem[2048+63] = 0xcd
	s := newRingSocket(umem, 4, 4)

	f := s.frame(Desc{Addr: 2048, Len: 64})
	assert.Equal(t, 64, len(f))
	assert.Equal(t, byte(0xab), f[0])
	assert.Equal(t, byte(0xcd), f[63])
}
