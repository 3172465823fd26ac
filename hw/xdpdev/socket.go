// Copyright 2019 Asavie Technologies Ltd. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file in the root of the source
// tree.

package xdpdev

import (
	"reflect"
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"rxsteer/hw"
)

// Desc is one received frame descriptor: an offset and length into the
// registered memory region.
type Desc unix.XDPDesc

type umemRing struct {
	Producer *uint32
	Consumer *uint32
	Descs    []uint64
}

type rxRing struct {
	Producer *uint32
	Consumer *uint32
	Descs    []Desc
}

// socket is one receive-only AF_XDP socket bound to a hardware queue.
// The UMEM is the caller's registered memory region, not owned by the
// socket; descriptors posted through the fill ring carry offsets into
// it, the way work requests carry region offsets on real hardware.
type socket struct {
	fd      int
	umem    []byte
	ifindex int
	queueID int

	fill umemRing
	rx   rxRing

	fillSize int
	rxSize   int
	numFill  int
}

type socketOptions struct {
	frameSize    int
	fillRingSize int
	rxRingSize   int
	bindFlags    uint16
}

func newSocket(ifindex, queueID int, umem []byte, opts socketOptions) (*socket, error) {
	s := &socket{
		fd:       -1,
		umem:     umem,
		ifindex:  ifindex,
		queueID:  queueID,
		fillSize: opts.fillRingSize,
		rxSize:   opts.rxRingSize,
	}

	var err error
	s.fd, err = syscall.Socket(unix.AF_XDP, syscall.SOCK_RAW, 0)
	if err != nil {
		return nil, errors.Wrap(err, "syscall.Socket create xdp fd failed")
	}

	reg := unix.XDPUmemReg{
		Addr:     uint64(uintptr(unsafe.Pointer(&umem[0]))),
		Len:      uint64(len(umem)),
		Size:     uint32(opts.frameSize),
		Headroom: 0,
	}
	rc, _, errno := unix.Syscall6(syscall.SYS_SETSOCKOPT, uintptr(s.fd),
		unix.SOL_XDP, unix.XDP_UMEM_REG,
		uintptr(unsafe.Pointer(&reg)),
		unsafe.Sizeof(reg), 0)
	if rc != 0 {
		s.close()
		return nil, errors.Wrap(errno, "setsockopt XDP_UMEM_REG failed")
	}

	if err = unix.SetsockoptInt(s.fd, unix.SOL_XDP, unix.XDP_UMEM_FILL_RING,
		opts.fillRingSize); err != nil {
		s.close()
		return nil, errors.Wrap(err, "setsockopt XDP_UMEM_FILL_RING failed")
	}
	// A completion ring is mandatory at bind time even on a socket that
	// never transmits.
	if err = unix.SetsockoptInt(s.fd, unix.SOL_XDP, unix.XDP_UMEM_COMPLETION_RING,
		opts.fillRingSize); err != nil {
		s.close()
		return nil, errors.Wrap(err, "setsockopt XDP_UMEM_COMPLETION_RING failed")
	}
	if err = unix.SetsockoptInt(s.fd, unix.SOL_XDP, unix.XDP_RX_RING,
		opts.rxRingSize); err != nil {
		s.close()
		return nil, errors.Wrap(err, "setsockopt XDP_RX_RING failed")
	}

	var offsets unix.XDPMmapOffsets
	vallen := uint32(unsafe.Sizeof(offsets))
	rc, _, errno = unix.Syscall6(syscall.SYS_GETSOCKOPT, uintptr(s.fd),
		unix.SOL_XDP, unix.XDP_MMAP_OFFSETS,
		uintptr(unsafe.Pointer(&offsets)),
		uintptr(unsafe.Pointer(&vallen)), 0)
	if rc != 0 {
		s.close()
		return nil, errors.Wrap(errno, "getsockopt XDP_MMAP_OFFSETS failed")
	}

	fillSlice, err := syscall.Mmap(s.fd, unix.XDP_UMEM_PGOFF_FILL_RING,
		int(offsets.Fr.Desc+uint64(opts.fillRingSize)*uint64(unsafe.Sizeof(uint64(0)))),
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED|syscall.MAP_POPULATE)
	if err != nil {
		s.close()
		return nil, errors.Wrap(err, "mmap XDP_UMEM_PGOFF_FILL_RING failed")
	}
	s.fill.Producer = (*uint32)(unsafe.Pointer(uintptr(unsafe.Pointer(&fillSlice[0])) + uintptr(offsets.Fr.Producer)))
	s.fill.Consumer = (*uint32)(unsafe.Pointer(uintptr(unsafe.Pointer(&fillSlice[0])) + uintptr(offsets.Fr.Consumer)))
	sh := (*reflect.SliceHeader)(unsafe.Pointer(&s.fill.Descs))
	sh.Data = uintptr(unsafe.Pointer(&fillSlice[0])) + uintptr(offsets.Fr.Desc)
	sh.Len = opts.fillRingSize
	sh.Cap = opts.fillRingSize

	rxSlice, err := syscall.Mmap(s.fd, unix.XDP_PGOFF_RX_RING,
		int(offsets.Rx.Desc+uint64(opts.rxRingSize)*uint64(unsafe.Sizeof(Desc{}))),
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED|syscall.MAP_POPULATE)
	if err != nil {
		s.close()
		return nil, errors.Wrap(err, "mmap XDP_PGOFF_RX_RING failed")
	}
	s.rx.Producer = (*uint32)(unsafe.Pointer(uintptr(unsafe.Pointer(&rxSlice[0])) + uintptr(offsets.Rx.Producer)))
	s.rx.Consumer = (*uint32)(unsafe.Pointer(uintptr(unsafe.Pointer(&rxSlice[0])) + uintptr(offsets.Rx.Consumer)))
	sh = (*reflect.SliceHeader)(unsafe.Pointer(&s.rx.Descs))
	sh.Data = uintptr(unsafe.Pointer(&rxSlice[0])) + uintptr(offsets.Rx.Desc)
	sh.Len = opts.rxRingSize
	sh.Cap = opts.rxRingSize

	sa := unix.SockaddrXDP{
		Flags:   opts.bindFlags,
		Ifindex: uint32(ifindex),
		QueueID: uint32(queueID),
	}
	if err = unix.Bind(s.fd, &sa); err != nil {
		s.close()
		return nil, errors.Wrap(err, "bind SockaddrXDP failed")
	}

	return s, nil
}

// fillOne produces one UMEM offset onto the fill ring.
func (s *socket) fillOne(addr uint64) error {
	prod := *s.fill.Producer
	cons := *s.fill.Consumer
	if int(prod-cons) >= s.fillSize {
		return errors.New("fill ring full")
	}
	s.fill.Descs[prod&uint32(s.fillSize-1)] = addr
	*s.fill.Producer = prod + 1
	s.numFill++
	return nil
}

// numReceived returns how many filled descriptors wait on the rx ring.
func (s *socket) numReceived() int {
	n := *s.rx.Producer - *s.rx.Consumer
	if int(n) > s.rxSize {
		n = uint32(s.rxSize)
	}
	return int(n)
}

// receive consumes up to len(out) descriptors from the rx ring and
// returns the number written.
func (s *socket) receive(out []Desc) int {
	n := s.numReceived()
	if n > len(out) {
		n = len(out)
	}
	cons := *s.rx.Consumer
	for i := 0; i < n; i++ {
		out[i] = s.rx.Descs[cons&uint32(s.rxSize-1)]
		cons++
	}
	*s.rx.Consumer = cons
	s.numFill -= n
	return n
}

// poll blocks until the kernel has produced received frames.
func (s *socket) poll(timeout int) (int, error) {
	if s.numFill == 0 {
		return 0, nil
	}
	pfds := [1]unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	var err error
	for err = unix.EINTR; err == unix.EINTR; {
		_, err = unix.Poll(pfds[:], timeout)
	}
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return s.numReceived(), nil
}

// frame returns the UMEM bytes of a received descriptor.
func (s *socket) frame(d Desc) []byte {
	return s.umem[d.Addr : d.Addr+uint64(d.Len)]
}

func (s *socket) close() error {
	if s.fd == -1 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1

	sh := (*reflect.SliceHeader)(unsafe.Pointer(&s.fill.Descs))
	sh.Data, sh.Len, sh.Cap = uintptr(0), 0, 0
	sh = (*reflect.SliceHeader)(unsafe.Pointer(&s.rx.Descs))
	sh.Data, sh.Len, sh.Cap = uintptr(0), 0, 0

	if err != nil {
		return errors.Wrap(err, "failed to close XDP socket")
	}
	return nil
}

// workQueue adapts one AF_XDP socket to the hw.WorkQueue surface.
// AF_XDP has no real halt; the state transition is recorded and traffic
// stops arriving once the steering maps drop the queue.
type workQueue struct {
	dev   *Device
	sock  *socket
	state hw.QueueState
}

// Socket accessors used by receive loops outside this module.

func (w *workQueue) FD() int      { return w.sock.fd }
func (w *workQueue) QueueID() int { return w.sock.queueID }

// NumReceived returns how many filled descriptors wait on the rx ring.
func (w *workQueue) NumReceived() int { return w.sock.numReceived() }

// Receive consumes up to len(out) received descriptors and returns the
// number written.
func (w *workQueue) Receive(out []Desc) int { return w.sock.receive(out) }

// Poll blocks until the kernel has produced received frames or timeout
// milliseconds pass, returning how many wait on the rx ring.
func (w *workQueue) Poll(timeout int) (int, error) { return w.sock.poll(timeout) }

// Frame returns the registered-memory bytes of a received descriptor.
func (w *workQueue) Frame(d Desc) []byte { return w.sock.frame(d) }

func (w *workQueue) Modify(state hw.QueueState) error {
	w.dev.mu.Lock()
	defer w.dev.mu.Unlock()
	w.state = state
	return nil
}

func (w *workQueue) Destroy() error {
	w.dev.mu.Lock()
	defer w.dev.mu.Unlock()
	return w.sock.close()
}

type queueInterface struct {
	wq *workQueue
}

func (q *queueInterface) PostReceive(sges []hw.SGE) error {
	q.wq.dev.mu.Lock()
	defer q.wq.dev.mu.Unlock()
	if len(sges) != 1 {
		return errors.Errorf("%d scatter/gather entries unsupported", len(sges))
	}
	return q.wq.sock.fillOne(sges[0].Addr)
}

func (q *queueInterface) Release() error { return nil }

type completionInterface struct{}

func (c *completionInterface) Release() error { return nil }
