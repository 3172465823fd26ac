// Package xdpdev implements the hw.Context surface on top of AF_XDP.
// One Device covers one network interface: work queues are AF_XDP
// sockets bound to its hardware queues, indirection tables are XSKMAP
// instances selected through an outer map-of-maps, and filter rules are
// entries the attached XDP program looks up before redirecting.
package xdpdev

import (
	"net"
	"sync"
	"time"

	"github.com/cilium/ebpf"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"rxsteer/hw"
)

var log = logrus.WithField("module", "xdpdev")

// Map and program names looked up in the loaded steering object.
const (
	progName      = "steer_rx"
	rulesMapName  = "steer_rules"
	paramsMapName = "hash_params"
	tablesMapName = "steer_tables"
	maxHashQueues = 16
)

// DefaultOptions is used by Open when opts is nil.
var DefaultOptions = Options{
	ProgramPath:  "steer_bpfel.o",
	FrameSize:    2048,
	FillRingSize: 4096,
	RxRingSize:   4096,
	MaxIndTables: 8,
}

// Options configures a Device.
type Options struct {
	// ProgramPath locates the compiled steering object; it is built
	// from bpf/steer.c out of tree.
	ProgramPath string

	// FrameSize is the UMEM chunk size. The registered memory region
	// must be laid out in chunks of this size.
	FrameSize int

	FillRingSize int
	RxRingSize   int

	// MaxIndTables bounds the number of live indirection tables.
	MaxIndTables int

	// XDPFlags are passed when attaching the program, e.g.
	// unix.XDP_FLAGS_DRV_MODE or unix.XDP_FLAGS_SKB_MODE.
	XDPFlags int

	// BindFlags are passed to bind(2) on each socket, e.g.
	// unix.XDP_COPY or unix.XDP_ZEROCOPY.
	BindFlags uint16
}

// Device is one open interface. It satisfies hw.Context.
type Device struct {
	mu   sync.Mutex
	link netlink.Link
	opts Options

	coll   *ebpf.Collection
	rules  *ebpf.Map
	params *ebpf.Map
	tables *ebpf.Map

	mem        []byte
	nextQueue  int
	nextRule   uint32
	hashSlots  []bool
	tableSlots []bool
}

// Open loads the steering object, attaches it to the named interface
// and returns the device.
func Open(ifname string, opts *Options) (*Device, error) {
	if opts == nil {
		opts = &DefaultOptions
	}
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return nil, errors.Wrapf(err, "get link %s failed", ifname)
	}
	coll, err := ebpf.LoadCollection(opts.ProgramPath)
	if err != nil {
		return nil, errors.Wrapf(err, "load steering object %s failed", opts.ProgramPath)
	}
	d := &Device{
		link:       link,
		opts:       *opts,
		coll:       coll,
		rules:      coll.Maps[rulesMapName],
		params:     coll.Maps[paramsMapName],
		tables:     coll.Maps[tablesMapName],
		hashSlots:  make([]bool, maxHashQueues),
		tableSlots: make([]bool, opts.MaxIndTables),
	}
	prog := coll.Programs[progName]
	if prog == nil || d.rules == nil || d.params == nil || d.tables == nil {
		coll.Close()
		return nil, errors.Errorf("steering object %s is missing program or maps", opts.ProgramPath)
	}
	if err = detachProgram(link.Attrs().Index); err != nil {
		coll.Close()
		return nil, err
	}
	if err = netlink.LinkSetXdpFdWithFlags(link, prog.FD(), opts.XDPFlags); err != nil {
		coll.Close()
		return nil, errors.Wrapf(err, "attach to %s failed", ifname)
	}
	log.Infof("steering program attached to %s", ifname)
	return d, nil
}

// Close detaches the steering program and releases the maps. Work
// queues and tables created from the device must be destroyed first.
func (d *Device) Close() error {
	err := detachProgram(d.link.Attrs().Index)
	d.coll.Close()
	return err
}

// HardwareAddr returns the interface's configured station address,
// queried over netlink. Callers seed address table slot zero with it.
func (d *Device) HardwareAddr() net.HardwareAddr {
	return d.link.Attrs().HardwareAddr
}

func (d *Device) Capabilities() hw.Capabilities {
	return hw.Capabilities{
		MaxIndTableSize:  64,
		MaxQueueDepth:    d.opts.FillRingSize,
		MaxScatterGather: 1,
	}
}

// RegisterMemory pins buf as the UMEM shared by every work queue. Only
// one region can be live at a time.
func (d *Device) RegisterMemory(buf []byte) (hw.MemoryRegion, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mem != nil {
		return nil, errors.New("a memory region is already registered")
	}
	if len(buf) == 0 || len(buf)%d.opts.FrameSize != 0 {
		return nil, errors.Errorf("region size %d is not a multiple of the frame size", len(buf))
	}
	d.mem = buf
	return &memoryRegion{dev: d}, nil
}

func (d *Device) CreateResourceDomain() (hw.ResourceDomain, error) {
	return &resourceDomain{}, nil
}

func (d *Device) CreateCompletionQueue(depth int, domain hw.ResourceDomain) (hw.CompletionQueue, error) {
	if depth <= 0 {
		return nil, errors.New("completion queue depth must be positive")
	}
	return &completionQueue{depth: depth}, nil
}

// CreateWorkQueue binds one AF_XDP socket to the next hardware queue of
// the interface.
func (d *Device) CreateWorkQueue(cfg hw.WorkQueueConfig) (hw.WorkQueue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mem == nil {
		return nil, errors.New("no registered memory region")
	}
	if cfg.MaxSGE > 1 {
		return nil, errors.Errorf("%d scatter/gather entries unsupported", cfg.MaxSGE)
	}
	fill := roundPow2(cfg.MaxRecv)
	if fill > d.opts.FillRingSize {
		return nil, errors.Errorf("work queue depth %d out of range", cfg.MaxRecv)
	}
	sock, err := newSocket(d.link.Attrs().Index, d.nextQueue, d.mem, socketOptions{
		frameSize:    d.opts.FrameSize,
		fillRingSize: fill,
		rxRingSize:   roundPow2(d.opts.RxRingSize),
		bindFlags:    d.opts.BindFlags,
	})
	if err != nil {
		return nil, err
	}
	d.nextQueue++
	return &workQueue{dev: d, sock: sock}, nil
}

// CreateIndirectionTable builds one XSKMAP over the given work queues
// and plumbs it into the steering program through the outer table map.
func (d *Device) CreateIndirectionTable(cfg hw.IndTableConfig) (hw.IndirectionTable, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(cfg.Queues)
	if n == 0 || n&(n-1) != 0 {
		return nil, errors.Errorf("indirection table size %d is not a power of two", n)
	}
	slot := -1
	for i, used := range d.tableSlots {
		if !used {
			slot = i
			break
		}
	}
	if slot == -1 {
		return nil, errors.New("out of indirection table slots")
	}
	inner, err := ebpf.NewMap(&ebpf.MapSpec{
		Type:       ebpf.XSKMap,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: uint32(n),
	})
	if err != nil {
		return nil, errors.Wrap(err, "create xsk map failed")
	}
	for i, q := range cfg.Queues {
		wq, ok := q.(*workQueue)
		if !ok {
			inner.Close()
			return nil, errors.New("foreign work queue")
		}
		if err = inner.Put(uint32(i), uint32(wq.sock.fd)); err != nil {
			inner.Close()
			return nil, errors.Wrapf(err, "register socket at table entry %d failed", i)
		}
	}
	if err = d.tables.Put(uint32(slot), inner); err != nil {
		inner.Close()
		return nil, errors.Wrapf(err, "install table at slot %d failed", slot)
	}
	d.tableSlots[slot] = true
	return &indirectionTable{dev: d, m: inner, slot: slot}, nil
}

// CreateHashQueue programs one hash parameter entry pointing at the
// table. Rules reference the entry by its slot.
func (d *Device) CreateHashQueue(cfg hw.HashQueueConfig) (hw.HashQueue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tbl, ok := cfg.Table.(*indirectionTable)
	if !ok {
		return nil, errors.New("foreign indirection table")
	}
	if cfg.Func != hw.HashToeplitz {
		return nil, errors.Errorf("hash function %d unsupported", cfg.Func)
	}
	id := -1
	for i, used := range d.hashSlots {
		if !used {
			id = i
			break
		}
	}
	if id == -1 {
		return nil, errors.New("out of hash queue slots")
	}
	val, err := encodeHashParams(tbl.slot, cfg.Fields, cfg.Key)
	if err != nil {
		return nil, err
	}
	if err = d.params.Put(uint32(id), val); err != nil {
		return nil, errors.Wrapf(err, "program hash queue %d failed", id)
	}
	d.hashSlots[id] = true
	return &hashQueue{dev: d, id: id}, nil
}

func (d *Device) QueryQueueInterface(wq hw.WorkQueue) (hw.QueueInterface, error) {
	w, ok := wq.(*workQueue)
	if !ok {
		return nil, errors.New("foreign work queue")
	}
	return &queueInterface{wq: w}, nil
}

func (d *Device) QueryCompletionInterface(cq hw.CompletionQueue) (hw.CompletionInterface, error) {
	if _, ok := cq.(*completionQueue); !ok {
		return nil, errors.New("foreign completion queue")
	}
	return &completionInterface{}, nil
}

type memoryRegion struct {
	dev *Device
}

// LKey is zero; the UMEM is the only addressable region.
func (m *memoryRegion) LKey() uint32 { return 0 }

func (m *memoryRegion) Deregister() error {
	m.dev.mu.Lock()
	defer m.dev.mu.Unlock()
	if m.dev.mem == nil {
		return errors.New("region already deregistered")
	}
	m.dev.mem = nil
	return nil
}

type resourceDomain struct{}

func (r *resourceDomain) Destroy() error { return nil }

// completionQueue only carries sizing; completions surface through the
// socket rx ring.
type completionQueue struct {
	depth int
}

func (c *completionQueue) Resize(depth int) error {
	c.depth = depth
	return nil
}

func (c *completionQueue) Destroy() error { return nil }

func roundPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// detachProgram removes an attached XDP program from the interface and
// waits for the kernel to confirm.
func detachProgram(ifindex int) error {
	link, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return errors.Wrapf(err, "get link %d failed", ifindex)
	}
	if !isXdpAttached(link) {
		return nil
	}
	if err = netlink.LinkSetXdpFd(link, -1); err != nil {
		return errors.Wrapf(err, "detach from %d failed", ifindex)
	}
	for {
		link, err = netlink.LinkByIndex(ifindex)
		if err != nil {
			return errors.Wrapf(err, "get link %d failed", ifindex)
		}
		if !isXdpAttached(link) {
			return nil
		}
		time.Sleep(time.Second)
	}
}

func isXdpAttached(link netlink.Link) bool {
	return link.Attrs() != nil && link.Attrs().Xdp != nil && link.Attrs().Xdp.Attached
}
