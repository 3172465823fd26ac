// Package sim implements hw.Context in memory. Object creation is
// tracked with live counters and can be made to fail on demand, which
// is what the steering and receive ring tests need to exercise rollback
// paths.
package sim

import (
	"sync"

	"github.com/pkg/errors"

	"rxsteer/hw"
)

// Failpoint operation names, for Device.FailAfter.
const (
	OpRegisterMemory  = "register_memory"
	OpCreateDomain    = "create_domain"
	OpCreateCQ        = "create_cq"
	OpCreateWQ        = "create_wq"
	OpCreateIndTable  = "create_ind_table"
	OpCreateHashQueue = "create_hash_queue"
	OpCreateFlow      = "create_flow"
	OpModifyWQ        = "modify_wq"
	OpResizeCQ        = "resize_cq"
	OpPostReceive     = "post_receive"
)

// ErrInjected is returned by a tripped failpoint when no error was
// given to FailAfter.
var ErrInjected = errors.New("sim: injected failure")

var errDestroyed = errors.New("sim: object already destroyed")

// DefaultConfig is used by New when cfg is nil.
var DefaultConfig = Config{
	Caps: hw.Capabilities{
		MaxIndTableSize:  256,
		MaxQueueDepth:    4096,
		MaxScatterGather: 4,
	},
}

// Config carries the capabilities the simulated device reports.
type Config struct {
	Caps hw.Capabilities
}

type failpoint struct {
	after int
	err   error
}

// Device is an in-memory hw.Context.
type Device struct {
	mu   sync.Mutex
	caps hw.Capabilities
	fail map[string]*failpoint

	nextLKey uint32

	regions    int
	domains    int
	cqs        int
	flows      int
	indTables  int
	workQueues []*WorkQueue
	hashQueues []*HashQueue
}

// New creates a simulated device.
func New(cfg *Config) *Device {
	if cfg == nil {
		cfg = &DefaultConfig
	}
	return &Device{
		caps: cfg.Caps,
		fail: make(map[string]*failpoint),
	}
}

// FailAfter arranges for the given operation to fail with err once
// after succeeding n more times. A nil err fails with ErrInjected.
func (d *Device) FailAfter(op string, n int, err error) {
	if err == nil {
		err = ErrInjected
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail[op] = &failpoint{after: n, err: err}
}

// trip is called with d.mu held.
func (d *Device) trip(op string) error {
	fp := d.fail[op]
	if fp == nil {
		return nil
	}
	if fp.after > 0 {
		fp.after--
		return nil
	}
	delete(d.fail, op)
	return fp.err
}

// Live object counts, for leak assertions.

func (d *Device) LiveMemoryRegions() int { d.mu.Lock(); defer d.mu.Unlock(); return d.regions }
func (d *Device) LiveDomains() int       { d.mu.Lock(); defer d.mu.Unlock(); return d.domains }
func (d *Device) LiveCompletionQueues() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cqs
}
func (d *Device) LiveIndTables() int { d.mu.Lock(); defer d.mu.Unlock(); return d.indTables }
func (d *Device) LiveFlows() int     { d.mu.Lock(); defer d.mu.Unlock(); return d.flows }

func (d *Device) LiveWorkQueues() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, wq := range d.workQueues {
		if !wq.destroyed {
			n++
		}
	}
	return n
}

func (d *Device) LiveHashQueues() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, hq := range d.hashQueues {
		if !hq.destroyed {
			n++
		}
	}
	return n
}

// WorkQueues returns every work queue ever created, destroyed ones
// included, in creation order.
func (d *Device) WorkQueues() []*WorkQueue {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*WorkQueue(nil), d.workQueues...)
}

// HashQueues returns every hash queue ever created, in creation order.
func (d *Device) HashQueues() []*HashQueue {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*HashQueue(nil), d.hashQueues...)
}

func (d *Device) Capabilities() hw.Capabilities { return d.caps }

func (d *Device) RegisterMemory(buf []byte) (hw.MemoryRegion, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.trip(OpRegisterMemory); err != nil {
		return nil, err
	}
	d.nextLKey++
	d.regions++
	return &memoryRegion{dev: d, lkey: d.nextLKey, size: len(buf)}, nil
}

func (d *Device) CreateResourceDomain() (hw.ResourceDomain, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.trip(OpCreateDomain); err != nil {
		return nil, err
	}
	d.domains++
	return &resourceDomain{dev: d}, nil
}

func (d *Device) CreateCompletionQueue(depth int, domain hw.ResourceDomain) (hw.CompletionQueue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.trip(OpCreateCQ); err != nil {
		return nil, err
	}
	if depth <= 0 {
		return nil, errors.New("sim: completion queue depth must be positive")
	}
	d.cqs++
	return &completionQueue{dev: d, depth: depth}, nil
}

func (d *Device) CreateWorkQueue(cfg hw.WorkQueueConfig) (hw.WorkQueue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.trip(OpCreateWQ); err != nil {
		return nil, err
	}
	if cfg.MaxRecv <= 0 || cfg.MaxRecv > d.caps.MaxQueueDepth {
		return nil, errors.Errorf("sim: work queue depth %d out of range", cfg.MaxRecv)
	}
	if cfg.MaxSGE <= 0 || cfg.MaxSGE > d.caps.MaxScatterGather {
		return nil, errors.Errorf("sim: %d scatter/gather entries out of range", cfg.MaxSGE)
	}
	wq := &WorkQueue{dev: d, maxRecv: cfg.MaxRecv, maxSGE: cfg.MaxSGE}
	d.workQueues = append(d.workQueues, wq)
	return wq, nil
}

func (d *Device) CreateIndirectionTable(cfg hw.IndTableConfig) (hw.IndirectionTable, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.trip(OpCreateIndTable); err != nil {
		return nil, err
	}
	n := len(cfg.Queues)
	if n == 0 || n&(n-1) != 0 || n > d.caps.MaxIndTableSize {
		return nil, errors.Errorf("sim: indirection table size %d invalid", n)
	}
	d.indTables++
	return &indirectionTable{dev: d, size: n}, nil
}

func (d *Device) CreateHashQueue(cfg hw.HashQueueConfig) (hw.HashQueue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.trip(OpCreateHashQueue); err != nil {
		return nil, err
	}
	if cfg.Table == nil {
		return nil, errors.New("sim: hash queue needs an indirection table")
	}
	hq := &HashQueue{dev: d, fields: cfg.Fields, key: append([]byte(nil), cfg.Key...)}
	d.hashQueues = append(d.hashQueues, hq)
	return hq, nil
}

func (d *Device) QueryQueueInterface(wq hw.WorkQueue) (hw.QueueInterface, error) {
	swq, ok := wq.(*WorkQueue)
	if !ok {
		return nil, errors.New("sim: foreign work queue")
	}
	return &queueInterface{wq: swq}, nil
}

func (d *Device) QueryCompletionInterface(cq hw.CompletionQueue) (hw.CompletionInterface, error) {
	if _, ok := cq.(*completionQueue); !ok {
		return nil, errors.New("sim: foreign completion queue")
	}
	return &completionInterface{}, nil
}

type memoryRegion struct {
	dev       *Device
	lkey      uint32
	size      int
	destroyed bool
}

func (m *memoryRegion) LKey() uint32 { return m.lkey }

func (m *memoryRegion) Deregister() error {
	m.dev.mu.Lock()
	defer m.dev.mu.Unlock()
	if m.destroyed {
		return errDestroyed
	}
	m.destroyed = true
	m.dev.regions--
	return nil
}

type resourceDomain struct {
	dev       *Device
	destroyed bool
}

func (r *resourceDomain) Destroy() error {
	r.dev.mu.Lock()
	defer r.dev.mu.Unlock()
	if r.destroyed {
		return errDestroyed
	}
	r.destroyed = true
	r.dev.domains--
	return nil
}

type completionQueue struct {
	dev       *Device
	depth     int
	destroyed bool
}

func (c *completionQueue) Resize(depth int) error {
	c.dev.mu.Lock()
	defer c.dev.mu.Unlock()
	if c.destroyed {
		return errDestroyed
	}
	if err := c.dev.trip(OpResizeCQ); err != nil {
		return err
	}
	c.depth = depth
	return nil
}

func (c *completionQueue) Destroy() error {
	c.dev.mu.Lock()
	defer c.dev.mu.Unlock()
	if c.destroyed {
		return errDestroyed
	}
	c.destroyed = true
	c.dev.cqs--
	return nil
}

// WorkQueue is the simulated receive work queue. Tests reach it through
// Device.WorkQueues to inspect state transitions and posted requests.
type WorkQueue struct {
	dev       *Device
	maxRecv   int
	maxSGE    int
	state     hw.QueueState
	posted    int
	destroyed bool
}

// State returns the current queue state.
func (w *WorkQueue) State() hw.QueueState {
	w.dev.mu.Lock()
	defer w.dev.mu.Unlock()
	return w.state
}

// Posted returns the cumulative number of posted work requests.
func (w *WorkQueue) Posted() int {
	w.dev.mu.Lock()
	defer w.dev.mu.Unlock()
	return w.posted
}

func (w *WorkQueue) Modify(state hw.QueueState) error {
	w.dev.mu.Lock()
	defer w.dev.mu.Unlock()
	if w.destroyed {
		return errDestroyed
	}
	if err := w.dev.trip(OpModifyWQ); err != nil {
		return err
	}
	w.state = state
	return nil
}

func (w *WorkQueue) Destroy() error {
	w.dev.mu.Lock()
	defer w.dev.mu.Unlock()
	if w.destroyed {
		return errDestroyed
	}
	w.destroyed = true
	return nil
}

type queueInterface struct {
	wq       *WorkQueue
	released bool
}

func (q *queueInterface) PostReceive(sges []hw.SGE) error {
	q.wq.dev.mu.Lock()
	defer q.wq.dev.mu.Unlock()
	if q.released {
		return errors.New("sim: queue interface released")
	}
	if err := q.wq.dev.trip(OpPostReceive); err != nil {
		return err
	}
	if len(sges) == 0 || len(sges) > q.wq.maxSGE {
		return errors.Errorf("sim: %d scatter/gather entries out of range", len(sges))
	}
	q.wq.posted++
	return nil
}

func (q *queueInterface) Release() error {
	q.wq.dev.mu.Lock()
	defer q.wq.dev.mu.Unlock()
	if q.released {
		return errDestroyed
	}
	q.released = true
	return nil
}

type completionInterface struct {
	released bool
}

func (c *completionInterface) Release() error {
	if c.released {
		return errDestroyed
	}
	c.released = true
	return nil
}

type indirectionTable struct {
	dev       *Device
	size      int
	destroyed bool
}

func (t *indirectionTable) Destroy() error {
	t.dev.mu.Lock()
	defer t.dev.mu.Unlock()
	if t.destroyed {
		return errDestroyed
	}
	t.destroyed = true
	t.dev.indTables--
	return nil
}

// HashQueue is the simulated hash receive queue. Tests reach it through
// Device.HashQueues to count installed rules.
type HashQueue struct {
	dev       *Device
	fields    uint64
	key       []byte
	flows     int
	destroyed bool
}

// FlowCount returns the number of rules installed on this queue.
func (h *HashQueue) FlowCount() int {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	return h.flows
}

func (h *HashQueue) CreateFlow(attr *hw.FlowAttr) (hw.Flow, error) {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	if h.destroyed {
		return nil, errDestroyed
	}
	if err := h.dev.trip(OpCreateFlow); err != nil {
		return nil, err
	}
	if attr.Kind == hw.FlowNormal && attr.NumSpecs == 0 {
		return nil, errors.New("sim: rule carries no specifications")
	}
	h.flows++
	h.dev.flows++
	return &flow{hq: h}, nil
}

func (h *HashQueue) Destroy() error {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	if h.destroyed {
		return errDestroyed
	}
	if h.flows != 0 {
		return errors.Errorf("sim: hash queue destroyed with %d rules installed", h.flows)
	}
	h.destroyed = true
	return nil
}

type flow struct {
	hq        *HashQueue
	destroyed bool
}

func (f *flow) Destroy() error {
	f.hq.dev.mu.Lock()
	defer f.hq.dev.mu.Unlock()
	if f.destroyed {
		return errDestroyed
	}
	f.destroyed = true
	f.hq.flows--
	f.hq.dev.flows--
	return nil
}
