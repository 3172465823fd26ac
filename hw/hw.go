// Package hw defines the hardware capability surface the steering and
// receive queue layers are built on: filter rule creation, receive work
// queues, indirection tables, completion queues and DMA memory
// registration. Implementations live in hw/sim (in-memory) and hw/xdpdev
// (AF_XDP software device).
package hw

// Capabilities describes the limits reported by a device at open time.
type Capabilities struct {
	// MaxIndTableSize is the maximum number of slots in one receive
	// queue indirection table.
	MaxIndTableSize int

	// MaxQueueDepth is the maximum number of outstanding receive work
	// requests on one work queue.
	MaxQueueDepth int

	// MaxScatterGather is the maximum number of scatter/gather entries
	// in one work request.
	MaxScatterGather int
}

// QueueState is the operational state of a work queue.
type QueueState int

const (
	// QueueStateReset halts the queue; posted work requests are kept
	// but not processed.
	QueueStateReset QueueState = iota

	// QueueStateReady lets the queue consume posted work requests.
	QueueStateReady
)

// SGE is one scatter/gather entry of a receive work request. Addr is an
// offset within a registered memory region.
type SGE struct {
	Addr   uint64
	Length uint32
	LKey   uint32
}

// FlowKind selects the matching discipline of a filter rule.
type FlowKind int

const (
	// FlowNormal matches on the specifications carried by the rule.
	FlowNormal FlowKind = iota

	// FlowAllMulticast matches all multicast traffic and carries no
	// specifications.
	FlowAllMulticast
)

// FlowAttr describes one filter rule to install on a hash queue. Specs is
// the concatenated match specification buffer produced by the steering
// layer; NumSpecs is the number of specification fragments it contains.
type FlowAttr struct {
	Kind     FlowKind
	Priority uint8
	Port     uint8
	NumSpecs int
	Specs    []byte
}

// HashFunc identifies the receive hashing algorithm of a hash queue.
type HashFunc int

// HashToeplitz is the only hash function required from devices.
const HashToeplitz HashFunc = iota

// Receive hash field bits, combined into the Fields mask of a
// HashQueueConfig.
const (
	HashFieldSrcIPv4 uint64 = 1 << iota
	HashFieldDstIPv4
	HashFieldSrcIPv6
	HashFieldDstIPv6
	HashFieldSrcPortTCP
	HashFieldDstPortTCP
	HashFieldSrcPortUDP
	HashFieldDstPortUDP
)

// WorkQueueConfig carries the creation parameters of a receive work queue.
type WorkQueueConfig struct {
	// MaxRecv is the number of outstanding receive work requests.
	MaxRecv int

	// MaxSGE is the number of scatter/gather entries per work request.
	MaxSGE int

	CQ     CompletionQueue
	Domain ResourceDomain
}

// IndTableConfig carries the creation parameters of an indirection table.
// Queues must have power-of-two length.
type IndTableConfig struct {
	Queues []WorkQueue
}

// HashQueueConfig carries the creation parameters of a hash queue: the
// indirection table it spreads over, the hashing algorithm, its key and
// the field mask fed into the hash.
type HashQueueConfig struct {
	Table  IndirectionTable
	Func   HashFunc
	Key    []byte
	Fields uint64
}

// Context is one open device. All object creation goes through it.
type Context interface {
	Capabilities() Capabilities

	// RegisterMemory registers buf as one DMA-capable memory region.
	RegisterMemory(buf []byte) (MemoryRegion, error)

	CreateResourceDomain() (ResourceDomain, error)
	CreateCompletionQueue(depth int, domain ResourceDomain) (CompletionQueue, error)
	CreateWorkQueue(cfg WorkQueueConfig) (WorkQueue, error)
	CreateIndirectionTable(cfg IndTableConfig) (IndirectionTable, error)
	CreateHashQueue(cfg HashQueueConfig) (HashQueue, error)

	// QueryQueueInterface returns the posting interface of a work
	// queue. The handle must be released before the queue is destroyed.
	QueryQueueInterface(wq WorkQueue) (QueueInterface, error)

	// QueryCompletionInterface returns the consumption interface of a
	// completion queue. The handle must be released before the queue is
	// destroyed.
	QueryCompletionInterface(cq CompletionQueue) (CompletionInterface, error)
}

// MemoryRegion is a registered DMA memory region.
type MemoryRegion interface {
	// LKey is the local access key carried by SGEs referencing this
	// region.
	LKey() uint32
	Deregister() error
}

// ResourceDomain scopes completion resources of one receive queue.
type ResourceDomain interface {
	Destroy() error
}

// CompletionQueue signals receive completions. The consumption side is
// outside this module; only sizing and lifetime are managed here.
type CompletionQueue interface {
	Resize(depth int) error
	Destroy() error
}

// WorkQueue is one hardware receive queue.
type WorkQueue interface {
	Modify(state QueueState) error
	Destroy() error
}

// QueueInterface posts receive work requests to a work queue. One call
// posts one work request; sges carries its scatter/gather list.
type QueueInterface interface {
	PostReceive(sges []SGE) error
	Release() error
}

// CompletionInterface is the handle used by the receive burst path to
// consume completions. That path is outside this module; the handle is
// held only so teardown can release it.
type CompletionInterface interface {
	Release() error
}

// IndirectionTable spreads hashed traffic over a set of work queues.
type IndirectionTable interface {
	Destroy() error
}

// HashQueue is a receive queue bound to an indirection table and a hash
// configuration. Filter rules attach to hash queues.
type HashQueue interface {
	CreateFlow(attr *FlowAttr) (Flow, error)
	Destroy() error
}

// Flow is one installed filter rule. It is immutable; the only operation
// is destruction.
type Flow interface {
	Destroy() error
}
