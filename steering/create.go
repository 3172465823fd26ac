package steering

import (
	"github.com/pkg/errors"

	"rxsteer/hw"
)

// log2above returns log2(v) rounded up.
func log2above(v int) int {
	var l, r int
	for ; v>>1 != 0; v >>= 1 {
		l++
		r |= v & 1
	}
	return l + r
}

// CreateHashQueues builds the hash queue set over the given receive
// work queues: per-protocol indirection tables spreading traffic across
// every queue when more than one is given, plus the single-queue drain
// table, with one hash queue on top of each table entry. The set is
// all-or-nothing; a failure destroys whatever was created before
// returning. Start calls this; it is exported for device-management
// layers that stage queues before applying rules.
func (c *Controller) CreateHashQueues(wqs []hw.WorkQueue) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.createHashRxqs(wqs)
}

// DestroyHashQueues tears the hash queue set down. Every rule must have
// been removed first.
func (c *Controller) DestroyHashQueues() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyHashRxqs()
}

func (c *Controller) createHashRxqs(wqs []hw.WorkQueue) error {
	if len(c.hashRxqs) != 0 {
		return ErrAlreadyActive
	}
	if len(wqs) == 0 {
		return errors.Wrap(ErrInvalidArgument, "no receive queues")
	}
	caps := c.ctx.Capabilities()
	// Indirection tables only take power-of-two sizes. A non-power-of-two
	// queue count gets padded to the device maximum so the round-robin
	// assignment stays balanced.
	var wqsN int
	if n := len(wqs); n&(n-1) == 0 {
		wqsN = 1 << log2above(n)
	} else {
		wqsN = 1 << log2above(caps.MaxIndTableSize)
	}
	if wqsN < len(wqs) || wqsN > caps.MaxIndTableSize {
		return errors.Wrapf(ErrOutOfRange, "%d receive queues", len(wqs))
	}
	// Round-robin work queue assignment over the padded size.
	assigned := make([]hw.WorkQueue, wqsN)
	for i := range assigned {
		assigned[i] = wqs[i%len(wqs)]
	}
	layout := indTableLayoutNoRSS
	if len(wqs) > 1 {
		layout = indTableLayoutRSS
	}
	var (
		tables []hw.IndirectionTable
		rxqs   []*hashRxq
	)
	undo := func() {
		for _, h := range rxqs {
			if err := h.qp.Destroy(); err != nil {
				log.Errorf("cannot destroy hash queue: %v", err)
			}
		}
		for _, t := range tables {
			if err := t.Destroy(); err != nil {
				log.Errorf("cannot destroy indirection table: %v", err)
			}
		}
	}
	for _, init := range layout {
		size := wqsN
		if init.maxSize != 0 && size > init.maxSize {
			size = init.maxSize
		}
		tbl, err := c.ctx.CreateIndirectionTable(hw.IndTableConfig{
			Queues: assigned[:size],
		})
		if err != nil {
			undo()
			return errors.Wrap(err, "indirection table creation failed")
		}
		tables = append(tables, tbl)
		for _, typ := range init.hashTypes {
			key := DefaultRSSKey
			if k, ok := c.rssKeys[typ]; ok {
				key = k
			}
			qp, err := c.ctx.CreateHashQueue(hw.HashQueueConfig{
				Table:  tbl,
				Func:   hw.HashToeplitz,
				Key:    key,
				Fields: hashTypeTable[typ].hashFields,
			})
			if err != nil {
				undo()
				return errors.Wrapf(err, "%s hash queue creation failed", typ)
			}
			rxqs = append(rxqs, newHashRxq(c, typ, qp))
		}
	}
	c.hashRxqs = rxqs
	c.indTables = tables
	log.Debugf("created %d hash queues over %d indirection tables", len(rxqs), len(tables))
	return nil
}

func (c *Controller) destroyHashRxqs() {
	for _, h := range c.hashRxqs {
		if n := h.flowCount(); n != 0 {
			log.Panicf("%s hash queue still has %d rules installed", h.typ, n)
		}
		if err := h.qp.Destroy(); err != nil {
			log.Errorf("cannot destroy %s hash queue: %v", h.typ, err)
		}
	}
	for _, t := range c.indTables {
		if err := t.Destroy(); err != nil {
			log.Errorf("cannot destroy indirection table: %v", err)
		}
	}
	c.hashRxqs = nil
	c.indTables = nil
}
