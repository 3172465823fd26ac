package xdpdev

import (
	"encoding/binary"

	"github.com/cilium/ebpf"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"rxsteer/hw"
)

// Match specification fragment types carried in hw.FlowAttr.Specs. Each
// fragment starts with a type byte and a length byte; the Ethernet
// fragment carries the destination address and VLAN tag with masks.
const (
	specEth  = 0x20
	specIPv4 = 0x30
	specIPv6 = 0x31
	specTCP  = 0x40
	specUDP  = 0x41

	ethSpecLen     = 18
	ethSpecDstOff  = 2
	ethSpecVLANOff = 8
	ethSpecDstMask = 10
	ethSpecTagMask = 16
)

// Rule match flag bits in the encoded rule value.
const (
	ruleMatchMAC uint8 = 1 << iota
	ruleMatchVLAN
)

// Rule kinds.
const (
	ruleKindNormal uint8 = iota
	ruleKindAllMulticast
)

// ruleValueLen is the packed rule layout consumed by the XDP program:
//
//	0     kind
//	1     priority
//	2     port
//	3     match flags
//	4-9   destination address
//	10-11 VLAN tag, network order
//	12    IP version (0 when unqualified)
//	13    L4 protocol (0 when unqualified)
//	14-15 reserved
//	16-19 hash queue slot, little endian
const ruleValueLen = 20

func encodeRule(attr *hw.FlowAttr, hashID int) ([]byte, error) {
	val := make([]byte, ruleValueLen)
	val[1] = attr.Priority
	val[2] = attr.Port
	binary.LittleEndian.PutUint32(val[16:], uint32(hashID))

	if attr.Kind == hw.FlowAllMulticast {
		val[0] = ruleKindAllMulticast
		return val, nil
	}
	val[0] = ruleKindNormal

	off := 0
	for i := 0; i < attr.NumSpecs; i++ {
		if off+2 > len(attr.Specs) {
			return nil, errors.Errorf("truncated match specification at fragment %d", i)
		}
		typ := attr.Specs[off]
		l := int(attr.Specs[off+1])
		if l < 2 || off+l > len(attr.Specs) {
			return nil, errors.Errorf("bad fragment length %d", l)
		}
		switch typ {
		case specTCP:
			val[13] = unix.IPPROTO_TCP
		case specUDP:
			val[13] = unix.IPPROTO_UDP
		case specIPv4:
			val[12] = 4
		case specIPv6:
			val[12] = 6
		case specEth:
			if l != ethSpecLen {
				return nil, errors.Errorf("bad ethernet fragment length %d", l)
			}
			frag := attr.Specs[off : off+l]
			if frag[ethSpecDstMask] != 0 {
				val[3] |= ruleMatchMAC
				copy(val[4:10], frag[ethSpecDstOff:ethSpecDstOff+6])
			}
			if frag[ethSpecTagMask] != 0 || frag[ethSpecTagMask+1] != 0 {
				val[3] |= ruleMatchVLAN
				copy(val[10:12], frag[ethSpecVLANOff:ethSpecVLANOff+2])
			}
		default:
			return nil, errors.Errorf("unknown fragment type %#x", typ)
		}
		off += l
	}
	return val, nil
}

// hashParamsLen is the packed hash queue entry:
//
//	0-3   indirection table slot
//	4-7   reserved
//	8-15  hash field mask
//	16-55 Toeplitz key
const hashParamsLen = 56

func encodeHashParams(tableSlot int, fields uint64, key []byte) ([]byte, error) {
	if len(key) != 40 {
		return nil, errors.Errorf("hash key must be 40 bytes, got %d", len(key))
	}
	val := make([]byte, hashParamsLen)
	binary.LittleEndian.PutUint32(val[0:], uint32(tableSlot))
	binary.LittleEndian.PutUint64(val[8:], fields)
	copy(val[16:], key)
	return val, nil
}

type indirectionTable struct {
	dev  *Device
	m    *ebpf.Map
	slot int
}

func (t *indirectionTable) Destroy() error {
	t.dev.mu.Lock()
	defer t.dev.mu.Unlock()
	if err := t.dev.tables.Delete(uint32(t.slot)); err != nil {
		return errors.Wrapf(err, "remove table slot %d failed", t.slot)
	}
	t.dev.tableSlots[t.slot] = false
	return t.m.Close()
}

type hashQueue struct {
	dev *Device
	id  int
}

func (h *hashQueue) CreateFlow(attr *hw.FlowAttr) (hw.Flow, error) {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	val, err := encodeRule(attr, h.id)
	if err != nil {
		return nil, err
	}
	id := h.dev.nextRule
	h.dev.nextRule++
	if err = h.dev.rules.Put(id, val); err != nil {
		return nil, errors.Wrapf(err, "install rule %d failed", id)
	}
	return &flow{dev: h.dev, id: id}, nil
}

func (h *hashQueue) Destroy() error {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	// Array entries cannot be deleted; a zeroed entry is dead.
	if err := h.dev.params.Put(uint32(h.id), make([]byte, hashParamsLen)); err != nil {
		return errors.Wrapf(err, "clear hash queue %d failed", h.id)
	}
	h.dev.hashSlots[h.id] = false
	return nil
}

type flow struct {
	dev *Device
	id  uint32
}

func (f *flow) Destroy() error {
	f.dev.mu.Lock()
	defer f.dev.mu.Unlock()
	if err := f.dev.rules.Delete(f.id); err != nil {
		return errors.Wrapf(err, "remove rule %d failed", f.id)
	}
	return nil
}
