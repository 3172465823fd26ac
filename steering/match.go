package steering

import (
	"encoding/binary"
	"net"
)

// Fragment layouts. Every fragment starts with a type byte and a length
// byte. Protocol-level fragments carry nothing else: the rule matches
// on protocol presence, the hash fields do the spreading. The Ethernet
// fragment carries the destination address and VLAN tag with their
// masks.
const (
	protoSpecLen = 2

	ethSpecLen     = 18
	ethSpecDstOff  = 2
	ethSpecVLANOff = 8
	ethSpecDstMask = 10
	ethSpecTagMask = 16
)

// vlanIDMask covers the 12-bit VLAN identifier.
const vlanIDMask uint16 = 0x0fff

// BuildFlowMatch writes the concatenated match specification for typ
// into buf: the chain is walked from the most specific type down to the
// catch-all, the most specific fragment written first and the Ethernet
// fragment last. When buf is nil or too small nothing is written and
// the required size is still returned, so callers size storage with a
// first pass and fill it with a second.
func BuildFlowMatch(buf []byte, typ HashType) int {
	size := 0
	for t := typ; t != hashNone; t = hashTypeTable[t].underlayer {
		size += hashTypeTable[t].specLen
	}
	if len(buf) < size {
		return size
	}
	off := 0
	for t := typ; t != hashNone; t = hashTypeTable[t].underlayer {
		init := hashTypeTable[t]
		frag := buf[off : off+init.specLen]
		for i := range frag {
			frag[i] = 0
		}
		frag[0] = init.specType
		frag[1] = uint8(init.specLen)
		off += init.specLen
	}
	return size
}

// matchSpecCount returns the number of fragments in typ's chain.
func matchSpecCount(typ HashType) int {
	n := 0
	for t := typ; t != hashNone; t = hashTypeTable[t].underlayer {
		n++
	}
	return n
}

// ethSpec views the trailing Ethernet fragment of a match buffer.
type ethSpec []byte

// ethSpecOf returns the Ethernet fragment of a buffer produced by
// BuildFlowMatch.
func ethSpecOf(buf []byte) ethSpec {
	return ethSpec(buf[len(buf)-ethSpecLen:])
}

// SetDstAddress sets an exact destination address match.
func (s ethSpec) SetDstAddress(addr net.HardwareAddr) {
	copy(s[ethSpecDstOff:ethSpecDstOff+6], addr[:6])
	for i := 0; i < 6; i++ {
		s[ethSpecDstMask+i] = 0xff
	}
}

// SetVLAN sets an exact match on the given VLAN identifier.
func (s ethSpec) SetVLAN(id uint16) {
	binary.BigEndian.PutUint16(s[ethSpecVLANOff:], id&vlanIDMask)
	binary.BigEndian.PutUint16(s[ethSpecTagMask:], vlanIDMask)
}

func (s ethSpec) DstAddress() net.HardwareAddr {
	addr := make(net.HardwareAddr, 6)
	copy(addr, s[ethSpecDstOff:ethSpecDstOff+6])
	return addr
}

func (s ethSpec) VLAN() uint16 {
	return binary.BigEndian.Uint16(s[ethSpecVLANOff:]) & vlanIDMask
}

// HasVLAN reports whether the fragment qualifies on a VLAN identifier.
func (s ethSpec) HasVLAN() bool {
	return binary.BigEndian.Uint16(s[ethSpecTagMask:]) != 0
}
