package steering

import "rxsteer/hw"

// HashType identifies one protocol class a hash queue can be bound to.
// The set forms a specificity hierarchy: each type may name an
// underlayer, a less specific type whose match specification is also
// carried by every rule of this type. The hierarchy terminates at
// HashEth, the catch-all.
type HashType int

const (
	HashTCPv4 HashType = iota
	HashUDPv4
	HashIPv4
	HashTCPv6
	HashUDPv6
	HashIPv6
	HashEth

	hashTypeCount
)

// hashNone marks the end of an underlayer chain.
const hashNone HashType = -1

func (t HashType) String() string {
	switch t {
	case HashTCPv4:
		return "tcp4"
	case HashUDPv4:
		return "udp4"
	case HashIPv4:
		return "ipv4"
	case HashTCPv6:
		return "tcp6"
	case HashUDPv6:
		return "udp6"
	case HashIPv6:
		return "ipv6"
	case HashEth:
		return "eth"
	}
	return "unknown"
}

// Match specification fragment types. The values follow the usual flow
// specification identifiers.
const (
	specTypeEth  uint8 = 0x20
	specTypeIPv4 uint8 = 0x30
	specTypeIPv6 uint8 = 0x31
	specTypeTCP  uint8 = 0x40
	specTypeUDP  uint8 = 0x41
)

// hashTypeInit is one entry of the static hash type table: the hash
// field mask fed to the device, the rule priority (lower is evaluated
// first), the type and size of the match fragment, and the underlayer
// index. The chain is a DAG over table indices, walked iteratively.
type hashTypeInit struct {
	hashFields uint64
	priority   uint8
	specType   uint8
	specLen    int
	underlayer HashType
}

var hashTypeTable = [hashTypeCount]hashTypeInit{
	HashTCPv4: {
		hashFields: hw.HashFieldSrcIPv4 | hw.HashFieldDstIPv4 |
			hw.HashFieldSrcPortTCP | hw.HashFieldDstPortTCP,
		priority:   0,
		specType:   specTypeTCP,
		specLen:    protoSpecLen,
		underlayer: HashIPv4,
	},
	HashUDPv4: {
		hashFields: hw.HashFieldSrcIPv4 | hw.HashFieldDstIPv4 |
			hw.HashFieldSrcPortUDP | hw.HashFieldDstPortUDP,
		priority:   0,
		specType:   specTypeUDP,
		specLen:    protoSpecLen,
		underlayer: HashIPv4,
	},
	HashIPv4: {
		hashFields: hw.HashFieldSrcIPv4 | hw.HashFieldDstIPv4,
		priority:   1,
		specType:   specTypeIPv4,
		specLen:    protoSpecLen,
		underlayer: HashEth,
	},
	HashTCPv6: {
		hashFields: hw.HashFieldSrcIPv6 | hw.HashFieldDstIPv6 |
			hw.HashFieldSrcPortTCP | hw.HashFieldDstPortTCP,
		priority:   0,
		specType:   specTypeTCP,
		specLen:    protoSpecLen,
		underlayer: HashIPv6,
	},
	HashUDPv6: {
		hashFields: hw.HashFieldSrcIPv6 | hw.HashFieldDstIPv6 |
			hw.HashFieldSrcPortUDP | hw.HashFieldDstPortUDP,
		priority:   0,
		specType:   specTypeUDP,
		specLen:    protoSpecLen,
		underlayer: HashIPv6,
	},
	HashIPv6: {
		hashFields: hw.HashFieldSrcIPv6 | hw.HashFieldDstIPv6,
		priority:   1,
		specType:   specTypeIPv6,
		specLen:    protoSpecLen,
		underlayer: HashEth,
	},
	HashEth: {
		hashFields: 0,
		priority:   2,
		specType:   specTypeEth,
		specLen:    ethSpecLen,
		underlayer: hashNone,
	},
}

// indTableInit describes one canonical indirection table: its maximum
// size and the hash types served by queues bound to it.
type indTableInit struct {
	// maxSize 0 means no table-specific limit; the device limit applies.
	maxSize   int
	hashTypes []HashType
}

// indTableSpread spans every protocol-specific type for load-balanced
// traffic; indTableDrain is the single-entry fallback serving the
// catch-all type, and the only table used when load balancing is off.
var (
	indTableSpread = indTableInit{
		maxSize: 0,
		hashTypes: []HashType{
			HashTCPv4, HashUDPv4, HashIPv4,
			HashTCPv6, HashUDPv6, HashIPv6,
		},
	}
	indTableDrain = indTableInit{
		maxSize:   1,
		hashTypes: []HashType{HashEth},
	}
)

var (
	indTableLayoutRSS   = []indTableInit{indTableSpread, indTableDrain}
	indTableLayoutNoRSS = []indTableInit{indTableDrain}
)

// DefaultRSSKey is the 40-byte Toeplitz key used when the caller does
// not supply one for a hash type.
var DefaultRSSKey = []byte{
	0x2c, 0xc6, 0x81, 0xd1,
	0x5b, 0xdb, 0xf4, 0xf7,
	0xfc, 0xa2, 0x83, 0x19,
	0xdb, 0x1a, 0x3e, 0x94,
	0x6b, 0x9e, 0x38, 0xd9,
	0x2c, 0x9c, 0x03, 0xd1,
	0xad, 0x99, 0x44, 0xa7,
	0xd9, 0x56, 0x3d, 0x59,
	0x06, 0x3c, 0x25, 0xf3,
	0xfc, 0x1f, 0xdc, 0x2a,
}
