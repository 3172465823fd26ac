package steering

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildFlowMatchSizing(t *testing.T) {
	// First pass with no storage returns the required size.
	assert.Equal(t, 2*protoSpecLen+ethSpecLen, BuildFlowMatch(nil, HashTCPv4))
	assert.Equal(t, protoSpecLen+ethSpecLen, BuildFlowMatch(nil, HashIPv6))
	assert.Equal(t, ethSpecLen, BuildFlowMatch(nil, HashEth))

	// A short buffer is left untouched.
	short := []byte{0xaa, 0xbb}
	n := BuildFlowMatch(short, HashTCPv4)
	assert.Equal(t, 2*protoSpecLen+ethSpecLen, n)
	assert.Equal(t, []byte{0xaa, 0xbb}, short)
}

func TestBuildFlowMatchLayout(t *testing.T) {
	buf := make([]byte, BuildFlowMatch(nil, HashUDPv4))
	n := BuildFlowMatch(buf, HashUDPv4)
	assert.Equal(t, len(buf), n)

	// Most specific fragment first, Ethernet last.
	assert.Equal(t, specTypeUDP, buf[0])
	assert.Equal(t, uint8(protoSpecLen), buf[1])
	assert.Equal(t, specTypeIPv4, buf[protoSpecLen])
	assert.Equal(t, uint8(protoSpecLen), buf[protoSpecLen+1])
	assert.Equal(t, specTypeEth, buf[2*protoSpecLen])
	assert.Equal(t, uint8(ethSpecLen), buf[2*protoSpecLen+1])

	assert.Equal(t, 3, matchSpecCount(HashUDPv4))
	assert.Equal(t, 2, matchSpecCount(HashIPv4))
	assert.Equal(t, 1, matchSpecCount(HashEth))
}

func TestEthSpecQualifiers(t *testing.T) {
	buf := make([]byte, BuildFlowMatch(nil, HashTCPv6))
	BuildFlowMatch(buf, HashTCPv6)
	eth := ethSpecOf(buf)

	addr := net.HardwareAddr{0x02, 0x00, 0x5e, 0x10, 0x20, 0x30}
	assert.False(t, eth.HasVLAN())
	eth.SetDstAddress(addr)
	assert.Equal(t, addr, eth.DstAddress())
	assert.False(t, eth.HasVLAN())

	eth.SetVLAN(42)
	assert.True(t, eth.HasVLAN())
	assert.Equal(t, uint16(42), eth.VLAN())

	// The identifier is 12 bits; higher bits never leak into the match.
	eth.SetVLAN(0xf123)
	assert.Equal(t, uint16(0x123), eth.VLAN())

	// Qualifiers only touch the Ethernet fragment.
	assert.Equal(t, specTypeTCP, buf[0])
	assert.Equal(t, specTypeIPv6, buf[protoSpecLen])
}
