package xdpdev

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"

	"rxsteer/hw"
)

func ethFragment(mac []byte, vlan uint16, tagged bool) []byte {
	frag := make([]byte, ethSpecLen)
	frag[0] = specEth
	frag[1] = ethSpecLen
	if mac != nil {
		copy(frag[ethSpecDstOff:], mac)
		for i := 0; i < 6; i++ {
			frag[ethSpecDstMask+i] = 0xff
		}
	}
	if tagged {
		frag[ethSpecVLANOff] = byte(vlan >> 8)
		frag[ethSpecVLANOff+1] = byte(vlan)
		frag[ethSpecTagMask] = 0x0f
		frag[ethSpecTagMask+1] = 0xff
	}
	return frag
}

func TestEncodeRuleQualified(t *testing.T) {
	mac := []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	specs := []byte{specTCP, 2, specIPv4, 2}
	specs = append(specs, ethFragment(mac, 42, true)...)

	val, err := encodeRule(&hw.FlowAttr{
		Kind:     hw.FlowNormal,
		Priority: 0,
		Port:     1,
		NumSpecs: 3,
		Specs:    specs,
	}, 5)
	assert.NoError(t, err)
	assert.Len(t, val, ruleValueLen)
	assert.Equal(t, ruleKindNormal, val[0])
	assert.Equal(t, uint8(1), val[2])
	assert.Equal(t, ruleMatchMAC|ruleMatchVLAN, val[3])
	assert.Equal(t, mac, []byte(val[4:10]))
	assert.Equal(t, []byte{0x00, 0x2a}, []byte(val[10:12]))
	assert.Equal(t, uint8(4), val[12])
	assert.Equal(t, uint8(unix.IPPROTO_TCP), val[13])
	assert.Equal(t, uint8(5), val[16])
}

func TestEncodeRuleUnqualified(t *testing.T) {
	specs := ethFragment(nil, 0, false)
	val, err := encodeRule(&hw.FlowAttr{
		Kind:     hw.FlowNormal,
		Priority: 2,
		NumSpecs: 1,
		Specs:    specs,
	}, 0)
	assert.NoError(t, err)
	assert.Equal(t, uint8(0), val[3])
	assert.Equal(t, uint8(2), val[1])
}

func TestEncodeRuleAllMulticast(t *testing.T) {
	val, err := encodeRule(&hw.FlowAttr{Kind: hw.FlowAllMulticast}, 3)
	assert.NoError(t, err)
	assert.Equal(t, ruleKindAllMulticast, val[0])
	assert.Equal(t, uint8(3), val[16])
}

func TestEncodeRuleTruncated(t *testing.T) {
	_, err := encodeRule(&hw.FlowAttr{
		Kind:     hw.FlowNormal,
		NumSpecs: 2,
		Specs:    []byte{specTCP, 2},
	}, 0)
	assert.Error(t, err)
}

func TestEncodeHashParams(t *testing.T) {
	key := make([]byte, 40)
	key[0] = 0x2c
	val, err := encodeHashParams(1, 0xff, key)
	assert.NoError(t, err)
	assert.Len(t, val, hashParamsLen)
	assert.Equal(t, uint8(1), val[0])
	assert.Equal(t, uint8(0xff), val[8])
	assert.Equal(t, uint8(0x2c), val[16])

	_, err = encodeHashParams(0, 0, key[:8])
	assert.Error(t, err)
}
