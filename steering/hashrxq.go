package steering

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"rxsteer/hw"
	"rxsteer/utils/bitfield"
)

var log = logrus.WithField("module", "steering")

// hashRxq is one hardware receive queue bound to a hash type. It owns
// the filter rules steering traffic to it: a per-address-per-VLAN table
// plus one promiscuous and one all-multicast slot. Owned exclusively by
// the Controller; destroyed only once every rule slot is nil.
type hashRxq struct {
	ctrl *Controller
	typ  HashType
	qp   hw.HashQueue

	macFlow       [][]hw.Flow
	macConfigured bitfield.Bitfield
	promiscFlow   hw.Flow
	allmultiFlow  hw.Flow
}

func newHashRxq(ctrl *Controller, typ HashType, qp hw.HashQueue) *hashRxq {
	cols := len(ctrl.vlans)
	if cols == 0 {
		cols = 1
	}
	macFlow := make([][]hw.Flow, len(ctrl.macs))
	for i := range macFlow {
		macFlow[i] = make([]hw.Flow, cols)
	}
	return &hashRxq{
		ctrl:          ctrl,
		typ:           typ,
		qp:            qp,
		macFlow:       macFlow,
		macConfigured: bitfield.New(len(ctrl.macs)),
	}
}

// addFlow installs one rule combining the queue's protocol match with an
// exact destination address match and, when vlanIndex is not -1, an
// exact VLAN identifier match.
func (h *hashRxq) addFlow(macIndex, vlanIndex int) error {
	size := BuildFlowMatch(nil, h.typ)
	buf := make([]byte, size)
	BuildFlowMatch(buf, h.typ)

	eth := ethSpecOf(buf)
	eth.SetDstAddress(h.ctrl.macs[macIndex].addr)
	if vlanIndex != -1 {
		eth.SetVLAN(h.ctrl.vlans[vlanIndex].id)
	}

	attr := hw.FlowAttr{
		Kind:     hw.FlowNormal,
		Priority: hashTypeTable[h.typ].priority,
		Port:     h.ctrl.port,
		NumSpecs: matchSpecCount(h.typ),
		Specs:    buf,
	}
	flow, err := h.qp.CreateFlow(&attr)
	if err != nil {
		log.Errorf("%v: flow configuration failed for address %s index %d: %v",
			h.typ, h.ctrl.macs[macIndex].addr, macIndex, err)
		return errors.Wrap(err, "create flow failed")
	}
	if flow == nil {
		// Rejected without a reason of its own.
		return ErrInvalidArgument
	}
	if vlanIndex == -1 {
		vlanIndex = 0
	}
	if h.macFlow[macIndex][vlanIndex] != nil {
		panic("steering: rule slot already occupied")
	}
	h.macFlow[macIndex][vlanIndex] = flow
	return nil
}

// delFlow removes the rule at one address×VLAN slot.
func (h *hashRxq) delFlow(macIndex, vlanIndex int) {
	flow := h.macFlow[macIndex][vlanIndex]
	if flow == nil {
		panic("steering: no rule installed at slot")
	}
	log.Debugf("%v: removing address %s index %d (vlan index %d)",
		h.typ, h.ctrl.macs[macIndex].addr, macIndex, vlanIndex)
	if err := flow.Destroy(); err != nil {
		log.Errorf("%v: flow destruction failed: %v", h.typ, err)
	}
	h.macFlow[macIndex][vlanIndex] = nil
}

// macAddrAdd installs the rules for one address on this queue: one rule
// per enabled VLAN entry, or a single unqualified rule when no VLAN
// entry is enabled. Installation is atomic per queue: on any failure
// everything installed by this call is removed first.
func (h *hashRxq) macAddrAdd(macIndex int) error {
	if h.macConfigured.IsSet(macIndex) {
		h.macAddrDel(macIndex)
	}
	vlans := 0
	for i := range h.ctrl.vlans {
		if !h.ctrl.vlans[i].enabled {
			continue
		}
		err := h.addFlow(macIndex, i)
		if err == nil {
			vlans++
			continue
		}
		// Failure, rollback.
		for i != 0 {
			i--
			if h.ctrl.vlans[i].enabled {
				h.delFlow(macIndex, i)
			}
		}
		return err
	}
	if vlans == 0 {
		if err := h.addFlow(macIndex, -1); err != nil {
			return err
		}
	}
	h.macConfigured.Set(macIndex)
	return nil
}

// macAddrDel removes every rule installed for one address on this queue.
func (h *hashRxq) macAddrDel(macIndex int) {
	if !h.macConfigured.IsSet(macIndex) {
		return
	}
	vlans := 0
	for i := range h.ctrl.vlans {
		if !h.ctrl.vlans[i].enabled {
			continue
		}
		h.delFlow(macIndex, i)
		vlans++
	}
	if vlans == 0 {
		h.delFlow(macIndex, 0)
	}
	h.macConfigured.Clear(macIndex)
}

// macAddrsAdd installs rules for every address configured in the device
// table. On failure the addresses already installed by this call are
// removed.
func (h *hashRxq) macAddrsAdd() error {
	for i := range h.ctrl.macs {
		if !h.ctrl.macs[i].configured {
			continue
		}
		err := h.macAddrAdd(i)
		if err == nil {
			continue
		}
		// Failure, rollback.
		for i != 0 {
			i--
			h.macAddrDel(i)
		}
		return err
	}
	return nil
}

// macAddrsDel removes the rules of every address from this queue.
func (h *hashRxq) macAddrsDel() {
	for i := range h.ctrl.macs {
		h.macAddrDel(i)
	}
}

// promiscuousEnable installs the promiscuous rule: the queue's protocol
// match chain with no address qualification.
func (h *hashRxq) promiscuousEnable() error {
	if h.promiscFlow != nil {
		return ErrAlreadyActive
	}
	size := BuildFlowMatch(nil, h.typ)
	buf := make([]byte, size)
	BuildFlowMatch(buf, h.typ)

	attr := hw.FlowAttr{
		Kind:     hw.FlowNormal,
		Priority: hashTypeTable[h.typ].priority,
		Port:     h.ctrl.port,
		NumSpecs: matchSpecCount(h.typ),
		Specs:    buf,
	}
	flow, err := h.qp.CreateFlow(&attr)
	if err != nil {
		log.Errorf("%v: promiscuous flow configuration failed: %v", h.typ, err)
		return errors.Wrap(err, "create promiscuous flow failed")
	}
	if flow == nil {
		return ErrInvalidArgument
	}
	h.promiscFlow = flow
	log.Debugf("%v: promiscuous mode enabled", h.typ)
	return nil
}

func (h *hashRxq) promiscuousDisable() {
	if h.promiscFlow == nil {
		return
	}
	if err := h.promiscFlow.Destroy(); err != nil {
		log.Errorf("%v: promiscuous flow destruction failed: %v", h.typ, err)
	}
	h.promiscFlow = nil
	log.Debugf("%v: promiscuous mode disabled", h.typ)
}

// allmulticastEnable installs the all-multicast rule. Multicast and
// unicast filtering are orthogonal, so address rules are untouched.
func (h *hashRxq) allmulticastEnable() error {
	if h.allmultiFlow != nil {
		return ErrAlreadyActive
	}
	attr := hw.FlowAttr{
		Kind: hw.FlowAllMulticast,
		Port: h.ctrl.port,
	}
	flow, err := h.qp.CreateFlow(&attr)
	if err != nil {
		log.Errorf("%v: allmulticast flow configuration failed: %v", h.typ, err)
		return errors.Wrap(err, "create allmulticast flow failed")
	}
	if flow == nil {
		return ErrInvalidArgument
	}
	h.allmultiFlow = flow
	log.Debugf("%v: allmulticast mode enabled", h.typ)
	return nil
}

func (h *hashRxq) allmulticastDisable() {
	if h.allmultiFlow == nil {
		return
	}
	if err := h.allmultiFlow.Destroy(); err != nil {
		log.Errorf("%v: allmulticast flow destruction failed: %v", h.typ, err)
	}
	h.allmultiFlow = nil
	log.Debugf("%v: allmulticast mode disabled", h.typ)
}

// flowCount returns the number of rules currently installed on this
// queue.
func (h *hashRxq) flowCount() int {
	n := 0
	for i := range h.macFlow {
		for j := range h.macFlow[i] {
			if h.macFlow[i][j] != nil {
				n++
			}
		}
	}
	if h.promiscFlow != nil {
		n++
	}
	if h.allmultiFlow != nil {
		n++
	}
	return n
}
