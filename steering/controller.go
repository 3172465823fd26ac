package steering

import (
	"bytes"
	"net"
	"sync"

	"github.com/pkg/errors"

	"rxsteer/hw"
)

// DefaultConfig is used by NewController when cfg is nil.
var DefaultConfig = Config{
	MaxMacAddresses: 128,
	MaxVLANFilters:  128,
}

// Config describes the device-wide steering tables.
type Config struct {
	// MaxMacAddresses is the address table capacity.
	MaxMacAddresses int

	// MaxVLANFilters is the VLAN filter table capacity.
	MaxVLANFilters int

	// Port is the physical port carried by every rule.
	Port uint8

	// RSSKeys optionally overrides the Toeplitz key per hash type;
	// DefaultRSSKey is used otherwise.
	RSSKeys map[HashType][]byte
}

var broadcastAddr = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

type macSlot struct {
	addr       net.HardwareAddr
	configured bool
}

type vlanSlot struct {
	id      uint16
	enabled bool
}

// Controller owns the device-wide steering state: the address table,
// the VLAN filter table, the mode flags and the hash queue set. Every
// operation is serialized by one device-wide lock; no operation yields
// mid-way, each either runs to completion (including rollback) or
// returns an error.
type Controller struct {
	mu  sync.Mutex
	ctx hw.Context

	port    uint8
	macs    []macSlot
	vlans   []vlanSlot
	rssKeys map[HashType][]byte

	started bool

	// promisc/allmulti track installed rules; the req flags track user
	// intent so it survives stop/start.
	promisc     bool
	promiscReq  bool
	allmulti    bool
	allmultiReq bool

	hashRxqs  []*hashRxq
	indTables []hw.IndirectionTable
}

// NewController creates a steering controller for one device.
func NewController(ctx hw.Context, cfg *Config) (*Controller, error) {
	if cfg == nil {
		cfg = &DefaultConfig
	}
	if cfg.MaxMacAddresses <= 0 || cfg.MaxVLANFilters < 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "table capacities")
	}
	c := &Controller{
		ctx:     ctx,
		port:    cfg.Port,
		macs:    make([]macSlot, cfg.MaxMacAddresses),
		vlans:   make([]vlanSlot, cfg.MaxVLANFilters),
		rssKeys: cfg.RSSKeys,
	}
	for i := range c.macs {
		c.macs[i].addr = make(net.HardwareAddr, 6)
	}
	return c, nil
}

// Started reports whether the device is running.
func (c *Controller) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// AddAddress configures addr at the given address table index. The
// broadcast address is rejected; so is an address already configured at
// a different index. If the index held an address before, its rules are
// torn down first. While the device is not started no rules are
// created; they are installed at start. When started, rules are
// installed on every hash queue, and a failure on any queue removes the
// rules already installed on the others before returning. The slot is
// then left unconfigured with the address bytes still written.
func (c *Controller) AddAddress(index int, addr net.HardwareAddr) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if index < 0 || index >= len(c.macs) {
		return errors.Wrapf(ErrOutOfRange, "address index %d", index)
	}
	if len(addr) != 6 {
		return errors.Wrapf(ErrInvalidAddress, "address %s", addr)
	}
	if bytes.Equal(addr, broadcastAddr) {
		return errors.Wrap(ErrInvalidAddress, "broadcast address")
	}
	// Make sure this address isn't configured elsewhere. The target
	// index is skipped, it's about to be reconfigured.
	for i := range c.macs {
		if i == index || !c.macs[i].configured {
			continue
		}
		if bytes.Equal(c.macs[i].addr, addr) {
			return errors.Wrapf(ErrAddressInUse, "address %s at index %d", addr, i)
		}
	}
	if c.macs[index].configured {
		c.macAddrDel(index)
	}
	copy(c.macs[index].addr, addr)
	log.Debugf("adding address %s at index %d", addr, index)
	if !c.started {
		c.macs[index].configured = true
		return nil
	}
	for k, h := range c.hashRxqs {
		err := h.macAddrAdd(index)
		if err == nil {
			continue
		}
		// Failure, rollback.
		for k != 0 {
			k--
			c.hashRxqs[k].macAddrDel(index)
		}
		return err
	}
	c.macs[index].configured = true
	return nil
}

// RemoveAddress removes the rules of the address at index from every
// hash queue and marks the slot unconfigured. Out-of-range indices and
// the broadcast address are reported, not acted upon.
func (c *Controller) RemoveAddress(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if index < 0 || index >= len(c.macs) {
		return errors.Wrapf(ErrOutOfRange, "address index %d", index)
	}
	// The broadcast address never legally occupies a slot; refuse to
	// touch one that claims to hold it.
	if c.macs[index].configured && bytes.Equal(c.macs[index].addr, broadcastAddr) {
		return errors.Wrap(ErrInvalidAddress, "broadcast address")
	}
	log.Debugf("removing address at index %d", index)
	c.macAddrDel(index)
	return nil
}

// macAddrDel removes one address from every hash queue and clears its
// configured bit.
func (c *Controller) macAddrDel(index int) {
	if !c.macs[index].configured {
		return
	}
	for _, h := range c.hashRxqs {
		h.macAddrDel(index)
	}
	c.macs[index].configured = false
}

// EnableAllAddresses installs the rules of every configured address on
// every hash queue; used at device start. A failure on any queue rolls
// back the queues already enabled.
func (c *Controller) EnableAllAddresses() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.macAddrsEnable()
}

// DisableAllAddresses removes the rules of every address from every
// hash queue; the table itself is untouched.
func (c *Controller) DisableAllAddresses() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.macAddrsDisable()
}

func (c *Controller) macAddrsEnable() error {
	for k, h := range c.hashRxqs {
		err := h.macAddrsAdd()
		if err == nil {
			continue
		}
		// Failure, rollback.
		for k != 0 {
			k--
			c.hashRxqs[k].macAddrsDel()
		}
		return err
	}
	return nil
}

func (c *Controller) macAddrsDisable() {
	for _, h := range c.hashRxqs {
		h.macAddrsDel()
	}
}

// SetVLANFilter enables or disables one VLAN identifier. Only enabled
// entries contribute VLAN-qualified rules; while the device is started
// the rules of every configured address are rebuilt to match the new
// set.
func (c *Controller) SetVLANFilter(id uint16, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id > vlanIDMask {
		return errors.Wrapf(ErrOutOfRange, "vlan id %d", id)
	}
	slot := -1
	for i := range c.vlans {
		if c.vlans[i].enabled && c.vlans[i].id == id {
			slot = i
			break
		}
	}
	if on {
		if slot != -1 {
			return nil
		}
		for i := range c.vlans {
			if !c.vlans[i].enabled {
				slot = i
				break
			}
		}
		if slot == -1 {
			return errors.Wrap(ErrOutOfRange, "vlan filter table full")
		}
	} else if slot == -1 {
		return nil
	}
	// Installed rules reflect the current VLAN set; take them down
	// before touching it.
	if c.started {
		c.macAddrsDisable()
	}
	c.vlans[slot] = vlanSlot{id: id, enabled: on}
	log.Debugf("vlan %d filter set to %v", id, on)
	if !c.started {
		return nil
	}
	if err := c.macAddrsEnable(); err != nil {
		// Revert the toggle and restore the previous rules.
		c.vlans[slot].enabled = !on
		if rerr := c.macAddrsEnable(); rerr != nil {
			log.Errorf("vlan rollback failed, address rules disabled: %v", rerr)
		}
		return err
	}
	return nil
}

// Start creates the hash queue set over the given receive work queues,
// installs the rules of every configured address and re-applies the
// requested promiscuous/all-multicast modes. A failure at any step
// unwinds everything in reverse before returning.
func (c *Controller) Start(wqs []hw.WorkQueue) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrAlreadyActive
	}
	if err := c.createHashRxqs(wqs); err != nil {
		return err
	}
	if err := c.macAddrsEnable(); err != nil {
		c.destroyHashRxqs()
		return err
	}
	if c.promiscReq {
		if err := c.promiscuousEnable(); err != nil {
			c.macAddrsDisable()
			c.destroyHashRxqs()
			return err
		}
	}
	if c.allmultiReq {
		if err := c.allmulticastEnable(); err != nil {
			c.promiscuousDisable()
			c.macAddrsDisable()
			c.destroyHashRxqs()
			return err
		}
	}
	c.started = true
	log.Debugf("device started with %d hash queues", len(c.hashRxqs))
	return nil
}

// Stop disables every mode and address rule and destroys the hash queue
// set. The requested mode flags and the address table survive, so a
// subsequent Start restores the same configuration.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return
	}
	// Clearing started first keeps the disable paths from re-installing
	// address rules that are about to go away.
	c.started = false
	c.allmulticastDisable()
	c.promiscuousDisable()
	c.macAddrsDisable()
	c.destroyHashRxqs()
	log.Debug("device stopped")
}
