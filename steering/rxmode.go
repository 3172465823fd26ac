package steering

// EnablePromiscuous requests promiscuous mode. While promiscuous is
// active the per-address rules are suspended; they come back when the
// mode is disabled. Enabling an already-enabled mode returns
// ErrAlreadyActive. While the device is not started only the request
// flag is recorded; Start applies it.
func (c *Controller) EnablePromiscuous() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.promiscReq {
		return ErrAlreadyActive
	}
	c.promiscReq = true
	if !c.started {
		return nil
	}
	if err := c.promiscuousEnable(); err != nil {
		c.promiscReq = false
		return err
	}
	return nil
}

// DisablePromiscuous clears promiscuous mode and restores the
// per-address rules. Disabling an inactive mode does nothing.
func (c *Controller) DisablePromiscuous() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.promiscReq {
		return
	}
	c.promiscReq = false
	c.promiscuousDisable()
}

// EnableAllMulticast requests all-multicast mode. Unlike promiscuous it
// coexists with the per-address rules. Enabling twice returns
// ErrAlreadyActive.
func (c *Controller) EnableAllMulticast() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.allmultiReq {
		return ErrAlreadyActive
	}
	c.allmultiReq = true
	if !c.started {
		return nil
	}
	if err := c.allmulticastEnable(); err != nil {
		c.allmultiReq = false
		return err
	}
	return nil
}

// DisableAllMulticast clears all-multicast mode. Disabling an inactive
// mode does nothing.
func (c *Controller) DisableAllMulticast() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.allmultiReq {
		return
	}
	c.allmultiReq = false
	c.allmulticastDisable()
}

// promiscuousEnable suspends the address rules on each hash queue and
// installs the catch-all rule in their place. On failure at queue k the
// catch-all rules of queues 0..k-1 are removed and the address rules of
// every touched queue, k included, are re-installed.
func (c *Controller) promiscuousEnable() error {
	if c.promisc {
		return nil
	}
	for k, h := range c.hashRxqs {
		h.macAddrsDel()
		err := h.promiscuousEnable()
		if err == nil {
			continue
		}
		// Failure, rollback. Queue k got its address rules removed
		// before the catch-all failed, so restore it as well.
		if aerr := h.macAddrsAdd(); aerr != nil {
			log.Errorf("cannot restore address rules: %v", aerr)
		}
		for k != 0 {
			k--
			c.hashRxqs[k].promiscuousDisable()
			if aerr := c.hashRxqs[k].macAddrsAdd(); aerr != nil {
				log.Errorf("cannot restore address rules: %v", aerr)
			}
		}
		return err
	}
	c.promisc = true
	log.Debug("promiscuous mode enabled")
	return nil
}

func (c *Controller) promiscuousDisable() {
	if !c.promisc {
		return
	}
	for _, h := range c.hashRxqs {
		h.promiscuousDisable()
		if !c.started {
			continue
		}
		if err := h.macAddrsAdd(); err != nil {
			log.Errorf("cannot restore address rules: %v", err)
		}
	}
	c.promisc = false
	log.Debug("promiscuous mode disabled")
}

// allmulticastEnable installs the multicast catch-all rule on each hash
// queue, rolling back on failure. Address rules are left alone.
func (c *Controller) allmulticastEnable() error {
	if c.allmulti {
		return nil
	}
	for k, h := range c.hashRxqs {
		err := h.allmulticastEnable()
		if err == nil {
			continue
		}
		// Failure, rollback.
		for k != 0 {
			k--
			c.hashRxqs[k].allmulticastDisable()
		}
		return err
	}
	c.allmulti = true
	log.Debug("all-multicast mode enabled")
	return nil
}

func (c *Controller) allmulticastDisable() {
	if !c.allmulti {
		return
	}
	for _, h := range c.hashRxqs {
		h.allmulticastDisable()
	}
	c.allmulti = false
	log.Debug("all-multicast mode disabled")
}
