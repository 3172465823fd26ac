// Command steering drives the receive steering stack end to end against
// an in-memory device: it builds a buffer pool, a set of receive rings,
// the hash queue fabric on top of them, then walks the address table
// and the receive mode toggles while printing what the device sees.
package main

import (
	"flag"
	"net"

	log "github.com/sirupsen/logrus"

	"rxsteer/hw"
	"rxsteer/hw/sim"
	"rxsteer/mempool"
	"rxsteer/rxq"
	"rxsteer/steering"
)

func main() {
	queues := flag.Int("queues", 4, "number of receive rings")
	descs := flag.Int("descs", 64, "descriptors per ring")
	mac := flag.String("mac", "02:00:00:00:00:01", "unicast address to steer")
	vlan := flag.Int("vlan", 0, "vlan id to filter, 0 disables")
	flag.Parse()

	addr, err := net.ParseMAC(*mac)
	if err != nil {
		log.WithError(err).Fatal("parse mac failed")
	}

	dev := sim.New(nil)

	pool, err := mempool.New(&mempool.Config{
		BufCount: *queues * *descs,
		BufLen:   2048,
		Headroom: 128,
	})
	if err != nil {
		log.WithError(err).Fatal("create pool failed")
	}

	rings := make([]*rxq.Ring, *queues)
	wqs := make([]hw.WorkQueue, *queues)
	for i := range rings {
		rings[i] = rxq.New(dev, pool)
		if err = rings[i].Setup(&rxq.Config{
			MaxFrameLen: 1500,
			SegsPerDesc: 4,
			DescCount:   *descs,
		}); err != nil {
			log.WithError(err).Fatalf("ring %d setup failed", i)
		}
		wqs[i] = rings[i].WorkQueue()
	}
	log.Infof("%d rings ready, %d buffers in flight", *queues, pool.InUse())

	ctrl, err := steering.NewController(dev, nil)
	if err != nil {
		log.WithError(err).Fatal("create controller failed")
	}

	if *vlan > 0 {
		if err = ctrl.SetVLANFilter(uint16(*vlan), true); err != nil {
			log.WithError(err).Fatal("vlan filter failed")
		}
	}
	if err = ctrl.AddAddress(0, addr); err != nil {
		log.WithError(err).Fatal("add address failed")
	}
	if err = ctrl.Start(wqs); err != nil {
		log.WithError(err).Fatal("start failed")
	}
	log.Infof("started: %d hash queues, %d rules", dev.LiveHashQueues(), dev.LiveFlows())

	if err = ctrl.EnableAllMulticast(); err != nil {
		log.WithError(err).Fatal("allmulticast failed")
	}
	log.Infof("allmulticast on: %d rules", dev.LiveFlows())

	if err = ctrl.EnablePromiscuous(); err != nil {
		log.WithError(err).Fatal("promiscuous failed")
	}
	log.Infof("promiscuous on, address rules suspended: %d rules", dev.LiveFlows())

	ctrl.DisablePromiscuous()
	log.Infof("promiscuous off, address rules restored: %d rules", dev.LiveFlows())

	// Grow the accepted frame size past one buffer and back, reusing
	// the same buffers.
	for i, r := range rings {
		if err = r.Rehash(true); err != nil {
			log.WithError(err).Fatalf("ring %d rehash failed", i)
		}
	}
	log.Infof("rings rehashed to scatter/gather, %d buffers in flight", pool.InUse())
	for i, r := range rings {
		if err = r.Rehash(false); err != nil {
			log.WithError(err).Fatalf("ring %d rehash failed", i)
		}
	}

	ctrl.Stop()
	for i, r := range rings {
		if err = r.Teardown(); err != nil {
			log.WithError(err).Errorf("ring %d teardown failed", i)
		}
	}
	log.Infof("stopped: %d rules, %d buffers in flight", dev.LiveFlows(), pool.InUse())
}
