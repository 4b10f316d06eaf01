package transport

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	kaddht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"

	"github.com/peervault/peervault/internal/plog"
)

// rendezvousNamespace is the DHT advertising namespace PeerVault nodes
// use to find each other globally, independent of any single ticket.
const rendezvousNamespace = "/peervault/1.0.0"

// dhtDiscovery runs a Kademlia DHT in auto-server mode purely to advertise
// and discover PeerVault nodes; it does not serve as a data store. Nodes
// it finds are only logged.
type dhtDiscovery struct {
	host      host.Host
	dht       *kaddht.IpfsDHT
	discovery *drouting.RoutingDiscovery
	logger    plog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup
}

func newDHTDiscovery(ctx context.Context, h host.Host, logger plog.Logger) (*dhtDiscovery, error) {
	dctx, cancel := context.WithCancel(ctx)

	kdht, err := kaddht.New(dctx, h, kaddht.Mode(kaddht.ModeAutoServer), kaddht.BootstrapPeers(kaddht.GetDefaultBootstrapPeerAddrInfos()...))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("discovery: create dht: %w", err)
	}

	d := &dhtDiscovery{host: h, dht: kdht, logger: logger, ctx: dctx, cancel: cancel}

	if err := kdht.Bootstrap(dctx); err != nil {
		cancel()
		return nil, fmt.Errorf("discovery: bootstrap: %w", err)
	}

	d.wg.Add(1)
	go d.advertiseAndDiscover()

	return d, nil
}

func (d *dhtDiscovery) advertiseAndDiscover() {
	defer d.wg.Done()

	d.discovery = drouting.NewRoutingDiscovery(d.dht)
	dutil.Advertise(d.ctx, d.discovery, rendezvousNamespace)
	d.logger.Printf("dht discovery: advertising at %s", rendezvousNamespace)

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.findPeers()
		}
	}
}

func (d *dhtDiscovery) findPeers() {
	ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	defer cancel()

	peerCh, err := d.discovery.FindPeers(ctx, rendezvousNamespace)
	if err != nil {
		return
	}
	for pi := range peerCh {
		if pi.ID == d.host.ID() || len(pi.Addrs) == 0 {
			continue
		}
		d.logger.Printf("dht discovery: found node %s", pi.ID.String())
	}
}

func (d *dhtDiscovery) Stop() error {
	d.cancel()
	d.wg.Wait()
	return d.dht.Close()
}
