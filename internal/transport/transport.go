// Package transport implements the reliable byte-stream abstraction the
// sync session and peer manager depend on: stable node identity,
// ticket-based connection establishment, multiplexed per-connection
// streams, RTT observation, and connection-type classification. Built
// on go-libp2p.
package transport

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"strings"
	gosync "sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"

	"github.com/peervault/peervault/internal/plog"
	"github.com/peervault/peervault/internal/ticket"
)

// ProtocolID identifies the PeerVault sync wire protocol on the libp2p
// multiplexer.
const ProtocolID = "/peervault/sync/1.0.0"

// UnsubscribeFunc drops a subscription. Safe to call more than once.
type UnsubscribeFunc func()

// Config configures a Transport.
type Config struct {
	ListenAddrs  []string
	EnableDHT    bool
	TicketExpiry time.Duration

	// KeyFile, if set, persists the host's identity key there so the
	// node id survives restarts. Empty means an ephemeral identity,
	// which is only useful in tests.
	KeyFile string

	Logger plog.Logger
}

// DefaultConfig returns sane defaults: listen on any free TCP port, no
// global DHT discovery (opt-in), tickets valid for the standard
// lifetime.
func DefaultConfig() Config {
	return Config{
		ListenAddrs:  []string{"/ip4/0.0.0.0/tcp/0"},
		EnableDHT:    false,
		TicketExpiry: ticket.DefaultExpiry,
	}
}

// Transport is the libp2p-backed transport.
type Transport struct {
	host   host.Host
	config Config
	logger plog.Logger

	discovery *dhtDiscovery

	mu           gosync.RWMutex
	connections  map[peer.ID]*Connection
	subscribers  map[int]func(*Connection)
	nextSubID    int

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Transport listening on cfg.ListenAddrs. Call Start to
// begin accepting inbound streams and (if enabled) DHT discovery.
func New(cfg Config) (*Transport, error) {
	listenAddrs := make([]multiaddr.Multiaddr, len(cfg.ListenAddrs))
	for i, addr := range cfg.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("transport: invalid listen address %s: %w", addr, err)
		}
		listenAddrs[i] = ma
	}

	opts := []libp2p.Option{libp2p.ListenAddrs(listenAddrs...)}
	if cfg.KeyFile != "" {
		priv, err := loadOrCreateIdentity(cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.Identity(priv))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: create host: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = plog.Noop{}
	}
	if cfg.TicketExpiry == 0 {
		cfg.TicketExpiry = ticket.DefaultExpiry
	}

	return &Transport{
		host:        h,
		config:      cfg,
		logger:      logger,
		connections: make(map[peer.ID]*Connection),
		subscribers: make(map[int]func(*Connection)),
	}, nil
}

// Start begins listening for inbound streams and, if enabled, DHT-based
// discovery.
func (t *Transport) Start(ctx context.Context) error {
	t.ctx, t.cancel = context.WithCancel(ctx)

	t.host.SetStreamHandler(protocol.ID(ProtocolID), t.handleIncomingStream)
	t.host.Network().Notify(&connNotifiee{t: t})

	if t.config.EnableDHT {
		disc, err := newDHTDiscovery(t.ctx, t.host, t.logger)
		if err != nil {
			return fmt.Errorf("transport: start dht: %w", err)
		}
		t.discovery = disc
	}

	t.logger.Printf("transport started, node id %s, listening on %v", t.NodeID(), t.host.Addrs())
	return nil
}

// Close shuts down the transport and every tracked connection.
func (t *Transport) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.discovery != nil {
		t.discovery.Stop()
	}

	t.mu.Lock()
	for _, c := range t.connections {
		c.Close()
	}
	t.mu.Unlock()

	return t.host.Close()
}

// NodeID returns this transport's stable node identifier.
func (t *Transport) NodeID() string {
	return t.host.ID().String()
}

// GenerateTicket mints a fresh signed ticket bearers can use to dial
// this node.
func (t *Transport) GenerateTicket() (string, error) {
	addrs := t.dialableAddrs()
	pubKey := t.host.Peerstore().PubKey(t.host.ID())
	privKey := t.host.Peerstore().PrivKey(t.host.ID())
	if pubKey == nil || privKey == nil {
		return "", fmt.Errorf("transport: host has no keypair")
	}

	tk, err := ticket.Issue(t.NodeID(), addrs, pubKey, privKey, t.config.TicketExpiry)
	if err != nil {
		return "", err
	}
	return tk.Encode()
}

// dialableAddrs returns up to two of this host's addresses, preferring
// non-loopback ones so tickets scanned on another machine stay
// dialable.
func (t *Transport) dialableAddrs() []string {
	addrs := t.host.Addrs()
	out := make([]string, 0, 2)
	for _, a := range addrs {
		s := a.String()
		if strings.Contains(s, "127.0.0.1") || strings.Contains(s, "::1") {
			continue
		}
		out = append(out, s)
		if len(out) >= 2 {
			break
		}
	}
	if len(out) == 0 && len(addrs) > 0 {
		out = append(out, addrs[0].String())
	}
	return out
}

// ConnectWithTicket decodes ticketStr and dials the node it names,
// returning a Connection carrying that peer's node id.
func (t *Transport) ConnectWithTicket(ctx context.Context, ticketStr string) (*Connection, error) {
	tk, err := ticket.Decode(ticketStr)
	if err != nil {
		return nil, fmt.Errorf("transport: decode ticket: %w", err)
	}

	peerID, err := peer.Decode(tk.NodeID)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid node id in ticket: %w", err)
	}

	addrInfo := peer.AddrInfo{ID: peerID}
	for _, addrStr := range tk.Addresses {
		ma, err := multiaddr.NewMultiaddr(addrStr)
		if err != nil {
			continue
		}
		addrInfo.Addrs = append(addrInfo.Addrs, ma)
	}
	if len(addrInfo.Addrs) == 0 {
		return nil, fmt.Errorf("transport: ticket carries no usable addresses")
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := t.host.Connect(dialCtx, addrInfo); err != nil {
		return nil, fmt.Errorf("transport: connect: %w", err)
	}

	return t.connectionFor(peerID), nil
}

// SubscribeInbound registers callback to be invoked with each
// Connection as it is first observed, whether by carrying an inbound
// stream or by an outbound ConnectWithTicket to a new peer. Any
// connections already queued before registration are delivered too.
func (t *Transport) SubscribeInbound(callback func(*Connection)) UnsubscribeFunc {
	t.mu.Lock()
	id := t.nextSubID
	t.nextSubID++
	t.subscribers[id] = callback

	// Drain connections already observed before this subscription.
	pending := make([]*Connection, 0, len(t.connections))
	for _, c := range t.connections {
		pending = append(pending, c)
	}
	t.mu.Unlock()

	for _, c := range pending {
		callback(c)
	}

	return func() {
		t.mu.Lock()
		delete(t.subscribers, id)
		t.mu.Unlock()
	}
}

// connectionFor returns the tracked Connection for peerID, creating and
// announcing it to subscribers if this is the first time it's seen.
func (t *Transport) connectionFor(peerID peer.ID) *Connection {
	t.mu.Lock()
	c, ok := t.connections[peerID]
	var isNew bool
	if !ok {
		c = newConnection(t.host, peerID)
		t.connections[peerID] = c
		isNew = true
	}
	subs := make([]func(*Connection), 0, len(t.subscribers))
	for _, cb := range t.subscribers {
		subs = append(subs, cb)
	}
	t.mu.Unlock()

	if isNew {
		for _, cb := range subs {
			cb(c)
		}
	}
	return c
}

func (t *Transport) handleIncomingStream(s network.Stream) {
	remote := s.Conn().RemotePeer()
	c := t.connectionFor(remote)
	c.pushInboundStream(newStream(s))
}

// connNotifiee watches the libp2p network so a remote going away is
// surfaced through Connection.OnClose (pending pairing requests, for
// one, must be evicted when their connection drops).
type connNotifiee struct {
	t *Transport
}

func (n *connNotifiee) Disconnected(net network.Network, conn network.Conn) {
	remote := conn.RemotePeer()
	if len(net.ConnsToPeer(remote)) > 0 {
		return // another physical connection to the same peer survives
	}

	n.t.mu.Lock()
	c, ok := n.t.connections[remote]
	if ok {
		delete(n.t.connections, remote)
	}
	n.t.mu.Unlock()

	if ok {
		c.markDisconnected()
	}
}

func (n *connNotifiee) Connected(network.Network, network.Conn)      {}
func (n *connNotifiee) Listen(network.Network, multiaddr.Multiaddr)  {}
func (n *connNotifiee) ListenClose(network.Network, multiaddr.Multiaddr) {}

// Host exposes the underlying libp2p host for components (e.g. DHT
// discovery wiring in cmd/peervaultd) that need it directly.
func (t *Transport) Host() host.Host {
	return t.host
}

// loadOrCreateIdentity reads a marshalled private key from path, or
// generates a fresh Ed25519 key and persists it there.
func loadOrCreateIdentity(path string) (crypto.PrivKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("transport: corrupt identity key %s: %w", path, err)
		}
		return priv, nil
	}

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("transport: generate identity: %w", err)
	}
	data, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("transport: persist identity: %w", err)
	}
	return priv, nil
}
