package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/google/uuid"

	"github.com/peervault/peervault/internal/blobstore"
	"github.com/peervault/peervault/internal/docstore"
	"github.com/peervault/peervault/internal/eventlog"
	"github.com/peervault/peervault/internal/kvstore"
	"github.com/peervault/peervault/internal/peermgr"
	"github.com/peervault/peervault/internal/persist"
	"github.com/peervault/peervault/internal/session"
	"github.com/peervault/peervault/internal/ticket"
	"github.com/peervault/peervault/internal/transport"
	"github.com/peervault/peervault/internal/vaultkey"
)

const (
	vaultIDKey  = "peervault-vault-id"
	vaultKeyKey = "peervault-vault-key"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "daemon":
		cmdDaemon(args)
	case "ticket":
		cmdTicket(args)
	case "pair":
		cmdPair(args)
	case "events":
		cmdEvents(args)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`peervaultd - P2P vault synchronization daemon

Usage: peervaultd <command> [options]

Commands:
  daemon   Run the sync daemon (accepts pairings, keeps peers live)
  ticket   Print a pairing ticket for this node (QR + code)
  pair     Connect to a peer using its ticket
  events   Search the peer event log
  help     Show this help

Daemon Mode:
  peervaultd daemon --data ~/.peervault-node1 --hostname node1
  peervaultd daemon --data ~/.peervault-node2 --hostname node2 --auto-accept

Pairing:
  peervaultd ticket --data ~/.peervault-node1
  peervaultd pair <ticket-code> --data ~/.peervault-node2 --pin`)
}

type stdLogger struct{}

func (stdLogger) Printf(format string, v ...interface{}) {
	log.Printf(format, v...)
}

// node bundles every component a running peervaultd needs.
type node struct {
	kv        *kvstore.SQLiteAdapter
	persist   *persist.Store
	docs      *docstore.MemStore
	blobs     *blobstore.FSStore
	transport *transport.Transport
	manager   *peermgr.Manager
	events    *eventlog.Log
}

func openNode(ctx context.Context, dataDir string, port int, enableDHT bool, hostname, nickname string, allowAdoption, autoAccept, promptPIN, createVaultKey bool) (*node, error) {
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".peervault")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	kv, err := kvstore.Open(filepath.Join(dataDir, "peervault.db"))
	if err != nil {
		return nil, err
	}

	persistStore, err := persist.New(kv)
	if err != nil {
		kv.Close()
		return nil, err
	}

	vaultID, err := loadOrCreateVaultID(kv)
	if err != nil {
		kv.Close()
		return nil, err
	}
	docs := docstore.NewMemStore(vaultID)

	blobs, err := blobstore.NewFSStore(dataDir)
	if err != nil {
		kv.Close()
		return nil, err
	}

	trCfg := transport.DefaultConfig()
	if port > 0 {
		trCfg.ListenAddrs = []string{fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", port)}
	}
	trCfg.EnableDHT = enableDHT
	trCfg.KeyFile = filepath.Join(dataDir, "identity.key")
	trCfg.Logger = stdLogger{}

	tr, err := transport.New(trCfg)
	if err != nil {
		kv.Close()
		return nil, err
	}
	if err := tr.Start(ctx); err != nil {
		tr.Close()
		kv.Close()
		return nil, err
	}

	mgrCfg := peermgr.DefaultConfig()
	mgrCfg.VaultID = vaultID
	mgrCfg.Hostname = hostname
	mgrCfg.Nickname = nickname
	mgrCfg.AllowVaultAdoption = allowAdoption
	mgrCfg.Logger = stdLogger{}
	if allowAdoption {
		mgrCfg.ConfirmVaultAdoption = func(req *session.VaultAdoptionRequest) {
			log.Printf("🔁 Adopting vault %s from peer %s", req.PeerVaultID, req.NodeID)
			req.Respond(true)
		}
	}
	if promptPIN {
		mgrCfg.PairingPIN = func(peerNodeID string) ([]byte, error) {
			fmt.Printf("🔑 Enter pairing PIN for %s: ", shortID(peerNodeID))
			pin, err := readSecret()
			fmt.Println("")
			return pin, err
		}
	}

	vkey, err := loadVaultKey(kv, createVaultKey)
	if err != nil {
		tr.Close()
		kv.Close()
		return nil, err
	}
	mgrCfg.VaultKey = vkey

	mgr := peermgr.New(tr, docs, blobs, persistStore, mgrCfg)

	evlog, err := eventlog.Open(filepath.Join(dataDir, "events"), 1000)
	if err != nil {
		log.Printf("⚠️  Event log unavailable: %v", err)
		evlog = nil
	}

	n := &node{kv: kv, persist: persistStore, docs: docs, blobs: blobs, transport: tr, manager: mgr, events: evlog}
	go n.pumpEvents(autoAccept)

	if err := mgr.Initialize(ctx); err != nil {
		n.close(ctx)
		return nil, err
	}
	return n, nil
}

func (n *node) close(ctx context.Context) {
	if n.manager != nil {
		n.manager.Shutdown(ctx)
	}
	if n.transport != nil {
		n.transport.Close()
	}
	if n.events != nil {
		n.events.Close()
	}
	if n.kv != nil {
		n.kv.Close()
	}
}

// pumpEvents drains manager events into log lines and the searchable
// event log, and (optionally) auto-accepts pairing requests.
func (n *node) pumpEvents(autoAccept bool) {
	for ev := range n.manager.Events() {
		detail := ""
		switch ev.Kind {
		case "peer:pairing-request":
			if autoAccept {
				log.Printf("🤝 Auto-accepting pairing request from %s", shortID(ev.NodeID))
				ev.Request.Accept()
			} else {
				log.Printf("🤝 Pairing request from %s (restart with --auto-accept, or pair from the other side)", shortID(ev.NodeID))
			}
		case "peer:connected":
			log.Printf("✅ Peer %s connected", shortID(ev.NodeID))
		case "peer:synced":
			log.Printf("🔄 Peer %s synced", shortID(ev.NodeID))
		case "peer:disconnected":
			if ev.Error != nil {
				detail = ev.Error.Error()
				log.Printf("🔌 Peer %s disconnected: %v", shortID(ev.NodeID), ev.Error)
			} else {
				log.Printf("🔌 Peer %s disconnected", shortID(ev.NodeID))
			}
		case "peer:error":
			if ev.Error != nil {
				detail = ev.Error.Error()
			}
			log.Printf("❌ Peer %s error: %v", shortID(ev.NodeID), ev.Error)
		case "peer:discovered":
			log.Printf("🔭 Discovered peer %s via gossip", shortID(ev.NodeID))
		case "peer:health-change":
			detail = fmt.Sprintf("%s -> %s", ev.PreviousQuality, ev.Quality)
			log.Printf("💓 Peer %s link quality %s -> %s", shortID(ev.NodeID), ev.PreviousQuality, ev.Quality)
		case "vaultkey:received":
			if ev.VaultKey != nil {
				if existing, err := n.kv.Read(vaultKeyKey); err == nil && len(existing) == 0 {
					if err := n.kv.Write(vaultKeyKey, ev.VaultKey[:]); err != nil {
						log.Printf("⚠️  Persist vault key: %v", err)
					} else {
						log.Printf("🔐 Adopted vault key from %s", shortID(ev.NodeID))
					}
				} else {
					log.Printf("🔐 Peer %s offered a vault key, keeping ours", shortID(ev.NodeID))
				}
			}
		case "blob:received":
			detail = ev.BlobHash
		case "status:change":
			detail = ev.Status
			log.Printf("ℹ️  Status: %s", ev.Status)
		}

		if n.events != nil {
			if err := n.events.Record(ev.Kind, ev.NodeID, detail, time.Now().UnixMilli()); err != nil {
				log.Printf("⚠️  Record event: %v", err)
			}
		}
	}
}

// loadVaultKey reads the persisted vault key, generating and persisting
// a fresh one if create is set and none exists yet. A node pairing into
// an existing vault runs with no key and adopts the one its peer offers
// during the key exchange.
func loadVaultKey(kv *kvstore.SQLiteAdapter, create bool) (*vaultkey.Key, error) {
	data, err := kv.Read(vaultKeyKey)
	if err != nil {
		return nil, err
	}
	if len(data) == vaultkey.KeySize {
		var k vaultkey.Key
		copy(k[:], data)
		return &k, nil
	}
	if !create {
		return nil, nil
	}
	k, err := vaultkey.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := kv.Write(vaultKeyKey, k[:]); err != nil {
		return nil, err
	}
	return &k, nil
}

func loadOrCreateVaultID(kv *kvstore.SQLiteAdapter) (string, error) {
	data, err := kv.Read(vaultIDKey)
	if err != nil {
		return "", err
	}
	if len(data) > 0 {
		return string(data), nil
	}
	id := uuid.NewString()
	if err := kv.Write(vaultIDKey, []byte(id)); err != nil {
		return "", err
	}
	return id, nil
}

func shortID(nodeID string) string {
	if len(nodeID) <= 12 {
		return nodeID
	}
	return nodeID[:12] + "…"
}

func readSecret() ([]byte, error) {
	return term.ReadPassword(int(os.Stdin.Fd()))
}

func cmdDaemon(args []string) {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory (default: ~/.peervault)")
	port := fs.Int("port", 0, "Port to listen on (0 = random)")
	enableDHT := fs.Bool("dht", false, "Enable DHT for global peer discovery")
	hostname := fs.String("hostname", defaultHostname(), "Hostname shown to peers")
	nickname := fs.String("nickname", "", "Nickname shown to peers")
	allowAdoption := fs.Bool("allow-adoption", false, "Adopt a peer's vault id on mismatch")
	autoAccept := fs.Bool("auto-accept", false, "Accept every pairing request without asking")
	pin := fs.Bool("pin", false, "Authenticate new pairings with a shared PIN")
	fs.Parse(args)

	log.Printf("🚀 Starting peervaultd daemon...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := openNode(ctx, *dataDir, *port, *enableDHT, *hostname, *nickname, *allowAdoption, *autoAccept, *pin, true)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}

	log.Printf("✅ Daemon started, node id %s", n.transport.NodeID())
	if code, err := n.transport.GenerateTicket(); err == nil {
		log.Printf("🎫 Pairing ticket: %s", code)
	}
	log.Printf("📋 Pair another device with: peervaultd pair <ticket>")

	// Print peer summary periodically.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			peers := n.manager.GetPeers()
			if len(peers) == 0 {
				continue
			}
			live := 0
			for _, p := range peers {
				if p.State == session.StateLive {
					live++
				}
			}
			log.Printf("👥 Peers: %d known, %d live", len(peers), live)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("🛑 Shutting down...")
	n.close(context.Background())
	log.Printf("👋 Goodbye!")
}

func cmdTicket(args []string) {
	fs := flag.NewFlagSet("ticket", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory")
	fs.Parse(args)

	dir := *dataDir
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".peervault")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}

	// Share the daemon's persisted identity so the printed ticket dials
	// the same node id the daemon answers as.
	trCfg := transport.DefaultConfig()
	trCfg.KeyFile = filepath.Join(dir, "identity.key")
	trCfg.Logger = stdLogger{}
	tr, err := transport.New(trCfg)
	if err != nil {
		log.Fatalf("Failed to create transport: %v", err)
	}
	defer tr.Close()
	if err := tr.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start transport: %v", err)
	}

	code, err := tr.GenerateTicket()
	if err != nil {
		log.Fatalf("Failed to generate ticket: %v", err)
	}

	if tk, err := ticket.Decode(code); err == nil {
		if qr, err := tk.QRString(); err == nil {
			fmt.Println(qr)
		}
	}
	fmt.Printf("\nTicket: %s\n", code)
	fmt.Printf("Node id: %s\n", tr.NodeID())
}

func cmdPair(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: peervaultd pair <ticket-code> [options]")
		os.Exit(1)
	}
	code := args[0]

	fs := flag.NewFlagSet("pair", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory (default: ~/.peervault)")
	pin := fs.Bool("pin", false, "Authenticate the pairing with a shared PIN")
	timeout := fs.Duration("timeout", 2*time.Minute, "How long to wait for the first sync")
	fs.Parse(args[1:])

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// No vault key is generated here: a node pairing into an existing
	// vault adopts the key its peer offers during the exchange.
	n, err := openNode(ctx, *dataDir, 0, false, defaultHostname(), "", false, false, *pin, false)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer n.close(context.Background())

	log.Printf("📡 Connecting...")
	rec, err := n.manager.AddPeer(ctx, code)
	if err != nil {
		log.Fatalf("Pairing failed: %v", err)
	}
	log.Printf("🤝 Paired with %s, waiting for first sync...", shortID(rec.NodeID))

	deadline := time.After(*timeout)
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			for _, p := range n.manager.GetPeers() {
				if p.NodeID == rec.NodeID && p.LastSynced > 0 {
					log.Printf("✅ Synced with %s", shortID(p.NodeID))
					return
				}
			}
		case <-deadline:
			log.Fatalf("Timed out waiting for the first sync")
		}
	}
}

func cmdEvents(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory (default: ~/.peervault)")
	query := fs.String("q", "", "Full-text query over event details")
	nodeID := fs.String("node", "", "Filter by node id")
	kind := fs.String("kind", "", "Filter by event kind (peer:connected, peer:error, ...)")
	limit := fs.Int("limit", 20, "Maximum events to print")
	fs.Parse(args)

	dir := *dataDir
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".peervault")
	}

	evlog, err := eventlog.Open(filepath.Join(dir, "events"), 1000)
	if err != nil {
		log.Fatalf("Failed to open event log: %v", err)
	}
	defer evlog.Close()

	events, err := evlog.Query(*query, *nodeID, *kind, *limit)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	if len(events) == 0 {
		fmt.Println("No events found.")
		return
	}
	for _, ev := range events {
		ts := time.UnixMilli(ev.Timestamp).Format(time.RFC3339)
		if ev.Detail != "" {
			fmt.Printf("%s  %-22s %s  %s\n", ts, ev.Kind, shortID(ev.NodeID), ev.Detail)
		} else {
			fmt.Printf("%s  %-22s %s\n", ts, ev.Kind, shortID(ev.NodeID))
		}
	}
}

func defaultHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}
