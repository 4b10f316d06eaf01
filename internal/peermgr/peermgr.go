// Package peermgr implements the peer manager: it owns every peer
// record and session, every periodic timer, inbound-connection
// handling, pairing rate limits, gossip, and persistence.
package peermgr

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/peervault/peervault/internal/blobstore"
	"github.com/peervault/peervault/internal/docstore"
	"github.com/peervault/peervault/internal/persist"
	"github.com/peervault/peervault/internal/plog"
	"github.com/peervault/peervault/internal/session"
	"github.com/peervault/peervault/internal/transport"
	"github.com/peervault/peervault/internal/vaultkey"
)

// Config configures a Manager. New treats a Config whose
// MaxReconnectAttempts is zero as unset and replaces all of its timing and
// rate-limit fields with DefaultConfig's values, keeping the vault,
// name, adoption, PIN, key and logger fields; otherwise every field is
// used as given, zero values included.
type Config struct {
	VaultID  string
	Hostname string
	Nickname string

	AllowVaultAdoption   bool
	ConfirmVaultAdoption func(*session.VaultAdoptionRequest)

	// PairingPIN, if set, supplies the out-of-band PIN both sides of a
	// new pairing use to authenticate the vault-key exchange. Nil skips
	// the exchange entirely (sync still proceeds, unauthenticated).
	PairingPIN func(peerNodeID string) ([]byte, error)

	// VaultKey, if set, is handed to newly paired peers over the
	// key-exchange stream, wrapped under the PIN-derived key. Peers
	// receive it as a vaultkey:received event.
	VaultKey *vaultkey.Key

	MaxReconnectAttempts int
	ReconnectBackoffBase time.Duration
	ReconnectBackoffCap  time.Duration
	CleanDisconnectDelay time.Duration

	PairingGlobalCap  int
	PairingWindow     time.Duration
	PairingWindowMax  int
	DenialBackoffBase time.Duration
	DenialBackoffCap  time.Duration
	LedgerCap         int

	TombstoneTTL time.Duration

	AnnounceDedupeTTL  time.Duration
	AnnounceRateLimit  int
	ReannounceInterval time.Duration
	ReconcileInterval  time.Duration
	RepairInterval     time.Duration
	RepairStaleAfter   time.Duration

	DiscoveryQueueConcurrency int
	DiscoveryRetryMax         int
	DiscoveryRetryBase        time.Duration

	StreamTypeTimeout time.Duration

	Logger plog.Logger
}

// DefaultConfig returns the standard timing and rate-limit constants.
func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: 10,
		ReconnectBackoffBase: 500 * time.Millisecond,
		ReconnectBackoffCap:  30 * time.Second,
		CleanDisconnectDelay: 5 * time.Second,

		PairingGlobalCap:  10,
		PairingWindow:     60 * time.Second,
		PairingWindowMax:  3,
		DenialBackoffBase: 30 * time.Second,
		DenialBackoffCap:  time.Hour,
		LedgerCap:         100,

		TombstoneTTL: time.Hour,

		AnnounceDedupeTTL:  5 * time.Minute,
		AnnounceRateLimit:  20,
		ReannounceInterval: 2 * time.Minute,
		ReconcileInterval:  5 * time.Minute,
		RepairInterval:     30 * time.Second,
		RepairStaleAfter:   60 * time.Second,

		DiscoveryQueueConcurrency: 3,
		DiscoveryRetryMax:         3,
		DiscoveryRetryBase:        2 * time.Second,

		StreamTypeTimeout: 10 * time.Second,
	}
}

// PeerRecord is a known, paired peer.
type PeerRecord struct {
	NodeID     string
	Ticket     string
	Trusted    bool
	Hostname   string
	Nickname   string
	FirstSeen  int64
	LastSeen   int64
	LastSynced int64
	State      session.State

	// Health is attached to snapshots only, once at least one ping
	// round trip or miss has been observed.
	Health *Health

	// Cumulative wire traffic across every session with this peer.
	BytesSent     uint64
	BytesReceived uint64
}

// DiscoveredPeer is a peer learned about via gossip but not yet paired.
// Expires DiscoveredPeerTTL after DiscoveredAt if no connection arrives.
type DiscoveredPeer struct {
	NodeID       string
	Ticket       string
	LastSeen     int64
	DiscoveredAt int64
}

// DiscoveredPeerTTL is how long a gossip-discovered entry waits for a
// connection before the cleanup sweep drops it.
const DiscoveredPeerTTL = 5 * time.Minute

// Tombstone marks a removed peer so gossip can't resurrect it.
type Tombstone struct {
	NodeID    string
	RemovedAt int64
	Reason    string
}

// Event is one observable side effect surfaced to the host.
type Event struct {
	Kind            string // peer:connected, peer:disconnected, peer:synced, peer:error, peer:pairing-request, peer:pairing-accepted, peer:pairing-denied, peer:discovered, peer:health-change, vault:adoption-request, vaultkey:received, status:change, blob:received, live:updates
	NodeID          string
	Peer            *PeerRecord
	Reason          string
	HasReason       bool
	Error           error
	Quality         string
	PreviousQuality string
	BlobHash        string
	Request         *PairingRequest
	VaultKey        *vaultkey.Key
	Status          string
}

type peerSession struct {
	sess        *session.Session
	cancel      context.CancelFunc
	nodeID      string
	isInitiator bool
}

// Manager owns every peer record, session, timer, and ledger.
type Manager struct {
	cfg       Config
	transport *transport.Transport
	localID   string
	docStore  docstore.Store
	blobStore blobstore.Store
	persist   *persist.Store
	logger    plog.Logger

	events chan Event

	mu         sync.Mutex
	peers      map[string]*PeerRecord
	sessions   map[string]*peerSession
	discovered map[string]*DiscoveredPeer
	tombstones map[string]*Tombstone
	health     map[string]*Health

	reconnectTimers   map[string]*time.Timer
	reconnectAttempts map[string]reconnectState
	addPeerInFlight   map[string]bool

	pairing *pairingState

	seenAnnouncements  map[string]int64
	announceRateWindow map[string][]int64

	discoveryQueue *discoveryQueue

	tickers []*time.Ticker
	stopCh  chan struct{}

	initialized  bool
	shuttingDown chan struct{}
	lastStatus   string

	unsubscribeInbound transport.UnsubscribeFunc
}

// New constructs a Manager. Call Initialize before use.
func New(tr *transport.Transport, docStore docstore.Store, blobStore blobstore.Store, persistStore *persist.Store, cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = plog.Noop{}
	}
	if cfg.MaxReconnectAttempts == 0 {
		d := DefaultConfig()
		d.VaultID, d.Hostname, d.Nickname = cfg.VaultID, cfg.Hostname, cfg.Nickname
		d.AllowVaultAdoption, d.ConfirmVaultAdoption = cfg.AllowVaultAdoption, cfg.ConfirmVaultAdoption
		d.PairingPIN = cfg.PairingPIN
		d.VaultKey = cfg.VaultKey
		d.Logger = logger
		cfg = d
	}

	localID := ""
	if tr != nil {
		localID = tr.NodeID()
	}

	m := &Manager{
		cfg:       cfg,
		transport: tr,
		localID:   localID,
		docStore:  docStore,
		blobStore: blobStore,
		persist:   persistStore,
		logger:    logger,

		events: make(chan Event, 256),

		peers:      make(map[string]*PeerRecord),
		sessions:   make(map[string]*peerSession),
		discovered: make(map[string]*DiscoveredPeer),
		tombstones: make(map[string]*Tombstone),
		health:     make(map[string]*Health),

		reconnectTimers:   make(map[string]*time.Timer),
		reconnectAttempts: make(map[string]reconnectState),
		addPeerInFlight:   make(map[string]bool),

		pairing: newPairingState(cfg),

		seenAnnouncements:  make(map[string]int64),
		announceRateWindow: make(map[string][]int64),

		stopCh: make(chan struct{}),
	}
	m.discoveryQueue = newDiscoveryQueue(m)
	return m
}

// Events returns the channel of observable side effects.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Printf("peermgr: event buffer full, dropping %s", ev.Kind)
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// Initialize loads persisted state, subscribes to inbound connections,
// and starts every periodic timer. Idempotent: a second call while
// already initialized is a no-op; a call while a prior instance is
// shutting down awaits that shutdown first, which keeps host-app
// reloads from racing two managers over the same state.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	shuttingDown := m.shuttingDown
	m.mu.Unlock()

	if shuttingDown != nil {
		<-shuttingDown
	}

	if err := m.loadPersisted(); err != nil {
		m.logger.Printf("peermgr: load persisted state: %v", err)
	}

	m.unsubscribeInbound = m.transport.SubscribeInbound(func(c *transport.Connection) {
		m.handleInboundConnection(ctx, c)
	})

	m.startTimers(ctx)

	m.mu.Lock()
	m.initialized = true
	m.lastStatus = "idle"
	m.mu.Unlock()

	m.emit(Event{Kind: "status:change", Status: "idle"})
	return nil
}

// recomputeStatus derives the aggregate status surfaced as
// status:change (idle | syncing | offline | error) and emits it only on
// transitions.
func (m *Manager) recomputeStatus() {
	m.mu.Lock()
	syncing, errored := false, false
	for _, ps := range m.sessions {
		switch ps.sess.State() {
		case session.StateExchangingVersions, session.StateSyncing:
			syncing = true
		}
	}
	for _, p := range m.peers {
		if p.State == session.StateError {
			errored = true
		}
	}
	status := "idle"
	switch {
	case syncing:
		status = "syncing"
	case errored:
		status = "error"
	}
	changed := status != m.lastStatus
	m.lastStatus = status
	m.mu.Unlock()

	if changed {
		m.emit(Event{Kind: "status:change", Status: status})
	}
}

// Shutdown cancels every timer, unsubscribes from transport callbacks,
// closes every session, flushes pending writes, and clears tracking
// maps. Safe to call more than once; the second call joins the first.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return nil
	}
	if m.shuttingDown != nil {
		done := m.shuttingDown
		m.mu.Unlock()
		<-done
		return nil
	}
	done := make(chan struct{})
	m.shuttingDown = done
	m.mu.Unlock()

	close(m.stopCh)
	for _, tk := range m.tickers {
		tk.Stop()
	}
	if m.unsubscribeInbound != nil {
		m.unsubscribeInbound()
	}

	m.mu.Lock()
	for _, t := range m.reconnectTimers {
		t.Stop()
	}
	sessions := make([]*peerSession, 0, len(m.sessions))
	for _, ps := range m.sessions {
		sessions = append(sessions, ps)
	}
	m.mu.Unlock()

	for _, ps := range sessions {
		ps.cancel()
		_ = ps.sess.Close()
	}

	m.savePersisted()

	m.mu.Lock()
	m.peers = make(map[string]*PeerRecord)
	m.sessions = make(map[string]*peerSession)
	m.discovered = make(map[string]*DiscoveredPeer)
	m.tombstones = make(map[string]*Tombstone)
	m.health = make(map[string]*Health)
	m.reconnectTimers = make(map[string]*time.Timer)
	m.reconnectAttempts = make(map[string]reconnectState)
	m.initialized = false
	m.shuttingDown = nil
	m.mu.Unlock()

	m.emit(Event{Kind: "status:change", Status: "offline"})
	close(done)
	return nil
}

// GetPeers returns a snapshot of every known peer, sorted by node id,
// with health attached where any ping data exists.
func (m *Manager) GetPeers() []PeerRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PeerRecord, 0, len(m.peers))
	for _, p := range m.peers {
		cp := *p
		cp.Health = m.health[p.NodeID].clone()
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// GetDiscoveredPeers returns a snapshot of every discovered-but-unpaired peer.
func (m *Manager) GetDiscoveredPeers() []DiscoveredPeer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DiscoveredPeer, 0, len(m.discovered))
	for _, p := range m.discovered {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// RemovePeer deletes the peer record and session, writing a tombstone
// so gossip can't resurrect the peer for the next hour.
func (m *Manager) RemovePeer(nodeID, reason string) error {
	return m.tombstonePeer(nodeID, reason, true)
}

func (m *Manager) nodeID() string { return m.localID }

func (m *Manager) ourNodeIDIsHigher(peerNodeID string) bool {
	return m.nodeID() > peerNodeID
}
