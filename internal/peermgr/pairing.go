package peermgr

import (
	"sync"
	"time"

	"github.com/peervault/peervault/internal/transport"
)

// PairingRequest is raised for an inbound connection from a node the
// manager doesn't already know. Accept starts a sync session on the
// pending stream; Deny closes it and records a denial for the per-peer
// backoff.
type PairingRequest struct {
	NodeID      string
	mgr         *Manager
	conn        *transport.Connection
	first       []byte
	firstStream *transport.Stream
	onLossUnsub transport.UnsubscribeFunc
}

func (r *PairingRequest) dropLossWatch() {
	if r.onLossUnsub != nil {
		r.onLossUnsub()
		r.onLossUnsub = nil
	}
}

// Accept admits the peer as trusted and begins an acceptor-side sync
// session on the connection that triggered this request.
func (r *PairingRequest) Accept() {
	r.mgr.acceptPairing(r)
}

// Deny closes the connection and records a denial, backing off further
// requests from this node id.
func (r *PairingRequest) Deny() {
	r.mgr.denyPairing(r)
}

// pairingState tracks the four pairing rate-limit layers: a global cap
// on concurrently pending requests, a per-peer request-count window, a
// per-peer denial backoff, and FIFO-capped history ledgers.
type pairingState struct {
	cfg Config

	mu      sync.Mutex
	pending map[string]*PairingRequest
	window  map[string][]int64 // node id -> request timestamps within PairingWindow
	denials map[string]denialRecord
	ledger  []string // FIFO node ids with a request outstanding or historical, capped at LedgerCap
}

type denialRecord struct {
	count      int
	lastDenied int64
}

func newPairingState(cfg Config) *pairingState {
	return &pairingState{
		cfg:     cfg,
		pending: make(map[string]*PairingRequest),
		window:  make(map[string][]int64),
		denials: make(map[string]denialRecord),
	}
}

// admit reports whether a new pairing request from nodeID may proceed,
// applying three of the four layers in order: global cap, denial backoff,
// per-peer window cap. The ledger caps are applied by addPending and
// recordDenial.
func (p *pairingState) admit(nodeID string, now int64) (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pending) >= p.cfg.PairingGlobalCap {
		return false, "too many pending pairing requests"
	}

	if d, ok := p.denials[nodeID]; ok {
		backoff := p.cfg.DenialBackoffBase * time.Duration(1<<uint(d.count-1))
		if backoff > p.cfg.DenialBackoffCap {
			backoff = p.cfg.DenialBackoffCap
		}
		if now-d.lastDenied < backoff.Milliseconds() {
			return false, "denied recently, backing off"
		}
	}

	window := p.window[nodeID]
	cutoff := now - p.cfg.PairingWindow.Milliseconds()
	kept := window[:0]
	for _, ts := range window {
		if ts >= cutoff {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= p.cfg.PairingWindowMax {
		p.window[nodeID] = kept
		return false, "too many pairing requests in window"
	}
	p.window[nodeID] = append(kept, now)

	return true, ""
}

func (p *pairingState) addPending(req *PairingRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[req.NodeID] = req
	p.pushLedger(req.NodeID)
}

func (p *pairingState) removePending(nodeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, nodeID)
}

// recordDenial clears nothing (denial backoff persists across
// requests) but advances the denial counter. A new denial record evicts
// the one denied longest ago once LedgerCap records are held.
func (p *pairingState) recordDenial(nodeID string, now int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, exists := p.denials[nodeID]
	if !exists && p.cfg.LedgerCap > 0 && len(p.denials) >= p.cfg.LedgerCap {
		oldestID, oldest := "", int64(0)
		for id, rec := range p.denials {
			if oldestID == "" || rec.lastDenied < oldest {
				oldestID, oldest = id, rec.lastDenied
			}
		}
		delete(p.denials, oldestID)
	}
	d.count++
	d.lastDenied = now
	p.denials[nodeID] = d
}

// recordAcceptance clears the ledger for nodeID: an accepted pairing
// resets both the request window and any prior denial backoff.
func (p *pairingState) recordAcceptance(nodeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.denials, nodeID)
	delete(p.window, nodeID)
}

// prune drops request timestamps outside the admission window and
// denial records older than the maximum backoff plus an hour.
func (p *pairingState) prune(now int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	windowCutoff := now - p.cfg.PairingWindow.Milliseconds()
	for nodeID, timestamps := range p.window {
		kept := timestamps[:0]
		for _, ts := range timestamps {
			if ts >= windowCutoff {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(p.window, nodeID)
		} else {
			p.window[nodeID] = kept
		}
	}

	denialCutoff := now - (p.cfg.DenialBackoffCap + time.Hour).Milliseconds()
	for nodeID, d := range p.denials {
		if d.lastDenied < denialCutoff {
			delete(p.denials, nodeID)
		}
	}
}

func (p *pairingState) pushLedger(nodeID string) {
	p.ledger = append(p.ledger, nodeID)
	if len(p.ledger) > p.cfg.LedgerCap {
		drop := p.ledger[0]
		p.ledger = p.ledger[1:]
		if _, stillPending := p.pending[drop]; !stillPending {
			delete(p.window, drop)
		}
	}
}

func (m *Manager) acceptPairing(req *PairingRequest) {
	req.dropLossWatch()
	m.pairing.removePending(req.NodeID)
	m.pairing.recordAcceptance(req.NodeID)

	now := nowMillis()
	m.mu.Lock()
	rec, existing := m.peers[req.NodeID]
	if !existing {
		rec = &PeerRecord{NodeID: req.NodeID, FirstSeen: now}
		m.peers[req.NodeID] = rec
	}
	rec.Trusted = true
	rec.LastSeen = now
	delete(m.discovered, req.NodeID)
	m.mu.Unlock()

	m.emit(Event{Kind: "peer:pairing-accepted", NodeID: req.NodeID, Peer: snapshotPeer(rec)})
	m.saveAsync()

	if req.firstStream == nil {
		m.logger.Printf("peermgr: accepted pairing for %s but no pending sync stream", req.NodeID)
		return
	}
	tagged := newInboundTaggedStream(req.firstStream, req.first)
	m.startSession(req.NodeID, tagged, false)
}

func (m *Manager) denyPairing(req *PairingRequest) {
	req.dropLossWatch()
	m.pairing.removePending(req.NodeID)
	m.pairing.recordDenial(req.NodeID, nowMillis())
	m.emit(Event{Kind: "peer:pairing-denied", NodeID: req.NodeID})
	req.conn.Close()
}

func snapshotPeer(p *PeerRecord) *PeerRecord {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}
