// Package session implements the sync session state machine: the
// per-peer protocol driver bound to exactly one stream at construction,
// running version exchange, document update exchange, blob
// reconciliation, and live replication in sequence.
package session

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/peervault/peervault/internal/blobstore"
	"github.com/peervault/peervault/internal/docstore"
	"github.com/peervault/peervault/internal/plog"
	"github.com/peervault/peervault/internal/proto"
)

// State is the session's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateExchangingVersions
	StateSyncing
	StateLive
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateExchangingVersions:
		return "exchanging_versions"
	case StateSyncing:
		return "syncing"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Stream is the minimal per-stream contract the session drives:
// ordered framed messages with send/receive/close.
type Stream interface {
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
	IsOpen() bool
}

// Event is one observable side effect of the session.
type Event struct {
	Kind      string // state:change, sync:complete, sync:progress, ticket:received, peer:info, peer:removed, blob:received, live:updates, ping:rtt, ping:missed, error
	NodeID    string
	State     State
	Error     error
	Ticket    string
	Hostname  string
	Nickname  string
	BlobHash  string
	Reason    string
	HasReason bool
	RTT       time.Duration
	Progress  Progress

	AnnounceKind proto.AnnounceKind
	Entries      []proto.PeerDiscoveryEntry
}

// Progress reports blob-reconciliation counters for sync:progress
// events.
type Progress struct {
	BlobsSent     int
	BlobsReceived int
	BlobsTotal    int
}

// Bandwidth is the session's cumulative wire traffic in frame bytes.
type Bandwidth struct {
	BytesSent     uint64
	BytesReceived uint64
}

// VaultAdoptionRequest is raised when the peer's vault id differs from
// ours and adoption is permitted; Respond must be called within 5
// minutes or it is treated as a denial.
type VaultAdoptionRequest struct {
	NodeID      string
	PeerVaultID string
	OurVaultID  string
	respond     func(bool)
	respondOnce gosync.Once
}

// Respond answers the adoption request. Safe to call at most once;
// subsequent calls are no-ops.
func (r *VaultAdoptionRequest) Respond(accept bool) {
	r.respondOnce.Do(func() { r.respond(accept) })
}

// Config configures a Session.
type Config struct {
	NodeID             string
	PeerNodeID         string // known in advance from the transport connection
	VaultID            string
	Hostname           string
	Nickname           string
	Ticket             string
	PeerIsReadOnly     bool
	AllowVaultAdoption bool

	// ConfirmVaultAdoption, if set, is invoked with a VaultAdoptionRequest
	// when the peer's vault id differs from ours and AllowVaultAdoption is
	// true. If nil, adoption is always denied.
	ConfirmVaultAdoption func(*VaultAdoptionRequest)

	DocStore  docstore.Store
	BlobStore blobstore.Store // optional: nil skips phase 3 entirely

	Logger plog.Logger

	PingInterval        time.Duration
	FlushInterval       time.Duration
	FlushMaxBatch       int
	FlushMaxBytes       int
	DefaultTimeout      time.Duration
	CloseTimeout        time.Duration
	VaultAdoptionWindow time.Duration
}

// DefaultConfig returns the standard protocol timing constants.
func DefaultConfig() Config {
	return Config{
		PingInterval:        15 * time.Second,
		FlushInterval:       15 * time.Millisecond,
		FlushMaxBatch:       100,
		FlushMaxBytes:       1 << 20,
		DefaultTimeout:      30 * time.Second,
		CloseTimeout:        5 * time.Second,
		VaultAdoptionWindow: 5 * time.Minute,
	}
}

// Session drives the protocol over a single stream. Construct with New,
// then call StartSync (initiator) or HandleIncomingSync (acceptor)
// exactly once.
type Session struct {
	id     string
	stream Stream
	cfg    Config
	logger plog.Logger

	mu           gosync.Mutex
	state        State
	peerNodeID   string
	eventsClosed bool

	bytesSent     uint64
	bytesReceived uint64

	outstandingPing uint32 // seq of the last unanswered ping, 0 if none
	pingSentAt      time.Time

	sendMu gosync.Mutex

	events chan Event

	unsubscribeLocal docstore.UnsubscribeFunc

	closeOnce gosync.Once
}

// New constructs a session bound to stream. The session is idle until
// StartSync or HandleIncomingSync is called.
func New(stream Stream, cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = plog.Noop{}
	}
	if cfg.PingInterval == 0 {
		d := DefaultConfig()
		cfg.PingInterval = d.PingInterval
		cfg.FlushInterval = d.FlushInterval
		cfg.FlushMaxBatch = d.FlushMaxBatch
		cfg.FlushMaxBytes = d.FlushMaxBytes
		cfg.DefaultTimeout = d.DefaultTimeout
		cfg.CloseTimeout = d.CloseTimeout
		cfg.VaultAdoptionWindow = d.VaultAdoptionWindow
	}

	return &Session{
		id:         uuid.NewString(),
		stream:     stream,
		cfg:        cfg,
		logger:     logger,
		state:      StateIdle,
		peerNodeID: cfg.PeerNodeID,
		events:     make(chan Event, 64),
	}
}

// ID returns this session's trace id, useful for correlating log lines
// across a session's lifetime.
func (s *Session) ID() string { return s.id }

// Events returns the channel of observable side effects. Callers must
// drain it; once its 64-event buffer is full, further events are dropped
// (and logged) rather than blocking the session.
func (s *Session) Events() <-chan Event { return s.events }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PeerNodeID returns the remote peer's node id as given in
// Config.PeerNodeID when the session was created ("" if none was given).
func (s *Session) PeerNodeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerNodeID
}

// Bandwidth returns the cumulative bytes this session has put on and
// taken off the wire.
func (s *Session) Bandwidth() Bandwidth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Bandwidth{BytesSent: s.bytesSent, BytesReceived: s.bytesReceived}
}

func (s *Session) setState(newState State) {
	s.mu.Lock()
	s.state = newState
	s.mu.Unlock()
	s.emit(Event{Kind: "state:change", State: newState})
}

func (s *Session) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
		// Buffer full: drop rather than block the protocol loop forever.
		// A host application that cannot keep up with its own event
		// channel has a bug; the session must not wedge because of it.
		s.logger.Printf("session %s: event buffer full, dropping %s", s.id, ev.Kind)
	}
}

// StartSync runs the session as initiator. May only be called from
// StateIdle.
func (s *Session) StartSync(ctx context.Context) error {
	if err := s.claimStart(); err != nil {
		return err
	}
	return s.run(ctx, true)
}

// HandleIncomingSync runs the session as acceptor. May only be called
// from StateIdle.
func (s *Session) HandleIncomingSync(ctx context.Context) error {
	if err := s.claimStart(); err != nil {
		return err
	}
	return s.run(ctx, false)
}

func (s *Session) claimStart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return fmt.Errorf("session: protocol_error: start called in state %s", s.state)
	}
	s.state = StateExchangingVersions
	return nil
}

func (s *Session) run(ctx context.Context, initiator bool) error {
	s.emit(Event{Kind: "state:change", State: StateExchangingVersions})

	if err := s.versionExchange(ctx, initiator); err != nil {
		s.fail(err)
		return err
	}

	s.setState(StateSyncing)

	if err := s.updateExchange(ctx, initiator); err != nil {
		s.fail(err)
		return err
	}

	if s.cfg.BlobStore != nil {
		if err := s.blobReconciliation(ctx, initiator); err != nil {
			// Aggregate blob failures are logged, not fatal: only a hard
			// protocol/transport error here aborts.
			s.fail(err)
			return err
		}
	}

	s.setState(StateLive)
	s.emit(Event{Kind: "sync:complete", NodeID: s.peerNodeID})

	err := s.liveLoop(ctx)
	if err != nil {
		s.fail(err)
		return err
	}
	return nil
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	alreadyTerminal := s.state == StateClosed || s.state == StateError
	s.state = StateError
	s.mu.Unlock()
	if alreadyTerminal {
		return
	}
	s.emit(Event{Kind: "state:change", State: StateError})
	s.emit(Event{Kind: "error", NodeID: s.peerNodeID, Error: err})
}

// sendFrame serializes and sends a protocol message. Guarded by sendMu so
// the live loop's own writes (pings, batched updates) never interleave
// on the wire with an out-of-band send like SendPeerAnnouncement.
func (s *Session) sendFrame(m *proto.Message) error {
	data, err := proto.Serialize(m)
	if err != nil {
		return fmt.Errorf("session: protocol_error: serialize: %w", err)
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.stream.Send(data); err != nil {
		return fmt.Errorf("session: stream send: %w", err)
	}
	s.mu.Lock()
	s.bytesSent += uint64(len(data))
	s.mu.Unlock()
	return nil
}

// SendPeerAnnouncement gossips a peer_announcement frame over this
// session's stream. Safe to call concurrently
// with the live loop.
func (s *Session) SendPeerAnnouncement(kind proto.AnnounceKind, entries []proto.PeerDiscoveryEntry) error {
	return s.sendFrame(&proto.Message{
		Type: proto.TypePeerAnnouncement,
		PeerAnnouncement: &proto.PeerAnnouncement{
			Timestamp: nowMillis(),
			Kind:      kind,
			Entries:   entries,
		},
	})
}

// SendPeerRemoved tells the peer it has been removed, e.g. in response
// to a host-initiated RemovePeer. Safe to call concurrently with the
// live loop.
func (s *Session) SendPeerRemoved(reason string) error {
	return s.sendFrame(&proto.Message{
		Type: proto.TypePeerRemoved,
		PeerRemoved: &proto.PeerRemoved{
			Timestamp: nowMillis(),
			Reason:    reason,
			HasReason: reason != "",
		},
	})
}

// receiveFrame receives and deserializes the next protocol message.
func (s *Session) receiveFrame() (*proto.Message, error) {
	data, err := s.stream.Receive()
	if err != nil {
		return nil, fmt.Errorf("session: stream receive: %w", err)
	}
	s.mu.Lock()
	s.bytesReceived += uint64(len(data))
	s.mu.Unlock()
	m, err := proto.Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("session: protocol_error: invalid frame: %w", err)
	}
	return m, nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Close shuts down the session: unsubscribes from the document store,
// closes the stream (racing against CloseTimeout so a wedged peer can't
// block shutdown), transitions to closed, and closes the events channel
// so subscribers ranging over it exit.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.unsubscribeLocal != nil {
			s.unsubscribeLocal()
		}

		done := make(chan error, 1)
		go func() { done <- s.stream.Close() }()

		select {
		case err = <-done:
		case <-time.After(s.cfg.CloseTimeout):
			err = fmt.Errorf("session: close timed out")
		}

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		s.emit(Event{Kind: "state:change", State: StateClosed})

		s.mu.Lock()
		s.eventsClosed = true
		s.mu.Unlock()
		close(s.events)
	})
	return err
}
