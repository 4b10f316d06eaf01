// Package proto implements the PeerVault wire codec: a deterministic,
// self-describing binary framing for the closed set of sync protocol
// messages. Every frame is one byte of type, eight bytes of big-endian
// millisecond timestamp, then a type-specific payload. The codec never
// does I/O — it only serializes to and deserializes from byte slices.
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Type identifies the kind of a frame.
type Type uint8

const (
	TypeVersionInfo       Type = 0x01
	TypeUpdates           Type = 0x02
	TypeSnapshotRequest   Type = 0x03
	TypeSnapshot          Type = 0x04
	TypeSnapshotChunk     Type = 0x05
	TypeSyncComplete      Type = 0x06
	TypeError             Type = 0x07
	TypePing              Type = 0x08
	TypePong              Type = 0x09
	TypeBlobHashes        Type = 0x10
	TypeBlobRequest       Type = 0x11
	TypeBlobData          Type = 0x12
	TypeBlobSyncComplete  Type = 0x13
	TypePeerRemoved       Type = 0x20
	TypePeerAnnouncement  Type = 0x21
)

// AnnounceKind identifies why a PEER_ANNOUNCEMENT frame was sent.
type AnnounceKind uint8

const (
	AnnounceJoined     AnnounceKind = 0
	AnnounceDiscovered AnnounceKind = 1
	AnnounceUpdated    AnnounceKind = 2
)

// ErrorCode identifies the reason carried by an ERROR frame.
type ErrorCode uint8

const (
	ErrUnknown         ErrorCode = 0
	ErrVersionMismatch ErrorCode = 1
	ErrVaultMismatch   ErrorCode = 2
	ErrInvalidMessage  ErrorCode = 3
	ErrInternal        ErrorCode = 4
)

// ErrInvalidFrame is returned for any frame that fails to deserialize:
// unknown type, a buffer shorter than the 9-byte header, or a length field
// that exceeds the remaining buffer.
var ErrInvalidFrame = errors.New("invalid_message")

const headerLen = 9 // 1 byte type + 8 byte timestamp

// PeerDiscoveryEntry is one entry of the optional peer-discovery block
// carried in the VERSION_INFO tail and in PEER_ANNOUNCEMENT frames —
// one entry encoding for both.
type PeerDiscoveryEntry struct {
	NodeID   string
	Ticket   string
	LastSeen int64 // unix ms
}

// VersionInfo is message type 0x01.
type VersionInfo struct {
	Timestamp int64
	VaultID   string
	Version   []byte

	// Tail fields. Each is present iff the source set it; on decode each
	// is populated iff enough bytes remained in the buffer to read it.
	Ticket    string
	Hostname  string
	Nickname  string
	Discovery []PeerDiscoveryEntry

	HasTicket    bool
	HasHostname  bool
	HasNickname  bool
	HasDiscovery bool
}

// Updates is message type 0x02. OpCount is advisory metadata describing
// the update payload; it is not interpreted by the codec.
type Updates struct {
	Timestamp int64
	OpCount   uint32
	Data      []byte
}

type SnapshotRequest struct {
	Timestamp int64
}

type Snapshot struct {
	Timestamp int64
	TotalSize uint32
	Data      []byte
}

type SnapshotChunk struct {
	Timestamp   int64
	ChunkIndex  uint32
	TotalChunks uint32
	Data        []byte
}

type SyncComplete struct {
	Timestamp int64
	Version   []byte
}

type ErrorMsg struct {
	Timestamp int64
	Code      ErrorCode
	Message   string
}

type Ping struct {
	Timestamp int64
	Seq       uint32
}

type Pong struct {
	Timestamp int64
	Seq       uint32
}

type BlobHashes struct {
	Timestamp int64
	Hashes    []string
}

type BlobRequest struct {
	Timestamp int64
	Hashes    []string
}

type BlobData struct {
	Timestamp int64
	Hash      string
	Mime      string // empty means absent
	Data      []byte
}

type BlobSyncComplete struct {
	Timestamp int64
	BlobCount uint32
}

type PeerRemoved struct {
	Timestamp int64
	Reason    string
	HasReason bool
}

// PeerAnnouncement is message type 0x21: peer-manager gossip piggybacked
// on a live session's stream to spread peer knowledge.
type PeerAnnouncement struct {
	Timestamp int64
	Kind      AnnounceKind
	Entries   []PeerDiscoveryEntry
}

// Message is the decoded union; exactly one of the typed fields is set,
// selected by Type.
type Message struct {
	Type Type

	VersionInfo      *VersionInfo
	Updates          *Updates
	SnapshotRequest  *SnapshotRequest
	Snapshot         *Snapshot
	SnapshotChunk    *SnapshotChunk
	SyncComplete     *SyncComplete
	Error            *ErrorMsg
	Ping             *Ping
	Pong             *Pong
	BlobHashes       *BlobHashes
	BlobRequest      *BlobRequest
	BlobData         *BlobData
	BlobSyncComplete *BlobSyncComplete
	PeerRemoved      *PeerRemoved
	PeerAnnouncement *PeerAnnouncement
}

// ---- encoding helpers ----

type encoder struct {
	buf []byte
}

func (e *encoder) byte(b byte) { e.buf = append(e.buf, b) }

func (e *encoder) u32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}

func (e *encoder) u16(v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}

func (e *encoder) u64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}

func (e *encoder) bytes32(b []byte) {
	e.u32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) str32(s string) {
	e.bytes32([]byte(s))
}

func (e *encoder) str16(s string) {
	e.u16(uint16(len(s)))
	e.buf = append(e.buf, []byte(s)...)
}

func (e *encoder) header(t Type, timestampMs int64) {
	e.byte(byte(t))
	e.u64(uint64(timestampMs))
}

// ---- decoding helpers ----

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) remaining() int { return len(d.buf) - d.pos }

func (d *decoder) byte() (byte, error) {
	if d.remaining() < 1 {
		return 0, ErrInvalidFrame
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) u16() (uint16, error) {
	if d.remaining() < 2 {
		return 0, ErrInvalidFrame
	}
	v := binary.BigEndian.Uint16(d.buf[d.pos:])
	d.pos += 2
	return v, nil
}

func (d *decoder) u32() (uint32, error) {
	if d.remaining() < 4 {
		return 0, ErrInvalidFrame
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *decoder) u64() (uint64, error) {
	if d.remaining() < 8 {
		return 0, ErrInvalidFrame
	}
	v := binary.BigEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

func (d *decoder) bytesN(n uint32) ([]byte, error) {
	if n > uint32(d.remaining()) {
		return nil, ErrInvalidFrame
	}
	b := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return b, nil
}

func (d *decoder) bytes32() ([]byte, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	return d.bytesN(n)
}

func (d *decoder) str32() (string, error) {
	b, err := d.bytes32()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *decoder) str16() (string, error) {
	n, err := d.u16()
	if err != nil {
		return "", err
	}
	b, err := d.bytesN(uint32(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Serialize encodes m into its wire representation.
func Serialize(m *Message) ([]byte, error) {
	e := &encoder{}
	switch m.Type {
	case TypeVersionInfo:
		v := m.VersionInfo
		e.header(TypeVersionInfo, v.Timestamp)
		e.str32(v.VaultID)
		e.bytes32(v.Version)
		if v.HasTicket {
			e.str32(v.Ticket)
		}
		if v.HasHostname {
			e.str32(v.Hostname)
		}
		if v.HasNickname {
			e.str32(v.Nickname)
		}
		if v.HasDiscovery {
			e.u16(uint16(len(v.Discovery)))
			for _, pd := range v.Discovery {
				e.str16(pd.NodeID)
				e.str16(pd.Ticket)
				e.u64(uint64(pd.LastSeen))
			}
		}
	case TypeUpdates:
		u := m.Updates
		e.header(TypeUpdates, u.Timestamp)
		e.u32(u.OpCount)
		e.bytes32(u.Data)
	case TypeSnapshotRequest:
		e.header(TypeSnapshotRequest, m.SnapshotRequest.Timestamp)
	case TypeSnapshot:
		s := m.Snapshot
		e.header(TypeSnapshot, s.Timestamp)
		e.u32(s.TotalSize)
		e.bytes32(s.Data)
	case TypeSnapshotChunk:
		c := m.SnapshotChunk
		e.header(TypeSnapshotChunk, c.Timestamp)
		e.u32(c.ChunkIndex)
		e.u32(c.TotalChunks)
		e.bytes32(c.Data)
	case TypeSyncComplete:
		s := m.SyncComplete
		e.header(TypeSyncComplete, s.Timestamp)
		e.bytes32(s.Version)
	case TypeError:
		er := m.Error
		e.header(TypeError, er.Timestamp)
		e.byte(byte(er.Code))
		e.str32(er.Message)
	case TypePing:
		e.header(TypePing, m.Ping.Timestamp)
		e.u32(m.Ping.Seq)
	case TypePong:
		e.header(TypePong, m.Pong.Timestamp)
		e.u32(m.Pong.Seq)
	case TypeBlobHashes:
		h := m.BlobHashes
		e.header(TypeBlobHashes, h.Timestamp)
		e.u32(uint32(len(h.Hashes)))
		for _, hash := range h.Hashes {
			e.str16(hash)
		}
	case TypeBlobRequest:
		h := m.BlobRequest
		e.header(TypeBlobRequest, h.Timestamp)
		e.u32(uint32(len(h.Hashes)))
		for _, hash := range h.Hashes {
			e.str16(hash)
		}
	case TypeBlobData:
		b := m.BlobData
		e.header(TypeBlobData, b.Timestamp)
		e.str16(b.Hash)
		e.str16(b.Mime)
		e.bytes32(b.Data)
	case TypeBlobSyncComplete:
		e.header(TypeBlobSyncComplete, m.BlobSyncComplete.Timestamp)
		e.u32(m.BlobSyncComplete.BlobCount)
	case TypePeerRemoved:
		p := m.PeerRemoved
		e.header(TypePeerRemoved, p.Timestamp)
		if p.HasReason {
			e.str32(p.Reason)
		}
	case TypePeerAnnouncement:
		a := m.PeerAnnouncement
		e.header(TypePeerAnnouncement, a.Timestamp)
		e.byte(byte(a.Kind))
		e.u16(uint16(len(a.Entries)))
		for _, pd := range a.Entries {
			e.str16(pd.NodeID)
			e.str16(pd.Ticket)
			e.u64(uint64(pd.LastSeen))
		}
	default:
		return nil, fmt.Errorf("proto: unknown message type %#x", byte(m.Type))
	}
	return e.buf, nil
}

// Deserialize decodes a frame. Unknown trailing bytes (forward-compatible
// fields this version doesn't understand) are silently ignored; a buffer
// shorter than the 9-byte header, or any inner length that exceeds the
// remaining buffer, yields ErrInvalidFrame.
func Deserialize(buf []byte) (*Message, error) {
	if len(buf) < headerLen {
		return nil, ErrInvalidFrame
	}
	d := &decoder{buf: buf}
	typByte, _ := d.byte()
	ts, _ := d.u64()
	timestamp := int64(ts)
	t := Type(typByte)

	m := &Message{Type: t}
	switch t {
	case TypeVersionInfo:
		v := &VersionInfo{Timestamp: timestamp}
		var err error
		if v.VaultID, err = d.str32(); err != nil {
			return nil, err
		}
		if v.Version, err = d.bytes32(); err != nil {
			return nil, err
		}
		// Tail fields: bytes that do not decode as the next known field
		// are unknown trailing data and end the tail, keeping the prefix.
		if d.remaining() > 0 {
			if v.Ticket, err = d.str32(); err != nil {
				goto tailDone
			}
			v.HasTicket = true
		}
		if d.remaining() > 0 {
			if v.Hostname, err = d.str32(); err != nil {
				goto tailDone
			}
			v.HasHostname = true
		}
		if d.remaining() > 0 {
			if v.Nickname, err = d.str32(); err != nil {
				goto tailDone
			}
			v.HasNickname = true
		}
		if d.remaining() > 0 {
			count, err := d.u16()
			if err != nil {
				goto tailDone
			}
			entries := make([]PeerDiscoveryEntry, 0, count)
			for i := uint16(0); i < count; i++ {
				nodeID, err := d.str16()
				if err != nil {
					goto tailDone
				}
				ticket, err := d.str16()
				if err != nil {
					goto tailDone
				}
				lastSeen, err := d.u64()
				if err != nil {
					goto tailDone
				}
				entries = append(entries, PeerDiscoveryEntry{NodeID: nodeID, Ticket: ticket, LastSeen: int64(lastSeen)})
			}
			v.Discovery = entries
			v.HasDiscovery = true
		}
	tailDone:
		m.VersionInfo = v

	case TypeUpdates:
		u := &Updates{Timestamp: timestamp}
		var err error
		if u.OpCount, err = d.u32(); err != nil {
			return nil, err
		}
		if u.Data, err = d.bytes32(); err != nil {
			return nil, err
		}
		m.Updates = u

	case TypeSnapshotRequest:
		m.SnapshotRequest = &SnapshotRequest{Timestamp: timestamp}

	case TypeSnapshot:
		s := &Snapshot{Timestamp: timestamp}
		var err error
		if s.TotalSize, err = d.u32(); err != nil {
			return nil, err
		}
		if s.Data, err = d.bytes32(); err != nil {
			return nil, err
		}
		m.Snapshot = s

	case TypeSnapshotChunk:
		c := &SnapshotChunk{Timestamp: timestamp}
		var err error
		if c.ChunkIndex, err = d.u32(); err != nil {
			return nil, err
		}
		if c.TotalChunks, err = d.u32(); err != nil {
			return nil, err
		}
		if c.Data, err = d.bytes32(); err != nil {
			return nil, err
		}
		m.SnapshotChunk = c

	case TypeSyncComplete:
		s := &SyncComplete{Timestamp: timestamp}
		var err error
		if s.Version, err = d.bytes32(); err != nil {
			return nil, err
		}
		m.SyncComplete = s

	case TypeError:
		er := &ErrorMsg{Timestamp: timestamp}
		code, err := d.byte()
		if err != nil {
			return nil, err
		}
		er.Code = ErrorCode(code)
		if er.Message, err = d.str32(); err != nil {
			return nil, err
		}
		m.Error = er

	case TypePing:
		p := &Ping{Timestamp: timestamp}
		var err error
		if p.Seq, err = d.u32(); err != nil {
			return nil, err
		}
		m.Ping = p

	case TypePong:
		p := &Pong{Timestamp: timestamp}
		var err error
		if p.Seq, err = d.u32(); err != nil {
			return nil, err
		}
		m.Pong = p

	case TypeBlobHashes:
		h := &BlobHashes{Timestamp: timestamp}
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		hashes := make([]string, 0, n)
		for i := uint32(0); i < n; i++ {
			hs, err := d.str16()
			if err != nil {
				return nil, err
			}
			hashes = append(hashes, hs)
		}
		h.Hashes = hashes
		m.BlobHashes = h

	case TypeBlobRequest:
		h := &BlobRequest{Timestamp: timestamp}
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		hashes := make([]string, 0, n)
		for i := uint32(0); i < n; i++ {
			hs, err := d.str16()
			if err != nil {
				return nil, err
			}
			hashes = append(hashes, hs)
		}
		h.Hashes = hashes
		m.BlobRequest = h

	case TypeBlobData:
		b := &BlobData{Timestamp: timestamp}
		var err error
		if b.Hash, err = d.str16(); err != nil {
			return nil, err
		}
		if b.Mime, err = d.str16(); err != nil {
			return nil, err
		}
		if b.Data, err = d.bytes32(); err != nil {
			return nil, err
		}
		m.BlobData = b

	case TypeBlobSyncComplete:
		b := &BlobSyncComplete{Timestamp: timestamp}
		var err error
		if b.BlobCount, err = d.u32(); err != nil {
			return nil, err
		}
		m.BlobSyncComplete = b

	case TypePeerRemoved:
		p := &PeerRemoved{Timestamp: timestamp}
		if d.remaining() > 0 {
			reason, err := d.str32()
			if err != nil {
				return nil, err
			}
			p.Reason = reason
			p.HasReason = true
		}
		m.PeerRemoved = p

	case TypePeerAnnouncement:
		a := &PeerAnnouncement{Timestamp: timestamp}
		kind, err := d.byte()
		if err != nil {
			return nil, err
		}
		a.Kind = AnnounceKind(kind)
		count, err := d.u16()
		if err != nil {
			return nil, err
		}
		entries := make([]PeerDiscoveryEntry, 0, count)
		for i := uint16(0); i < count; i++ {
			nodeID, err := d.str16()
			if err != nil {
				return nil, err
			}
			ticket, err := d.str16()
			if err != nil {
				return nil, err
			}
			lastSeen, err := d.u64()
			if err != nil {
				return nil, err
			}
			entries = append(entries, PeerDiscoveryEntry{NodeID: nodeID, Ticket: ticket, LastSeen: int64(lastSeen)})
		}
		a.Entries = entries
		m.PeerAnnouncement = a

	default:
		return nil, ErrInvalidFrame
	}

	return m, nil
}
