package session

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/peervault/peervault/internal/proto"
)

const liveMaxConsecutiveFailures = 5
const liveBackoffBase = 500 * time.Millisecond
const liveBackoffCap = 30 * time.Second

// liveLoop runs the post-handshake replication phase: periodic pings,
// micro-batched propagation of local updates, and dispatch of whatever
// the peer sends
// until the stream closes or a non-transient error occurs.
func (s *Session) liveLoop(ctx context.Context) error {
	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	localUpdates := make(chan []byte, s.cfg.FlushMaxBatch)
	s.unsubscribeLocal = s.cfg.DocStore.SubscribeLocalUpdates(func(update []byte) {
		select {
		case localUpdates <- update:
		default:
			// Batcher can't keep up; drop rather than block the document
			// store's commit path.
			s.logger.Printf("session %s: live-loop update queue full, dropping update", s.id)
		}
	})

	frames := make(chan *proto.Message, 1)
	recvErrs := make(chan error, 1)
	recvCtx, cancelRecv := context.WithCancel(ctx)
	defer cancelRecv()
	go s.receiveLoop(recvCtx, frames, recvErrs)

	var pendingBatch [][]byte
	var pendingBytes int
	var flushTimer *time.Timer
	var flushC <-chan time.Time

	armFlushTimer := func() {
		if flushTimer == nil {
			flushTimer = time.NewTimer(s.cfg.FlushInterval)
			flushC = flushTimer.C
		}
	}

	flush := func() error {
		if flushTimer != nil {
			flushTimer.Stop()
			flushTimer = nil
			flushC = nil
		}
		for _, update := range pendingBatch {
			msg := &proto.Message{
				Type:    proto.TypeUpdates,
				Updates: &proto.Updates{Timestamp: nowMillis(), OpCount: 1, Data: update},
			}
			if err := s.sendFrame(msg); err != nil {
				pendingBatch = nil
				pendingBytes = 0
				return err
			}
		}
		pendingBatch = nil
		pendingBytes = 0
		return nil
	}

	var pingSeq uint32

	for {
		select {
		case <-ctx.Done():
			_ = flush()
			return ctx.Err()

		case err := <-recvErrs:
			_ = flush()
			return err

		case msg := <-frames:
			if err := s.dispatchLiveMessage(msg); err != nil {
				_ = flush()
				return err
			}

		case <-pingTicker.C:
			s.mu.Lock()
			missed := s.outstandingPing != 0
			s.mu.Unlock()
			if missed {
				s.emit(Event{Kind: "ping:missed", NodeID: s.peerNodeID})
			}
			pingSeq++
			s.mu.Lock()
			s.outstandingPing = pingSeq
			s.pingSentAt = time.Now()
			s.mu.Unlock()
			if err := s.sendFrame(&proto.Message{
				Type: proto.TypePing,
				Ping: &proto.Ping{Timestamp: nowMillis(), Seq: pingSeq},
			}); err != nil {
				return fmt.Errorf("session: transport_error: send ping: %w", err)
			}

		case update := <-localUpdates:
			pendingBatch = append(pendingBatch, update)
			pendingBytes += len(update)
			if len(pendingBatch) >= s.cfg.FlushMaxBatch || pendingBytes >= s.cfg.FlushMaxBytes {
				if err := flush(); err != nil {
					return err
				}
			} else {
				armFlushTimer()
			}

		case <-flushC:
			flushC = nil
			flushTimer = nil
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

// dispatchLiveMessage handles one frame received during live replication.
func (s *Session) dispatchLiveMessage(msg *proto.Message) error {
	switch msg.Type {
	case proto.TypeUpdates:
		if s.cfg.PeerIsReadOnly {
			return nil // peer is read-only to us; their writes are discarded
		}
		if err := s.cfg.DocStore.ImportUpdates(msg.Updates.Data); err != nil {
			return fmt.Errorf("session: protocol_error: import live update: %w", err)
		}
		s.emit(Event{Kind: "live:updates", NodeID: s.peerNodeID})
		s.requestMissingBlobs()
		return nil

	case proto.TypePing:
		return s.sendFrame(&proto.Message{
			Type: proto.TypePong,
			Pong: &proto.Pong{Timestamp: nowMillis(), Seq: msg.Ping.Seq},
		})

	case proto.TypePong:
		s.mu.Lock()
		matched := s.outstandingPing != 0 && msg.Pong.Seq == s.outstandingPing
		sentAt := s.pingSentAt
		if matched {
			s.outstandingPing = 0
		}
		s.mu.Unlock()
		if matched {
			s.emit(Event{Kind: "ping:rtt", NodeID: s.peerNodeID, RTT: time.Since(sentAt)})
		}
		return nil

	case proto.TypeBlobRequest:
		if s.cfg.BlobStore == nil {
			return nil
		}
		s.serveBlobRequest(msg.BlobRequest.Hashes)
		return nil

	case proto.TypeBlobData:
		if s.cfg.BlobStore == nil {
			return nil
		}
		ok, err := s.cfg.BlobStore.VerifyAndAdd(msg.BlobData.Data, msg.BlobData.Hash, msg.BlobData.Mime)
		if err != nil {
			s.logger.Printf("session %s: store live blob %s: %v", s.id, msg.BlobData.Hash, err)
			return nil
		}
		if !ok {
			s.logger.Printf("session %s: integrity failure for live blob %s", s.id, msg.BlobData.Hash)
			return nil
		}
		s.emit(Event{Kind: "blob:received", NodeID: s.peerNodeID, BlobHash: msg.BlobData.Hash})
		return nil

	case proto.TypePeerAnnouncement:
		s.emit(Event{
			Kind:         "peer:gossip",
			NodeID:       s.peerNodeID,
			AnnounceKind: msg.PeerAnnouncement.Kind,
			Entries:      msg.PeerAnnouncement.Entries,
		})
		return nil

	case proto.TypePeerRemoved:
		reason := ""
		if msg.PeerRemoved.HasReason {
			reason = SanitizePeerString(msg.PeerRemoved.Reason)
		}
		s.emit(Event{Kind: "peer:removed", NodeID: s.peerNodeID, Reason: reason, HasReason: msg.PeerRemoved.HasReason})
		return fmt.Errorf("session: protocol_error: peer removed us: %s", reason)

	case proto.TypeError:
		return fmt.Errorf("session: protocol_error: peer sent ERROR: %s", msg.Error.Message)

	default:
		// Forward-compatible: ignore frame types this session doesn't
		// understand rather than aborting the connection.
		return nil
	}
}

// requestMissingBlobs asks the peer for any blob the document now
// references that our store lacks. Runs after every live UPDATES import
// so an attachment pointer that just arrived is fetched promptly.
func (s *Session) requestMissingBlobs() {
	if s.cfg.BlobStore == nil {
		return
	}
	referenced := s.cfg.DocStore.GetAllBlobHashes()
	if len(referenced) == 0 {
		return
	}
	missing, err := s.cfg.BlobStore.GetMissing(referenced)
	if err != nil {
		s.logger.Printf("session %s: compute missing blobs: %v", s.id, err)
		return
	}
	if len(missing) == 0 {
		return
	}
	if err := s.sendFrame(&proto.Message{
		Type:        proto.TypeBlobRequest,
		BlobRequest: &proto.BlobRequest{Timestamp: nowMillis(), Hashes: missing},
	}); err != nil {
		s.logger.Printf("session %s: request %d missing blobs: %v", s.id, len(missing), err)
	}
}

// serveBlobRequest streams the requested blobs back over the live
// stream, same load pipeline and per-blob retry as phase 3 but with no
// trailing BLOB_SYNC_COMPLETE (the live loop has no phase boundary).
func (s *Session) serveBlobRequest(hashes []string) {
	for _, batch := range chunkStrings(hashes, blobLoadBatchSize) {
		loaded := s.loadBlobsConcurrently(batch)
		for _, h := range batch {
			data, ok := loaded[h]
			if !ok {
				continue
			}
			meta, _ := s.cfg.BlobStore.GetMeta(h)
			mime := ""
			if meta != nil {
				mime = meta.Mime
			}
			if err := s.sendBlobWithRetry(h, mime, data); err != nil {
				s.logger.Printf("session %s: give up sending live blob %s: %v", s.id, h, err)
			}
		}
	}
}

// receiveLoop continuously reads frames off the stream, retrying
// transient failures with capped exponential backoff and jitter, and
// giving up after liveMaxConsecutiveFailures in a row or on any
// non-transient error.
func (s *Session) receiveLoop(ctx context.Context, frames chan<- *proto.Message, errs chan<- error) {
	consecutiveFailures := 0
	backoff := liveBackoffBase

	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := s.receiveFrame()
		if err == nil {
			consecutiveFailures = 0
			backoff = liveBackoffBase
			select {
			case frames <- msg:
			case <-ctx.Done():
				return
			}
			continue
		}

		if !IsTransient(err) {
			select {
			case errs <- err:
			case <-ctx.Done():
			}
			return
		}

		consecutiveFailures++
		if consecutiveFailures >= liveMaxConsecutiveFailures {
			select {
			case errs <- fmt.Errorf("session: transport_error: %d consecutive receive failures: %w", consecutiveFailures, err):
			case <-ctx.Done():
			}
			return
		}

		wait := backoff + time.Duration(rand.Int63n(int64(200*time.Millisecond))) - 100*time.Millisecond
		if wait < 0 {
			wait = backoff
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}

		backoff *= 2
		if backoff > liveBackoffCap {
			backoff = liveBackoffCap
		}
	}
}
