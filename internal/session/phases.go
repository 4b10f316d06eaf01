package session

import (
	"context"
	"fmt"
	"time"

	"github.com/peervault/peervault/internal/proto"
)

// versionExchange runs phase 1: each side announces its vault id,
// version bytes, ticket, and display names.
func (s *Session) versionExchange(ctx context.Context, initiator bool) error {
	ourInfo := &proto.VersionInfo{
		Timestamp:   nowMillis(),
		VaultID:     s.cfg.VaultID,
		Version:     s.cfg.DocStore.GetVersionBytes(),
		Ticket:      s.cfg.Ticket,
		HasTicket:   s.cfg.Ticket != "",
		Hostname:    s.cfg.Hostname,
		HasHostname: s.cfg.Hostname != "",
		Nickname:    s.cfg.Nickname,
		HasNickname: s.cfg.Nickname != "",
	}
	ourMsg := &proto.Message{Type: proto.TypeVersionInfo, VersionInfo: ourInfo}

	var peerMsg *proto.Message
	var err error

	if initiator {
		if err = s.sendFrame(ourMsg); err != nil {
			return err
		}
		peerMsg, err = s.receiveFrame()
		if err != nil {
			return err
		}
	} else {
		peerMsg, err = s.receiveFrame()
		if err != nil {
			return err
		}
		if err = s.sendFrame(ourMsg); err != nil {
			return err
		}
	}

	if peerMsg.Type != proto.TypeVersionInfo {
		return fmt.Errorf("session: protocol_error: expected VERSION_INFO, got type %d", peerMsg.Type)
	}
	peerInfo := peerMsg.VersionInfo

	if peerInfo.HasTicket {
		s.emit(Event{Kind: "ticket:received", NodeID: s.peerNodeID, Ticket: SanitizePeerString(peerInfo.Ticket)})
	}
	s.emit(Event{
		Kind:     "peer:info",
		NodeID:   s.peerNodeID,
		Hostname: SanitizePeerString(peerInfo.Hostname),
		Nickname: SanitizePeerString(peerInfo.Nickname),
	})

	if peerInfo.VaultID != s.cfg.VaultID {
		return s.handleVaultMismatch(ctx, peerInfo.VaultID)
	}

	return nil
}

func (s *Session) handleVaultMismatch(ctx context.Context, peerVaultID string) error {
	if !s.cfg.AllowVaultAdoption {
		s.sendError(proto.ErrVaultMismatch, "vault id mismatch")
		return fmt.Errorf("session: vault_mismatch: peer vault id %q != our vault id %q", peerVaultID, s.cfg.VaultID)
	}

	if s.cfg.ConfirmVaultAdoption == nil {
		s.sendError(proto.ErrVaultMismatch, "vault id mismatch")
		return fmt.Errorf("session: vault_mismatch: no confirmation callback configured")
	}

	decision := make(chan bool, 1)
	req := &VaultAdoptionRequest{
		NodeID:      s.peerNodeID,
		PeerVaultID: peerVaultID,
		OurVaultID:  s.cfg.VaultID,
	}
	req.respond = func(accept bool) {
		select {
		case decision <- accept:
		default:
		}
	}

	s.emit(Event{Kind: "vault:adoption-request", NodeID: s.peerNodeID})
	go s.cfg.ConfirmVaultAdoption(req)

	window := s.cfg.VaultAdoptionWindow
	if window <= 0 {
		window = 5 * time.Minute
	}

	var accepted bool
	select {
	case accepted = <-decision:
	case <-time.After(window):
		accepted = false
	case <-ctx.Done():
		accepted = false
	}

	if !accepted {
		s.sendError(proto.ErrVaultMismatch, "vault id mismatch")
		return fmt.Errorf("session: vault_mismatch: adoption denied")
	}

	s.cfg.DocStore.SetVaultID(peerVaultID)
	s.cfg.VaultID = peerVaultID
	return nil
}

func (s *Session) sendError(code proto.ErrorCode, message string) {
	_ = s.sendFrame(&proto.Message{
		Type:  proto.TypeError,
		Error: &proto.ErrorMsg{Timestamp: nowMillis(), Code: code, Message: message},
	})
}

// updateExchange runs phase 2: both sides swap their full update
// bundles, then confirm with SYNC_COMPLETE.
func (s *Session) updateExchange(ctx context.Context, initiator bool) error {
	ourUpdates := s.cfg.DocStore.ExportUpdates()
	ourMsg := &proto.Message{
		Type:    proto.TypeUpdates,
		Updates: &proto.Updates{Timestamp: nowMillis(), OpCount: 1, Data: ourUpdates},
	}

	exchange := func() (*proto.Message, error) {
		if initiator {
			if err := s.sendFrame(ourMsg); err != nil {
				return nil, err
			}
			return s.receiveFrame()
		}
		peerMsg, err := s.receiveFrame()
		if err != nil {
			return nil, err
		}
		if err := s.sendFrame(ourMsg); err != nil {
			return nil, err
		}
		return peerMsg, nil
	}

	peerMsg, err := exchange()
	if err != nil {
		return err
	}
	if peerMsg.Type == proto.TypeError {
		return fmt.Errorf("session: protocol_error: peer sent ERROR during update exchange: %s", peerMsg.Error.Message)
	}
	if peerMsg.Type != proto.TypeUpdates {
		return fmt.Errorf("session: protocol_error: expected UPDATES, got type %d", peerMsg.Type)
	}

	if !s.cfg.PeerIsReadOnly {
		if err := s.cfg.DocStore.ImportUpdates(peerMsg.Updates.Data); err != nil {
			return fmt.Errorf("session: protocol_error: import updates: %w", err)
		}
	}

	// SYNC_COMPLETE: initiator sends first on initiator-side runs,
	// otherwise acceptor sends after receiving.
	ourComplete := &proto.Message{
		Type:         proto.TypeSyncComplete,
		SyncComplete: &proto.SyncComplete{Timestamp: nowMillis(), Version: s.cfg.DocStore.GetVersionBytes()},
	}

	if initiator {
		if err := s.sendFrame(ourComplete); err != nil {
			return err
		}
		peerComplete, err := s.receiveFrame()
		if err != nil {
			return err
		}
		if peerComplete.Type == proto.TypeError {
			return fmt.Errorf("session: protocol_error: peer sent ERROR: %s", peerComplete.Error.Message)
		}
		if peerComplete.Type != proto.TypeSyncComplete {
			return fmt.Errorf("session: protocol_error: expected SYNC_COMPLETE, got type %d", peerComplete.Type)
		}
	} else {
		peerComplete, err := s.receiveFrame()
		if err != nil {
			return err
		}
		if peerComplete.Type == proto.TypeError {
			return fmt.Errorf("session: protocol_error: peer sent ERROR: %s", peerComplete.Error.Message)
		}
		if peerComplete.Type != proto.TypeSyncComplete {
			return fmt.Errorf("session: protocol_error: expected SYNC_COMPLETE, got type %d", peerComplete.Type)
		}
		if err := s.sendFrame(ourComplete); err != nil {
			return err
		}
	}

	return nil
}

const blobLoadBatchSize = 8
const blobSendMaxRetries = 3

// blobReconciliation runs phase 3: both sides swap hash sets, request
// what they lack, and stream the blobs over.
func (s *Session) blobReconciliation(ctx context.Context, initiator bool) error {
	ourHashes, err := s.cfg.BlobStore.List()
	if err != nil {
		return fmt.Errorf("session: list blobs: %w", err)
	}

	ourMsg := &proto.Message{
		Type:       proto.TypeBlobHashes,
		BlobHashes: &proto.BlobHashes{Timestamp: nowMillis(), Hashes: ourHashes},
	}

	var peerHashes []string
	if initiator {
		if err := s.sendFrame(ourMsg); err != nil {
			return err
		}
		peerMsg, err := s.receiveFrame()
		if err != nil {
			return err
		}
		if peerMsg.Type != proto.TypeBlobHashes {
			return fmt.Errorf("session: protocol_error: expected BLOB_HASHES, got type %d", peerMsg.Type)
		}
		peerHashes = peerMsg.BlobHashes.Hashes
	} else {
		peerMsg, err := s.receiveFrame()
		if err != nil {
			return err
		}
		if peerMsg.Type != proto.TypeBlobHashes {
			return fmt.Errorf("session: protocol_error: expected BLOB_HASHES, got type %d", peerMsg.Type)
		}
		peerHashes = peerMsg.BlobHashes.Hashes
		if err := s.sendFrame(ourMsg); err != nil {
			return err
		}
	}

	missingFromUs, err := s.cfg.BlobStore.GetMissing(peerHashes)
	if err != nil {
		return fmt.Errorf("session: compute missing: %w", err)
	}
	requestMsg := &proto.Message{
		Type:        proto.TypeBlobRequest,
		BlobRequest: &proto.BlobRequest{Timestamp: nowMillis(), Hashes: missingFromUs},
	}

	var peerRequest []string
	if initiator {
		if err := s.sendFrame(requestMsg); err != nil {
			return err
		}
		peerMsg, err := s.receiveFrame()
		if err != nil {
			return err
		}
		if peerMsg.Type != proto.TypeBlobRequest {
			return fmt.Errorf("session: protocol_error: expected BLOB_REQUEST, got type %d", peerMsg.Type)
		}
		peerRequest = peerMsg.BlobRequest.Hashes
	} else {
		peerMsg, err := s.receiveFrame()
		if err != nil {
			return err
		}
		if peerMsg.Type != proto.TypeBlobRequest {
			return fmt.Errorf("session: protocol_error: expected BLOB_REQUEST, got type %d", peerMsg.Type)
		}
		peerRequest = peerMsg.BlobRequest.Hashes
		if err := s.sendFrame(requestMsg); err != nil {
			return err
		}
	}

	progress := Progress{BlobsTotal: len(peerRequest)}

	sendBlobs := func() error {
		for _, batch := range chunkStrings(peerRequest, blobLoadBatchSize) {
			loaded := s.loadBlobsConcurrently(batch)
			for _, h := range batch {
				data, ok := loaded[h]
				if !ok {
					continue // load failure already logged by loadBlobsConcurrently
				}
				meta, _ := s.cfg.BlobStore.GetMeta(h)
				mime := ""
				if meta != nil {
					mime = meta.Mime
				}
				if err := s.sendBlobWithRetry(h, mime, data); err != nil {
					s.logger.Printf("session %s: give up sending blob %s: %v", s.id, h, err)
					continue
				}
				progress.BlobsSent++
				s.emit(Event{Kind: "sync:progress", NodeID: s.peerNodeID, Progress: progress})
			}
		}
		return s.sendFrame(&proto.Message{
			Type:             proto.TypeBlobSyncComplete,
			BlobSyncComplete: &proto.BlobSyncComplete{Timestamp: nowMillis(), BlobCount: uint32(progress.BlobsSent)},
		})
	}

	receiveBlobs := func() error {
		for {
			msg, err := s.receiveFrame()
			if err != nil {
				return err
			}
			switch msg.Type {
			case proto.TypeBlobData:
				ok, err := s.cfg.BlobStore.VerifyAndAdd(msg.BlobData.Data, msg.BlobData.Hash, msg.BlobData.Mime)
				if err != nil {
					s.logger.Printf("session %s: store blob %s: %v", s.id, msg.BlobData.Hash, err)
					continue
				}
				if !ok {
					// Integrity failure: never retried, just dropped.
					s.logger.Printf("session %s: integrity failure for blob %s", s.id, msg.BlobData.Hash)
					continue
				}
				progress.BlobsReceived++
				s.emit(Event{Kind: "blob:received", NodeID: s.peerNodeID, BlobHash: msg.BlobData.Hash})
				s.emit(Event{Kind: "sync:progress", NodeID: s.peerNodeID, Progress: progress})
			case proto.TypeBlobSyncComplete:
				return nil
			default:
				return fmt.Errorf("session: protocol_error: unexpected type %d during blob reconciliation", msg.Type)
			}
		}
	}

	// Initiator sends requested blobs then its own SYNC_COMPLETE-analog,
	// then receives; acceptor receives first then sends, avoiding
	// head-of-line blocking on half-duplex streams.
	if initiator {
		if err := sendBlobs(); err != nil {
			return err
		}
		return receiveBlobs()
	}
	if err := receiveBlobs(); err != nil {
		return err
	}
	return sendBlobs()
}

func chunkStrings(items []string, size int) [][]string {
	if size <= 0 {
		size = len(items)
	}
	var chunks [][]string
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[i:end])
	}
	return chunks
}

// loadBlobsConcurrently loads a batch of blobs from the store in
// parallel; sends stay sequential so frames never interleave.
func (s *Session) loadBlobsConcurrently(hashes []string) map[string][]byte {
	type result struct {
		hash string
		data []byte
		ok   bool
	}
	results := make(chan result, len(hashes))
	for _, h := range hashes {
		h := h
		go func() {
			data, err := s.cfg.BlobStore.Get(h)
			if err != nil || data == nil {
				results <- result{hash: h, ok: false}
				return
			}
			results <- result{hash: h, data: data, ok: true}
		}()
	}

	out := make(map[string][]byte, len(hashes))
	for range hashes {
		r := <-results
		if r.ok {
			out[r.hash] = r.data
		}
	}
	return out
}

// sendBlobWithRetry sends one blob, retrying per-blob send failures up
// to 3 times with a 500ms*attempt delay.
func (s *Session) sendBlobWithRetry(hash, mime string, data []byte) error {
	var lastErr error
	for attempt := 1; attempt <= blobSendMaxRetries; attempt++ {
		err := s.sendFrame(&proto.Message{
			Type:     proto.TypeBlobData,
			BlobData: &proto.BlobData{Timestamp: nowMillis(), Hash: hash, Mime: mime, Data: data},
		})
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
	}
	return lastErr
}
