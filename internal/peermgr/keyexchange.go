package peermgr

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/peervault/peervault/internal/transport"
	"github.com/peervault/peervault/internal/vaultkey"
)

const challengeSize = 32

// performKeyExchange runs the initiator side of the PIN-authenticated
// key handoff over a fresh ChannelKeyExchange stream opened alongside a
// new pairing: we send a salt, derive a wrapping key from the
// out-of-band PIN, seal a random challenge, and confirm the peer echoes
// it back correctly sealed under the same key - proving both sides were
// given the same PIN without putting the PIN itself on the wire. Once
// the peer has proven knowledge of the PIN, both sides exchange their
// vault keys (if they hold one) wrapped under the same derived key,
// each bound to its recipient's node id.
func (m *Manager) performKeyExchange(ctx context.Context, conn *transport.Connection) error {
	if m.cfg.PairingPIN == nil {
		return nil
	}
	pin, err := m.cfg.PairingPIN(conn.PeerNodeID())
	if err != nil {
		return fmt.Errorf("peermgr: get pairing pin: %w", err)
	}

	raw, err := conn.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("peermgr: open key-exchange stream: %w", err)
	}
	defer raw.Close()

	stream := newOutboundTaggedStream(raw, ChannelKeyExchange)

	salt, err := vaultkey.GenerateSalt()
	if err != nil {
		return err
	}
	if err := stream.Send(salt); err != nil {
		return fmt.Errorf("peermgr: send salt: %w", err)
	}

	wrapKey := vaultkey.DeriveTransportKey(pin, salt)

	challenge := make([]byte, challengeSize)
	if _, err := io.ReadFull(rand.Reader, challenge); err != nil {
		return fmt.Errorf("peermgr: generate challenge: %w", err)
	}
	sealedChallenge, err := vaultkey.Seal(wrapKey, challenge, nil)
	if err != nil {
		return err
	}
	if err := stream.Send(sealedChallenge); err != nil {
		return fmt.Errorf("peermgr: send challenge: %w", err)
	}

	sealedEcho, err := stream.Receive()
	if err != nil {
		return fmt.Errorf("peermgr: receive echo: %w", err)
	}
	echo, err := vaultkey.Open(wrapKey, sealedEcho, nil)
	if err != nil {
		return fmt.Errorf("peermgr: open echo: %w", err)
	}
	if subtle.ConstantTimeCompare(echo, challenge) != 1 {
		return fmt.Errorf("peermgr: pin mismatch with %s", conn.PeerNodeID())
	}

	// PIN verified: both sides hand over their vault key, wrapped and
	// bound to the recipient's node id so a frame can't be replayed
	// elsewhere. An empty frame means "no key to offer" - a fresh node
	// pairing into an existing vault sends empty and receives the
	// established key.
	var sealedKey []byte
	if m.cfg.VaultKey != nil {
		sealedKey, err = vaultkey.SealKey(wrapKey, *m.cfg.VaultKey, conn.PeerNodeID())
		if err != nil {
			return err
		}
	}
	if err := stream.Send(sealedKey); err != nil {
		return fmt.Errorf("peermgr: send wrapped vault key: %w", err)
	}

	peerSealed, err := stream.Receive()
	if err != nil {
		return fmt.Errorf("peermgr: receive wrapped vault key: %w", err)
	}
	if len(peerSealed) > 0 {
		key, err := vaultkey.OpenKey(wrapKey, peerSealed, m.nodeID())
		if err != nil {
			return fmt.Errorf("peermgr: open wrapped vault key: %w", err)
		}
		m.emit(Event{Kind: "vaultkey:received", NodeID: conn.PeerNodeID(), VaultKey: &key})
	}
	return nil
}

// handleKeyExchangeStream runs the acceptor side on an inbound stream
// already classified as ChannelKeyExchange: read the salt (already
// consumed as firstPayload by the classifier), derive the same wrapping
// key, open the initiator's challenge, echo it back resealed, then
// receive the wrapped vault key and surface it as vaultkey:received.
func (m *Manager) handleKeyExchangeStream(peerNodeID string, raw rawStream, salt []byte) {
	defer raw.Close()

	if m.cfg.PairingPIN == nil {
		return
	}
	pin, err := m.cfg.PairingPIN(peerNodeID)
	if err != nil {
		m.logger.Printf("peermgr: get pairing pin for %s: %v", peerNodeID, err)
		return
	}
	wrapKey := vaultkey.DeriveTransportKey(pin, salt)

	sealedChallenge, err := raw.Receive()
	if err != nil {
		m.logger.Printf("peermgr: receive challenge from %s: %v", peerNodeID, err)
		return
	}
	challenge, err := vaultkey.Open(wrapKey, sealedChallenge, nil)
	if err != nil {
		m.logger.Printf("peermgr: open challenge from %s: wrong pin or corrupt frame", peerNodeID)
		return
	}

	sealedEcho, err := vaultkey.Seal(wrapKey, challenge, nil)
	if err != nil {
		m.logger.Printf("peermgr: seal echo for %s: %v", peerNodeID, err)
		return
	}
	if err := raw.Send(sealedEcho); err != nil {
		m.logger.Printf("peermgr: send echo to %s: %v", peerNodeID, err)
		return
	}

	sealedKey, err := raw.Receive()
	if err != nil {
		m.logger.Printf("peermgr: receive wrapped vault key from %s: %v", peerNodeID, err)
		return
	}
	if len(sealedKey) > 0 {
		key, err := vaultkey.OpenKey(wrapKey, sealedKey, m.nodeID())
		if err != nil {
			m.logger.Printf("peermgr: open wrapped vault key from %s: %v", peerNodeID, err)
			return
		}
		m.emit(Event{Kind: "vaultkey:received", NodeID: peerNodeID, VaultKey: &key})
	}

	var ourSealed []byte
	if m.cfg.VaultKey != nil {
		ourSealed, err = vaultkey.SealKey(wrapKey, *m.cfg.VaultKey, peerNodeID)
		if err != nil {
			m.logger.Printf("peermgr: seal vault key for %s: %v", peerNodeID, err)
			return
		}
	}
	if err := raw.Send(ourSealed); err != nil {
		m.logger.Printf("peermgr: send wrapped vault key to %s: %v", peerNodeID, err)
	}
}
