package peermgr

import (
	"bytes"
	"errors"
	"testing"

	"github.com/peervault/peervault/internal/vaultkey"
)

// scriptStream is a rawStream whose receives are pre-scripted and whose
// sends are captured, enough to drive one side of the key exchange.
type scriptStream struct {
	incoming [][]byte
	sent     [][]byte
}

func (s *scriptStream) Receive() ([]byte, error) {
	if len(s.incoming) == 0 {
		return nil, errClosed
	}
	next := s.incoming[0]
	s.incoming = s.incoming[1:]
	return next, nil
}

func (s *scriptStream) Send(data []byte) error {
	s.sent = append(s.sent, append([]byte(nil), data...))
	return nil
}

func (s *scriptStream) Close() error { return nil }
func (s *scriptStream) IsOpen() bool { return true }

var errClosed = errors.New("script stream exhausted")

func TestHandleKeyExchangeStreamAdoptsWrappedKey(t *testing.T) {
	pin := []byte("123456")
	m := newBareManager(testConfig())
	m.cfg.PairingPIN = func(string) ([]byte, error) { return pin, nil }

	salt, err := vaultkey.GenerateSalt()
	if err != nil {
		t.Fatal(err)
	}
	wrapKey := vaultkey.DeriveTransportKey(pin, salt)

	challenge := []byte("challenge-payload-of-32-bytes!!!")
	sealedChallenge, err := vaultkey.Seal(wrapKey, challenge, nil)
	if err != nil {
		t.Fatal(err)
	}

	offered, err := vaultkey.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	// The initiator binds the wrapped key to the acceptor's node id.
	sealedKey, err := vaultkey.SealKey(wrapKey, offered, m.nodeID())
	if err != nil {
		t.Fatal(err)
	}

	stream := &scriptStream{incoming: [][]byte{sealedChallenge, sealedKey}}
	m.handleKeyExchangeStream("node-peer", stream, salt)

	if len(stream.sent) != 2 {
		t.Fatalf("acceptor sent %d frames, want echo + key reply", len(stream.sent))
	}
	echo, err := vaultkey.Open(wrapKey, stream.sent[0], nil)
	if err != nil {
		t.Fatalf("open echo: %v", err)
	}
	if !bytes.Equal(echo, challenge) {
		t.Fatalf("echo does not match the original challenge")
	}
	if len(stream.sent[1]) != 0 {
		t.Fatalf("a node with no vault key should reply with an empty key frame")
	}

	var got *Event
	for _, ev := range drainEvents(m) {
		if ev.Kind == "vaultkey:received" {
			ev := ev
			got = &ev
		}
	}
	if got == nil || got.VaultKey == nil {
		t.Fatal("expected a vaultkey:received event carrying the offered key")
	}
	if *got.VaultKey != offered {
		t.Fatalf("received key does not match the offered key")
	}
	if got.NodeID != "node-peer" {
		t.Fatalf("event node id = %s, want node-peer", got.NodeID)
	}
}

func TestHandleKeyExchangeStreamRejectsWrongPIN(t *testing.T) {
	m := newBareManager(testConfig())
	m.cfg.PairingPIN = func(string) ([]byte, error) { return []byte("000000"), nil }

	salt, err := vaultkey.GenerateSalt()
	if err != nil {
		t.Fatal(err)
	}
	// Challenge sealed under a different PIN's derived key.
	otherKey := vaultkey.DeriveTransportKey([]byte("999999"), salt)
	sealedChallenge, err := vaultkey.Seal(otherKey, []byte("challenge"), nil)
	if err != nil {
		t.Fatal(err)
	}

	stream := &scriptStream{incoming: [][]byte{sealedChallenge}}
	m.handleKeyExchangeStream("node-peer", stream, salt)

	if len(stream.sent) != 0 {
		t.Fatalf("acceptor must send nothing when the challenge doesn't open")
	}
}
