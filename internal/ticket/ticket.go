// Package ticket implements the opaque, signed, serializable tokens
// that let any bearer initiate a connection to the node that issued
// them, plus QR-code rendering for out-of-band pairing.
package ticket

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/skip2/go-qrcode"
)

// Prefix identifies a PeerVault ticket string.
const Prefix = "peervault://"

// DefaultExpiry is how long a freshly minted ticket remains valid.
const DefaultExpiry = 24 * time.Hour

// Ticket carries everything a bearer needs to dial the issuing node
// directly, without consulting any third party.
type Ticket struct {
	NodeID    string   `json:"n"`
	Addresses []string `json:"a"`
	PublicKey []byte   `json:"k"`
	CreatedAt int64    `json:"c"`
	ExpiresAt int64    `json:"e"`
	Signature []byte   `json:"s"`
}

func (t *Ticket) signableData() []byte {
	return []byte(fmt.Sprintf("%s|%s|%d|%d",
		t.NodeID, strings.Join(t.Addresses, ","), t.CreatedAt, t.ExpiresAt))
}

// Issue builds a signed ticket for nodeID/addrs, signed with privKey.
func Issue(nodeID string, addrs []string, pubKey libp2pcrypto.PubKey, privKey libp2pcrypto.PrivKey, expiry time.Duration) (*Ticket, error) {
	now := time.Now()

	pubKeyBytes, err := libp2pcrypto.MarshalPublicKey(pubKey)
	if err != nil {
		return nil, fmt.Errorf("ticket: marshal public key: %w", err)
	}

	t := &Ticket{
		NodeID:    nodeID,
		Addresses: addrs,
		PublicKey: pubKeyBytes,
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(expiry).Unix(),
	}

	sig, err := privKey.Sign(t.signableData())
	if err != nil {
		return nil, fmt.Errorf("ticket: sign: %w", err)
	}
	t.Signature = sig

	return t, nil
}

// Encode serializes t to the opaque bearer-token string transport's
// generate_ticket hands back to callers.
func (t *Ticket) Encode() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("ticket: marshal: %w", err)
	}
	return Prefix + base64.RawURLEncoding.EncodeToString(data), nil
}

// Decode parses and verifies an encoded ticket string.
func Decode(s string) (*Ticket, error) {
	if !strings.HasPrefix(s, Prefix) {
		return nil, fmt.Errorf("ticket: missing prefix")
	}
	raw := strings.TrimPrefix(s, Prefix)

	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("ticket: invalid encoding: %w", err)
	}

	var t Ticket
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("ticket: invalid payload: %w", err)
	}

	if time.Now().Unix() > t.ExpiresAt {
		return nil, fmt.Errorf("ticket: expired")
	}

	pubKey, err := libp2pcrypto.UnmarshalPublicKey(t.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("ticket: invalid public key: %w", err)
	}

	ok, err := pubKey.Verify(t.signableData(), t.Signature)
	if err != nil || !ok {
		return nil, fmt.Errorf("ticket: invalid signature")
	}

	return &t, nil
}

// IsExpired reports whether t has passed its expiry time.
func (t *Ticket) IsExpired() bool {
	return time.Now().Unix() > t.ExpiresAt
}

// QRCode renders t as a PNG QR code, sized for comfortable phone-camera
// scanning.
func (t *Ticket) QRCode() ([]byte, error) {
	encoded, err := t.Encode()
	if err != nil {
		return nil, err
	}
	png, err := qrcode.Encode(encoded, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("ticket: render qr: %w", err)
	}
	return png, nil
}

// QRString renders t as an ASCII-art QR code for terminal display.
func (t *Ticket) QRString() (string, error) {
	encoded, err := t.Encode()
	if err != nil {
		return "", err
	}
	qr, err := qrcode.New(encoded, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("ticket: render qr: %w", err)
	}
	return qr.ToSmallString(false), nil
}

