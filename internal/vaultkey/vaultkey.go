// Package vaultkey implements the AEAD primitives used to exchange a
// vault's symmetric key between two paired nodes over a dedicated stream
// during pairing. This is key exchange in transit, not at-rest
// document encryption: the document and blob stores remain plaintext on
// disk.
package vaultkey

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize   = 32
	NonceSize = 24 // XChaCha20 nonce size
	SaltSize  = 16
)

var (
	ErrInvalidKey = errors.New("vaultkey: invalid key size")
	ErrDecrypt    = errors.New("vaultkey: decryption failed")
)

// Key is a 32-byte symmetric key shared by every node holding a given
// vault.
type Key [KeySize]byte

// GenerateKey creates a new random vault key, done once when a vault is
// first created.
func GenerateKey() (Key, error) {
	var k Key
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return k, fmt.Errorf("vaultkey: generate: %w", err)
	}
	return k, nil
}

// DeriveTransportKey derives a short-lived key-wrapping key from the
// pairing PIN and a per-exchange salt using Argon2id, so the vault key
// itself never crosses the wire unwrapped.
func DeriveTransportKey(pin, salt []byte) Key {
	var k Key
	dk := argon2.IDKey(pin, salt, 3, 64*1024, 2, KeySize)
	copy(k[:], dk)
	return k
}

// GenerateSalt creates a random salt for DeriveTransportKey.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("vaultkey: generate salt: %w", err)
	}
	return salt, nil
}

// Seal encrypts plaintext (typically a Key to hand to a newly paired
// peer) under wrappingKey using XChaCha20-Poly1305.
// Wire format: nonce (24 bytes) || ciphertext || tag (16 bytes, appended
// by Seal).
func Seal(wrappingKey Key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(wrappingKey[:])
	if err != nil {
		return nil, fmt.Errorf("vaultkey: new aead: %w", err)
	}

	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("vaultkey: generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open reverses Seal.
func Open(wrappingKey Key, sealed, aad []byte) ([]byte, error) {
	if len(sealed) < NonceSize {
		return nil, ErrDecrypt
	}

	aead, err := chacha20poly1305.NewX(wrappingKey[:])
	if err != nil {
		return nil, fmt.Errorf("vaultkey: new aead: %w", err)
	}

	nonce := sealed[:NonceSize]
	ciphertext := sealed[NonceSize:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// SealKey wraps a vault key for transmission under wrappingKey, with the
// requesting peer's node id bound as associated data so a wrapped key
// can't be replayed to a different peer.
func SealKey(wrappingKey Key, vaultKey Key, peerNodeID string) ([]byte, error) {
	return Seal(wrappingKey, vaultKey[:], []byte(peerNodeID))
}

// OpenKey reverses SealKey.
func OpenKey(wrappingKey Key, sealed []byte, peerNodeID string) (Key, error) {
	var k Key
	plaintext, err := Open(wrappingKey, sealed, []byte(peerNodeID))
	if err != nil {
		return k, err
	}
	if len(plaintext) != KeySize {
		return k, ErrInvalidKey
	}
	copy(k[:], plaintext)
	return k, nil
}
