// Package vault seals small secrets (vendor API keys) for storage.
//
// Each record gets its own key derived from the master key with
// HKDF-SHA256, keyed by the record ID. Blobs are XChaCha20-Poly1305:
//
//	[version 1B] [nonce 24B] [ciphertext+tag]
//
// The version byte and record ID are authenticated as additional data, so a
// blob copied onto another record fails to open.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the master key size in bytes.
const KeySize = 32

const blobVersion byte = 0x01

const overhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

var hkdfInfo = []byte("voicedesk.vault.record.v1")

var (
	ErrInvalidKey  = errors.New("vault: master key must be 32 bytes")
	ErrMalformed   = errors.New("vault: malformed blob")
	ErrOpenFailed  = errors.New("vault: authentication failed")
	ErrEmptyRecord = errors.New("vault: record id is required")
)

// Vault seals and opens per-record secrets under one master key.
type Vault struct {
	master []byte
}

// New creates a vault from a raw 32-byte master key.
func New(master []byte) (*Vault, error) {
	if len(master) != KeySize {
		return nil, ErrInvalidKey
	}
	k := make([]byte, KeySize)
	copy(k, master)
	return &Vault{master: k}, nil
}

// NewFromHex creates a vault from a hex-encoded master key.
func NewFromHex(s string) (*Vault, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("vault: decode master key: %w", err)
	}
	return New(b)
}

func (v *Vault) recordKey(recordID string) ([]byte, error) {
	info := make([]byte, 0, len(hkdfInfo)+len(recordID))
	info = append(info, hkdfInfo...)
	info = append(info, recordID...)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, v.master, nil, info), key); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	return key, nil
}

func aad(version byte, recordID string) []byte {
	out := make([]byte, 0, 1+len(recordID))
	out = append(out, version)
	return append(out, recordID...)
}

// Seal encrypts plaintext bound to recordID.
func (v *Vault) Seal(recordID string, plaintext []byte) ([]byte, error) {
	if recordID == "" {
		return nil, ErrEmptyRecord
	}
	key, err := v.recordKey(recordID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("vault: cipher: %w", err)
	}

	out := make([]byte, 1+chacha20poly1305.NonceSizeX, overhead+len(plaintext))
	out[0] = blobVersion
	nonce := out[1:]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("vault: nonce: %w", err)
	}
	return aead.Seal(out, nonce, plaintext, aad(blobVersion, recordID)), nil
}

// Open decrypts a blob produced by Seal for the same recordID.
func (v *Vault) Open(recordID string, blob []byte) ([]byte, error) {
	if recordID == "" {
		return nil, ErrEmptyRecord
	}
	if len(blob) < overhead || blob[0] != blobVersion {
		return nil, ErrMalformed
	}
	key, err := v.recordKey(recordID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("vault: cipher: %w", err)
	}

	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], aad(blob[0], recordID))
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}

// Hint returns a display form of a secret showing only its last 4 chars.
func Hint(secret string) string {
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
