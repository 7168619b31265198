// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

// Package seal is Haven's secure channel: authenticated encryption of
// opaque payloads with a room key. It is a pure transform — no network
// access, no key storage — which is what makes it independently
// testable and swappable.
//
// The construction is XChaCha20-Poly1305. Every call to [Encrypt]
// draws a fresh random 24-byte nonce from the CSPRNG; nonce reuse is
// structurally impossible because callers never supply one. The
// version byte is carried as additional authenticated data, so any
// tampering — including with the version itself — fails authentication
// on [Decrypt].
//
// Nonce and ciphertext travel base64-encoded in [Message] so they are
// safe to embed in any transport or signaling payload. A failed
// decrypt returns [ErrDecrypt], never an empty plaintext: "wrong key"
// and "valid empty message" are distinct outcomes by contract.
package seal

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/haven-notes/haven/lib/secret"
)

// Version is prepended to the authenticated data of every message.
// Bump it when the construction changes; old ciphertext then fails
// authentication instead of being misinterpreted.
const Version byte = 0x01

// ErrDecrypt is returned when authentication fails: wrong key,
// corrupted payload, or tampering. Callers drop the message and log;
// a single bad message must never crash a session.
var ErrDecrypt = errors.New("seal: message authentication failed")

// Message is an encrypted payload in transport-safe encoding. Both
// fields are standard base64. A message missing either field is
// rejected by Decrypt without partial processing.
type Message struct {
	Nonce      string `cbor:"nonce" json:"nonce"`
	Ciphertext string `cbor:"ciphertext" json:"ciphertext"`
}

// Encrypt seals plaintext under key with a fresh random nonce. The key
// is borrowed and NOT closed; it must be exactly 32 bytes.
func Encrypt(plaintext []byte, key *secret.Buffer) (Message, error) {
	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return Message{}, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return Message{}, fmt.Errorf("generating random nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce[:], plaintext, []byte{Version})

	return Message{
		Nonce:      base64.StdEncoding.EncodeToString(nonce[:]),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// Decrypt opens a message sealed by Encrypt. Returns ErrDecrypt when
// the authentication tag does not verify — the expected result for a
// wrong key, a corrupted payload, or tampering. The key is borrowed
// and NOT closed.
func Decrypt(message Message, key *secret.Buffer) ([]byte, error) {
	if message.Nonce == "" || message.Ciphertext == "" {
		return nil, fmt.Errorf("%w: incomplete message", ErrDecrypt)
	}

	nonce, err := base64.StdEncoding.DecodeString(message.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed nonce encoding", ErrDecrypt)
	}
	if len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: nonce is %d bytes, want %d", ErrDecrypt, len(nonce), chacha20poly1305.NonceSizeX)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(message.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ciphertext encoding", ErrDecrypt)
	}

	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte{Version})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

// EncryptString is the convenience variant for text payloads: UTF-8
// bytes of s sealed under key.
func EncryptString(s string, key *secret.Buffer) (Message, error) {
	return Encrypt([]byte(s), key)
}

// DecryptString opens a message and interprets the plaintext as UTF-8.
func DecryptString(message Message, key *secret.Buffer) (string, error) {
	plaintext, err := Decrypt(message, key)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
