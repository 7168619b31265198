// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"github.com/haven-notes/haven/lib/secret"
)

// SaltSize is the size in bytes of the random salt generated when
// DeriveFromPassword is called without one.
const SaltSize = 16

// Argon2id parameters (RFC 9106 second recommended option: 64 MiB,
// 3 passes). Changing these invalidates every key previously derived
// from a password, so they are constants rather than configuration.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
)

// Derived is the result of a password derivation: the key and the salt
// it was derived with. The caller persists the salt (it is not secret)
// so the same password re-derives the same key later.
type Derived struct {
	Key  *secret.Buffer
	Salt []byte
}

// DeriveFromPassword derives a room key from a password using argon2id.
// If salt is nil, a fresh random salt is generated and returned in the
// result. The same password and salt always derive byte-identical keys.
//
// An empty password is permitted but weak; rejecting it is the UI's
// concern, not this layer's.
func DeriveFromPassword(password []byte, salt []byte) (Derived, error) {
	if salt == nil {
		salt = make([]byte, SaltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return Derived{}, fmt.Errorf("generating derivation salt: %w", err)
		}
	}

	raw := argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, KeySize)
	key, err := secret.NewFromBytes(raw)
	if err != nil {
		secret.Zero(raw)
		return Derived{}, fmt.Errorf("protecting derived key: %w", err)
	}

	return Derived{Key: key, Salt: salt}, nil
}

// DeriveSubkey derives a 32-byte subkey from a room key with
// HKDF-SHA256, using info as the domain separator. The transport layer
// uses this so wire traffic never encrypts under the stored room key
// directly. The salt is nil: the input key is already uniformly random,
// so HKDF's extract phase with a zero key is appropriate per RFC 5869.
//
// The input key is borrowed and NOT closed. The caller must close the
// returned buffer.
func DeriveSubkey(key *secret.Buffer, info string) (*secret.Buffer, error) {
	reader := hkdf.New(sha256.New, key.Bytes(), nil, []byte(info))
	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		secret.Zero(derived)
		return nil, fmt.Errorf("HKDF subkey derivation failed: %w", err)
	}
	return secret.NewFromBytes(derived)
}
