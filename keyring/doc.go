// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

// Package keyring manages the symmetric room keys that end-to-end
// encrypt collaborative document traffic. It is a pure key store and
// derivation layer: no network, no document knowledge.
//
// Keys are 32 bytes and live exclusively in [secret.Buffer] values
// (mmap-backed, locked against swap, excluded from core dumps, zeroed
// on close), so [Ring.Remove] and [Ring.Clear] are actual erasures.
// Nothing in this package ever writes a key to persistent storage.
//
// Key exports:
//
//   - [Generate] -- fresh random room key
//   - [DeriveFromPassword] -- argon2id password derivation with salt
//   - [DeriveSubkey] -- HKDF-SHA256 domain separation
//   - [Ring] -- in-memory roomID → key map with erase-on-remove
//   - [Export] / [Import] -- passphrase-protected key backup files
//     (age scrypt recipients)
//   - [Fingerprint] -- short BLAKE3 identifier safe to log
//
// The transport provider consumes keys from here via the seal package;
// the "protect this room with a password" UI flow calls the derivation
// and ring functions directly.
package keyring
