// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"

	"github.com/haven-notes/haven/lib/codec"
	"github.com/haven-notes/haven/lib/secret"
	"github.com/haven-notes/haven/seal"
)

// wireKeyInfo is the HKDF domain separator for the room wire key. Data
// channel traffic encrypts under this subkey, never under the stored
// room key directly.
const wireKeyInfo = "haven.room.wire.v1"

// Envelope kinds carried on the data channels.
const (
	kindUpdate   = "update"   // incremental engine update
	kindState    = "state"    // full document state, sent on channel open
	kindPresence = "presence" // sender's user presence
)

// UserPresence identifies a peer to the humans in the room. It is
// advisory display data; the peer ID is what the transport keys on.
type UserPresence struct {
	ID    string `cbor:"id" json:"id"`
	Name  string `cbor:"name" json:"name"`
	Color string `cbor:"color" json:"color"`
}

// envelope is the plaintext frame sealed onto the wire. From repeats
// the sender's peer ID inside the authenticated payload so a relay
// cannot spoof attribution.
type envelope struct {
	Kind    string `cbor:"t"`
	From    string `cbor:"f"`
	Payload []byte `cbor:"p,omitempty"`
}

// sealEnvelope encodes and encrypts one envelope for the wire.
func sealEnvelope(env envelope, wireKey *secret.Buffer) ([]byte, error) {
	plaintext, err := codec.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	message, err := seal.Encrypt(plaintext, wireKey)
	if err != nil {
		return nil, fmt.Errorf("sealing envelope: %w", err)
	}
	frame, err := codec.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("encoding sealed frame: %w", err)
	}
	return frame, nil
}

// openEnvelope decrypts and decodes one wire frame. Any failure —
// malformed frame, wrong key, tampering — comes back as an error; the
// caller drops the frame.
func openEnvelope(frame []byte, wireKey *secret.Buffer) (envelope, error) {
	var message seal.Message
	if err := codec.Unmarshal(frame, &message); err != nil {
		return envelope{}, fmt.Errorf("decoding sealed frame: %w", err)
	}
	plaintext, err := seal.Decrypt(message, wireKey)
	if err != nil {
		return envelope{}, fmt.Errorf("opening envelope: %w", err)
	}
	var env envelope
	if err := codec.Unmarshal(plaintext, &env); err != nil {
		return envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	return env, nil
}
