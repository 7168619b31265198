// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"filippo.io/age"

	"github.com/haven-notes/haven/lib/secret"
)

// Export encrypts a room key under a passphrase for out-of-band backup
// ("save this room's key somewhere safe"). The result is a base64
// string wrapping an age ciphertext with a scrypt recipient, suitable
// for writing to a file or pasting into a password manager.
//
// The key and passphrase are borrowed and NOT closed.
func Export(key *secret.Buffer, passphrase *secret.Buffer) (string, error) {
	recipient, err := age.NewScryptRecipient(passphrase.String())
	if err != nil {
		return "", fmt.Errorf("creating scrypt recipient: %w", err)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(key.Bytes()); err != nil {
		return "", fmt.Errorf("writing key to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalizing age encryption: %w", err)
	}

	return base64.StdEncoding.EncodeToString(ciphertext.Bytes()), nil
}

// Import decrypts a backup produced by Export. Returns the room key in
// a secret buffer; a wrong passphrase surfaces as an error from age's
// header verification.
//
// The passphrase is borrowed and NOT closed.
func Import(backup string, passphrase *secret.Buffer) (*secret.Buffer, error) {
	rawCiphertext, err := base64.StdEncoding.DecodeString(backup)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 backup: %w", err)
	}

	identity, err := age.NewScryptIdentity(passphrase.String())
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(rawCiphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting key backup: %w", err)
	}

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted key: %w", err)
	}
	if len(raw) != KeySize {
		secret.Zero(raw)
		return nil, fmt.Errorf("key backup holds %d bytes, want %d", len(raw), KeySize)
	}

	return secret.NewFromBytes(raw)
}
