// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"testing"
)

func TestNewFromBytesZerosSource(t *testing.T) {
	source := []byte("room-key-material")
	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer buffer.Close()

	if string(buffer.Bytes()) != "room-key-material" {
		t.Errorf("buffer contents = %q, want %q", buffer.Bytes(), "room-key-material")
	}

	// The caller's slice must no longer hold the secret.
	for index, value := range source {
		if value != 0 {
			t.Fatalf("source[%d] = %d, want 0 after NewFromBytes", index, value)
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	buffer, err := New(32)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !buffer.Closed() {
		t.Error("Closed() = false after Close")
	}
}

func TestBytesPanicsAfterClose(t *testing.T) {
	buffer, err := New(16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	buffer.Close()

	defer func() {
		if recover() == nil {
			t.Error("Bytes() after Close did not panic")
		}
	}()
	buffer.Bytes()
}

func TestNewRejectsNonPositiveSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		if _, err := New(size); err == nil {
			t.Errorf("New(%d) succeeded, want error", size)
		}
	}
}

func TestZero(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	Zero(data)
	if !bytes.Equal(data, []byte{0, 0, 0, 0}) {
		t.Errorf("Zero left data = %v", data)
	}
}
