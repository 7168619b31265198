// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestMarshalIsDeterministic(t *testing.T) {
	value := map[string]any{"title": "meeting notes", "tags": []string{"work", "q3"}}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	second, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("two Marshal calls on the same value produced different bytes")
	}
}

func TestUnmarshalAnyMapKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"createdAt": int64(1700000000000)})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := decoded.(map[string]any); !ok {
		t.Fatalf("decoded type = %T, want map[string]any", decoded)
	}
}

func TestUnmarshalDecodesIntegersSigned(t *testing.T) {
	data, err := Marshal(map[string]any{"updatedAt": int64(42)})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded map[string]any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	got, ok := decoded["updatedAt"].(int64)
	if !ok {
		t.Fatalf("decoded integer type = %T, want int64", decoded["updatedAt"])
	}
	if got != 42 {
		t.Errorf("decoded value = %d, want 42", got)
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	type wide struct {
		A string `cbor:"a"`
		B string `cbor:"b"`
	}
	type narrow struct {
		A string `cbor:"a"`
	}

	data, err := Marshal(wide{A: "keep", B: "drop"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out narrow
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.A != "keep" {
		t.Errorf("A = %q, want %q", out.A, "keep")
	}
}
