// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Haven's standard CBOR encoding. CRDT updates,
// wire envelopes, and persisted document snapshots all go through this
// package so every component agrees on one deterministic byte layout.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer
// encoding, no indefinite-length items. Same logical data always
// produces identical bytes, which keeps encrypt-then-compare tests
// and persisted snapshots stable.
var encMode cbor.EncMode

// decMode is the CBOR decoder configured to accept standard CBOR.
// Unknown fields are silently ignored for forward compatibility, so a
// newer peer can ship update fields an older peer does not know about.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Haven never uses non-string map keys. When the decoder's
		// target is any (metadata values), it must pick a concrete Go
		// map type; the CBOR default map[interface{}]interface{} is
		// incompatible with most Go code expecting map[string]any.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Non-negative integers decoded into any must come back as
		// int64, matching what a local caller stored. Otherwise a
		// value written as int64 on one replica arrives as uint64 on
		// another and the replicas never converge to equal state.
		IntDec: cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value. Type alias so consumers
// import only lib/codec, not fxamacker/cbor directly.
type RawMessage = cbor.RawMessage
