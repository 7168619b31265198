// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport moves document updates between the peers editing a
// shared document. Each open document gets a [Provider]: it announces
// itself in the document's room, discovers the other members through a
// [Signaler], establishes a WebRTC data channel to each of them, and
// relays engine updates both ways.
//
// Everything on the data channels is end-to-end encrypted with a key
// derived from the document key; the signaling server only ever sees
// session descriptions and room membership, never document content.
//
// Signaling follows the vanilla ICE model: all ICE candidates are
// gathered before the SDP is published, so establishing a connection
// costs exactly one offer/answer round-trip. When two peers offer to
// each other simultaneously, the peer with the lexicographically
// smaller ID is the canonical offerer and the other side's attempt is
// torn down.
package transport
