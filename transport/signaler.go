// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
)

// signalingSeparator separates the offerer and target peer IDs in a
// signal's routing key. Peer IDs are hex strings, so the pipe character
// provides an unambiguous boundary.
const signalingSeparator = "|"

// ErrSignalingUnavailable is returned by Signaler implementations when
// the signaling server cannot be reached. The provider degrades to
// whatever peer connections are already established and keeps retrying
// on its poll interval.
var ErrSignalingUnavailable = errors.New("transport: signaling unavailable")

// Signaler abstracts the rendezvous mechanism peers use to find each
// other and exchange WebRTC session descriptions. The production
// implementation speaks to a relay server over a websocket; tests use
// in-process maps. All operations are scoped to a room: the room ID is
// the document ID, and only members of the same room see each other's
// signals.
//
// The model is poll-based vanilla ICE: a complete SDP (all candidates
// embedded) is published once, and the other side discovers it on its
// next poll.
type Signaler interface {
	// Announce records this peer as a member of the room. Providers
	// re-announce on every poll tick, so membership works as a
	// heartbeat: implementations may expire peers that stop announcing.
	Announce(ctx context.Context, room, peerID string) error

	// PollPeers returns the IDs of the room's other announced members,
	// excluding peerID itself.
	PollPeers(ctx context.Context, room, peerID string) ([]string, error)

	// PublishOffer publishes a complete SDP offer from peerID directed
	// at targetID within the room.
	PublishOffer(ctx context.Context, room, peerID, targetID, sdp string) error

	// PublishAnswer publishes a complete SDP answer in response to a
	// previously received offer. offererID identifies whose offer is
	// being answered.
	PublishAnswer(ctx context.Context, room, offererID, peerID, sdp string) error

	// PollOffers returns all pending offers in the room directed at
	// peerID that have not been returned by a previous poll.
	PollOffers(ctx context.Context, room, peerID string) ([]SignalMessage, error)

	// PollAnswers returns all pending answers in the room to offers
	// originated by peerID that have not been returned by a previous
	// poll.
	PollAnswers(ctx context.Context, room, peerID string) ([]SignalMessage, error)

	// Close releases the signaler's resources. Further calls on a
	// closed signaler return ErrSignalingUnavailable.
	Close() error
}

// SignalMessage is one signaling message (offer or answer).
type SignalMessage struct {
	// Peer is the ID of the other party: the offerer for received
	// offers, the answerer for received answers.
	Peer string

	// SDP is the complete session description with all ICE candidates
	// embedded.
	SDP string

	// Timestamp is the RFC 3339 creation time of the signal.
	Timestamp string
}
