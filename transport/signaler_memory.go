// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Signaler = (*MemorySignaler)(nil)

// MemorySignaler is an in-process Signaler for tests. Rooms, offers,
// and answers live in internal maps, bypassing the relay server
// entirely. Two Providers sharing the same MemorySignaler can establish
// PeerConnections without any network signaling.
type MemorySignaler struct {
	mu       sync.Mutex
	closed   bool
	members  map[string]map[string]bool // room → peer ID set
	offers   map[string]SignalMessage   // room + "offerer|target"
	answers  map[string]SignalMessage   // room + "offerer|target"
	lastSeen map[string]time.Time       // consumer-scoped poll cursor
}

// NewMemorySignaler creates an empty in-process signaler.
func NewMemorySignaler() *MemorySignaler {
	return &MemorySignaler{
		members:  make(map[string]map[string]bool),
		offers:   make(map[string]SignalMessage),
		answers:  make(map[string]SignalMessage),
		lastSeen: make(map[string]time.Time),
	}
}

func (s *MemorySignaler) Announce(_ context.Context, room, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSignalingUnavailable
	}
	if s.members[room] == nil {
		s.members[room] = make(map[string]bool)
	}
	s.members[room][peerID] = true
	return nil
}

func (s *MemorySignaler) PollPeers(_ context.Context, room, peerID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSignalingUnavailable
	}
	var peers []string
	for member := range s.members[room] {
		if member != peerID {
			peers = append(peers, member)
		}
	}
	return peers, nil
}

func (s *MemorySignaler) PublishOffer(_ context.Context, room, peerID, targetID, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSignalingUnavailable
	}
	key := room + ":" + peerID + signalingSeparator + targetID
	s.offers[key] = SignalMessage{
		Peer:      peerID,
		SDP:       sdp,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	return nil
}

func (s *MemorySignaler) PublishAnswer(_ context.Context, room, offererID, peerID, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSignalingUnavailable
	}
	key := room + ":" + offererID + signalingSeparator + peerID
	s.answers[key] = SignalMessage{
		Peer:      peerID,
		SDP:       sdp,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	return nil
}

func (s *MemorySignaler) PollOffers(_ context.Context, room, peerID string) ([]SignalMessage, error) {
	// An offer directed at us has key "<room>:<offerer>|<us>".
	return s.pollSignals(room, peerID, s.offers, "offers", func(key string) bool {
		return strings.HasSuffix(key, signalingSeparator+peerID)
	})
}

func (s *MemorySignaler) PollAnswers(_ context.Context, room, peerID string) ([]SignalMessage, error) {
	// An answer to our offer has key "<room>:<us>|<answerer>".
	return s.pollSignals(room, peerID, s.answers, "answers", func(key string) bool {
		return strings.HasPrefix(key, room+":"+peerID+signalingSeparator)
	})
}

func (s *MemorySignaler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// pollSignals returns messages in the room whose keys match, filtering
// out timestamps the same consumer has already seen.
func (s *MemorySignaler) pollSignals(room, peerID string, store map[string]SignalMessage, storeLabel string, match func(key string) bool) ([]SignalMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSignalingUnavailable
	}

	var messages []SignalMessage
	for key, msg := range store {
		if !strings.HasPrefix(key, room+":") || !match(key) {
			continue
		}

		timestamp, err := time.Parse(time.RFC3339Nano, msg.Timestamp)
		if err != nil {
			continue
		}

		seenKey := storeLabel + ":" + peerID + ":" + key
		if last, ok := s.lastSeen[seenKey]; ok && !timestamp.After(last) {
			continue
		}
		s.lastSeen[seenKey] = timestamp

		messages = append(messages, msg)
	}
	return messages, nil
}
