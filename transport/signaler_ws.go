// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Compile-time interface check.
var _ Signaler = (*WebsocketSignaler)(nil)

// wsWriteTimeout bounds each websocket write so a stalled relay cannot
// wedge the provider's poll loop.
const wsWriteTimeout = 10 * time.Second

// wsSignal is the JSON frame exchanged with the relay server. One
// message type covers every op; unused fields are omitted.
type wsSignal struct {
	Op        string   `json:"op"`
	Room      string   `json:"room,omitempty"`
	From      string   `json:"from,omitempty"`
	To        string   `json:"to,omitempty"`
	SDP       string   `json:"sdp,omitempty"`
	Peers     []string `json:"peers,omitempty"`
	Timestamp string   `json:"ts,omitempty"`
}

// Relay protocol ops.
const (
	wsOpAnnounce = "announce"
	wsOpPeers    = "peers"
	wsOpOffer    = "offer"
	wsOpAnswer   = "answer"
)

// WebsocketSignalerConfig configures the connection to the relay
// server.
type WebsocketSignalerConfig struct {
	// URL is the relay server websocket endpoint (ws:// or wss://).
	URL string

	// Token, when set, is sent as a bearer token on the upgrade
	// request. Relays that gate rooms behind a shared secret check it
	// there; the document content never depends on it for secrecy.
	Token string

	// Logger receives operational messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// WebsocketSignaler implements Signaler against a relay server over a
// single websocket. The relay pushes signals as they arrive; the
// signaler buffers them so the provider's poll-based consumption model
// stays unchanged. One signaler can serve any number of rooms and
// providers.
type WebsocketSignaler struct {
	conn   *websocket.Conn
	logger *slog.Logger

	// writeMu serializes writes; gorilla permits one concurrent writer.
	writeMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	readErr error
	peers   map[string][]string        // room → last announced member list
	offers  map[string][]SignalMessage // room + "|" + target → pending offers
	answers map[string][]SignalMessage // room + "|" + offerer → pending answers
}

// DialWebsocketSignaler connects to the relay server and starts the
// inbound read loop.
func DialWebsocketSignaler(ctx context.Context, cfg WebsocketSignalerConfig) (*WebsocketSignaler, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("transport: relay URL is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var header http.Header
	if cfg.Token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + cfg.Token}}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing relay %s: %v", ErrSignalingUnavailable, cfg.URL, err)
	}

	s := &WebsocketSignaler{
		conn:    conn,
		logger:  logger.With("relay", cfg.URL),
		peers:   make(map[string][]string),
		offers:  make(map[string][]SignalMessage),
		answers: make(map[string][]SignalMessage),
	}
	go s.readLoop()
	return s, nil
}

func (s *WebsocketSignaler) Announce(_ context.Context, room, peerID string) error {
	return s.write(wsSignal{Op: wsOpAnnounce, Room: room, From: peerID})
}

func (s *WebsocketSignaler) PollPeers(_ context.Context, room, peerID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.unavailableLocked(); err != nil {
		return nil, err
	}
	var peers []string
	for _, member := range s.peers[room] {
		if member != peerID {
			peers = append(peers, member)
		}
	}
	return peers, nil
}

func (s *WebsocketSignaler) PublishOffer(_ context.Context, room, peerID, targetID, sdp string) error {
	return s.write(wsSignal{
		Op: wsOpOffer, Room: room, From: peerID, To: targetID, SDP: sdp,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *WebsocketSignaler) PublishAnswer(_ context.Context, room, offererID, peerID, sdp string) error {
	return s.write(wsSignal{
		Op: wsOpAnswer, Room: room, From: peerID, To: offererID, SDP: sdp,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *WebsocketSignaler) PollOffers(_ context.Context, room, peerID string) ([]SignalMessage, error) {
	return s.drain(s.offers, room, peerID)
}

func (s *WebsocketSignaler) PollAnswers(_ context.Context, room, peerID string) ([]SignalMessage, error) {
	return s.drain(s.answers, room, peerID)
}

// Close shuts the websocket down. Pending buffered signals are
// discarded.
func (s *WebsocketSignaler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.conn.Close()
}

// readLoop buffers relay pushes until the connection dies. After it
// exits, every signaler method reports ErrSignalingUnavailable and the
// providers retry on their poll interval.
func (s *WebsocketSignaler) readLoop() {
	for {
		var sig wsSignal
		if err := s.conn.ReadJSON(&sig); err != nil {
			s.mu.Lock()
			wasClosed := s.closed
			s.readErr = err
			s.mu.Unlock()
			if !wasClosed {
				s.logger.Warn("relay connection lost", "error", err)
			}
			return
		}

		s.mu.Lock()
		switch sig.Op {
		case wsOpPeers:
			s.peers[sig.Room] = sig.Peers
		case wsOpOffer:
			key := sig.Room + signalingSeparator + sig.To
			s.offers[key] = append(s.offers[key], SignalMessage{
				Peer: sig.From, SDP: sig.SDP, Timestamp: sig.Timestamp,
			})
		case wsOpAnswer:
			key := sig.Room + signalingSeparator + sig.To
			s.answers[key] = append(s.answers[key], SignalMessage{
				Peer: sig.From, SDP: sig.SDP, Timestamp: sig.Timestamp,
			})
		default:
			s.logger.Debug("skipping unknown relay op", "op", sig.Op)
		}
		s.mu.Unlock()
	}
}

// drain removes and returns the buffered signals for one consumer.
func (s *WebsocketSignaler) drain(store map[string][]SignalMessage, room, peerID string) ([]SignalMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.unavailableLocked(); err != nil {
		return nil, err
	}
	key := room + signalingSeparator + peerID
	messages := store[key]
	delete(store, key)
	return messages, nil
}

// write sends one frame under the write lock.
func (s *WebsocketSignaler) write(sig wsSignal) error {
	s.mu.Lock()
	if err := s.unavailableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := s.conn.WriteJSON(sig); err != nil {
		return fmt.Errorf("%w: writing %s: %v", ErrSignalingUnavailable, sig.Op, err)
	}
	return nil
}

// unavailableLocked reports the terminal state, if any. Caller holds
// s.mu.
func (s *WebsocketSignaler) unavailableLocked() error {
	if s.closed {
		return fmt.Errorf("%w: signaler closed", ErrSignalingUnavailable)
	}
	if s.readErr != nil {
		return fmt.Errorf("%w: relay connection lost: %v", ErrSignalingUnavailable, s.readErr)
	}
	return nil
}
