// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// testRelay is a minimal in-process relay server: it tracks room
// membership from announces and routes offers and answers to their
// target member.
type testRelay struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]map[string]*websocket.Conn
	conns []*websocket.Conn
}

func newTestRelay() *testRelay {
	return &testRelay{rooms: make(map[string]map[string]*websocket.Conn)}
}

// closeConns tears down every websocket the relay has accepted.
// httptest.Server stops tracking connections once the upgrade hijacks
// them, so simulating relay loss has to close them here.
func (r *testRelay) closeConns() {
	r.mu.Lock()
	conns := r.conns
	r.conns = nil
	r.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

func (r *testRelay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	r.mu.Lock()
	r.conns = append(r.conns, conn)
	r.mu.Unlock()

	for {
		var sig wsSignal
		if err := conn.ReadJSON(&sig); err != nil {
			return
		}

		r.mu.Lock()
		switch sig.Op {
		case wsOpAnnounce:
			if r.rooms[sig.Room] == nil {
				r.rooms[sig.Room] = make(map[string]*websocket.Conn)
			}
			r.rooms[sig.Room][sig.From] = conn

			members := make([]string, 0, len(r.rooms[sig.Room]))
			for member := range r.rooms[sig.Room] {
				members = append(members, member)
			}
			for _, member := range r.rooms[sig.Room] {
				member.WriteJSON(wsSignal{Op: wsOpPeers, Room: sig.Room, Peers: members})
			}
		case wsOpOffer, wsOpAnswer:
			if target, ok := r.rooms[sig.Room][sig.To]; ok {
				target.WriteJSON(sig)
			}
		}
		r.mu.Unlock()
	}
}

func startTestRelay(t *testing.T) string {
	t.Helper()
	server := httptest.NewServer(newTestRelay())
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func dialTestSignaler(t *testing.T, url string) *WebsocketSignaler {
	t.Helper()
	signaler, err := DialWebsocketSignaler(context.Background(), WebsocketSignalerConfig{URL: url})
	if err != nil {
		t.Fatalf("DialWebsocketSignaler: %v", err)
	}
	t.Cleanup(func() { signaler.Close() })
	return signaler
}

func TestWebsocketSignaler_AnnounceAndDiscover(t *testing.T) {
	url := startTestRelay(t)
	ctx := context.Background()

	signalerA := dialTestSignaler(t, url)
	signalerB := dialTestSignaler(t, url)

	if err := signalerA.Announce(ctx, "room-1", "peer-a"); err != nil {
		t.Fatalf("Announce A: %v", err)
	}
	if err := signalerB.Announce(ctx, "room-1", "peer-b"); err != nil {
		t.Fatalf("Announce B: %v", err)
	}

	// The relay pushes membership asynchronously; poll until it lands.
	deadline := time.Now().Add(5 * time.Second)
	for {
		peers, err := signalerA.PollPeers(ctx, "room-1", "peer-a")
		if err != nil {
			t.Fatalf("PollPeers: %v", err)
		}
		if len(peers) == 1 && peers[0] == "peer-b" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("peer-a never discovered peer-b; last list %v", peers)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebsocketSignaler_OfferAnswerRoundTrip(t *testing.T) {
	url := startTestRelay(t)
	ctx := context.Background()

	signalerA := dialTestSignaler(t, url)
	signalerB := dialTestSignaler(t, url)

	if err := signalerA.Announce(ctx, "room-1", "peer-a"); err != nil {
		t.Fatalf("Announce A: %v", err)
	}
	if err := signalerB.Announce(ctx, "room-1", "peer-b"); err != nil {
		t.Fatalf("Announce B: %v", err)
	}

	if err := signalerA.PublishOffer(ctx, "room-1", "peer-a", "peer-b", "offer-sdp"); err != nil {
		t.Fatalf("PublishOffer: %v", err)
	}

	offer := pollOneSignal(t, func() ([]SignalMessage, error) {
		return signalerB.PollOffers(ctx, "room-1", "peer-b")
	})
	if offer.Peer != "peer-a" || offer.SDP != "offer-sdp" {
		t.Errorf("offer = %+v, want from peer-a with offer-sdp", offer)
	}

	if err := signalerB.PublishAnswer(ctx, "room-1", "peer-a", "peer-b", "answer-sdp"); err != nil {
		t.Fatalf("PublishAnswer: %v", err)
	}
	answer := pollOneSignal(t, func() ([]SignalMessage, error) {
		return signalerA.PollAnswers(ctx, "room-1", "peer-a")
	})
	if answer.Peer != "peer-b" || answer.SDP != "answer-sdp" {
		t.Errorf("answer = %+v, want from peer-b with answer-sdp", answer)
	}
}

// pollOneSignal polls until exactly one signal arrives.
func pollOneSignal(t *testing.T, poll func() ([]SignalMessage, error)) SignalMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		messages, err := poll()
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if len(messages) == 1 {
			return messages[0]
		}
		if len(messages) > 1 {
			t.Fatalf("got %d signals, want 1", len(messages))
		}
		if time.Now().After(deadline) {
			t.Fatalf("signal never arrived")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebsocketSignaler_LostConnection(t *testing.T) {
	relay := newTestRelay()
	server := httptest.NewServer(relay)
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	signaler := dialTestSignaler(t, url)
	if err := signaler.Announce(context.Background(), "room-1", "peer-a"); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	relay.closeConns()
	server.Close()

	// The read loop notices asynchronously.
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := signaler.Announce(context.Background(), "room-1", "peer-a")
		if errors.Is(err, ErrSignalingUnavailable) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Announce after relay loss = %v, want ErrSignalingUnavailable", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
