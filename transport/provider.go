// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/haven-notes/haven/keyring"
	"github.com/haven-notes/haven/lib/clock"
	"github.com/haven-notes/haven/lib/codec"
	"github.com/haven-notes/haven/lib/observer"
	"github.com/haven-notes/haven/lib/secret"
)

// signalingPollInterval is how often the provider re-announces itself
// and polls the signaler for peers and inbound offers.
const signalingPollInterval = 2 * time.Second

// iceGatherTimeout is the maximum time to wait for ICE candidate
// gathering to complete before publishing the SDP.
const iceGatherTimeout = 15 * time.Second

// answerPollInterval is how often an offerer polls for an SDP answer
// after publishing its offer.
const answerPollInterval = 500 * time.Millisecond

// answerTimeout is the maximum time to wait for an SDP answer before
// abandoning the attempt. The peer is rediscovered on a later poll, so
// a timed-out attempt retries naturally.
const answerTimeout = 30 * time.Second

// dataChannelLabel is the single data channel each peer pair shares.
// It doubles as the SDP trigger: creating it before CreateOffer forces
// pion to include a data channel section in the offer.
const dataChannelLabel = "haven"

// ErrDestroyed is returned by any operation on a provider after
// Destroy. A destroyed provider cannot be reconnected; open the
// document again to get a fresh one.
var ErrDestroyed = errors.New("transport: provider destroyed")

// Document is the slice of the document adapter the provider needs:
// local updates out, remote updates in, and full state for the initial
// exchange with a newly connected peer.
type Document interface {
	OnLocalUpdate(callback func(update []byte)) func()
	ApplyRemoteUpdate(update []byte) error
	EncodeState() ([]byte, error)
}

// ConnectionStatus is the provider's aggregate view of connectivity.
type ConnectionStatus struct {
	// Signaling reports whether the signaling server answered the most
	// recent poll.
	Signaling bool

	// PeerCount is the number of peers with an open data channel.
	PeerCount int

	// Connected is the user-facing flag: true when either signaling is
	// reachable or at least one peer link is up, so an established
	// session does not read as offline just because the signaling
	// server blipped.
	Connected bool
}

// ProviderConfig holds the dependencies for one provider.
type ProviderConfig struct {
	// Room scopes all signaling; it is the document ID.
	Room string

	// Key is the room key. The provider derives its wire subkey from
	// it and never uses it directly; the key is borrowed, not closed.
	Key *secret.Buffer

	// Presence is broadcast to peers after each data channel opens.
	// If Presence.ID is empty a random ID is generated.
	Presence UserPresence

	// Signaler is the rendezvous mechanism. The provider does not
	// close it: signalers may be shared across providers.
	Signaler Signaler

	// ICE is the initial ICE server configuration.
	ICE ICEConfig

	// Clock drives the signaling poll and answer wait. If nil, the
	// real clock is used.
	Clock clock.Clock

	// Logger receives operational messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// Provider maintains the peer mesh for one document room: discovery
// through the signaler, one PeerConnection with one data channel per
// peer, and sealed envelopes on the wire. All methods are safe for
// concurrent use.
type Provider struct {
	room     string
	localID  string
	signaler Signaler
	doc      Document
	clk      clock.Clock
	logger   *slog.Logger

	// keyMu guards the wire key against Destroy zeroing it while a
	// pion callback is mid-seal on another goroutine.
	keyMu     sync.RWMutex
	wireKey   *secret.Buffer
	keyClosed bool

	// iceConfig may be refreshed at runtime; new PeerConnections pick
	// up the replacement, existing ones keep what they were built with.
	configMu  sync.RWMutex
	iceConfig ICEConfig

	mu          sync.Mutex
	presence    UserPresence
	peers       map[string]*peerState
	presences   map[string]UserPresence
	signalingUp bool
	lastStatus  ConnectionStatus
	connected   bool
	destroyed   bool
	stop        chan struct{}

	statusObservers *observer.List[ConnectionStatus]
	peersObservers  *observer.List[[]UserPresence]

	disposeLocalUpdate func()
}

// peerState tracks one remote peer. Fields are protected by
// Provider.mu except the pion objects, which are internally
// synchronized.
type peerState struct {
	id         string
	connection *webrtc.PeerConnection
	channel    *webrtc.DataChannel
	open       bool
}

// NewProvider creates a provider for one document room. It does not
// touch the network until Connect.
func NewProvider(doc Document, cfg ProviderConfig) (*Provider, error) {
	if cfg.Room == "" {
		return nil, fmt.Errorf("transport: Room is required")
	}
	if cfg.Signaler == nil {
		return nil, fmt.Errorf("transport: Signaler is required")
	}
	if cfg.Key == nil {
		return nil, fmt.Errorf("transport: Key is required")
	}
	if doc == nil {
		return nil, fmt.Errorf("transport: document is required")
	}

	wireKey, err := keyring.DeriveSubkey(cfg.Key, wireKeyInfo)
	if err != nil {
		return nil, fmt.Errorf("deriving wire key: %w", err)
	}

	presence := cfg.Presence
	if presence.ID == "" {
		presence.ID, err = randomPeerID()
		if err != nil {
			wireKey.Close()
			return nil, err
		}
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	p := &Provider{
		room:            cfg.Room,
		localID:         presence.ID,
		presence:        presence,
		signaler:        cfg.Signaler,
		doc:             doc,
		wireKey:         wireKey,
		clk:             clk,
		logger:          logger.With("room", cfg.Room, "peer", presence.ID),
		iceConfig:       cfg.ICE,
		peers:           make(map[string]*peerState),
		presences:       make(map[string]UserPresence),
		statusObservers: observer.NewList[ConnectionStatus](),
		peersObservers:  observer.NewList[[]UserPresence](),
	}

	p.disposeLocalUpdate = doc.OnLocalUpdate(func(update []byte) {
		p.broadcast(kindUpdate, update)
	})

	return p, nil
}

// ID returns the local peer ID.
func (p *Provider) ID() string { return p.localID }

// Connect joins the room: it announces this peer and starts the
// signaling poll loop. Idempotent; calling Connect on a connected
// provider is a no-op. Connection establishment is asynchronous —
// watch OnStatusChange for progress.
func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ErrDestroyed
	}
	if p.connected {
		p.mu.Unlock()
		return nil
	}
	p.connected = true
	stop := make(chan struct{})
	p.stop = stop
	p.mu.Unlock()

	// First announce runs synchronously so callers learn immediately
	// whether signaling is reachable at all.
	if err := p.signaler.Announce(ctx, p.room, p.localID); err != nil {
		p.logger.Warn("initial announce failed", "error", err)
		p.setSignaling(false)
	} else {
		p.setSignaling(true)
	}

	go p.pollLoop(stop)
	return nil
}

// Disconnect leaves the room: the poll loop stops and every peer
// connection is torn down. Idempotent, and the provider can Connect
// again afterwards.
func (p *Provider) Disconnect() {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return
	}
	p.connected = false
	close(p.stop)
	p.stop = nil

	peers := p.peers
	p.peers = make(map[string]*peerState)
	p.presences = make(map[string]UserPresence)
	p.signalingUp = false
	p.mu.Unlock()

	for _, peer := range peers {
		peer.connection.Close()
	}

	p.emitStatus()
	p.emitPeers()
}

// Destroy disconnects and permanently retires the provider, erasing
// its wire key. Idempotent; all later operations return ErrDestroyed.
func (p *Provider) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	p.mu.Unlock()

	p.Disconnect()
	p.disposeLocalUpdate()

	p.keyMu.Lock()
	p.keyClosed = true
	p.wireKey.Close()
	p.keyMu.Unlock()
}

// sealFrame seals one envelope under the wire key. Fails with
// ErrDestroyed once Destroy has zeroed the key.
func (p *Provider) sealFrame(kind string, payload []byte) ([]byte, error) {
	p.keyMu.RLock()
	defer p.keyMu.RUnlock()
	if p.keyClosed {
		return nil, ErrDestroyed
	}
	return sealEnvelope(envelope{Kind: kind, From: p.localID, Payload: payload}, p.wireKey)
}

// openFrame authenticates and decodes one inbound frame.
func (p *Provider) openFrame(frame []byte) (envelope, error) {
	p.keyMu.RLock()
	defer p.keyMu.RUnlock()
	if p.keyClosed {
		return envelope{}, ErrDestroyed
	}
	return openEnvelope(frame, p.wireKey)
}

// Status returns the current connection status.
func (p *Provider) Status() ConnectionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked()
}

// Peers returns the presences received from connected peers, sorted
// by peer ID.
func (p *Provider) Peers() []UserPresence {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peersLocked()
}

// OnStatusChange registers an observer for connection status changes.
// The callback fires only when the status actually differs from the
// previously emitted one.
func (p *Provider) OnStatusChange(callback func(ConnectionStatus)) func() {
	return p.statusObservers.Subscribe(callback)
}

// OnPeersChange registers an observer for changes to the set of
// connected peer presences.
func (p *Provider) OnPeersChange(callback func([]UserPresence)) func() {
	return p.peersObservers.Subscribe(callback)
}

// SetPresence replaces the local presence and broadcasts it to the
// currently connected peers. Delivery is best effort; peers that
// connect later receive the new presence during channel setup.
func (p *Provider) SetPresence(presence UserPresence) {
	p.mu.Lock()
	if presence.ID == "" {
		presence.ID = p.localID
	}
	p.presence = presence
	p.mu.Unlock()

	presenceBytes, err := codec.Marshal(presence)
	if err != nil {
		p.logger.Error("encoding presence failed", "error", err)
		return
	}
	p.broadcast(kindPresence, presenceBytes)
}

// UpdateICEConfig replaces the ICE configuration used for new
// PeerConnections. Existing connections keep their current config.
func (p *Provider) UpdateICEConfig(config ICEConfig) {
	p.configMu.Lock()
	defer p.configMu.Unlock()
	p.iceConfig = config
}

// pollLoop drives discovery and inbound signaling until Disconnect.
func (p *Provider) pollLoop(stop <-chan struct{}) {
	ticker := p.clk.NewTicker(signalingPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.pollOnce(context.Background(), stop)
		}
	}
}

// pollOnce performs one signaling round: announce, discover peers,
// answer inbound offers.
func (p *Provider) pollOnce(ctx context.Context, stop <-chan struct{}) {
	if err := p.signaler.Announce(ctx, p.room, p.localID); err != nil {
		p.logger.Warn("announce failed", "error", err)
		p.setSignaling(false)
		return
	}
	p.setSignaling(true)

	peerIDs, err := p.signaler.PollPeers(ctx, p.room, p.localID)
	if err != nil {
		p.logger.Warn("polling peers failed", "error", err)
		p.setSignaling(false)
		return
	}
	for _, peerID := range peerIDs {
		// Only the lexicographically smaller peer offers; the larger
		// one waits for the inbound offer. This keeps one pair from
		// racing two connections at each other.
		if p.localID < peerID {
			p.ensureOutbound(ctx, peerID, stop)
		}
	}

	offers, err := p.signaler.PollOffers(ctx, p.room, p.localID)
	if err != nil {
		p.logger.Warn("polling offers failed", "error", err)
		p.setSignaling(false)
		return
	}
	for _, offer := range offers {
		p.handleOffer(ctx, offer)
	}
}

// ensureOutbound starts an offer to peerID unless a live connection or
// attempt already exists.
func (p *Provider) ensureOutbound(ctx context.Context, peerID string, stop <-chan struct{}) {
	p.mu.Lock()
	if p.destroyed || !p.connected {
		p.mu.Unlock()
		return
	}
	if existing, ok := p.peers[peerID]; ok {
		state := existing.connection.ICEConnectionState()
		if state != webrtc.ICEConnectionStateFailed &&
			state != webrtc.ICEConnectionStateClosed {
			p.mu.Unlock()
			return
		}
		// Dead connection. Tear down and redial.
		existing.connection.Close()
		delete(p.peers, peerID)
	}

	pc, err := p.newPeerConnection()
	if err != nil {
		p.mu.Unlock()
		p.logger.Error("creating PeerConnection failed", "target", peerID, "error", err)
		return
	}
	peer := &peerState{id: peerID, connection: pc}
	// Registering before signaling keeps later polls from starting a
	// duplicate attempt to the same peer.
	p.peers[peerID] = peer
	p.mu.Unlock()

	go func() {
		if err := p.establishOutbound(ctx, peer, stop); err != nil {
			p.logger.Warn("outbound connection failed", "target", peerID, "error", err)
			p.dropPeer(peer)
		}
	}()
}

// establishOutbound runs offer-side signaling for a peer already
// registered in the peers map.
func (p *Provider) establishOutbound(ctx context.Context, peer *peerState, stop <-chan struct{}) error {
	pc := peer.connection
	p.installPeerHandlers(peer)

	// The offerer creates the shared data channel; the answerer
	// receives it via OnDataChannel.
	ordered := true
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("creating data channel: %w", err)
	}
	p.bindChannel(peer, dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating SDP offer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}

	// Vanilla ICE: wait for gathering so the published SDP is complete.
	select {
	case <-gatherComplete:
	case <-p.clk.After(iceGatherTimeout):
		return fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-stop:
		return errors.New("disconnected during ICE gathering")
	case <-ctx.Done():
		return ctx.Err()
	}

	completeSDP := pc.LocalDescription().SDP
	if err := p.signaler.PublishOffer(ctx, p.room, p.localID, peer.id, completeSDP); err != nil {
		return fmt.Errorf("publishing SDP offer: %w", err)
	}
	p.logger.Info("offer published", "target", peer.id)

	answerSDP, err := p.waitForAnswer(ctx, peer.id, stop)
	if err != nil {
		return fmt.Errorf("waiting for SDP answer from %s: %w", peer.id, err)
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}

	p.logger.Info("outbound connection established", "target", peer.id)
	return nil
}

// waitForAnswer polls the signaler for an SDP answer from the given
// peer.
func (p *Provider) waitForAnswer(ctx context.Context, peerID string, stop <-chan struct{}) (string, error) {
	deadline := p.clk.After(answerTimeout)
	ticker := p.clk.NewTicker(answerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			return "", fmt.Errorf("timed out after %s", answerTimeout)
		case <-stop:
			return "", errors.New("disconnected")
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			answers, err := p.signaler.PollAnswers(ctx, p.room, p.localID)
			if err != nil {
				p.logger.Warn("polling answers failed", "error", err)
				continue
			}
			for _, answer := range answers {
				if answer.Peer == peerID {
					return answer.SDP, nil
				}
			}
		}
	}
}

// handleOffer answers one inbound SDP offer, resolving signaling races
// against any connection we already have to the offerer.
func (p *Provider) handleOffer(ctx context.Context, offer SignalMessage) {
	p.mu.Lock()
	if p.destroyed || !p.connected {
		p.mu.Unlock()
		return
	}
	if existing, ok := p.peers[offer.Peer]; ok {
		state := existing.connection.ICEConnectionState()
		if state != webrtc.ICEConnectionStateFailed &&
			state != webrtc.ICEConnectionStateClosed {
			// Race: we already have a connection or attempt. The
			// lexicographically smaller ID is the canonical offerer.
			if offer.Peer > p.localID {
				// We are canonical; ignore their offer.
				p.mu.Unlock()
				return
			}
			// They are canonical; drop ours and take theirs.
		}
		existing.connection.Close()
		delete(p.peers, offer.Peer)
	}
	p.mu.Unlock()

	if err := p.answerOffer(ctx, offer); err != nil {
		p.logger.Error("answering offer failed", "offerer", offer.Peer, "error", err)
	}
}

// answerOffer creates the answer-side PeerConnection for one inbound
// offer.
func (p *Provider) answerOffer(ctx context.Context, offer SignalMessage) error {
	pc, err := p.newPeerConnection()
	if err != nil {
		return fmt.Errorf("creating PeerConnection: %w", err)
	}

	peer := &peerState{id: offer.Peer, connection: pc}
	p.installPeerHandlers(peer)

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := pc.SetRemoteDescription(remoteOffer); err != nil {
		pc.Close()
		return fmt.Errorf("setting remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("creating SDP answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return fmt.Errorf("setting local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-p.clk.After(iceGatherTimeout):
		pc.Close()
		return fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		pc.Close()
		return ctx.Err()
	}

	completeSDP := pc.LocalDescription().SDP
	if err := p.signaler.PublishAnswer(ctx, p.room, offer.Peer, p.localID, completeSDP); err != nil {
		pc.Close()
		return fmt.Errorf("publishing SDP answer: %w", err)
	}

	p.mu.Lock()
	if p.destroyed || !p.connected {
		p.mu.Unlock()
		pc.Close()
		return errors.New("disconnected while answering")
	}
	p.peers[offer.Peer] = peer
	p.mu.Unlock()

	p.logger.Info("inbound connection answered", "offerer", offer.Peer)
	return nil
}

// installPeerHandlers registers the pion callbacks shared by both
// connection directions.
func (p *Provider) installPeerHandlers(peer *peerState) {
	pc := peer.connection

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			p.logger.Debug("ignoring unexpected data channel", "peer", peer.id, "label", dc.Label())
			return
		}
		p.bindChannel(peer, dc)
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.logger.Info("ICE state change", "peer", peer.id, "state", state.String())
		switch state {
		case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
			p.dropPeer(peer)
		}
	})
}

// bindChannel wires the shared data channel: on open it sends our
// presence and the full document state so a newcomer converges in one
// message, and every inbound frame goes through handleFrame.
func (p *Provider) bindChannel(peer *peerState, dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		p.mu.Lock()
		if p.destroyed || !p.connected {
			p.mu.Unlock()
			dc.Close()
			return
		}
		peer.channel = dc
		peer.open = true
		presence := p.presence
		p.mu.Unlock()

		p.logger.Info("data channel open", "peer", peer.id)
		p.emitStatus()

		if presenceBytes, err := codec.Marshal(presence); err == nil {
			p.sendTo(peer, kindPresence, presenceBytes)
		}
		state, err := p.doc.EncodeState()
		if err != nil {
			p.logger.Error("encoding state for peer failed", "peer", peer.id, "error", err)
			return
		}
		p.sendTo(peer, kindState, state)
	})

	dc.OnClose(func() {
		p.dropPeer(peer)
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		p.handleFrame(peer.id, msg.Data)
	})
}

// handleFrame processes one inbound wire frame. Frames that fail to
// authenticate or decode are dropped without side effects.
func (p *Provider) handleFrame(peerID string, frame []byte) {
	p.mu.Lock()
	dead := p.destroyed || !p.connected
	p.mu.Unlock()
	if dead {
		return
	}

	env, err := p.openFrame(frame)
	if err != nil {
		if errors.Is(err, ErrDestroyed) {
			return
		}
		p.logger.Warn("dropping bad frame", "peer", peerID, "error", err)
		return
	}

	switch env.Kind {
	case kindUpdate, kindState:
		if err := p.doc.ApplyRemoteUpdate(env.Payload); err != nil {
			p.logger.Warn("remote update rejected", "peer", peerID, "error", err)
		}
	case kindPresence:
		var presence UserPresence
		if err := codec.Unmarshal(env.Payload, &presence); err != nil {
			p.logger.Warn("dropping malformed presence", "peer", peerID, "error", err)
			return
		}
		p.mu.Lock()
		p.presences[peerID] = presence
		p.mu.Unlock()
		p.emitPeers()
	default:
		// Unknown kinds are skipped so newer peers can extend the
		// protocol without breaking older ones.
		p.logger.Debug("skipping unknown envelope kind", "peer", peerID, "kind", env.Kind)
	}
}

// broadcast seals one envelope and sends it to every peer with an open
// channel.
func (p *Provider) broadcast(kind string, payload []byte) {
	p.mu.Lock()
	if p.destroyed || !p.connected {
		p.mu.Unlock()
		return
	}
	var targets []*peerState
	for _, peer := range p.peers {
		if peer.open {
			targets = append(targets, peer)
		}
	}
	p.mu.Unlock()

	if len(targets) == 0 {
		return
	}
	frame, err := p.sealFrame(kind, payload)
	if err != nil {
		if errors.Is(err, ErrDestroyed) {
			return
		}
		p.logger.Error("sealing broadcast failed", "kind", kind, "error", err)
		return
	}
	for _, peer := range targets {
		if err := peer.channel.Send(frame); err != nil {
			p.logger.Warn("send failed", "peer", peer.id, "kind", kind, "error", err)
		}
	}
}

// sendTo seals one envelope for a single peer.
func (p *Provider) sendTo(peer *peerState, kind string, payload []byte) {
	frame, err := p.sealFrame(kind, payload)
	if err != nil {
		if errors.Is(err, ErrDestroyed) {
			return
		}
		p.logger.Error("sealing frame failed", "kind", kind, "error", err)
		return
	}
	if err := peer.channel.Send(frame); err != nil {
		p.logger.Warn("send failed", "peer", peer.id, "kind", kind, "error", err)
	}
}

// dropPeer removes a peer if it is still the registered one and emits
// the resulting status and peer list.
func (p *Provider) dropPeer(peer *peerState) {
	p.mu.Lock()
	current, ok := p.peers[peer.id]
	if !ok || current != peer {
		p.mu.Unlock()
		return
	}
	delete(p.peers, peer.id)
	delete(p.presences, peer.id)
	p.mu.Unlock()

	peer.connection.Close()
	p.emitStatus()
	p.emitPeers()
}

// setSignaling records signaling reachability and emits a status
// change if the aggregate flipped.
func (p *Provider) setSignaling(up bool) {
	p.mu.Lock()
	changed := p.signalingUp != up
	p.signalingUp = up
	p.mu.Unlock()
	if changed {
		p.emitStatus()
	}
}

// statusLocked computes the current status. Caller holds p.mu.
func (p *Provider) statusLocked() ConnectionStatus {
	count := 0
	for _, peer := range p.peers {
		if peer.open {
			count++
		}
	}
	return ConnectionStatus{
		Signaling: p.signalingUp,
		PeerCount: count,
		Connected: p.signalingUp || count > 0,
	}
}

// peersLocked returns the presence list sorted by ID. Caller holds
// p.mu.
func (p *Provider) peersLocked() []UserPresence {
	peers := make([]UserPresence, 0, len(p.presences))
	for _, presence := range p.presences {
		peers = append(peers, presence)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

// emitStatus notifies status observers if the status changed since the
// last emission.
func (p *Provider) emitStatus() {
	p.mu.Lock()
	status := p.statusLocked()
	if status == p.lastStatus {
		p.mu.Unlock()
		return
	}
	p.lastStatus = status
	p.mu.Unlock()

	p.statusObservers.Emit(status)
}

// emitPeers notifies peer observers with the current presence list.
func (p *Provider) emitPeers() {
	p.mu.Lock()
	peers := p.peersLocked()
	p.mu.Unlock()
	p.peersObservers.Emit(peers)
}

// newPeerConnection creates a pion PeerConnection with the current ICE
// config. Loopback candidates are enabled so same-machine sessions and
// tests work without any ICE servers.
func (p *Provider) newPeerConnection() (*webrtc.PeerConnection, error) {
	p.configMu.RLock()
	config := webrtc.Configuration{ICEServers: p.iceConfig.Servers}
	p.configMu.RUnlock()

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}

// randomPeerID generates a random 16-hex-character peer ID.
func randomPeerID() (string, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating peer ID: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
