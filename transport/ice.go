// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "github.com/pion/webrtc/v4"

// ICEConfig holds ICE server configuration for WebRTC PeerConnections.
type ICEConfig struct {
	// Servers is the list of ICE servers (STUN + TURN) used during
	// candidate gathering. Order matters: pion tries them in sequence.
	Servers []webrtc.ICEServer
}

// ICEConfigFromURLs builds an ICEConfig from plain STUN/TURN URLs, the
// form they take in the application config file. An empty list yields
// host candidates only, which is sufficient for same-machine and
// same-LAN use.
func ICEConfigFromURLs(urls []string) ICEConfig {
	if len(urls) == 0 {
		return ICEConfig{}
	}
	return ICEConfig{
		Servers: []webrtc.ICEServer{{URLs: urls}},
	}
}
