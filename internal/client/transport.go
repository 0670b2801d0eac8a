package client

import (
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/gazelink/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/webrtcpeer"
)

// WebRTCTransports returns a TransportFactory backed by pion. Peer
// Negotiations get transports built from peer, proc Negotiations from proc.
func WebRTCTransports(api *webrtc.API, peer, proc webrtcpeer.Options) TransportFactory {
	return func(kind negotiation.Kind) (negotiation.Transport, error) {
		opts := peer
		if kind == negotiation.KindProc {
			opts = proc
		}
		tr, err := webrtcpeer.NewTransport(api, opts)
		if err != nil {
			return nil, err
		}
		return tr, nil
	}
}
