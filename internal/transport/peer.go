package transport

import (
	"github.com/pion/webrtc/v4"
)

// newPeerConnection creates a PeerConnection using the given ICE servers.
func newPeerConnection(servers []webrtc.ICEServer) (*webrtc.PeerConnection, error) {
	return webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: servers,
	})
}

// newDataChannel creates a pre-negotiated, ordered and reliable DataChannel
// on the given PeerConnection. Negotiated mode (ID 0) lets both sides create
// the channel independently without relying on OnDataChannel. Ordering is
// what lets the receiver append chunks as they arrive.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("file", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}
