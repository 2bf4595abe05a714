package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pdrop/internal/protocol"
	"github.com/1ureka/p2pdrop/internal/transport"
	"github.com/1ureka/p2pdrop/internal/util"
)

// Negotiator runs the SDP/ICE exchange for one Transport with one remote
// peer, addressing every message through the relay.
type Negotiator struct {
	client *Client
	tr     *transport.Transport
	peer   string
}

// NewNegotiator binds tr to the remote peer and starts trickling local
// candidates to it.
func NewNegotiator(client *Client, tr *transport.Transport, peer string) *Negotiator {
	n := &Negotiator{client: client, tr: tr, peer: peer}

	tr.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		// Best-effort: a lost candidate only narrows the set of paths tried.
		if err := n.send(protocol.TypeCandidate, "", string(data)); err != nil {
			util.LogDebug("failed to trickle candidate to %s: %v", peer, err)
		}
	})

	return n
}

// Offer creates an SDP offer, sets it as local description, and sends it.
func (n *Negotiator) Offer() error {
	offer, err := n.tr.CreateOffer()
	if err != nil {
		return fmt.Errorf("CreateOffer: %w", err)
	}
	if err := n.tr.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("SetLocalDescription: %w", err)
	}
	return n.send(protocol.TypeOffer, offer.SDP, "")
}

// Answer applies a remote offer, then creates, sets and sends the answer.
func (n *Negotiator) Answer(sdp string) error {
	if err := n.tr.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: sdp,
	}); err != nil {
		return fmt.Errorf("SetRemoteDescription: %w", err)
	}

	answer, err := n.tr.CreateAnswer()
	if err != nil {
		return fmt.Errorf("CreateAnswer: %w", err)
	}
	if err := n.tr.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("SetLocalDescription: %w", err)
	}
	return n.send(protocol.TypeAnswer, answer.SDP, "")
}

// Accept applies the remote answer to a previously sent offer.
func (n *Negotiator) Accept(sdp string) error {
	if err := n.tr.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: sdp,
	}); err != nil {
		return fmt.Errorf("SetRemoteDescription: %w", err)
	}
	return nil
}

// Candidate applies a remote candidate. The Transport holds it back if the
// remote description is not set yet.
func (n *Negotiator) Candidate(raw string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(raw), &init); err != nil {
		return fmt.Errorf("failed to parse ICE candidate: %w", err)
	}
	return n.tr.AddICECandidate(init)
}

func (n *Negotiator) send(kind protocol.MessageType, sdp, candidate string) error {
	return n.client.Send(&protocol.Message{
		Type:      kind,
		TargetID:  n.peer,
		SDP:       sdp,
		Candidate: candidate,
	})
}
