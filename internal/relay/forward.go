package relay

import (
	"errors"

	"github.com/gorilla/websocket"

	"github.com/1ureka/p2pdrop/internal/protocol"
	"github.com/1ureka/p2pdrop/internal/util"
)

// handleMessage dispatches one control message from c. Mutations are
// queued to the Run goroutine and waited for, so messages from one peer are
// applied in the order they were sent.
func (h *Hub) handleMessage(c *client, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeSetRole:
		h.do(func() { h.setRole(c, msg.Role) })

	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeCandidate:
		h.forwardSignal(c, msg)

	case protocol.TypeTransferRequest:
		h.do(func() { h.requestTransfer(c, msg) })

	case protocol.TypeTransferDone, protocol.TypeTransferCancel:
		h.do(func() { h.endTransfer(c, msg) })

	default:
		util.LogDebug("ignoring message type %q from %s", msg.Type, c.id)
	}
}

// forwardSignal passes a negotiation message on to its target. A target
// that is gone is not an error: the message is dropped.
func (h *Hub) forwardSignal(c *client, msg *protocol.Message) {
	dst, ok := h.route(msg.TargetID)
	if !ok || !h.dir.Exists(msg.TargetID) {
		util.LogDebug("dropping %s from %s: target %q is gone", msg.Type, c.id, msg.TargetID)
		return
	}

	out := &protocol.Message{
		Type:      msg.Type,
		FromID:    c.id,
		SDP:       msg.SDP,
		Candidate: msg.Candidate,
	}
	if msg.Type == protocol.TypeOffer {
		out.FromName = c.name
	}
	dst.send(out)
}

var errNotForwarded = errors.New("chunk not forwarded")

// handleFrame forwards a relayed chunk and acknowledges it to the sender
// once it has been written to the receiver's socket.
func (h *Hub) handleFrame(c *client, f *protocol.Frame) {
	if f.Type != protocol.TypeChunk {
		util.LogDebug("ignoring frame type %d from %s", f.Type, c.id)
		return
	}

	util.Stats.AddRecv(len(f.Payload))

	ack := func(err error) {
		status := protocol.AckOK
		if err != nil {
			status = protocol.AckNoPeer
		}
		c.send(&protocol.Message{
			Type:       protocol.TypeChunkAck,
			FromID:     f.Peer,
			ChunkIndex: f.Seq,
			Status:     status,
		})
	}

	s := h.sessions.Of(c.id)
	if s == nil || s.Sender != c.id || s.Receiver != f.Peer {
		ack(errNotForwarded)
		return
	}

	dst, ok := h.route(f.Peer)
	if !ok {
		ack(errNotForwarded)
		return
	}

	if _, err := s.Advance(len(f.Payload)); err != nil {
		util.LogDebug("transfer %s: %v", s.ID, err)
	}

	data, err := protocol.Encode(&protocol.Frame{
		Type:    protocol.TypeChunk,
		Seq:     f.Seq,
		Peer:    c.id,
		Payload: f.Payload,
	})
	if err != nil {
		ack(err)
		return
	}

	queued := dst.enqueue(outbound{
		kind: websocket.BinaryMessage,
		data: data,
		written: func(err error) {
			if err == nil {
				util.Stats.AddChunk()
				util.Stats.AddSent(len(f.Payload))
			}
			ack(err)
		},
	})
	if !queued {
		ack(errNotForwarded)
	}
}
