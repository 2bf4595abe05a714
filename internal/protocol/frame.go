package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame type constants.
const (
	TypeChunk  uint8 = 0x02 // File body slice
	TypeDone   uint8 = 0x03 // Sender finished; echoed back by the receiver on the direct channel
	TypeCancel uint8 = 0x04 // Either side aborted the transfer
)

// HeaderSize is the fixed part of the header: Type(1) + Seq(4) + PeerLen(1).
// The variable-length peer id follows it.
const HeaderSize = 6

// MaxPeerLen bounds the peer id carried in a frame header.
const MaxPeerLen = 255

// RelayedChunkSize is the body slice carried by one chunk through the relay.
const RelayedChunkSize = 256 * 1024

// MaxRelayedFrame is the largest frame a relayed transfer produces. Any
// WebSocket read limit on the relay path must be at least this.
const MaxRelayedFrame = HeaderSize + MaxPeerLen + RelayedChunkSize

// ErrShortFrame is returned by Decode when data cannot hold a complete header.
var ErrShortFrame = errors.New("frame too short")

// Frame is a binary transfer frame. It travels over the relay WebSocket as a
// binary message and over the DataChannel as-is.
//
// Peer is the destination id when a sender hands the frame to the relay and
// the source id when the relay delivers it. It is empty on the DataChannel.
type Frame struct {
	Type    uint8
	Seq     uint32
	Peer    string
	Payload []byte
}

// Encode serializes a Frame into a byte slice.
func Encode(f *Frame) ([]byte, error) {
	if len(f.Peer) > MaxPeerLen {
		return nil, fmt.Errorf("peer id too long: %d bytes (max %d)", len(f.Peer), MaxPeerLen)
	}

	offset := HeaderSize + len(f.Peer)
	buf := make([]byte, offset+len(f.Payload))
	buf[0] = f.Type
	binary.BigEndian.PutUint32(buf[1:5], f.Seq)
	buf[5] = uint8(len(f.Peer))
	copy(buf[HeaderSize:offset], f.Peer)
	if len(f.Payload) > 0 {
		copy(buf[offset:], f.Payload)
	}
	return buf, nil
}

// Decode deserializes a byte slice into a Frame. The payload is copied, so
// data may be reused by the caller.
func Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrShortFrame, len(data), HeaderSize)
	}

	peerLen := int(data[5])
	offset := HeaderSize + peerLen
	if len(data) < offset {
		return nil, fmt.Errorf("%w: peer id needs %d bytes, have %d", ErrShortFrame, peerLen, len(data)-HeaderSize)
	}

	f := &Frame{
		Type: data[0],
		Seq:  binary.BigEndian.Uint32(data[1:5]),
		Peer: string(data[HeaderSize:offset]),
	}
	if len(data) > offset {
		f.Payload = make([]byte, len(data)-offset)
		copy(f.Payload, data[offset:])
	}
	return f, nil
}
