package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	testCases := []struct {
		name  string
		frame *Frame
	}{
		{
			name:  "chunk addressed to a peer",
			frame: &Frame{Type: TypeChunk, Seq: 7, Peer: "2f7c9b1e-0000-4000-8000-000000000001", Payload: []byte("hello")},
		},
		{
			name:  "chunk on the direct channel",
			frame: &Frame{Type: TypeChunk, Seq: 0, Payload: make([]byte, 16*1024)},
		},
		{
			name:  "done without payload",
			frame: &Frame{Type: TypeDone, Seq: 3},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := require.New(t)

			data, err := Encode(tc.frame)
			req.NoError(err)
			req.Len(data, HeaderSize+len(tc.frame.Peer)+len(tc.frame.Payload))

			got, err := Decode(data)
			req.NoError(err)
			req.Equal(tc.frame.Type, got.Type)
			req.Equal(tc.frame.Seq, got.Seq)
			req.Equal(tc.frame.Peer, got.Peer)
			req.True(bytes.Equal(tc.frame.Payload, got.Payload))
		})
	}
}

func TestEncodeLayout(t *testing.T) {
	req := require.New(t)

	data, err := Encode(&Frame{Type: TypeChunk, Seq: 0x01020304, Peer: "ab", Payload: []byte{0xff}})
	req.NoError(err)

	req.Equal(TypeChunk, data[0])
	req.Equal(uint32(0x01020304), binary.BigEndian.Uint32(data[1:5]))
	req.Equal(uint8(2), data[5])
	req.Equal("ab", string(data[6:8]))
	req.Equal([]byte{0xff}, data[8:])
}

func TestEncodeRejectsLongPeer(t *testing.T) {
	_, err := Encode(&Frame{Type: TypeChunk, Peer: strings.Repeat("x", MaxPeerLen+1)})
	require.Error(t, err)
}

func TestDecodeShort(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "partial header", data: []byte{TypeChunk, 0, 0, 0}},
		{name: "truncated peer id", data: []byte{TypeChunk, 0, 0, 0, 1, 10, 'a', 'b'}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.data)
			require.True(t, errors.Is(err, ErrShortFrame))
		})
	}
}

func TestDecodeCopiesPayload(t *testing.T) {
	req := require.New(t)

	data, err := Encode(&Frame{Type: TypeChunk, Payload: []byte{1, 2, 3}})
	req.NoError(err)

	f, err := Decode(data)
	req.NoError(err)

	data[len(data)-1] = 0x99
	req.Equal([]byte{1, 2, 3}, f.Payload)
}
