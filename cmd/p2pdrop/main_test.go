package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/1ureka/p2pdrop/internal/protocol"
)

func TestNormalizeWSURL(t *testing.T) {
	cases := map[string]string{
		"ws://localhost:8080/ws":          "ws://localhost:8080/ws",
		"http://localhost:8080":           "ws://localhost:8080/ws",
		"https://drop.example.org/":       "wss://drop.example.org/ws",
		"  drop.example.org  ":            "wss://drop.example.org/ws",
		"wss://drop.example.org/anything": "wss://drop.example.org/ws",
	}
	for raw, want := range cases {
		got, err := normalizeWSURL(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}

	_, err := normalizeWSURL("ws://")
	require.Error(t, err)
}

func TestFindPeer(t *testing.T) {
	peers := []protocol.PeerInfo{
		{ID: "a1", Name: "Brave Otter"},
		{ID: "b2", Name: "Quiet Heron"},
	}

	p, ok := findPeer(peers, "b2")
	require.True(t, ok)
	require.Equal(t, "Quiet Heron", p.Name)

	p, ok = findPeer(peers, "Brave Otter")
	require.True(t, ok)
	require.Equal(t, "a1", p.ID)

	_, ok = findPeer(peers, "nobody")
	require.False(t, ok)
}
