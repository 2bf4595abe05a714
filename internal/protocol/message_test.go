package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	testCases := []struct {
		in   string
		want Role
		ok   bool
	}{
		{in: "sender", want: RoleSender, ok: true},
		{in: "receiver", want: RoleReceiver, ok: true},
		{in: "none", want: RoleNone, ok: false},
		{in: "admin", want: RoleNone, ok: false},
		{in: "", want: RoleNone, ok: false},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, ok := ParseRole(tc.in)
			require.Equal(t, tc.want, got)
			require.Equal(t, tc.ok, ok)
		})
	}
}

func TestFileMetaValidate(t *testing.T) {
	req := require.New(t)

	req.NoError(FileMeta{FileName: "a.txt", FileSize: 0}.Validate())
	req.NoError(FileMeta{FileName: "photo.jpg", FileSize: 655360, FileType: "image/jpeg"}.Validate())
	req.Error(FileMeta{FileSize: 10}.Validate())
	req.Error(FileMeta{FileName: "a.txt", FileSize: -1}.Validate())
}

func TestICEServerURLsForms(t *testing.T) {
	req := require.New(t)

	var servers []ICEServer
	err := json.Unmarshal([]byte(`[
		{"urls": "stun:stun.example.org:3478"},
		{"urls": ["turn:turn.example.org:3478?transport=udp", "turn:turn.example.org:443?transport=tcp"], "username": "u", "credential": "c"}
	]`), &servers)
	req.NoError(err)
	req.Len(servers, 2)

	req.Equal([]string{"stun:stun.example.org:3478"}, servers[0].URLs)
	req.Len(servers[1].URLs, 2)
	req.Equal("u", servers[1].Username)
	req.Equal("c", servers[1].Credential)
}
