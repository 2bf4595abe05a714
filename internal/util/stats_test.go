package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatBytes(t *testing.T) {
	testCases := []struct {
		in   int64
		want string
	}{
		{in: 0, want: "0 B"},
		{in: 512, want: "512 B"},
		{in: 16 * 1024, want: "16 KiB"},
		{in: 655360, want: "640 KiB"},
		{in: 1536 * 1024, want: "1.5 MiB"},
		{in: -2048, want: "-2.0 KiB"},
	}

	for _, tc := range testCases {
		t.Run(tc.want, func(t *testing.T) {
			require.Equal(t, tc.want, FormatBytes(tc.in))
		})
	}
}

func TestSetLevel(t *testing.T) {
	req := require.New(t)

	req.True(SetLevel("debug"))
	req.True(SetLevel("WARN"))
	req.True(SetLevel(""))
	req.False(SetLevel("verbose"))
}
