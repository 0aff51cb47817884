package remote

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseListing(t *testing.T) {
	out := "newest.pcap\nnewest.gps.json\r\n.\n..\n\nolder.pcap\n  \noldest.net-pos.json\n"

	entries := parseListing("/root/handshakes", out)

	require.Len(t, entries, 4)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
		assert.Nil(t, e.ModTimeUnix, "listing carries no timestamps")
	}
	assert.Equal(t, []string{"newest.pcap", "newest.gps.json", "older.pcap", "oldest.net-pos.json"}, names)
	assert.Equal(t, "/root/handshakes/newest.pcap", entries[0].RemotePath)
}

func TestParseListing_Empty(t *testing.T) {
	assert.Empty(t, parseListing("/root/handshakes", ""))
	assert.Empty(t, parseListing("/root/handshakes", ".\n..\n"))
}

func TestParseUnixSeconds(t *testing.T) {
	tests := []struct {
		raw  string
		want *int64
	}{
		{raw: "1717171717\n", want: ptr(1717171717)},
		{raw: "  42 ", want: ptr(42)},
		{raw: "date: invalid date", want: nil},
		{raw: "", want: nil},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("%q", tc.raw), func(t *testing.T) {
			assert.Equal(t, tc.want, parseUnixSeconds(tc.raw))
		})
	}
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'/root/handshakes'`, ShellQuote("/root/handshakes"))
	assert.Equal(t, `'it'\''s here'`, ShellQuote("it's here"))
	assert.Equal(t, `'$(rm -rf /)'`, ShellQuote("$(rm -rf /)"))
}

func TestClassifyHandshakeError(t *testing.T) {
	authErr := classifyHandshakeError("10.0.0.2:22", errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]"))
	assert.ErrorIs(t, authErr, ErrAuth)

	netErr := classifyHandshakeError("10.0.0.2:22", errors.New("read tcp: connection reset by peer"))
	assert.ErrorIs(t, netErr, ErrNetwork)
	assert.NotErrorIs(t, netErr, ErrAuth)
}

func ptr(v int64) *int64 {
	return &v
}
