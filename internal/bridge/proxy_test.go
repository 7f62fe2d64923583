package bridge

import (
	"bufio"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTrustedProxies(t *testing.T) {
	t.Parallel()
	nets, err := parseTrustedProxies([]string{"10.0.0.0/8", "192.168.1.5", " ", "::1"})
	require.NoError(t, err)
	require.Len(t, nets, 3)

	assert.True(t, ipTrusted(nets, net.ParseIP("10.1.2.3")))
	assert.True(t, ipTrusted(nets, net.ParseIP("192.168.1.5")))
	assert.True(t, ipTrusted(nets, net.ParseIP("::1")))
	assert.False(t, ipTrusted(nets, net.ParseIP("192.168.1.6")))
	assert.False(t, ipTrusted(nets, net.ParseIP("8.8.8.8")))
}

func TestParseTrustedProxiesBadEntry(t *testing.T) {
	t.Parallel()
	_, err := parseTrustedProxies([]string{"not-a-cidr"})
	require.Error(t, err)
}

func TestReadProxyHeader(t *testing.T) {
	t.Parallel()
	r := bufio.NewReader(strings.NewReader("PROXY TCP4 203.0.113.7 10.0.0.1 54321 9999\r\nrest"))
	addr, err := readProxyHeader(r, "10.0.0.1:4444")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7:54321", addr)

	// The payload after the header line must remain readable.
	rest := make([]byte, 4)
	_, err = r.Read(rest)
	require.NoError(t, err)
	assert.Equal(t, "rest", string(rest))
}

func TestReadProxyHeaderUnknown(t *testing.T) {
	t.Parallel()
	r := bufio.NewReader(strings.NewReader("PROXY UNKNOWN\r\n"))
	addr, err := readProxyHeader(r, "10.0.0.1:4444")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:4444", addr)
}

func TestReadProxyHeaderMalformed(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		line string
	}{
		{"not proxy", "GET / HTTP/1.1\r\n"},
		{"too few fields", "PROXY TCP4 1.2.3.4\r\n"},
		{"bad source ip", "PROXY TCP4 nope 10.0.0.1 1 2\r\n"},
		{"too long", "PROXY TCP4 " + strings.Repeat("9", 120) + " 10.0.0.1 1 2\r\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := bufio.NewReader(strings.NewReader(tc.line))
			_, err := readProxyHeader(r, "fallback")
			require.Error(t, err)
		})
	}
}
