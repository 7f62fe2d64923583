package bridge

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func framePair(t *testing.T, maxFrame int) (*FramedConn, *FramedConn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	return NewFramedConn(a, maxFrame), NewFramedConn(b, maxFrame)
}

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()
	client, server := framePair(t, 1<<20)

	payload := []byte(`{"name":"ping-response","when":1.5,"time":2.5,"load":0.25}`)
	go func() { _ = client.WriteFrame(payload) }()

	got, err := server.ReadFrame(time.Second)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFrameEmptyPayload(t *testing.T) {
	t.Parallel()
	client, server := framePair(t, 1<<20)

	go func() { _ = client.WriteFrame(nil) }()
	got, err := server.ReadFrame(time.Second)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFrameTooLarge(t *testing.T) {
	t.Parallel()
	a, b := net.Pipe()
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	server := NewFramedConn(b, 16)

	go func() {
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], 1<<20)
		_, _ = a.Write(hdr[:])
	}()

	_, err := server.ReadFrame(time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFrameZeroLength(t *testing.T) {
	t.Parallel()
	a, b := net.Pipe()
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	server := NewFramedConn(b, 16)

	go func() { _, _ = a.Write([]byte{0, 0, 0, 0}) }()

	_, err := server.ReadFrame(time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestFrameGarbageBody(t *testing.T) {
	t.Parallel()
	a, b := net.Pipe()
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	server := NewFramedConn(b, 1<<20)

	go func() {
		body := []byte("this is not zlib")
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
		_, _ = a.Write(hdr[:])
		_, _ = a.Write(body)
	}()

	_, err := server.ReadFrame(time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestFrameReadTimeout(t *testing.T) {
	t.Parallel()
	_, server := framePair(t, 1<<20)

	start := time.Now()
	_, err := server.ReadFrame(50 * time.Millisecond)
	require.Error(t, err)
	nerr, ok := err.(net.Error)
	require.True(t, ok)
	assert.True(t, nerr.Timeout())
	assert.Less(t, time.Since(start), time.Second)
}
