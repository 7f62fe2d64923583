package postgres

import (
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjudge/bridged/internal/domain"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestWrapErrNil(t *testing.T) {
	t.Parallel()
	assert.NoError(t, wrapErr("op", nil))
}

func TestWrapErrTagsConnectionFailures(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"connection exception class", &pgconn.PgError{Code: "08006"}, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"syntax error", &pgconn.PgError{Code: "42601"}, false},
		{"net timeout", timeoutErr{}, true},
		{"eof", io.EOF, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"plain error", fmt.Errorf("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := wrapErr("submission.set_processing", tc.err)
			require.Error(t, wrapped)
			assert.Equal(t, tc.transient, domain.IsTransient(wrapped))
			assert.Contains(t, wrapped.Error(), "op=submission.set_processing")
		})
	}
}

func TestJoinVersion(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "3.11.2", joinVersion([]int{3, 11, 2}))
	assert.Equal(t, "13", joinVersion([]int{13}))
	assert.Equal(t, "", joinVersion(nil))
}

// Guard against the transient tag leaking through retry helpers: deadline
// errors from contexts are net.Errors too and must stay transient.
func TestDeadlineExceededIsTransient(t *testing.T) {
	t.Parallel()
	conn, lis := net.Pipe()
	defer func() { _ = conn.Close(); _ = lis.Close() }()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Millisecond)))
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	require.Error(t, err)
	assert.True(t, domain.IsTransient(wrapErr("op", err)))
}
