package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjudge/bridged/internal/domain"
)

func TestRegistrySubmitNoEligibleJudge(t *testing.T) {
	h := newHarness(t)
	err := h.registry.Submit(context.Background(),
		QueuedSubmission{ID: 1, Problem: "aplusb", Language: "PY3"})
	require.ErrorIs(t, err, domain.ErrNoEligibleJudge)
}

func TestRegistrySubmitUnknownProblem(t *testing.T) {
	h := newHarness(t)
	h.addJudge("alpha", "sekret", 1)
	conn := h.connect(t)
	h.handshake(t, conn, "alpha", "sekret")

	err := h.registry.Submit(context.Background(),
		QueuedSubmission{ID: 1, Problem: "no-such-problem", Language: "PY3"})
	require.ErrorIs(t, err, domain.ErrNoEligibleJudge)

	err = h.registry.Submit(context.Background(),
		QueuedSubmission{ID: 1, Problem: "aplusb", Language: "COBOL"})
	require.ErrorIs(t, err, domain.ErrNoEligibleJudge)
}

func TestRegistryPrefersLowerTier(t *testing.T) {
	h := newHarness(t)
	h.addJudge("heavy", "k1", 2)
	h.addJudge("light", "k2", 1)
	h.addSubmission(7)

	heavy := h.connect(t)
	h.handshake(t, heavy, "heavy", "k1")
	light := h.connect(t)
	h.handshake(t, light, "light", "k2")

	require.NoError(t, h.registry.Submit(context.Background(),
		QueuedSubmission{ID: 7, Problem: "aplusb", Language: "PY3"}))

	req := readPacket(t, light)
	assert.Equal(t, "submission-request", req["name"])

	// The higher-tier judge must stay idle.
	assertIdle(t, heavy)
}

func TestRegistryPrefersMeasuredJudge(t *testing.T) {
	h := newHarness(t)
	h.addJudge("alpha", "k1", 1)
	h.addJudge("beta", "k2", 1)
	h.addSubmission(7)

	alpha := h.connect(t)
	h.handshake(t, alpha, "alpha", "k1")
	beta := h.connect(t)
	h.handshake(t, beta, "beta", "k2")

	// Only beta has reported a load; alpha is unmeasured and must rank last
	// even though its name sorts first.
	now := float64(time.Now().UnixNano()) / 1e9
	sendPacket(t, beta, map[string]any{
		"name": "ping-response", "when": now - 0.01, "time": now, "load": 0.5,
	})
	require.Eventually(t, func() bool {
		for _, s := range h.registry.Snapshot() {
			if s.Name == "beta" && s.Load == 0.5 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.registry.Submit(context.Background(),
		QueuedSubmission{ID: 7, Problem: "aplusb", Language: "PY3"}))

	req := readPacket(t, beta)
	assert.Equal(t, "submission-request", req["name"])

	assertIdle(t, alpha)
}

func TestRegistryQueuesWhenBusyAndDrainsOnFree(t *testing.T) {
	h := newHarness(t)
	h.addJudge("alpha", "sekret", 1)
	h.addSubmission(7)
	h.addSubmission(8)
	conn := h.connect(t)
	h.handshake(t, conn, "alpha", "sekret")

	require.NoError(t, h.registry.Submit(context.Background(),
		QueuedSubmission{ID: 7, Problem: "aplusb", Language: "PY3"}))
	readPacket(t, conn)

	// The only capable judge is busy; the second submission waits.
	require.NoError(t, h.registry.Submit(context.Background(),
		QueuedSubmission{ID: 8, Problem: "aplusb", Language: "PY3"}))
	assert.Equal(t, 1, h.registry.QueueLength())

	sendPacket(t, conn, map[string]any{"name": "submission-acknowledged", "submission-id": 7})
	sendPacket(t, conn, map[string]any{"name": "grading-end", "submission-id": 7})

	req := readPacket(t, conn)
	assert.Equal(t, "submission-request", req["name"])
	assert.Equal(t, float64(8), req["submission-id"])
	assert.Equal(t, 0, h.registry.QueueLength())
}

func TestRegistryAbortQueued(t *testing.T) {
	h := newHarness(t)
	h.addJudge("alpha", "sekret", 1)
	h.addSubmission(7)
	h.addSubmission(8)
	conn := h.connect(t)
	h.handshake(t, conn, "alpha", "sekret")

	require.NoError(t, h.registry.Submit(context.Background(),
		QueuedSubmission{ID: 7, Problem: "aplusb", Language: "PY3"}))
	readPacket(t, conn)
	require.NoError(t, h.registry.Submit(context.Background(),
		QueuedSubmission{ID: 8, Problem: "aplusb", Language: "PY3"}))

	queued, err := h.registry.Abort(8)
	require.NoError(t, err)
	assert.True(t, queued)
	assert.Equal(t, 0, h.registry.QueueLength())
}

func TestRegistryAbortNotRunning(t *testing.T) {
	h := newHarness(t)
	_, err := h.registry.Abort(99)
	require.ErrorIs(t, err, domain.ErrNotRunning)
}

func TestRegistryDisabledJudgeTakesNoWork(t *testing.T) {
	h := newHarness(t)
	h.addJudge("alpha", "sekret", 1)
	h.addSubmission(7)
	conn := h.connect(t)
	h.handshake(t, conn, "alpha", "sekret")

	require.NoError(t, h.registry.SetDisabled("alpha", true))
	err := h.registry.Submit(context.Background(),
		QueuedSubmission{ID: 7, Problem: "aplusb", Language: "PY3"})
	require.ErrorIs(t, err, domain.ErrNoEligibleJudge)

	// Re-enabling makes it eligible again.
	require.NoError(t, h.registry.SetDisabled("alpha", false))
	require.NoError(t, h.registry.Submit(context.Background(),
		QueuedSubmission{ID: 7, Problem: "aplusb", Language: "PY3"}))
	req := readPacket(t, conn)
	assert.Equal(t, "submission-request", req["name"])
}

func TestRegistryDirectedRejudgeBypassesDisabled(t *testing.T) {
	h := newHarness(t)
	h.addJudge("alpha", "sekret", 1)
	h.addSubmission(7)
	conn := h.connect(t)
	h.handshake(t, conn, "alpha", "sekret")

	require.NoError(t, h.registry.SetDisabled("alpha", true))
	require.NoError(t, h.registry.Submit(context.Background(),
		QueuedSubmission{ID: 7, Problem: "aplusb", Language: "PY3", Judge: "alpha"}))
	req := readPacket(t, conn)
	assert.Equal(t, "submission-request", req["name"])
}

func TestRegistryDirectedRejudgeWrongJudge(t *testing.T) {
	h := newHarness(t)
	h.addJudge("alpha", "sekret", 1)
	h.addSubmission(7)
	conn := h.connect(t)
	h.handshake(t, conn, "alpha", "sekret")

	err := h.registry.Submit(context.Background(),
		QueuedSubmission{ID: 7, Problem: "aplusb", Language: "PY3", Judge: "beta"})
	require.ErrorIs(t, err, domain.ErrNoEligibleJudge)
}

func TestRegistryVanishedSubmissionDropped(t *testing.T) {
	h := newHarness(t)
	h.addJudge("alpha", "sekret", 1)
	conn := h.connect(t)
	h.handshake(t, conn, "alpha", "sekret")

	// No dispatch info stored for 404; Submit succeeds but the submission
	// is dropped rather than queued forever.
	require.NoError(t, h.registry.Submit(context.Background(),
		QueuedSubmission{ID: 404, Problem: "aplusb", Language: "PY3"}))
	assert.Equal(t, 0, h.registry.QueueLength())
	assertIdle(t, conn)
}

func TestRegistryDisconnectByName(t *testing.T) {
	h := newHarness(t)
	h.addJudge("alpha", "sekret", 1)
	conn := h.connect(t)
	h.handshake(t, conn, "alpha", "sekret")

	require.NoError(t, h.registry.Disconnect("alpha", false))
	req := readPacket(t, conn)
	assert.Equal(t, "disconnect", req["name"])

	require.ErrorIs(t, h.registry.Disconnect("nobody", false), domain.ErrNotFound)
}

func TestRegistryForceDisconnect(t *testing.T) {
	h := newHarness(t)
	h.addJudge("alpha", "sekret", 1)
	conn := h.connect(t)
	h.handshake(t, conn, "alpha", "sekret")

	require.NoError(t, h.registry.Disconnect("alpha", true))
	_, err := conn.ReadFrame(2 * time.Second)
	require.Error(t, err)
	require.Eventually(t, func() bool {
		return len(h.registry.Snapshot()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegistryNewJudgeDrainsQueueOnConnect(t *testing.T) {
	h := newHarness(t)
	h.addJudge("alpha", "sekret", 1)
	h.addJudge("beta", "sekret2", 1)
	h.addSubmission(7)
	h.addSubmission(8)

	alpha := h.connect(t)
	h.handshake(t, alpha, "alpha", "sekret")
	require.NoError(t, h.registry.Submit(context.Background(),
		QueuedSubmission{ID: 7, Problem: "aplusb", Language: "PY3"}))
	readPacket(t, alpha)
	require.NoError(t, h.registry.Submit(context.Background(),
		QueuedSubmission{ID: 8, Problem: "aplusb", Language: "PY3"}))
	require.Equal(t, 1, h.registry.QueueLength())

	beta := h.connect(t)
	h.handshake(t, beta, "beta", "sekret2")

	req := readPacket(t, beta)
	assert.Equal(t, "submission-request", req["name"])
	assert.Equal(t, float64(8), req["submission-id"])
	assert.Equal(t, 0, h.registry.QueueLength())
}
