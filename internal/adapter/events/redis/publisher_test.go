package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPublisher(t *testing.T, limit int, window time.Duration) (*Publisher, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewPublisher(client, "test-secret", limit, window), client
}

func TestSubmissionTopicShape(t *testing.T) {
	t.Parallel()
	p, _ := newTestPublisher(t, 5, 500*time.Millisecond)

	topic := p.SubmissionTopic(123)
	// sub_ + 16 hex chars of HMAC + 8 hex chars of id.
	require.Len(t, topic, 4+16+8)
	assert.Equal(t, "sub_", topic[:4])
	assert.Equal(t, fmt.Sprintf("%08x", 123), topic[len(topic)-8:])

	// Stable for the same id, distinct across ids.
	assert.Equal(t, topic, p.SubmissionTopic(123))
	assert.NotEqual(t, topic[:20], p.SubmissionTopic(124)[:20])
}

func TestSubmissionTopicDependsOnSecret(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	a := NewPublisher(client, "secret-a", 5, time.Second)
	b := NewPublisher(client, "secret-b", 5, time.Second)
	assert.NotEqual(t, a.SubmissionTopic(1), b.SubmissionTopic(1))
}

func TestContestTopic(t *testing.T) {
	t.Parallel()
	p, _ := newTestPublisher(t, 5, time.Second)
	assert.Equal(t, "contest_42", p.ContestTopic(42))
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	t.Parallel()
	p, client := newTestPublisher(t, 5, time.Second)
	ctx := context.Background()

	sub := client.Subscribe(ctx, "contest_1")
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	p.Publish(ctx, "contest_1", map[string]any{"type": "update", "id": 7})

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &payload))
	assert.Equal(t, "update", payload["type"])
	assert.Equal(t, float64(7), payload["id"])
}

func TestPublishThrottledAllowsUpToLimit(t *testing.T) {
	t.Parallel()
	p, _ := newTestPublisher(t, 3, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, p.PublishThrottled(ctx, "sub:1", "t", map[string]any{"type": "test-case"}), "event %d", i)
	}
	assert.False(t, p.PublishThrottled(ctx, "sub:1", "t", map[string]any{"type": "test-case"}))
	assert.False(t, p.PublishThrottled(ctx, "sub:1", "t", map[string]any{"type": "test-case"}))
}

func TestPublishThrottledKeysAreIndependent(t *testing.T) {
	t.Parallel()
	p, _ := newTestPublisher(t, 1, time.Hour)
	ctx := context.Background()

	assert.True(t, p.PublishThrottled(ctx, "sub:1", "t", map[string]any{"type": "test-case"}))
	assert.False(t, p.PublishThrottled(ctx, "sub:1", "t", map[string]any{"type": "test-case"}))
	assert.True(t, p.PublishThrottled(ctx, "sub:2", "t", map[string]any{"type": "test-case"}))
}

func TestPublishThrottledWindowExpiry(t *testing.T) {
	t.Parallel()
	p, _ := newTestPublisher(t, 1, 30*time.Millisecond)
	ctx := context.Background()

	assert.True(t, p.PublishThrottled(ctx, "sub:1", "t", map[string]any{"type": "test-case"}))
	assert.False(t, p.PublishThrottled(ctx, "sub:1", "t", map[string]any{"type": "test-case"}))

	time.Sleep(50 * time.Millisecond)
	// The stale window is evicted; a fresh one starts with this emission.
	assert.True(t, p.PublishThrottled(ctx, "sub:1", "t", map[string]any{"type": "test-case"}))
	assert.False(t, p.PublishThrottled(ctx, "sub:1", "t", map[string]any{"type": "test-case"}))
}

func TestPublishSurvivesDeadBroker(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	p := NewPublisher(client, "s", 5, time.Second)
	mr.Close()

	// Must not panic or error out of the call.
	p.Publish(context.Background(), "t", map[string]any{"type": "update"})
}
