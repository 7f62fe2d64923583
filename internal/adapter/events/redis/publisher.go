// Package redis publishes bridge events to Redis pub/sub topics.
//
// Per-submission topics are keyed by an HMAC-derived secret so that
// subscribers cannot enumerate other users' submissions. Intermediate
// testcase events are rate-limited per submission; terminal events are
// never dropped.
package redis

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/openjudge/bridged/internal/adapter/observability"
	"github.com/openjudge/bridged/internal/domain"
	obsctx "github.com/openjudge/bridged/internal/observability"
)

// Publisher implements domain.EventBus on Redis pub/sub.
type Publisher struct {
	client *goredis.Client
	secret []byte
	limit  int
	window time.Duration

	mu       sync.Mutex
	counters map[string]counter
}

// counter tracks emissions within the current rate window for one key.
type counter struct {
	count int
	reset time.Time
}

// NewPublisher constructs a Publisher. limit and window control the
// per-key throttle applied by PublishThrottled.
func NewPublisher(client *goredis.Client, secret string, limit int, window time.Duration) *Publisher {
	return &Publisher{
		client:   client,
		secret:   []byte(secret),
		limit:    limit,
		window:   window,
		counters: map[string]counter{},
	}
}

var _ domain.EventBus = (*Publisher)(nil)

// SubmissionTopic derives the unguessable per-submission topic name:
// a 16-hex HMAC-SHA512 prefix followed by the 8-hex submission id.
func (p *Publisher) SubmissionTopic(id int64) string {
	mac := hmac.New(sha512.New, p.secret)
	fmt.Fprintf(mac, "%d", id)
	digest := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("sub_%s%08x", digest[:16], id)
}

// ContestTopic names the per-contest topic.
func (p *Publisher) ContestTopic(id int64) string {
	return fmt.Sprintf("contest_%d", id)
}

// Publish sends one event to a topic. Failures are logged and swallowed;
// event delivery must never take a session down.
func (p *Publisher) Publish(ctx context.Context, topic string, payload map[string]any) {
	lg := obsctx.LoggerFromContext(ctx)
	if id := obsctx.SubmissionFromContext(ctx); id != 0 {
		lg = lg.With(slog.Int64("submission", id))
	}
	data, err := json.Marshal(payload)
	if err != nil {
		lg.Error("failed to marshal event", slog.Any("error", err))
		return
	}
	if err := p.client.Publish(ctx, topic, data).Err(); err != nil {
		lg.Warn("event publish failed", slog.String("topic", topic), slog.Any("error", err))
		return
	}
	kind, _ := payload["type"].(string)
	observability.EventsPublishedTotal.WithLabelValues(kind).Inc()
}

// PublishThrottled applies the per-key rate limit before publishing and
// reports whether the event went out. At most limit emissions are allowed
// per window per key; overflow is dropped silently.
func (p *Publisher) PublishThrottled(ctx context.Context, key, topic string, payload map[string]any) bool {
	now := time.Now()
	drop := false

	p.mu.Lock()
	if c, ok := p.counters[key]; ok {
		c.count++
		if now.Sub(c.reset) > p.window {
			delete(p.counters, key)
		} else {
			p.counters[key] = c
			if c.count > p.limit {
				drop = true
			}
		}
	}
	if _, ok := p.counters[key]; !ok {
		p.counters[key] = counter{count: 1, reset: now}
	}
	p.mu.Unlock()

	if drop {
		observability.EventsDroppedTotal.Inc()
		return false
	}
	p.Publish(ctx, topic, payload)
	return true
}
