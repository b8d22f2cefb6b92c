package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultStreamMaxLen bounds the stream; trimming is approximate so XADD
// stays O(1).
const DefaultStreamMaxLen = 100_000

// RedisStream appends events to a Redis stream. Consumers read it with
// consumer groups; the payload field holds the JSON event.
type RedisStream struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

func NewRedisStream(client redis.UniversalClient, stream string, maxLen int64) *RedisStream {
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return &RedisStream{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisStream) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"id":        ev.ID,
			"kind":      string(ev.Kind),
			"tenant_id": ev.TenantID.String(),
			"payload":   string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}
