package timeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/dealflow/model"
)

// RedisSink publishes events as JSON on a Redis pub/sub channel.
type RedisSink struct {
	client  redis.Cmdable
	channel string
}

// NewRedisSink creates a RedisSink publishing to channel.
func NewRedisSink(client redis.Cmdable, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

// Emit implements Sink.
func (s *RedisSink) Emit(ctx context.Context, event model.StageChangeEvent) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisSink) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
