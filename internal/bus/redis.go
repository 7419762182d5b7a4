package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// remoteChannelPatterns covers every channel the core publishes on.
var remoteChannelPatterns = []string{"entity:*", "config:*"}

// RedisRemote mirrors bus traffic through Redis Pub/Sub so multiple
// processes share one event stream.
type RedisRemote struct {
	client redis.UniversalClient
}

// NewRedisRemote wraps an existing Redis client. The caller owns the client
// lifecycle.
func NewRedisRemote(client redis.UniversalClient) *RedisRemote {
	return &RedisRemote{client: client}
}

// Publish forwards one envelope to Redis.
func (r *RedisRemote) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("bus: redis publish %s: %w", channel, err)
	}
	return nil
}

// Listen consumes mirrored envelopes until ctx is cancelled.
func (r *RedisRemote) Listen(ctx context.Context, onMessage func(channel string, payload []byte)) error {
	sub := r.client.PSubscribe(ctx, remoteChannelPatterns...)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("bus: redis subscription closed")
			}
			onMessage(msg.Channel, []byte(msg.Payload))
		}
	}
}
