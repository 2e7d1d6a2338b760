package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus fans frames out across API instances with Redis Pub/Sub. Every
// instance subscribes to all user channels and delivers to its own sockets.
type RedisBus struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		client: client,
		logger: zap.L().With(zap.String("component", "redis_bus")),
	}
}

func (b *RedisBus) PublishToUser(ctx context.Context, userID string, payload []byte) error {
	if err := b.client.Publish(ctx, UserChannel(userID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", UserChannel(userID), err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, handler func(userID string, payload []byte)) error {
	pubsub := b.client.PSubscribe(ctx, ChannelPrefixUser+"*")
	defer pubsub.Close()

	// Wait for the subscription to be confirmed before reporting readiness.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			userID, ok := UserFromChannel(msg.Channel)
			if !ok {
				b.logger.Warn("ignoring message on unexpected channel", zap.String("channel", msg.Channel))
				continue
			}
			handler(userID, []byte(msg.Payload))
		}
	}
}
