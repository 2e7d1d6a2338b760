package redis

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Redis key prefixes for per-user connection hashes and typing target sets
const (
	connectionsKeyPrefix   = "connections:"
	typingTargetsKeyPrefix = "typing_targets:"
)

// DefaultPresenceTTL bounds how long a crashed instance's connections linger.
const DefaultPresenceTTL = 2 * time.Minute

// Presence counts a user's live WebSocket connections across instances, so
// "last connection closed" can mean last everywhere and not just here.
type Presence struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewPresence(client *goredis.Client, ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &Presence{client: client, ttl: ttl}
}

// TrackConnection records clientID as a live connection of userID.
func (p *Presence) TrackConnection(ctx context.Context, userID, clientID string) error {
	key := connectionsKeyPrefix + userID

	pipe := p.client.Pipeline()
	pipe.HSet(ctx, key, clientID, time.Now().UTC().Format(time.RFC3339))
	pipe.Expire(ctx, key, p.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// ReleaseConnection forgets clientID and returns how many connections the
// user still has on any instance.
func (p *Presence) ReleaseConnection(ctx context.Context, userID, clientID string) (int64, error) {
	key := connectionsKeyPrefix + userID

	pipe := p.client.TxPipeline()
	pipe.HDel(ctx, key, clientID)
	remaining := pipe.HLen(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return remaining.Val(), nil
}

// Refresh extends the TTL of userID's connection hash and typing targets.
// Called on heartbeat.
func (p *Presence) Refresh(ctx context.Context, userID string) error {
	pipe := p.client.Pipeline()
	pipe.Expire(ctx, connectionsKeyPrefix+userID, p.ttl)
	pipe.Expire(ctx, typingTargetsKeyPrefix+userID, p.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// AddTypingTarget records that userID is typing to peerID.
func (p *Presence) AddTypingTarget(ctx context.Context, userID, peerID string) error {
	key := typingTargetsKeyPrefix + userID

	pipe := p.client.Pipeline()
	pipe.SAdd(ctx, key, peerID)
	pipe.Expire(ctx, key, p.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (p *Presence) RemoveTypingTarget(ctx context.Context, userID, peerID string) error {
	return p.client.SRem(ctx, typingTargetsKeyPrefix+userID, peerID).Err()
}

// TakeTypingTargets returns and forgets everyone userID was typing to.
func (p *Presence) TakeTypingTargets(ctx context.Context, userID string) ([]string, error) {
	key := typingTargetsKeyPrefix + userID

	pipe := p.client.TxPipeline()
	members := pipe.SMembers(ctx, key)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return members.Val(), nil
}
