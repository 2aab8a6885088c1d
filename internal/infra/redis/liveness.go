package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Liveness marks open rooms with a TTL'd key. Best effort: it lets operators
// see which room codes are active and could be extended to route cross-
// instance pub/sub; the authoritative registry stays in-process.
type Liveness struct {
	client *redis.Client
	ttl    time.Duration
}

func NewLiveness(client *redis.Client, ttl time.Duration) *Liveness {
	return &Liveness{client: client, ttl: ttl}
}

func (l *Liveness) Mark(ctx context.Context, roomCode string) error {
	return l.client.Set(ctx, l.key(roomCode), "1", l.ttl).Err()
}

func (l *Liveness) Clear(ctx context.Context, roomCode string) error {
	return l.client.Del(ctx, l.key(roomCode)).Err()
}

func (l *Liveness) key(roomCode string) string {
	return "room:live:" + roomCode
}
