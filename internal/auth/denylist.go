package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const denylistNamespace = "session:revoked"

// RedisDenylist keeps revoked credential ids in redis with a TTL equal to the
// credential's remaining lifetime.
type RedisDenylist struct {
	client  redis.UniversalClient
	timeout time.Duration
}

func NewRedisDenylist(client redis.UniversalClient, timeout time.Duration) *RedisDenylist {
	return &RedisDenylist{client: client, timeout: timeout}
}

func (d *RedisDenylist) Revoke(ctx context.Context, id string, ttl time.Duration) error {
	const op = "auth.RedisDenylist.Revoke"

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	if err := d.client.Set(ctx, key(id), 1, ttl).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (d *RedisDenylist) IsRevoked(ctx context.Context, id string) (bool, error) {
	const op = "auth.RedisDenylist.IsRevoked"

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	err := d.client.Get(ctx, key(id)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}

func (d *RedisDenylist) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.timeout)
}

func key(id string) string {
	return denylistNamespace + ":" + id
}
