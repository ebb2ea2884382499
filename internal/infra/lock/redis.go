package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const keyPrefix = "ledger:replenish:"

// releaseScript deletes the key only while it still holds our attempt ref.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// Redis is a lock shared by every replica through SET NX PX.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Key returns the Redis key guarding accountID.
func Key(accountID string) string {
	return keyPrefix + accountID
}

func (r *Redis) Acquire(ctx context.Context, accountID, attemptRef string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, Key(accountID), attemptRef, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire replenish lock: %w", err)
	}
	return ok, nil
}

func (r *Redis) Release(ctx context.Context, accountID, attemptRef string) error {
	if err := r.client.Eval(ctx, releaseScript, []string{Key(accountID)}, attemptRef).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release replenish lock: %w", err)
	}
	return nil
}
