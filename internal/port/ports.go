// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the ledger
// service from the database, the payment provider and the notification
// channels.
package port

import (
	"context"
	"time"
)

// ReplenishLock marks an auto-replenish attempt in flight for an account.
// Acquire returns false when another attempt holds the lock.
type ReplenishLock interface {
	Acquire(ctx context.Context, accountID, attemptRef string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, accountID, attemptRef string) error
}

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
}
