// Package lock provides port.ReplenishLock implementations. The in-memory
// lock serves a single process; the Redis lock spans replicas.
package lock

import (
	"context"
	"sync"
	"time"
)

type holder struct {
	ref     string
	expires time.Time
}

// Memory is a process-local lock with per-key expiry.
type Memory struct {
	mu    sync.Mutex
	held  map[string]holder
	clock func() time.Time
}

// NewMemory creates an empty in-memory lock.
func NewMemory() *Memory {
	return &Memory{held: make(map[string]holder), clock: time.Now}
}

func (m *Memory) Acquire(_ context.Context, accountID, attemptRef string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if h, ok := m.held[accountID]; ok && now.Before(h.expires) {
		return false, nil
	}
	m.held[accountID] = holder{ref: attemptRef, expires: now.Add(ttl)}
	return true, nil
}

// Release drops the lock only if attemptRef still owns it.
func (m *Memory) Release(_ context.Context, accountID, attemptRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.held[accountID]; ok && h.ref == attemptRef {
		delete(m.held, accountID)
	}
	return nil
}
