package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"isp-saas.com/netsync/internal/models"
)

// Locker grants at most one holder per key. pkg/redis.RedisClient satisfies
// it for multi-process deployments.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error)
}

func lockKey(t models.Triple) string {
	return fmt.Sprintf("netsync:inflight:%d:%d:%d", t.TenantID, t.CustomerID, t.IntegrationID)
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	now   func() time.Time
	token uint64
	owner map[string]uint64
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held:  make(map[string]time.Time),
		owner: make(map[string]uint64),
		now:   time.Now,
	}
}

func (m *MemoryLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.held[key]; ok && now.Before(exp) {
		return nil, false, nil
	}
	m.token++
	tok := m.token
	m.held[key] = now.Add(ttl)
	m.owner[key] = tok

	unlock := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.owner[key] == tok {
			delete(m.held, key)
			delete(m.owner, key)
		}
	}
	return unlock, true, nil
}
