package gateway

import (
	"context"
	"sync"
	"time"
)

// Counter increments a fixed-window counter atomically and returns the new
// count and the time left in the window. pkg/redis.RedisClient implements
// it for deployments with more than one API process.
type Counter interface {
	Hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

type memWindow struct {
	count int64
	reset time.Time
}

// MemoryCounter is a process-local Counter.
type MemoryCounter struct {
	mu      sync.Mutex
	windows map[string]*memWindow
	now     func() time.Time
	hits    int
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{windows: make(map[string]*memWindow), now: time.Now}
}

func (m *MemoryCounter) Hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.windows[key]
	if !ok || !now.Before(w.reset) {
		w = &memWindow{reset: now.Add(window)}
		m.windows[key] = w
	}
	w.count++

	m.hits++
	if m.hits%1024 == 0 {
		for k, old := range m.windows {
			if !now.Before(old.reset) {
				delete(m.windows, k)
			}
		}
	}
	return w.count, w.reset.Sub(now), nil
}
