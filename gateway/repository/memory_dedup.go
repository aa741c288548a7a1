package repository

import (
	"context"
	"sync"
	"time"
)

// MemoryDedupStore keeps dedup keys in a TTL map.
type MemoryDedupStore struct {
	mu    sync.Mutex
	store map[string]time.Time // key -> expiry
	ops   int
	now   func() time.Time
}

func NewMemoryDedupStore() *MemoryDedupStore {
	return &MemoryDedupStore{
		store: make(map[string]time.Time),
		now:   time.Now,
	}
}

func (m *MemoryDedupStore) Seen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.store[key]; ok && now.Before(exp) {
		return true, nil
	}
	m.store[key] = now.Add(ttl)

	m.ops++
	if m.ops%1024 == 0 {
		for k, exp := range m.store {
			if !now.Before(exp) {
				delete(m.store, k)
			}
		}
	}
	return false, nil
}

func (m *MemoryDedupStore) Forget(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.store, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryDedupStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.store)
}
