package cache

import (
	"context"
	"sync"
	"time"
)

// In-memory Provider for tests and cache-less single-node deployments.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry

	TimeNow func() time.Time
}

type memoryEntry struct {
	value      string
	expiration time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entries: map[string]memoryEntry{},
		TimeNow: time.Now,
	}
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}
	if !entry.expiration.After(m.TimeNow()) {
		delete(m.entries, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

func (m *Memory) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = memoryEntry{
		value:      value,
		expiration: m.TimeNow().Add(ttl),
	}
	return nil
}
