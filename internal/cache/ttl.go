package cache

import (
	"sync"
	"time"
)

type Config struct {
	TTL        time.Duration
	MaxEntries int
}

type entry[V any] struct {
	value     V
	createdAt time.Time
	expiresAt time.Time
}

// TTL is a bounded in-process cache whose entries expire after a fixed
// lifetime. When full, the oldest entry is evicted.
type TTL[V any] struct {
	mu         sync.RWMutex
	entries    map[string]entry[V]
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

func NewTTL[V any](config Config) *TTL[V] {
	if config.TTL <= 0 {
		config.TTL = 5 * time.Minute
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 256
	}
	return &TTL[V]{
		entries:    make(map[string]entry[V]),
		ttl:        config.TTL,
		maxEntries: config.MaxEntries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	item, exists := c.entries[key]
	c.mu.RUnlock()

	var zero V
	if !exists {
		return zero, false
	}
	if c.now().After(item.expiresAt) {
		c.mu.Lock()
		if current, ok := c.entries[key]; ok && current.expiresAt.Equal(item.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return item.value, true
}

func (c *TTL[V]) Set(key string, value V) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.entries[key] = entry[V]{value: value, createdAt: now, expiresAt: now.Add(c.ttl)}
}

func (c *TTL[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *TTL[V]) evictOldest() {
	oldestKey := ""
	var oldest time.Time
	for key, item := range c.entries {
		if oldestKey == "" || item.createdAt.Before(oldest) {
			oldestKey = key
			oldest = item.createdAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
