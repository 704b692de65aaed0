package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// sweepEvery is how many stores pass between sweeps of expired entries.
const sweepEvery = 256

type memoryCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]Entry
	stores  int
}

// NewMemory returns an in-process cache. Entries stored without an expiry
// live for ttl. Expired entries are dropped lazily on lookup and in periodic
// sweeps so per-user keys do not accumulate.
func NewMemory(ttl time.Duration) Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &memoryCache{ttl: ttl, now: time.Now, entries: make(map[string]Entry)}
}

func (c *memoryCache) Lookup(_ context.Context, key string) (Entry, bool, error) {
	now := c.now()
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false, nil
	}
	if entry.expired(now) {
		c.mu.Lock()
		if current, still := c.entries[key]; still && current.expired(now) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (c *memoryCache) Store(_ context.Context, key string, entry Entry) error {
	now := c.now().UTC()
	if entry.StoredAt.IsZero() {
		entry.StoredAt = now
	}
	if entry.ExpiresAt.IsZero() || entry.ExpiresAt.Before(entry.StoredAt) {
		entry.ExpiresAt = entry.StoredAt.Add(c.ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry
	c.stores++
	if c.stores >= sweepEvery {
		c.stores = 0
		c.sweepLocked(now)
	}
	return nil
}

func (c *memoryCache) sweepLocked(now time.Time) {
	for key, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, key)
		}
	}
}

func (c *memoryCache) DeletePrefix(_ context.Context, prefix string) error {
	if prefix == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	return nil
}

// Size counts live entries only.
func (c *memoryCache) Size(_ context.Context) (int64, error) {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	var n int64
	for _, entry := range c.entries {
		if !entry.expired(now) {
			n++
		}
	}
	return n, nil
}

func (c *memoryCache) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry)
	return nil
}

func (c *memoryCache) InvalidateOnReload(ctx context.Context, scope ReloadScope) error {
	return c.DeletePrefix(ctx, scope.Prefix)
}
