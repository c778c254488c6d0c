package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	e       Entry
	expires time.Time
}

type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache keeps entries for ttl; zero ttl keeps them forever.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, postID string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	me, ok := c.entries[key(postID)]
	if !ok {
		return Entry{}, false, nil
	}
	if !me.expires.IsZero() && !c.now().Before(me.expires) {
		delete(c.entries, key(postID))
		return Entry{}, false, nil
	}
	return me.e, true, nil
}

func (c *MemoryCache) Set(_ context.Context, postID string, e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	me := memoryEntry{e: e}
	if c.ttl > 0 {
		me.expires = c.now().Add(c.ttl)
	}
	c.entries[key(postID)] = me
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, postID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key(postID))
	return nil
}
