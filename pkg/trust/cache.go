package trust

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// profileCache fronts the store for Resolve. Entries carry the TTL of the
// profile's tier; a zero TTL is never cached.
type profileCache interface {
	get(ctx context.Context, entityID string) (*Profile, bool)
	set(ctx context.Context, p *Profile, ttl time.Duration)
	evict(ctx context.Context, entityID string)
}

type memoryCacheEntry struct {
	profile   *Profile
	expiresAt time.Time
}

// memoryProfileCache is the single-node default.
type memoryProfileCache struct {
	mu      sync.RWMutex
	entries map[string]memoryCacheEntry
	now     func() time.Time
}

func newMemoryProfileCache() *memoryProfileCache {
	return &memoryProfileCache{entries: make(map[string]memoryCacheEntry), now: time.Now}
}

func (c *memoryProfileCache) get(_ context.Context, entityID string) (*Profile, bool) {
	c.mu.RLock()
	e, ok := c.entries[entityID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, entityID)
		c.mu.Unlock()
		return nil, false
	}
	return e.profile.clone(), true
}

func (c *memoryProfileCache) set(_ context.Context, p *Profile, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[p.EntityID] = memoryCacheEntry{profile: p.clone(), expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
}

func (c *memoryProfileCache) evict(_ context.Context, entityID string) {
	c.mu.Lock()
	delete(c.entries, entityID)
	c.mu.Unlock()
}

func (c *memoryProfileCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

const redisProfileKeyPrefix = "keel:trust:profile:"

// redisProfileCache shares resolved profiles across nodes. Failures degrade
// to store reads; the cache never blocks a resolution.
type redisProfileCache struct {
	rdb *redis.Client
}

func (c *redisProfileCache) get(ctx context.Context, entityID string) (*Profile, bool) {
	raw, err := c.rdb.Get(ctx, redisProfileKeyPrefix+entityID).Bytes()
	if err != nil {
		return nil, false
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		c.rdb.Del(ctx, redisProfileKeyPrefix+entityID)
		return nil, false
	}
	return &p, true
}

func (c *redisProfileCache) set(ctx context.Context, p *Profile, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	c.rdb.Set(ctx, redisProfileKeyPrefix+p.EntityID, raw, ttl)
}

func (c *redisProfileCache) evict(ctx context.Context, entityID string) {
	c.rdb.Del(ctx, redisProfileKeyPrefix+entityID)
}
