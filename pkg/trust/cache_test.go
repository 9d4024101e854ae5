package trust

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/basisworks/keel/pkg/tiers"
)

func cachedProfile() *Profile {
	return &Profile{
		EntityID:            "did:keel:agent-a",
		TenantID:            "tenant-a",
		Score:               400,
		Tier:                tiers.Standard,
		Status:              StatusActive,
		GrantedCapabilities: []string{"data:read/*"},
		UpdatedAt:           time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestMemoryProfileCacheTTL(t *testing.T) {
	c := newMemoryProfileCache()
	clock := time.Now()
	c.now = func() time.Time { return clock }
	ctx := context.Background()

	c.set(ctx, cachedProfile(), 30*time.Second)
	if _, ok := c.get(ctx, "did:keel:agent-a"); !ok {
		t.Fatal("fresh entry missed")
	}

	clock = clock.Add(31 * time.Second)
	if _, ok := c.get(ctx, "did:keel:agent-a"); ok {
		t.Fatal("stale entry served")
	}
	if c.len() != 0 {
		t.Errorf("stale entry not dropped, len = %d", c.len())
	}
}

func TestMemoryProfileCacheZeroTTLNeverStored(t *testing.T) {
	c := newMemoryProfileCache()
	ctx := context.Background()

	c.set(ctx, cachedProfile(), 0)
	if _, ok := c.get(ctx, "did:keel:agent-a"); ok {
		t.Fatal("zero-TTL profile was cached")
	}
	if c.len() != 0 {
		t.Errorf("len = %d, want 0", c.len())
	}
}

func TestMemoryProfileCacheCloneIsolation(t *testing.T) {
	c := newMemoryProfileCache()
	ctx := context.Background()

	p := cachedProfile()
	c.set(ctx, p, time.Minute)
	// Neither the stored value nor handed-out copies share caller memory.
	p.Score = 0
	p.GrantedCapabilities[0] = "mutated"

	got, ok := c.get(ctx, "did:keel:agent-a")
	if !ok {
		t.Fatal("miss")
	}
	if got.Score != 400 || got.GrantedCapabilities[0] != "data:read/*" {
		t.Errorf("cache shares caller slices: %+v", got)
	}

	got.Status = StatusRevoked
	again, _ := c.get(ctx, "did:keel:agent-a")
	if again.Status != StatusActive {
		t.Error("mutating a returned profile changed the cached copy")
	}
}

func TestMemoryProfileCacheEvict(t *testing.T) {
	c := newMemoryProfileCache()
	ctx := context.Background()

	c.set(ctx, cachedProfile(), time.Minute)
	c.evict(ctx, "did:keel:agent-a")
	if _, ok := c.get(ctx, "did:keel:agent-a"); ok {
		t.Fatal("entry survived evict")
	}
}

func TestRedisProfileCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	c := &redisProfileCache{rdb: rdb}
	ctx := context.Background()

	c.set(ctx, cachedProfile(), 30*time.Second)
	got, ok := c.get(ctx, "did:keel:agent-a")
	if !ok {
		t.Fatal("miss after set")
	}
	if got.Tier != tiers.Standard || got.Score != 400 || got.Status != StatusActive {
		t.Errorf("round trip: %+v", got)
	}

	mr.FastForward(31 * time.Second)
	if _, ok := c.get(ctx, "did:keel:agent-a"); ok {
		t.Fatal("entry outlived its TTL")
	}

	c.set(ctx, cachedProfile(), 30*time.Second)
	c.evict(ctx, "did:keel:agent-a")
	if _, ok := c.get(ctx, "did:keel:agent-a"); ok {
		t.Fatal("entry survived evict")
	}

	// A corrupted entry reads as a miss and is dropped.
	key := redisProfileKeyPrefix + "did:keel:agent-a"
	if err := mr.Set(key, "{"); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.get(ctx, "did:keel:agent-a"); ok {
		t.Fatal("corrupted entry served")
	}
	if mr.Exists(key) {
		t.Error("corrupted entry not dropped")
	}
}

func TestRedisProfileCacheZeroTTLNeverStored(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	c := &redisProfileCache{rdb: rdb}

	c.set(context.Background(), cachedProfile(), 0)
	if mr.Exists(redisProfileKeyPrefix + "did:keel:agent-a") {
		t.Fatal("zero-TTL profile was cached")
	}
}
