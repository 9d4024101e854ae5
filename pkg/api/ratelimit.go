package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/basisworks/keel/pkg/auth"
)

// ClientLimiter applies a per-client token bucket in process. Clients are
// keyed by principal (tenant/entity) when authenticated, remote IP otherwise.
type ClientLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int

	stop chan struct{}
	once sync.Once
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientLimiter starts the limiter and its janitor goroutine. Call Close
// on shutdown.
func NewClientLimiter(rps, burst int) *ClientLimiter {
	cl := &ClientLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
		stop:     make(chan struct{}),
	}
	go cl.janitor()
	return cl
}

// Close stops the janitor.
func (cl *ClientLimiter) Close() { cl.once.Do(func() { close(cl.stop) }) }

func (cl *ClientLimiter) get(key string) *rate.Limiter {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	v, ok := cl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(cl.rps, cl.burst)}
		cl.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// janitor evicts clients idle for more than three minutes.
func (cl *ClientLimiter) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-cl.stop:
			return
		case <-ticker.C:
			cl.mu.Lock()
			for key, v := range cl.visitors {
				if time.Since(v.lastSeen) > 3*time.Minute {
					delete(cl.visitors, key)
				}
			}
			cl.mu.Unlock()
		}
	}
}

func clientKey(r *http.Request) string {
	if p := auth.GetPrincipal(r.Context()); p != nil {
		return p.TenantID + "/" + p.EntityID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware enforces the per-client limit. Probes and the metrics scrape
// are never limited.
func (cl *ClientLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz", "/readyz", "/metrics":
			next.ServeHTTP(w, r)
			return
		}
		if !cl.get(clientKey(r)).Allow() {
			WriteTooManyRequests(w, r, 1)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// tenantBucketScript is an atomic token bucket in Redis, shared by every
// node serving the tenant.
// KEYS[1] = bucket key, ARGV[1] = refill rate (tokens/s), ARGV[2] = capacity,
// ARGV[3] = cost, ARGV[4] = now (unix seconds, fractional).
var tenantBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// TenantLimiter is a distributed per-tenant token bucket backed by Redis.
// Nil receiver disables it.
type TenantLimiter struct {
	client *redis.Client
	rps    float64
	burst  int
}

// NewTenantLimiter wires the distributed limiter; limits apply across every
// node sharing the Redis instance.
func NewTenantLimiter(client *redis.Client, rps float64, burst int) *TenantLimiter {
	if rps <= 0 {
		rps = 1
	}
	return &TenantLimiter{client: client, rps: rps, burst: burst}
}

// Allow consumes one token from the tenant's bucket.
func (tl *TenantLimiter) Allow(ctx context.Context, tenantID string) (bool, error) {
	key := fmt.Sprintf("keel:limiter:%s", tenantID)
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tenantBucketScript.Run(ctx, tl.client, []string{key}, tl.rps, tl.burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("api: tenant limiter: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("api: tenant limiter: unexpected script result")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

// Middleware enforces the tenant bucket after authentication; unauthenticated
// paths pass through. Limiter errors fail open so a Redis outage does not
// take the API down.
func (tl *TenantLimiter) Middleware(next http.Handler) http.Handler {
	if tl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := auth.GetPrincipal(r.Context())
		if p == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, err := tl.Allow(r.Context(), p.TenantID)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			WriteTooManyRequests(w, r, 1)
			return
		}
		next.ServeHTTP(w, r)
	})
}
