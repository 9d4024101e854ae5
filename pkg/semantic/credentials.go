package semantic

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/basisworks/keel/pkg/tiers"
)

// DefaultRevocationChannel is where the trust service publishes revoked DIDs.
const DefaultRevocationChannel = "keel:revocations"

// ErrCredentialNotFound is returned by stores for unknown DIDs.
var ErrCredentialNotFound = errors.New("semantic: credential not found")

// Credential is the semantic layer's view of an agent: enough to verify
// signatures and scope checks without consulting the trust service.
type Credential struct {
	DID       string            `json:"did"`
	TenantID  string            `json:"tenant_id"`
	PublicKey ed25519.PublicKey `json:"-"`
	Tier      tiers.Tier        `json:"tier"`
	Domains   []string          `json:"domains,omitempty"`
	// IssuerDID links delegated credentials to their parent; revoking the
	// parent evicts the whole subtree from the cache.
	IssuerDID string    `json:"issuer_did,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the credential's expiry has passed.
func (c *Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// CredentialStore loads credentials by DID.
type CredentialStore interface {
	GetCredential(ctx context.Context, did string) (*Credential, error)
}

type credEntry struct {
	cred      *Credential
	fetchedAt time.Time
}

// CredentialCache is a read-through DID-keyed cache over a CredentialStore.
// Revocation events evict the DID and every cached credential issued under
// it, directly or transitively.
type CredentialCache struct {
	store  CredentialStore
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]credEntry
}

// NewCredentialCache wraps store with a TTL cache. A zero ttl caches for five
// minutes.
func NewCredentialCache(store CredentialStore, ttl time.Duration, logger *slog.Logger) *CredentialCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialCache{
		store:   store,
		ttl:     ttl,
		logger:  logger.With("component", "semantic.credentials"),
		now:     time.Now,
		entries: make(map[string]credEntry),
	}
}

// Get returns the credential for a DID, hitting the store on a miss or an
// expired entry. Expired credentials are never returned.
func (c *CredentialCache) Get(ctx context.Context, did string) (*Credential, error) {
	now := c.now()

	c.mu.Lock()
	if e, ok := c.entries[did]; ok && now.Sub(e.fetchedAt) < c.ttl && !e.cred.Expired(now) {
		c.mu.Unlock()
		return e.cred, nil
	}
	c.mu.Unlock()

	cred, err := c.store.GetCredential(ctx, did)
	if err != nil {
		return nil, err
	}
	if cred.Expired(now) {
		return nil, fmt.Errorf("%w: %s expired", ErrCredentialNotFound, did)
	}

	c.mu.Lock()
	c.entries[did] = credEntry{cred: cred, fetchedAt: now}
	c.mu.Unlock()
	return cred, nil
}

// Evict removes a DID and every cached descendant. Returns how many entries
// were dropped. Issuer cycles terminate because each DID is visited once.
func (c *CredentialCache) Evict(did string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	frontier := []string{did}
	seen := map[string]bool{}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		if _, ok := c.entries[next]; ok {
			delete(c.entries, next)
			evicted++
		}
		for childDID, e := range c.entries {
			if e.cred.IssuerDID == next {
				frontier = append(frontier, childDID)
			}
		}
	}
	return evicted
}

// Len reports the number of cached entries.
func (c *CredentialCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// SubscribeRevocations consumes revocation events (message payload = revoked
// DID) and evicts affected entries. Blocks until ctx is done or the
// subscription drops.
func (c *CredentialCache) SubscribeRevocations(ctx context.Context, rdb *redis.Client, channel string) error {
	if channel == "" {
		channel = DefaultRevocationChannel
	}
	sub := rdb.Subscribe(ctx, channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("semantic: subscribe %s: %w", channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			n := c.Evict(msg.Payload)
			c.logger.Info("revocation received", "did", msg.Payload, "evicted", n)
		}
	}
}
