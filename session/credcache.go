package session

import (
	"time"

	cache "github.com/patrickmn/go-cache"
)

// CredentialCache memoizes the outcome of expensive per-device setup that
// is safe to share across sessions of the same device but must not live
// forever (e.g. a resolved OAuth2 token, a negotiated TLS session ticket,
// or "this host is known not to support EPSV"). Backed by
// github.com/patrickmn/go-cache: a single *cache.Cache guarding string
// keys with per-entry expiration.
type CredentialCache struct {
	c *cache.Cache
}

// NewCredentialCache builds a cache whose entries expire after ttl unless
// refreshed. A zero ttl means entries never expire on their own.
func NewCredentialCache(ttl time.Duration) *CredentialCache {
	exp := cache.NoExpiration
	if ttl > 0 {
		exp = ttl
	}
	return &CredentialCache{c: cache.New(exp, 2*ttl)}
}

// Get returns the cached value for key, if present and unexpired.
func (c *CredentialCache) Get(key string) (any, bool) { return c.c.Get(key) }

// Set stores value under key using the cache's default expiration.
func (c *CredentialCache) Set(key string, value any) { c.c.SetDefault(key, value) }

// Forget removes key, used when a cached fact turns out to be wrong (e.g.
// an auth token was rejected).
func (c *CredentialCache) Forget(key string) { c.c.Delete(key) }
