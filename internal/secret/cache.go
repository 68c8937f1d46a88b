package secret

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// CachedProvider decorates a Provider with in-memory caching. Failed lookups are
// not cached, so an instance whose variable appears later resolves on the next try.
type CachedProvider struct {
	inner Provider
	cache *cache.Cache
}

// NewCachedProvider creates a new cached provider.
// ttl is the expiration time for cached secrets.
func NewCachedProvider(inner Provider, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		inner: inner,
		cache: cache.New(ttl, ttl*2),
	}
}

// Get retrieves a secret from the cache or delegates to the inner provider.
func (p *CachedProvider) Get(ctx context.Context, path string) (string, error) {
	if val, found := p.cache.Get(path); found {
		if str, ok := val.(string); ok {
			return str, nil
		}
	}

	val, err := p.inner.Get(ctx, path)
	if err != nil {
		return "", err
	}

	p.cache.Set(path, val, cache.DefaultExpiration)
	return val, nil
}

// Close flushes the cache and closes the inner provider.
func (p *CachedProvider) Close() error {
	p.cache.Flush()
	return p.inner.Close()
}
