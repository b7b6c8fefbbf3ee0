package secret

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// CachedProvider memoizes another provider's answers for a fixed TTL and
// collapses concurrent lookups of the same path into one backend call.
type CachedProvider struct {
	inner Provider
	cache *cache.Cache
	group singleflight.Group
}

// NewCachedProvider wraps inner. Errors are never cached.
func NewCachedProvider(inner Provider, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		inner: inner,
		cache: cache.New(ttl, 2*ttl),
	}
}

func (p *CachedProvider) Get(ctx context.Context, path string) (string, error) {
	if v, ok := p.cache.Get(path); ok {
		return v.(string), nil
	}

	v, err, _ := p.group.Do(path, func() (any, error) {
		val, err := p.inner.Get(ctx, path)
		if err != nil {
			return "", err
		}
		p.cache.SetDefault(path, val)
		return val, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops a cached path so the next Get reaches the backend.
func (p *CachedProvider) Invalidate(path string) {
	p.cache.Delete(path)
}

func (p *CachedProvider) Close() error {
	p.cache.Flush()
	return p.inner.Close()
}
