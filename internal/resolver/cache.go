package resolver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/iconidentify/linkgrabba/internal/domain"
)

// Cached keeps successful resolutions for a short TTL so a link pasted
// repeatedly does not hit the platform API each time. Signed media URLs
// expire upstream, so the TTL must stay well below their lifetime.
type Cached struct {
	next  Resolver
	cache *ristretto.Cache
	ttl   time.Duration
}

// WithCache wraps next with a ristretto cache of up to maxEntries items.
func WithCache(next Resolver, maxEntries int64, ttl time.Duration) (*Cached, error) {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create resolve cache: %w", err)
	}
	return &Cached{next: next, cache: cache, ttl: ttl}, nil
}

// Platform implements Resolver.
func (c *Cached) Platform() domain.Platform {
	return c.next.Platform()
}

// Resolve implements Resolver.
func (c *Cached) Resolve(ctx context.Context, ref domain.RawRef, cookies []*http.Cookie) (*domain.ResolvedMedia, error) {
	key := cacheKey(ref, cookies)
	if v, ok := c.cache.Get(key); ok {
		return v.(*domain.ResolvedMedia), nil
	}

	media, err := c.next.Resolve(ctx, ref, cookies)
	if err != nil {
		return nil, err
	}
	// cost=1 limits by entry count
	c.cache.SetWithTTL(key, media, 1, c.ttl)
	return media, nil
}

// Wait blocks until pending writes are visible. Used by tests.
func (c *Cached) Wait() {
	c.cache.Wait()
}

// Close releases the cache.
func (c *Cached) Close() {
	c.cache.Close()
}

func cacheKey(ref domain.RawRef, cookies []*http.Cookie) string {
	// Logged-in and anonymous resolutions may see different qualities.
	if len(cookies) > 0 {
		return ref.String() + "#auth"
	}
	return ref.String()
}
