package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"shuttuflix-go/pkg/interfaces"
	"shuttuflix-go/pkg/logging"
	"shuttuflix-go/pkg/types"
)

// SourceCache stores resolved sources. Cache failures are logged and
// treated as misses.
type SourceCache struct {
	redis *Redis
	log   *logging.Logger
}

// NewSourceCache creates a SourceCache over r.
func NewSourceCache(r *Redis, log *logging.Logger) *SourceCache {
	return &SourceCache{redis: r, log: log.WithComponent("source-cache")}
}

// GetSources returns cached sources for key.
func (c *SourceCache) GetSources(ctx context.Context, key string) ([]types.StreamSource, bool) {
	v, err := Get[[]types.StreamSource](ctx, c.redis, key)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("cache get failed", "key", key, "error", err)
		}
		return nil, false
	}
	return v, true
}

// SetSources stores sources under key for ttl.
func (c *SourceCache) SetSources(ctx context.Context, key string, sources []types.StreamSource, ttl time.Duration) error {
	return Set(ctx, c.redis, key, sources, ttl)
}

// CachedSearcher wraps a Searcher with a Redis caching layer.
type CachedSearcher struct {
	inner interfaces.Searcher
	redis *Redis
	ttl   time.Duration
	log   *logging.Logger
}

// NewCachedSearcher caches inner's results for ttl.
func NewCachedSearcher(inner interfaces.Searcher, r *Redis, ttl time.Duration, log *logging.Logger) *CachedSearcher {
	return &CachedSearcher{inner: inner, redis: r, ttl: ttl, log: log.WithComponent("search-cache")}
}

// Search serves from cache when possible.
func (c *CachedSearcher) Search(ctx context.Context, query string) ([]types.SearchResult, error) {
	key := searchKey(query)
	if v, err := Get[[]types.SearchResult](ctx, c.redis, key); err == nil {
		return v, nil
	} else if !errors.Is(err, redis.Nil) {
		c.log.Warn("cache get failed", "key", key, "error", err)
	}

	results, err := c.inner.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	if err := Set(ctx, c.redis, key, results, c.ttl); err != nil {
		c.log.Warn("cache set failed", "key", key, "error", err)
	}
	return results, nil
}

// searchKey normalizes the query so trivially different spellings share an entry.
func searchKey(query string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	sum := sha256.Sum256([]byte(norm))
	return "search:" + hex.EncodeToString(sum[:8])
}

var (
	_ interfaces.SourceCache = (*SourceCache)(nil)
	_ interfaces.Searcher    = (*CachedSearcher)(nil)
)
