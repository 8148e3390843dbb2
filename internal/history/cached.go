package history

import (
	"context"
	"strconv"
	"time"

	"bench-history/internal/cache"
	"bench-history/internal/model"
)

// CacheConfig configures window caching
type CacheConfig struct {
	Enabled         bool
	Size            int
	TTL             time.Duration
	CleanupInterval time.Duration
}

// CachedRepository decorates a Repository so every suite store caches its
// windows in one shared LRU.
type CachedRepository struct {
	Repository
	cache  *cache.LRUCache
	config CacheConfig

	stopCleanup chan struct{}
}

// NewCachedRepository wraps repo. When caching is disabled repo is returned as is.
func NewCachedRepository(repo Repository, config CacheConfig) Repository {
	if !config.Enabled {
		return repo
	}

	cached := &CachedRepository{
		Repository:  repo,
		cache:       cache.NewLRUCache(config.Size),
		config:      config,
		stopCleanup: make(chan struct{}),
	}

	if config.CleanupInterval > 0 {
		go cached.cleanupLoop()
	}

	return cached
}

func (c *CachedRepository) Suite(key string) (Store, error) {
	store, err := c.Repository.Suite(key)
	if err != nil {
		return nil, err
	}
	return &CachedStore{Store: store, suite: key, cache: c.cache, ttl: c.config.TTL}, nil
}

// CacheStats reports hit/miss counters of the shared window cache
func (c *CachedRepository) CacheStats() cache.CacheStats {
	return c.cache.Stats()
}

// Stats forwards backend statistics when the wrapped repository has them
func (c *CachedRepository) Stats() map[string]interface{} {
	if st, ok := c.Repository.(interface{ Stats() map[string]interface{} }); ok {
		return st.Stats()
	}
	return map[string]interface{}{}
}

func (c *CachedRepository) Close() error {
	close(c.stopCleanup)
	c.cache.Close()
	return c.Repository.Close()
}

func (c *CachedRepository) cleanupLoop() {
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cache.CleanupExpired()
		case <-c.stopCleanup:
			return
		}
	}
}

// CachedStore caches Window results. A window that ends at or before the
// next sequence id to be assigned can never change in an append-only store,
// so those entries need no invalidation.
type CachedStore struct {
	Store
	suite string
	cache cache.Cache
	ttl   time.Duration
}

func (s *CachedStore) Window(ctx context.Context, name string, before model.SequenceID, maxCount int) ([]model.Point, error) {
	key := s.suite + "\x00" + name + "\x00" +
		strconv.FormatUint(uint64(before), 10) + "\x00" + strconv.Itoa(maxCount)

	if points, ok := s.cache.Get(key); ok {
		return points, nil
	}

	head, err := s.Store.Head(ctx)
	if err != nil {
		return nil, err
	}

	points, err := s.Store.Window(ctx, name, before, maxCount)
	if err != nil {
		return nil, err
	}

	if before <= head+1 {
		s.cache.Put(key, points, s.ttl)
	}
	return points, nil
}
