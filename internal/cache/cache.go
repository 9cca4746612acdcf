// Package cache provides the two in-memory caches the server uses: a
// byte cache for rendered map images and a small LRU for query payloads.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config sizes the caches. Zero values fall back to defaults.
type Config struct {
	// MapTTL is the eviction age for rendered map images.
	MapTTL time.Duration
	// MapMaxMB caps the map image cache's memory.
	MapMaxMB int
	// QueryEntries caps the LRU for query payloads.
	QueryEntries int
}

// Cache bundles the map image cache and the query payload LRU. All methods
// are safe for concurrent use.
type Cache struct {
	maps    *bigcache.BigCache
	queries *lru.Cache[string, []byte]
}

// New builds both caches from cfg.
func New(cfg Config) (*Cache, error) {
	if cfg.MapTTL <= 0 {
		cfg.MapTTL = 10 * time.Minute
	}
	if cfg.MapMaxMB <= 0 {
		cfg.MapMaxMB = 256
	}
	if cfg.QueryEntries <= 0 {
		cfg.QueryEntries = 512
	}

	bcCfg := bigcache.DefaultConfig(cfg.MapTTL)
	bcCfg.HardMaxCacheSize = cfg.MapMaxMB
	bcCfg.Verbose = false
	maps, err := bigcache.New(context.Background(), bcCfg)
	if err != nil {
		return nil, fmt.Errorf("init map cache: %w", err)
	}

	queries, err := lru.New[string, []byte](cfg.QueryEntries)
	if err != nil {
		maps.Close()
		return nil, fmt.Errorf("init query cache: %w", err)
	}

	return &Cache{maps: maps, queries: queries}, nil
}

// GetMap returns a cached rendered image.
func (c *Cache) GetMap(key string) ([]byte, bool) {
	data, err := c.maps.Get(key)
	if err != nil {
		// bigcache only errors on missing entries; treat anything else
		// as a miss as well.
		return nil, false
	}
	return data, true
}

// SetMap stores a rendered image. A failed insert only costs a future
// render, so the error is dropped.
func (c *Cache) SetMap(key string, png []byte) {
	_ = c.maps.Set(key, png)
}

// GetQuery returns a cached query payload.
func (c *Cache) GetQuery(key string) ([]byte, bool) {
	return c.queries.Get(key)
}

// SetQuery stores a query payload.
func (c *Cache) SetQuery(key string, payload []byte) {
	c.queries.Add(key, payload)
}

// InvalidateJob drops query payloads cached for one job. Map images age
// out via TTL.
func (c *Cache) InvalidateJob(jobID string) {
	prefix := "job:" + jobID + ":"
	for _, key := range c.queries.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.queries.Remove(key)
		}
	}
}

// Close releases the map cache.
func (c *Cache) Close() error {
	return c.maps.Close()
}

// MapKey builds the cache key for a rendered map image.
func MapKey(dataset, kind, job, fov string) string {
	return strings.Join([]string{"map", dataset, kind, job, fov}, ":")
}

// JobQueryKey builds the cache key for a job-scoped query payload.
func JobQueryKey(jobID string, parts ...string) string {
	return "job:" + jobID + ":" + strings.Join(parts, ":")
}
