package storage

import (
	"sync/atomic"
	"time"

	"logcask/internal/cache"
	"logcask/internal/config"
)

// CachedKV wraps a KV with an in-memory read cache. Values are cached on
// Get and Put and invalidated on Delete, so the cache never serves a
// value newer code has removed.
type CachedKV struct {
	kv    KV
	cache *cache.ValueCache

	closed      atomic.Bool
	stopCleanup chan struct{}
}

var _ KV = (*CachedKV)(nil)

func NewCachedKV(kv KV, cfg config.CacheConfig) *CachedKV {
	c := &CachedKV{
		kv:          kv,
		cache:       cache.New(cfg.Size, cfg.TTL),
		stopCleanup: make(chan struct{}),
	}
	if cfg.CleanupInterval > 0 {
		go c.cleanupLoop(cfg.CleanupInterval)
	}
	return c
}

// Put writes through to the engine and refreshes the cached value.
func (c *CachedKV) Put(key, value []byte) error {
	if err := c.kv.Put(key, value); err != nil {
		return err
	}
	c.cache.Put(key, value)
	return nil
}

// Get serves from cache when possible and fills the cache on a miss.
func (c *CachedKV) Get(key []byte) ([]byte, error) {
	if value, found := c.cache.Get(key); found {
		return value, nil
	}

	value, err := c.kv.Get(key)
	if err != nil {
		return nil, err
	}
	c.cache.Put(key, value)
	return value, nil
}

func (c *CachedKV) Delete(key []byte) error {
	if err := c.kv.Delete(key); err != nil {
		return err
	}
	c.cache.Invalidate(key)
	return nil
}

func (c *CachedKV) Exists(key []byte) (bool, error) {
	if _, found := c.cache.Get(key); found {
		return true, nil
	}
	return c.kv.Exists(key)
}

func (c *CachedKV) ListKeys() [][]byte {
	return c.kv.ListKeys()
}

func (c *CachedKV) Fold(fn func(key, value []byte) bool) error {
	return c.kv.Fold(fn)
}

func (c *CachedKV) Merge() error {
	return c.kv.Merge()
}

func (c *CachedKV) Sync() error {
	return c.kv.Sync()
}

func (c *CachedKV) Stats() Stats {
	return c.kv.Stats()
}

func (c *CachedKV) BatchPut(items []KeyValue) error {
	if err := c.kv.BatchPut(items); err != nil {
		return err
	}
	for _, item := range items {
		c.cache.Put(item.Key, item.Value)
	}
	return nil
}

func (c *CachedKV) BatchGet(keys [][]byte) ([]KeyValue, error) {
	results := make([]KeyValue, len(keys))
	missIdx := make([]int, 0, len(keys))
	missKeys := make([][]byte, 0, len(keys))

	for i, key := range keys {
		if value, found := c.cache.Get(key); found {
			results[i] = KeyValue{Key: key, Value: value, Found: true}
		} else {
			missIdx = append(missIdx, i)
			missKeys = append(missKeys, key)
		}
	}

	if len(missKeys) > 0 {
		fetched, err := c.kv.BatchGet(missKeys)
		if err != nil {
			return nil, err
		}
		for j, kv := range fetched {
			results[missIdx[j]] = kv
			if kv.Found {
				c.cache.Put(kv.Key, kv.Value)
			}
		}
	}

	return results, nil
}

func (c *CachedKV) BatchDelete(keys [][]byte) error {
	if err := c.kv.BatchDelete(keys); err != nil {
		return err
	}
	for _, key := range keys {
		c.cache.Invalidate(key)
	}
	return nil
}

// Close stops the cleanup loop and closes the wrapped store. Like the
// engine's Close, calling it again is a no-op.
func (c *CachedKV) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stopCleanup)
	c.cache.Purge()
	return c.kv.Close()
}

// CacheStats exposes hit/miss counters for monitoring.
func (c *CachedKV) CacheStats() cache.Stats {
	return c.cache.Stats()
}

func (c *CachedKV) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cache.RemoveExpired()
		case <-c.stopCleanup:
			return
		}
	}
}
