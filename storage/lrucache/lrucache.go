// Package lrucache provides an in-process implementation of storage.Cache
// using github.com/hashicorp/golang-lru/v2 for bounded caching with TTL
// support.
package lrucache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/techday/satbridge/storage"
)

const defaultSweepInterval = 5 * time.Minute

// Cache implements storage.Cache in memory.
type Cache struct {
	mu    sync.RWMutex
	cache *lru.Cache[string, *storage.Item]

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates an in-memory cache holding at most maxItems entries. Expired
// entries are swept in the background until Close is called.
func New(maxItems int) (*Cache, error) {
	cache, err := lru.New[string, *storage.Item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	c := &Cache{
		cache: cache,
		stop:  make(chan struct{}),
	}

	go c.sweepExpired(defaultSweepInterval)

	return c, nil
}

// Get retrieves data for a specific key within the given namespace.
func (c *Cache) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	options := storage.Apply(opts...)
	cacheKey := buildKey(options.Namespace, key)

	c.mu.RLock()
	item, exists := c.cache.Get(cacheKey)
	c.mu.RUnlock()

	if !exists {
		return nil, nil
	}

	if item.IsExpired() {
		c.mu.Lock()
		c.cache.Remove(cacheKey)
		c.mu.Unlock()
		return nil, nil
	}

	return item, nil
}

// Set stores data for a specific key within the given namespace.
func (c *Cache) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	options := storage.Apply(opts...)
	cacheKey := buildKey(options.Namespace, key)

	now := time.Now()
	item := &storage.Item{
		Data:      make([]byte, len(data)),
		CreatedAt: now,
	}
	copy(item.Data, data)

	if options.TTL != nil {
		expiresAt := now.Add(*options.TTL)
		item.ExpiresAt = &expiresAt
	}

	c.mu.Lock()
	c.cache.Add(cacheKey, item)
	c.mu.Unlock()

	return nil
}

// Delete removes one key, or the whole namespace when no key is given.
func (c *Cache) Delete(ctx context.Context, opts ...storage.Option) error {
	options := storage.Apply(opts...)

	c.mu.Lock()
	defer c.mu.Unlock()

	if options.Key != nil {
		c.cache.Remove(buildKey(options.Namespace, *options.Key))
		return nil
	}

	prefix := namespacePrefix(options.Namespace)
	// LRU offers no prefix iteration; namespaces here are small.
	for _, key := range c.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.cache.Remove(key)
		}
	}
	return nil
}

// Close stops the sweeper and drops every entry.
func (c *Cache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.mu.Lock()
	c.cache.Purge()
	c.mu.Unlock()
	return nil
}

func buildKey(namespace, key string) string {
	return namespacePrefix(namespace) + "key:" + key
}

func namespacePrefix(namespace string) string {
	if namespace == "" {
		return "global:"
	}
	return "ns:" + namespace + ":"
}

func (c *Cache) sweepExpired(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		now := time.Now()
		for _, key := range c.cache.Keys() {
			if item, ok := c.cache.Peek(key); ok && item.ExpiresAt != nil && now.After(*item.ExpiresAt) {
				c.cache.Remove(key)
			}
		}
		c.mu.Unlock()
	}
}

var _ storage.Cache = (*Cache)(nil)
