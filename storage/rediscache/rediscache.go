// Package rediscache provides a Redis-based implementation of storage.Cache,
// letting several bridge processes share one catalog cache.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
	"github.com/techday/satbridge/storage"
)

// DefaultKeyPrefix is prepended to every key unless Config overrides it.
const DefaultKeyPrefix = "satbridge:cache:"

// Config contains configuration options for the Redis cache.
type Config struct {
	// Client is the Redis client instance.
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys.
	// Default: DefaultKeyPrefix
	KeyPrefix string
}

// EnvConfig is the environment-driven form of Config, used by NewFromEnv.
type EnvConfig struct {
	Addr      string `env:"REDIS_ADDR,required"`
	Password  string `env:"REDIS_PASSWORD"`
	DB        int    `env:"REDIS_DB,default=0"`
	KeyPrefix string `env:"REDIS_KEY_PREFIX,default=satbridge:cache:"`
}

// Cache implements storage.Cache using Redis.
type Cache struct {
	client    *redis.Client
	keyPrefix string
}

// storedItem represents the structure stored in Redis.
type storedItem struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New creates a Redis-backed cache.
func New(config Config) (*Cache, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultKeyPrefix
	}
	return &Cache{
		client:    config.Client,
		keyPrefix: config.KeyPrefix,
	}, nil
}

// NewFromEnv decodes EnvConfig from the environment, connects and pings.
func NewFromEnv(ctx context.Context) (*Cache, error) {
	var cfg EnvConfig
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode redis config: %w", err)
	}
	return Dial(ctx, cfg)
}

// Dial connects to the configured server and verifies it answers.
func Dial(ctx context.Context, cfg EnvConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.Addr, err)
	}
	return New(Config{Client: client, KeyPrefix: cfg.KeyPrefix})
}

// Get retrieves data for a specific key within the given namespace.
func (c *Cache) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	options := storage.Apply(opts...)
	redisKey := c.buildKey(options.Namespace, key)

	raw, err := c.client.Get(ctx, redisKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get key %s: %w", redisKey, err)
	}

	var stored storedItem
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored data: %w", err)
	}

	item := &storage.Item{
		Data:      stored.Data,
		CreatedAt: stored.CreatedAt,
		ExpiresAt: stored.ExpiresAt,
	}

	// Redis expires keys on its own; this covers clock skew between writers.
	if item.IsExpired() {
		c.client.Del(ctx, redisKey)
		return nil, nil
	}

	return item, nil
}

// Set stores data for a specific key within the given namespace.
func (c *Cache) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	options := storage.Apply(opts...)
	redisKey := c.buildKey(options.Namespace, key)

	now := time.Now()
	stored := storedItem{
		Data:      data,
		CreatedAt: now,
	}

	var redisTTL time.Duration
	if options.TTL != nil {
		expiresAt := now.Add(*options.TTL)
		stored.ExpiresAt = &expiresAt
		redisTTL = *options.TTL
	}

	payload, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal cache item: %w", err)
	}

	if err := c.client.Set(ctx, redisKey, payload, redisTTL).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", redisKey, err)
	}
	return nil
}

// Delete removes one key, or the whole namespace when no key is given.
func (c *Cache) Delete(ctx context.Context, opts ...storage.Option) error {
	options := storage.Apply(opts...)

	if options.Key != nil {
		redisKey := c.buildKey(options.Namespace, *options.Key)
		if err := c.client.Del(ctx, redisKey).Err(); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", redisKey, err)
		}
		return nil
	}

	pattern := c.buildKey(options.Namespace, "*")
	keys, err := c.scanKeys(ctx, pattern)
	if err != nil {
		return fmt.Errorf("failed to scan keys for pattern %s: %w", pattern, err)
	}
	if len(keys) > 0 {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("failed to delete keys: %w", err)
		}
	}
	return nil
}

// Close closes the underlying client.
func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) buildKey(namespace, key string) string {
	if namespace == "" {
		return c.keyPrefix + "global:" + key
	}
	return c.keyPrefix + "ns:" + namespace + ":" + key
}

// scanKeys uses Redis SCAN to find all keys matching a pattern.
func (c *Cache) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64

	for {
		batch, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

var _ storage.Cache = (*Cache)(nil)
