package rediscache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/techday/satbridge/storage"
	"github.com/techday/satbridge/storage/storagetest"
)

func newCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(Config{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})})
	if err != nil {
		t.Fatalf("Failed to create Redis cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedisCache(t *testing.T) {
	storagetest.RunCacheTests(t, func(t *testing.T) storage.Cache {
		c, _ := newCache(t)
		return c
	})
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without a client")
	}
}

func TestKeysArePrefixedAndExpireServerSide(t *testing.T) {
	c, mr := newCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "types", []byte(`["Lavadora"]`), storage.WithNamespace("catalog"), storage.WithTTL(time.Minute)); err != nil {
		t.Fatalf("Set: %v", err)
	}

	keys := mr.Keys()
	if len(keys) != 1 || !strings.HasPrefix(keys[0], DefaultKeyPrefix+"ns:catalog:") {
		t.Fatalf("unexpected keys %v", keys)
	}
	if ttl := mr.TTL(keys[0]); ttl <= 0 {
		t.Fatalf("expected a server-side TTL, got %v", ttl)
	}
}

func TestDialPingsServer(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := Dial(context.Background(), EnvConfig{Addr: mr.Addr(), KeyPrefix: "test:"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	mr.Close()
	if _, err := Dial(context.Background(), EnvConfig{Addr: mr.Addr()}); err == nil {
		t.Fatal("expected Dial to fail against a stopped server")
	}
}

func TestNewFromEnv(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_ADDR", mr.Addr())
	t.Setenv("REDIS_KEY_PREFIX", "env:")

	c, err := NewFromEnv(context.Background())
	if err != nil {
		t.Fatalf("NewFromEnv: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	if err := c.Set(context.Background(), "k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !mr.Exists("env:global:k") {
		t.Fatalf("expected env key prefix to apply, keys=%v", mr.Keys())
	}
}
