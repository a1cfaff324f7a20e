package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/techday/satbridge/storage"
)

// CacheFactory creates an empty cache for testing. Implementations register
// their own cleanup.
type CacheFactory func(t *testing.T) storage.Cache

// RunCacheTests runs the storage.Cache suite against factory. Expiry is
// checked against the item's own deadline, so backends must not rely on a
// server-side clock to pass TTL.
func RunCacheTests(t *testing.T, factory CacheFactory) {
	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, factory(t)) })
	t.Run("GetNonExistent", func(t *testing.T) { testGetNonExistent(t, factory(t)) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, factory(t)) })
	t.Run("Namespaces", func(t *testing.T) { testNamespaces(t, factory(t)) })
	t.Run("DeleteKey", func(t *testing.T) { testDeleteKey(t, factory(t)) })
	t.Run("DeleteNamespace", func(t *testing.T) { testDeleteNamespace(t, factory(t)) })
}

func testSetAndGet(t *testing.T, c storage.Cache) {
	ctx := context.Background()

	if err := c.Set(ctx, "test-key", []byte("test data")); err != nil {
		t.Fatalf("Failed to set data: %v", err)
	}

	item, err := c.Get(ctx, "test-key")
	if err != nil {
		t.Fatalf("Failed to get data: %v", err)
	}
	if item == nil {
		t.Fatal("Expected item to exist, got nil")
	}
	if string(item.Data) != "test data" {
		t.Fatalf("Expected data %q, got %q", "test data", string(item.Data))
	}
	if item.CreatedAt.IsZero() {
		t.Fatal("Expected CreatedAt to be set")
	}
	if item.ExpiresAt != nil {
		t.Fatal("Expected no expiry without TTL")
	}
}

func testGetNonExistent(t *testing.T, c storage.Cache) {
	item, err := c.Get(context.Background(), "non-existent-key")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if item != nil {
		t.Fatal("Expected nil item for non-existent key")
	}
}

func testTTL(t *testing.T, c storage.Cache) {
	ctx := context.Background()

	if err := c.Set(ctx, "ttl-key", []byte("ttl data"), storage.WithTTL(50*time.Millisecond)); err != nil {
		t.Fatalf("Failed to set data with TTL: %v", err)
	}

	item, err := c.Get(ctx, "ttl-key")
	if err != nil {
		t.Fatalf("Failed to get data: %v", err)
	}
	if item == nil || item.ExpiresAt == nil {
		t.Fatalf("Expected item with expiry, got %+v", item)
	}

	time.Sleep(100 * time.Millisecond)

	item, err = c.Get(ctx, "ttl-key")
	if err != nil {
		t.Fatalf("Failed to get data: %v", err)
	}
	if item != nil {
		t.Fatal("Expected item to be expired")
	}
}

func testNamespaces(t *testing.T, c storage.Cache) {
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("global")); err != nil {
		t.Fatalf("Set global: %v", err)
	}
	if err := c.Set(ctx, "k", []byte("catalog"), storage.WithNamespace("catalog")); err != nil {
		t.Fatalf("Set catalog: %v", err)
	}
	if err := c.Set(ctx, "k", []byte("other"), storage.WithNamespace("other")); err != nil {
		t.Fatalf("Set other: %v", err)
	}

	for ns, want := range map[string]string{"": "global", "catalog": "catalog", "other": "other"} {
		var opts []storage.Option
		if ns != "" {
			opts = append(opts, storage.WithNamespace(ns))
		}
		item, err := c.Get(ctx, "k", opts...)
		if err != nil {
			t.Fatalf("Get %q: %v", ns, err)
		}
		if item == nil || string(item.Data) != want {
			t.Fatalf("namespace %q: want %q, got %+v", ns, want, item)
		}
	}
}

func testDeleteKey(t *testing.T, c storage.Cache) {
	ctx := context.Background()
	ns := storage.WithNamespace("catalog")

	for _, k := range []string{"a", "b"} {
		if err := c.Set(ctx, k, []byte(k), ns); err != nil {
			t.Fatalf("Set %s: %v", k, err)
		}
	}
	if err := c.Delete(ctx, ns, storage.WithKey("a")); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if item, _ := c.Get(ctx, "a", ns); item != nil {
		t.Fatal("Expected deleted key to be gone")
	}
	if item, _ := c.Get(ctx, "b", ns); item == nil {
		t.Fatal("Expected sibling key to survive")
	}
}

func testDeleteNamespace(t *testing.T, c storage.Cache) {
	ctx := context.Background()
	catalog := storage.WithNamespace("catalog")
	other := storage.WithNamespace("other")

	for _, k := range []string{"types", "models:Lavadora"} {
		if err := c.Set(ctx, k, []byte(k), catalog); err != nil {
			t.Fatalf("Set %s: %v", k, err)
		}
	}
	if err := c.Set(ctx, "types", []byte("keep"), other); err != nil {
		t.Fatalf("Set other: %v", err)
	}

	if err := c.Delete(ctx, catalog); err != nil {
		t.Fatalf("Delete namespace: %v", err)
	}

	for _, k := range []string{"types", "models:Lavadora"} {
		if item, _ := c.Get(ctx, k, catalog); item != nil {
			t.Fatalf("Expected %s to be deleted with its namespace", k)
		}
	}
	if item, _ := c.Get(ctx, "types", other); item == nil || string(item.Data) != "keep" {
		t.Fatal("Expected other namespace to be untouched")
	}
}
