package lrucache

import (
	"context"
	"fmt"
	"testing"

	"github.com/techday/satbridge/storage"
	"github.com/techday/satbridge/storage/storagetest"
)

func newCache(t *testing.T, size int) *Cache {
	t.Helper()
	c, err := New(size)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCacheConformance(t *testing.T) {
	storagetest.RunCacheTests(t, func(t *testing.T) storage.Cache { return newCache(t, 100) })
}

func TestNewRejectsNonPositiveSize(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatal("expected error for zero size")
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := newCache(t, 2)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := c.Set(ctx, fmt.Sprintf("k%d", i), []byte("v")); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	if item, _ := c.Get(ctx, "k0"); item != nil {
		t.Fatal("expected oldest entry to be evicted")
	}
	if item, _ := c.Get(ctx, "k2"); item == nil {
		t.Fatal("expected newest entry to be present")
	}
}

func TestSetCopiesInput(t *testing.T) {
	c := newCache(t, 10)
	ctx := context.Background()

	buf := []byte("original")
	if err := c.Set(ctx, "k", buf); err != nil {
		t.Fatalf("Set: %v", err)
	}
	copy(buf, "mutated!")

	item, _ := c.Get(ctx, "k")
	if item == nil || string(item.Data) != "original" {
		t.Fatalf("cache should not alias caller memory, got %+v", item)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c, err := New(10)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
