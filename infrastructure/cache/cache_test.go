package cache

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestGetMissesAfterExpiry(t *testing.T) {
	c := NewCache(CacheConfig{DefaultTTL: 20 * time.Millisecond})

	c.Set("k", "v", 0)
	if v, ok := c.Get("k"); !ok || v != "v" {
		t.Fatalf("Get(k) = %v, %v; want v, true", v, ok)
	}

	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatal("Get(k) hit after TTL elapsed")
	}
}

func TestSetEvictsWhenFull(t *testing.T) {
	c := NewCache(CacheConfig{DefaultTTL: time.Minute, MaxSize: 3})

	for i := 0; i < 3; i++ {
		c.Set(fmt.Sprintf("k%d", i), i, 0)
	}
	c.Set("k3", 3, 0)

	if size := c.Size(); size > 3 {
		t.Fatalf("Size() = %d after eviction, want <= 3", size)
	}
	if v, ok := c.Get("k3"); !ok || v != 3 {
		t.Fatalf("newest key lost: Get(k3) = %v, %v", v, ok)
	}
}

func TestInvalidatePattern(t *testing.T) {
	c := NewCache(DefaultConfig())
	c.Set("tier:alice", 1, 0)
	c.Set("tier:bob", 2, 0)
	c.Set("other:carol", 3, 0)

	c.InvalidatePattern("tier:")

	if _, ok := c.Get("tier:alice"); ok {
		t.Error("tier:alice survived InvalidatePattern")
	}
	if _, ok := c.Get("other:carol"); !ok {
		t.Error("other:carol evicted by unrelated prefix")
	}
}

func TestTTLCachePrefixIsolation(t *testing.T) {
	ctx := context.Background()
	c := NewTTLCache(time.Minute)

	c.Set(ctx, "alice", "gold")
	if v, ok := c.Get(ctx, "alice"); !ok || v != "gold" {
		t.Fatalf("Get(alice) = %v, %v", v, ok)
	}

	c.Delete(ctx, "alice")
	if _, ok := c.Get(ctx, "alice"); ok {
		t.Fatal("Get(alice) hit after Delete")
	}

	c.Set(ctx, "bob", "silver")
	c.InvalidateAll()
	if _, ok := c.Get(ctx, "bob"); ok {
		t.Fatal("Get(bob) hit after InvalidateAll")
	}
}
