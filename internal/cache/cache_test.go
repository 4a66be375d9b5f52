package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestFactory(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 10})
		if err != nil {
			t.Fatalf("factory failed: %v", err)
		}
		defer c.Close()
		if _, ok := c.(*LRUCache); !ok {
			t.Errorf("expected LRUCache, got %T", c)
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unknown cache type")
		}
	})
}

func TestLRUGetSetDelete(t *testing.T) {
	c := NewLRUCache(100)
	defer c.Close()
	ctx := context.Background()

	t.Run("missing key yields nil", func(t *testing.T) {
		v, err := c.Get(ctx, "missing")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if v != nil {
			t.Errorf("expected nil, got %q", v)
		}
	})

	t.Run("set then get", func(t *testing.T) {
		if err := c.Set(ctx, "k1", []byte("v1"), time.Minute); err != nil {
			t.Fatalf("set failed: %v", err)
		}
		v, err := c.Get(ctx, "k1")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if string(v) != "v1" {
			t.Errorf("expected v1, got %q", v)
		}
	})

	t.Run("overwrite", func(t *testing.T) {
		if err := c.Set(ctx, "k1", []byte("v2"), time.Minute); err != nil {
			t.Fatalf("set failed: %v", err)
		}
		v, _ := c.Get(ctx, "k1")
		if string(v) != "v2" {
			t.Errorf("expected v2, got %q", v)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := c.Delete(ctx, "k1"); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		v, _ := c.Get(ctx, "k1")
		if v != nil {
			t.Errorf("expected nil after delete, got %q", v)
		}
	})
}

func TestLRUExpiry(t *testing.T) {
	c := NewLRUCache(100)
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "short", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	v, err := c.Get(ctx, "short")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if v != nil {
		t.Errorf("expected expired entry to be gone, got %q", v)
	}
}

func TestLRUEviction(t *testing.T) {
	c := NewLRUCache(3)
	defer c.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("k%d", i)
		if err := c.Set(ctx, key, []byte(key), time.Minute); err != nil {
			t.Fatalf("set failed: %v", err)
		}
	}

	// Touch k0 so k1 becomes the eviction candidate.
	if _, err := c.Get(ctx, "k0"); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if err := c.Set(ctx, "k3", []byte("k3"), time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	if v, _ := c.Get(ctx, "k1"); v != nil {
		t.Error("expected least recently used key to be evicted")
	}
	for _, key := range []string{"k0", "k2", "k3"} {
		if v, _ := c.Get(ctx, key); v == nil {
			t.Errorf("key %s should have survived eviction", key)
		}
	}

	size, capacity := c.Stats()
	if size != 3 || capacity != 3 {
		t.Errorf("unexpected stats: size=%d capacity=%d", size, capacity)
	}
}

func TestLRUIncrementCounter(t *testing.T) {
	c := NewLRUCache(100)
	defer c.Close()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := c.IncrementCounter(ctx, "rate", time.Minute)
		if err != nil {
			t.Fatalf("increment failed: %v", err)
		}
		if got != want {
			t.Errorf("expected %d, got %d", want, got)
		}
	}

	t.Run("window reset", func(t *testing.T) {
		if _, err := c.IncrementCounter(ctx, "burst", 10*time.Millisecond); err != nil {
			t.Fatalf("increment failed: %v", err)
		}
		time.Sleep(30 * time.Millisecond)
		got, err := c.IncrementCounter(ctx, "burst", time.Minute)
		if err != nil {
			t.Fatalf("increment failed: %v", err)
		}
		if got != 1 {
			t.Errorf("expired window should restart at 1, got %d", got)
		}
	})
}
