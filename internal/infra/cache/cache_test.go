package cache_test

import (
	"testing"
	"time"

	"github.com/relaymesh/delivery-core/internal/infra/cache"
)

func TestGetSet(t *testing.T) {
	c := cache.New[string](time.Minute)

	c.Set("k", "v")
	got, ok := c.Get("k")
	if !ok {
		t.Fatal("expected hit")
	}
	if got != "v" {
		t.Errorf("expected v, got %s", got)
	}
}

func TestGetMissing(t *testing.T) {
	c := cache.New[int](time.Minute)

	if _, ok := c.Get("absent"); ok {
		t.Fatal("expected miss")
	}
}

func TestExpiry(t *testing.T) {
	c := cache.New[string](10 * time.Millisecond)

	c.Set("k", "v")
	time.Sleep(30 * time.Millisecond)

	if _, ok := c.Get("k"); ok {
		t.Fatal("expected entry to expire")
	}
}

func TestSetWithTTLOverridesDefault(t *testing.T) {
	c := cache.New[string](time.Minute)

	c.SetWithTTL("short", "v", 10*time.Millisecond)
	c.Set("long", "v")
	time.Sleep(30 * time.Millisecond)

	if _, ok := c.Get("short"); ok {
		t.Fatal("expected short entry to expire")
	}
	if _, ok := c.Get("long"); !ok {
		t.Fatal("expected long entry to survive")
	}
}

func TestDelete(t *testing.T) {
	c := cache.New[string](time.Minute)

	c.Set("k", "v")
	c.Delete("k")

	if _, ok := c.Get("k"); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestKeysSkipsExpired(t *testing.T) {
	c := cache.New[string](time.Minute)

	c.Set("live", "v")
	c.SetWithTTL("dead", "v", 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	keys := c.Keys()
	if len(keys) != 1 || keys[0] != "live" {
		t.Errorf("expected [live], got %v", keys)
	}
}
