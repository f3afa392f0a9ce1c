package ttlcache

import (
	"testing"
	"time"
)

func TestPutGet(t *testing.T) {
	c := New[string](2, time.Hour)
	c.Put("a", "1")
	if v, ok := c.Get("a"); !ok || v != "1" {
		t.Fatalf("Get(a) = %q, %v", v, ok)
	}
}

func TestCapacityEvictsLRU(t *testing.T) {
	c := New[int](2, time.Hour)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3) // evicts "a", the least recently used

	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected a evicted")
	}
	if v, ok := c.Get("b"); !ok || v != 2 {
		t.Fatalf("Get(b) = %d, %v", v, ok)
	}
	if c.Evictions() != 1 {
		t.Fatalf("Evictions() = %d, want 1", c.Evictions())
	}
}

func TestGetRefreshesRecency(t *testing.T) {
	c := New[int](2, time.Hour)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Get("a") // a is now more recently used than b
	c.Put("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Fatalf("expected b evicted, not a")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("expected a to survive")
	}
}

func TestExpiry(t *testing.T) {
	c := New[int](10, time.Millisecond)
	c.Put("a", 1)
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected a expired")
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	c := New[int](10, time.Millisecond)
	c.Put("a", 1)
	time.Sleep(5 * time.Millisecond)
	c.Sweep()
	if c.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after sweep", c.Len())
	}
}

func TestDelete(t *testing.T) {
	c := New[int](10, time.Hour)
	c.Put("a", 1)
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected a deleted")
	}
}
