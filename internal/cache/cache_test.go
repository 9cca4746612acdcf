package cache

import (
	"bytes"
	"testing"
	"time"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(Config{MapTTL: time.Minute, MapMaxMB: 8, QueryEntries: 16})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestMapCache(t *testing.T) {
	c := newTestCache(t)

	key := MapKey("ds1", "niches", "job1", "f0")
	if _, ok := c.GetMap(key); ok {
		t.Fatal("unexpected hit on empty cache")
	}

	payload := []byte{0x89, 'P', 'N', 'G'}
	c.SetMap(key, payload)
	got, ok := c.GetMap(key)
	if !ok || !bytes.Equal(got, payload) {
		t.Fatalf("GetMap = %v, %v", got, ok)
	}

	// Keys for other fovs do not collide.
	if _, ok := c.GetMap(MapKey("ds1", "niches", "job1", "f1")); ok {
		t.Error("unexpected hit for a different fov")
	}
}

func TestQueryCacheInvalidation(t *testing.T) {
	c := newTestCache(t)

	a := JobQueryKey("job1", "results", "f0", "0", "100")
	b := JobQueryKey("job2", "results", "f0", "0", "100")
	c.SetQuery(a, []byte("one"))
	c.SetQuery(b, []byte("two"))

	c.InvalidateJob("job1")

	if _, ok := c.GetQuery(a); ok {
		t.Error("job1 payload survived invalidation")
	}
	if got, ok := c.GetQuery(b); !ok || string(got) != "two" {
		t.Errorf("job2 payload lost: %q, %v", got, ok)
	}
}
