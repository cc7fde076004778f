package resilience

import (
	"sync"
	"testing"
	"time"
)

func TestCacheNeverReturnsExpiredEntry(t *testing.T) {
	c := NewCache[string, string](10, 30*time.Millisecond, 0)
	c.Set("k", "v")
	if v, ok := c.Get("k"); !ok || v != "v" {
		t.Fatalf("expected fresh hit, got %q %v", v, ok)
	}
	time.Sleep(50 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatalf("expected expired entry to be absent")
	}
}

func TestCacheStatsTrackHitsAndMisses(t *testing.T) {
	c := NewCache[string, int](10, time.Second, 0)
	c.Set("a", 1)
	c.Get("a")
	c.Get("missing")
	hits, misses, _, _ := c.Stats()
	if hits != 1 || misses != 1 {
		t.Fatalf("expected 1 hit/1 miss, got hits=%d misses=%d", hits, misses)
	}
}

func TestCacheInvalidateRemovesEntry(t *testing.T) {
	c := NewCache[string, int](10, time.Second, 0)
	c.Set("a", 1)
	c.Invalidate("a")
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected invalidated entry to be absent")
	}
}

func TestCacheGetOrRefreshRecomputesAfterRefreshTTL(t *testing.T) {
	c := NewCache[string, int](10, time.Second, 20*time.Millisecond)
	calls := 0
	fn := func(key string) (int, error) {
		calls++
		return calls, nil
	}
	v, err := c.GetOrRefresh("k", fn)
	if err != nil || v != 1 {
		t.Fatalf("expected first computation to return 1, got %d %v", v, err)
	}
	v, err = c.GetOrRefresh("k", fn)
	if err != nil || v != 1 {
		t.Fatalf("expected cached hit before refresh window, got %d", v)
	}
	time.Sleep(30 * time.Millisecond)
	v, err = c.GetOrRefresh("k", fn)
	if err != nil || v != 2 {
		t.Fatalf("expected refreshed value 2, got %d", v)
	}
}

func TestCacheConcurrentAccessDoesNotRace(t *testing.T) {
	c := NewCache[string, int](10, time.Second, 5*time.Millisecond)
	fn := func(key string) (int, error) { return 1, nil }

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(3)
		go func() { defer wg.Done(); c.Set("k", i) }()
		go func() { defer wg.Done(); _, _ = c.GetOrRefresh("k", fn) }()
		go func() { defer wg.Done(); c.Invalidate("k") }()
	}
	wg.Wait()
}
