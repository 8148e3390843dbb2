package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"bench-history/internal/model"
)

func pts(values ...float64) []model.Point {
	out := make([]model.Point, len(values))
	for i, v := range values {
		out[i] = model.Point{Seq: model.SequenceID(i + 1), Value: v}
	}
	return out
}

func TestLRUCache_BasicOperations(t *testing.T) {
	cache := NewLRUCache(3)
	defer cache.Close()

	cache.Put("suite|a|10|20", pts(1, 2), 0)
	cache.Put("suite|b|10|20", pts(3), 0)

	value, found := cache.Get("suite|a|10|20")
	if !found || len(value) != 2 || value[1].Value != 2 {
		t.Errorf("Get() = %v, %v; want 2 points", value, found)
	}

	_, found = cache.Get("nonexistent")
	if found {
		t.Error("Expected not to find nonexistent key")
	}
}

func TestLRUCache_EmptyWindow(t *testing.T) {
	cache := NewLRUCache(3)
	defer cache.Close()

	cache.Put("cold", []model.Point{}, 0)

	value, found := cache.Get("cold")
	if !found {
		t.Fatal("Expected cached empty window to be found")
	}
	if len(value) != 0 {
		t.Errorf("Get() = %v, want empty", value)
	}
}

func TestLRUCache_Eviction(t *testing.T) {
	cache := NewLRUCache(2)
	defer cache.Close()

	cache.Put("key1", pts(1), 0)
	cache.Put("key2", pts(2), 0)
	cache.Put("key3", pts(3), 0)

	if _, found := cache.Get("key1"); found {
		t.Error("Expected key1 to be evicted")
	}
	if _, found := cache.Get("key2"); !found {
		t.Error("Expected key2 to still exist")
	}
	if _, found := cache.Get("key3"); !found {
		t.Error("Expected key3 to still exist")
	}
}

func TestLRUCache_LRUOrder(t *testing.T) {
	cache := NewLRUCache(2)
	defer cache.Close()

	cache.Put("key1", pts(1), 0)
	cache.Put("key2", pts(2), 0)

	// Touch key1 so key2 becomes least recently used
	cache.Get("key1")
	cache.Put("key3", pts(3), 0)

	if _, found := cache.Get("key2"); found {
		t.Error("Expected key2 to be evicted")
	}
	if _, found := cache.Get("key1"); !found {
		t.Error("Expected key1 to survive")
	}
}

func TestLRUCache_ReturnsCopies(t *testing.T) {
	cache := NewLRUCache(2)
	defer cache.Close()

	original := pts(10, 20)
	cache.Put("key", original, 0)
	original[0].Value = 999

	got, _ := cache.Get("key")
	if got[0].Value != 10 {
		t.Errorf("cache shares slice with caller on Put: %v", got)
	}

	got[1].Value = 999
	again, _ := cache.Get("key")
	if again[1].Value != 20 {
		t.Errorf("cache shares slice with caller on Get: %v", again)
	}
}

func TestLRUCache_TTL(t *testing.T) {
	cache := NewLRUCache(10)
	defer cache.Close()

	cache.Put("short", pts(1), 20*time.Millisecond)
	cache.Put("forever", pts(2), 0)

	time.Sleep(50 * time.Millisecond)

	if _, found := cache.Get("short"); found {
		t.Error("Expected short-lived entry to expire")
	}
	if _, found := cache.Get("forever"); !found {
		t.Error("Expected entry without TTL to remain")
	}
}

func TestLRUCache_Stats(t *testing.T) {
	cache := NewLRUCache(2)
	defer cache.Close()

	cache.Put("key1", pts(1), 0)
	cache.Get("key1")
	cache.Get("missing")
	cache.Put("key2", pts(2), 0)
	cache.Put("key3", pts(3), 0)

	stats := cache.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("Stats() hits=%d misses=%d, want 1/1", stats.Hits, stats.Misses)
	}
	if stats.Evictions != 1 {
		t.Errorf("Stats() evictions=%d, want 1", stats.Evictions)
	}
	if stats.Size != 2 || stats.Capacity != 2 {
		t.Errorf("Stats() size=%d capacity=%d, want 2/2", stats.Size, stats.Capacity)
	}
	if stats.HitRatio != 0.5 {
		t.Errorf("Stats() hit ratio=%v, want 0.5", stats.HitRatio)
	}
}

func TestLRUCache_DeleteAndClear(t *testing.T) {
	cache := NewLRUCache(5)
	defer cache.Close()

	cache.Put("key1", pts(1), 0)
	cache.Put("key2", pts(2), 0)

	if !cache.Delete("key1") {
		t.Error("Delete() = false for existing key")
	}
	if cache.Delete("key1") {
		t.Error("Delete() = true for removed key")
	}

	cache.Clear()
	if stats := cache.Stats(); stats.Size != 0 {
		t.Errorf("Clear() left %d items", stats.Size)
	}
}

func TestLRUCache_CleanupExpired(t *testing.T) {
	cache := NewLRUCache(10)
	defer cache.Close()

	for i := 0; i < 3; i++ {
		cache.Put(fmt.Sprintf("expiring-%d", i), pts(1), 10*time.Millisecond)
	}
	cache.Put("kept", pts(1), 0)

	time.Sleep(30 * time.Millisecond)

	if removed := cache.CleanupExpired(); removed != 3 {
		t.Errorf("CleanupExpired() = %d, want 3", removed)
	}
	if stats := cache.Stats(); stats.Size != 1 {
		t.Errorf("Stats().Size = %d, want 1", stats.Size)
	}
}

func TestLRUCache_ConcurrentAccess(t *testing.T) {
	cache := NewLRUCache(100)
	defer cache.Close()

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("key-%d-%d", g, i%20)
				cache.Put(key, pts(float64(i)), 0)
				cache.Get(key)
			}
		}(g)
	}
	wg.Wait()

	if stats := cache.Stats(); stats.Size > 100 {
		t.Errorf("cache grew past capacity: %d", stats.Size)
	}
}
