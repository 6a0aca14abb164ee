package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestSetGetDelete(t *testing.T) {
	c := New[int]()
	c.Set("a", 1)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("get a = %d, %v", v, ok)
	}
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("a should be gone")
	}
}

func TestSetIfAbsent(t *testing.T) {
	c := New[string]()
	if _, stored := c.SetIfAbsent("k", "first"); !stored {
		t.Fatal("first claim should store")
	}
	v, stored := c.SetIfAbsent("k", "second")
	if stored || v != "first" {
		t.Fatalf("second claim: %q stored=%v", v, stored)
	}
}

func TestSetIfAbsentConcurrentSingleWinner(t *testing.T) {
	c := New[int]()
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, ok := c.SetIfAbsent("intent", i); ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("winners = %d, want 1", winners)
	}
}

func TestAgeAndCleanup(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewWithClock[int](func() time.Time { return now })
	c.Set("old", 1)
	now = now.Add(time.Minute)
	c.Set("new", 2)

	if _, ok := c.GetFresh("old", 30*time.Second); ok {
		t.Fatal("old entry should be stale")
	}
	if _, ok := c.GetFresh("new", 30*time.Second); !ok {
		t.Fatal("new entry should be fresh")
	}
	if n := c.Cleanup(30 * time.Second); n != 1 {
		t.Fatalf("cleanup removed %d, want 1", n)
	}
	if c.Len() != 1 {
		t.Fatalf("len = %d", c.Len())
	}
}

func TestStatsCountsShards(t *testing.T) {
	c := New[int]()
	for i := 0; i < 100; i++ {
		c.Set(fmt.Sprintf("k%d", i), i)
	}
	st := c.Stats()
	sum := 0
	for _, n := range st.ShardCounts {
		sum += n
	}
	if st.TotalItems != 100 || sum != 100 {
		t.Fatalf("stats %+v", st)
	}
}
