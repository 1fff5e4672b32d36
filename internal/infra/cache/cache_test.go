package cache_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rushago/billing-reconciler/internal/infra/cache"
)

func TestCache_SetIfAbsent_SecondCallLoses(t *testing.T) {
	c := cache.New[bool](5 * time.Minute)
	defer c.Close()

	if !c.SetIfAbsent("evt-1", true) {
		t.Fatal("expected first SetIfAbsent to store")
	}
	if c.SetIfAbsent("evt-1", true) {
		t.Fatal("expected live key to reject a second store")
	}
	if !c.SetIfAbsent("evt-2", true) {
		t.Fatal("expected a different key to store")
	}
}

func TestCache_Delete(t *testing.T) {
	c := cache.New[bool](5 * time.Minute)
	defer c.Close()

	c.SetIfAbsent("evt-1", true)
	c.Delete("evt-1")

	if !c.SetIfAbsent("evt-1", true) {
		t.Fatal("expected deleted key to be stored again")
	}
}

func TestCache_SetIfAbsent_SingleWinner(t *testing.T) {
	c := cache.New[bool](5 * time.Minute)
	defer c.Close()

	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.SetIfAbsent("evt-42", true) {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestCache_SetIfAbsent_AfterExpiry(t *testing.T) {
	c := cache.New[bool](30 * time.Millisecond)
	defer c.Close()

	if !c.SetIfAbsent("evt-1", true) {
		t.Fatal("expected first SetIfAbsent to store")
	}
	time.Sleep(60 * time.Millisecond)
	if !c.SetIfAbsent("evt-1", true) {
		t.Fatal("expected SetIfAbsent to store again after expiry")
	}
}

func TestCache_CleanupDropsExpired(t *testing.T) {
	c := cache.New[bool](20 * time.Millisecond)
	defer c.Close()

	c.SetIfAbsent("evt-1", true)
	c.SetIfAbsent("evt-2", true)
	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}

	time.Sleep(100 * time.Millisecond)
	if n := c.Len(); n != 0 {
		t.Fatalf("expected expired entries to be swept, got %d", n)
	}
}
