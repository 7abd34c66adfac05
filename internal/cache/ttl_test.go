package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetOrLoadCaches(t *testing.T) {
	c := New[string, int](8, time.Minute)
	var loads int32
	load := func(context.Context) (int, error) {
		atomic.AddInt32(&loads, 1)
		return 42, nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrLoad(context.Background(), "k", load)
		if err != nil || v != 42 {
			t.Fatalf("GetOrLoad = %d, %v", v, err)
		}
	}
	if loads != 1 {
		t.Fatalf("loads = %d, want 1", loads)
	}

	c.Invalidate("k")
	if _, ok := c.Get("k"); ok {
		t.Fatalf("invalidated key still cached")
	}
}

func TestGetOrLoadDoesNotCacheErrors(t *testing.T) {
	c := New[string, int](8, time.Minute)
	boom := errors.New("boom")
	if _, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (int, error) { return 0, boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	v, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (int, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Fatalf("second load = %d, %v", v, err)
	}
}

func TestEntriesExpire(t *testing.T) {
	c := New[string, int](8, 20*time.Millisecond)
	c.Set("k", 1)
	if _, ok := c.Get("k"); !ok {
		t.Fatalf("fresh entry missing")
	}
	time.Sleep(60 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatalf("entry survived its ttl")
	}
}

func TestConcurrentLoadsCollapse(t *testing.T) {
	c := New[string, int](8, time.Minute)
	release := make(chan struct{})
	var loads int32
	load := func(context.Context) (int, error) {
		atomic.AddInt32(&loads, 1)
		<-release
		return 1, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.GetOrLoad(context.Background(), "k", load)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if loads != 1 {
		t.Fatalf("loads = %d, want 1", loads)
	}
}

func TestWaiterHonoursContext(t *testing.T) {
	c := New[string, int](8, time.Minute)
	release := make(chan struct{})
	started := make(chan struct{})
	leader := make(chan error, 1)
	go func() {
		_, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (int, error) {
			close(started)
			<-release
			return 3, nil
		})
		leader <- err
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.GetOrLoad(ctx, "k", func(context.Context) (int, error) { return 0, errors.New("second load") }); !errors.Is(err, context.Canceled) {
		t.Fatalf("waiter err = %v", err)
	}

	close(release)
	if err := <-leader; err != nil {
		t.Fatalf("leader err = %v", err)
	}
	if v, ok := c.Get("k"); !ok || v != 3 {
		t.Fatalf("cached = %d, %v", v, ok)
	}
}
