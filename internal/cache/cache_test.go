package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestConcurrentCallersShareOneComputation(t *testing.T) {
	t.Parallel()

	c, err := New[int](16, time.Second, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var computes atomic.Int32
	compute := func(context.Context) (int, error) {
		computes.Add(1)
		time.Sleep(50 * time.Millisecond)
		return 42, nil
	}

	const callers = 8
	results := make([]int, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			v, err := c.GetOrCompute(context.Background(), "fp-1", compute)
			if err != nil {
				t.Errorf("caller %d: %v", idx, err)
				return
			}
			results[idx] = v
		}(i)
	}
	wg.Wait()

	if got := computes.Load(); got != 1 {
		t.Fatalf("expected one computation, got %d", got)
	}
	for i, v := range results {
		if v != 42 {
			t.Fatalf("caller %d got %d", i, v)
		}
	}
}

func TestFailureSharedThenCachedThenRetried(t *testing.T) {
	t.Parallel()

	c, err := New[int](16, 30*time.Second, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	current := base
	var mu sync.Mutex
	c.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	})

	boom := errors.New("backend down")
	var computes atomic.Int32
	failing := func(context.Context) (int, error) {
		computes.Add(1)
		return 0, boom
	}

	if _, err := c.GetOrCompute(context.Background(), "fp-2", failing); !errors.Is(err, boom) {
		t.Fatalf("expected backend error, got %v", err)
	}
	// Inside the TTL the cached failure is served without recompute.
	if _, err := c.GetOrCompute(context.Background(), "fp-2", failing); !errors.Is(err, boom) {
		t.Fatalf("expected cached failure, got %v", err)
	}
	if got := computes.Load(); got != 1 {
		t.Fatalf("expected one compute inside ttl, got %d", got)
	}

	mu.Lock()
	current = base.Add(time.Minute)
	mu.Unlock()

	v, err := c.GetOrCompute(context.Background(), "fp-2", func(context.Context) (int, error) {
		computes.Add(1)
		return 7, nil
	})
	if err != nil {
		t.Fatalf("retry after ttl: %v", err)
	}
	if v != 7 {
		t.Fatalf("retry value mismatch: got %d", v)
	}
	if got := computes.Load(); got != 2 {
		t.Fatalf("expected retry compute, got %d", got)
	}
}

func TestLRUEvictsLeastRecentlyUsedReadyEntry(t *testing.T) {
	t.Parallel()

	c, err := New[string](2, time.Second, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var computes atomic.Int32
	get := func(key string) string {
		t.Helper()
		v, err := c.GetOrCompute(context.Background(), key, func(context.Context) (string, error) {
			computes.Add(1)
			return "v-" + key, nil
		})
		if err != nil {
			t.Fatalf("GetOrCompute %s: %v", key, err)
		}
		return v
	}

	get("a")
	get("b")
	get("a") // touch a so b is the eviction candidate
	get("c") // evicts b

	before := computes.Load()
	get("a")
	if computes.Load() != before {
		t.Fatal("a should still be cached")
	}
	get("b")
	if computes.Load() != before+1 {
		t.Fatal("b should have been evicted and recomputed")
	}
}

func TestWaiterAbandonsOnContextCancel(t *testing.T) {
	t.Parallel()

	c, err := New[int](16, time.Second, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		v, err := c.GetOrCompute(context.Background(), "fp-3", func(context.Context) (int, error) {
			close(started)
			<-release
			return 9, nil
		})
		if err != nil || v != 9 {
			t.Errorf("initiator got %d, %v", v, err)
		}
	}()

	<-started
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = c.GetOrCompute(ctx, "fp-3", func(context.Context) (int, error) {
		t.Error("waiter must not start a second computation")
		return 0, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	close(release)

	v, err := c.GetOrCompute(context.Background(), "fp-3", func(context.Context) (int, error) {
		t.Error("unexpected recompute")
		return 0, nil
	})
	if err != nil || v != 9 {
		t.Fatalf("late caller got %d, %v", v, err)
	}
}

func TestComputeCancellationIsNotCached(t *testing.T) {
	t.Parallel()

	c, err := New[int](16, time.Hour, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.GetOrCompute(canceled, "fp-4", func(ctx context.Context) (int, error) {
		return 0, ctx.Err()
	}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}

	v, err := c.GetOrCompute(context.Background(), "fp-4", func(context.Context) (int, error) {
		return 5, nil
	})
	if err != nil {
		t.Fatalf("recompute after cancellation: %v", err)
	}
	if v != 5 {
		t.Fatalf("value mismatch: got %d", v)
	}
}

func TestHealthyCallerRecomputesAfterInitiatorCancel(t *testing.T) {
	t.Parallel()

	c, err := New[int](16, time.Hour, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	initiatorCtx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	initiatorDone := make(chan struct{})
	go func() {
		defer close(initiatorDone)
		_, err := c.GetOrCompute(initiatorCtx, "fp-5", func(ctx context.Context) (int, error) {
			close(started)
			<-ctx.Done()
			return 0, ctx.Err()
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("initiator err = %v, want context.Canceled", err)
		}
	}()
	<-started

	// Join the in-flight computation with a healthy context, then kill the
	// initiator. The joiner must come back with a fresh value, never the
	// initiator's cancellation.
	joinerDone := make(chan struct{})
	var joinerValue int
	var joinerErr error
	go func() {
		defer close(joinerDone)
		joinerValue, joinerErr = c.GetOrCompute(context.Background(), "fp-5", func(context.Context) (int, error) {
			return 7, nil
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-initiatorDone
	<-joinerDone

	if joinerErr != nil {
		t.Fatalf("joiner err = %v, want recomputed value", joinerErr)
	}
	if joinerValue != 7 {
		t.Fatalf("joiner value = %d, want 7", joinerValue)
	}
}
