package fuzz

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestBudgetClaimsNeverExceedCap(t *testing.T) {
	t.Parallel()
	budget := NewBudget(0, 1000, 4, time.Now())

	var mu sync.Mutex
	total := int64(0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				grant := budget.TryClaim(7)
				if grant == 0 {
					return
				}
				mu.Lock()
				total += grant
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if total != 1000 {
		t.Fatalf("granted %d iterations total, want exactly 1000", total)
	}
	if budget.Remaining() != 0 {
		t.Fatalf("remaining = %d after exhaustion", budget.Remaining())
	}
	if !budget.Exhausted(time.Now()) {
		t.Fatalf("budget not exhausted after cap consumed")
	}
}

func TestBudgetPartialFinalGrant(t *testing.T) {
	t.Parallel()
	budget := NewBudget(0, 10, 1, time.Now())
	if got := budget.TryClaim(8); got != 8 {
		t.Fatalf("first claim = %d, want 8", got)
	}
	if got := budget.TryClaim(8); got != 2 {
		t.Fatalf("final claim = %d, want trimmed grant 2", got)
	}
	if got := budget.TryClaim(8); got != 0 {
		t.Fatalf("claim after exhaustion = %d, want 0", got)
	}
}

func TestBudgetUncapped(t *testing.T) {
	t.Parallel()
	budget := NewBudget(0, 0, 2, time.Now())
	if got := budget.TryClaim(500); got != 500 {
		t.Fatalf("uncapped claim = %d, want 500", got)
	}
	if budget.Remaining() != -1 {
		t.Fatalf("uncapped Remaining = %d, want -1", budget.Remaining())
	}
	if budget.Exhausted(time.Now()) {
		t.Fatalf("uncapped budget without deadline reported exhausted")
	}
}

func TestBudgetDeadline(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	budget := NewBudget(time.Minute, 0, 1, base)

	if budget.Exhausted(base.Add(30 * time.Second)) {
		t.Fatalf("budget exhausted before deadline")
	}
	if !budget.Exhausted(base.Add(time.Minute)) {
		t.Fatalf("budget not exhausted at deadline")
	}
	deadline, ok := budget.Deadline()
	if !ok || !deadline.Equal(base.Add(time.Minute)) {
		t.Fatalf("Deadline = %v %v", deadline, ok)
	}
}

func TestBudgetContextCarriesDeadline(t *testing.T) {
	t.Parallel()
	start := time.Now()
	budget := NewBudget(time.Hour, 0, 1, start)
	ctx, cancel := budget.Context(context.Background())
	defer cancel()
	deadline, ok := ctx.Deadline()
	if !ok || !deadline.Equal(start.Add(time.Hour)) {
		t.Fatalf("ctx deadline = %v %v, want %v", deadline, ok, start.Add(time.Hour))
	}

	open := NewBudget(0, 100, 1, start)
	ctx2, cancel2 := open.Context(context.Background())
	defer cancel2()
	if _, ok := ctx2.Deadline(); ok {
		t.Fatalf("deadline-free budget produced a deadline context")
	}
}
