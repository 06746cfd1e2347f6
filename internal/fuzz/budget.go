package fuzz

import (
	"context"
	"sync/atomic"
	"time"
)

// Budget is the shared resource envelope for one run: a wall-clock
// deadline, an iteration cap claimed in atomic chunks, and the strategy
// concurrency cap. Running out of budget is the expected way a fuzzing
// phase ends, not an error.
type Budget struct {
	deadline    time.Time
	cap         int64
	concurrency int
	used        atomic.Int64
}

// NewBudget builds a budget starting at now. runtime <= 0 means no
// deadline, iterationCap <= 0 means uncapped, concurrency < 1 is raised
// to 1.
func NewBudget(runtime time.Duration, iterationCap int64, concurrency int, now time.Time) *Budget {
	b := &Budget{cap: iterationCap, concurrency: concurrency}
	if runtime > 0 {
		b.deadline = now.Add(runtime)
	}
	if b.concurrency < 1 {
		b.concurrency = 1
	}
	return b
}

// TryClaim reserves up to n iterations and returns how many were granted.
// Claims are atomic: the sum of all grants never exceeds the cap.
func (b *Budget) TryClaim(n int64) int64 {
	if n <= 0 {
		return 0
	}
	if b.cap <= 0 {
		b.used.Add(n)
		return n
	}
	for {
		used := b.used.Load()
		remaining := b.cap - used
		if remaining <= 0 {
			return 0
		}
		grant := n
		if grant > remaining {
			grant = remaining
		}
		if b.used.CompareAndSwap(used, used+grant) {
			return grant
		}
	}
}

func (b *Budget) Used() int64 { return b.used.Load() }

// Remaining reports iterations left under the cap, or -1 when uncapped.
func (b *Budget) Remaining() int64 {
	if b.cap <= 0 {
		return -1
	}
	remaining := b.cap - b.used.Load()
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (b *Budget) Cap() int64 { return b.cap }

func (b *Budget) Concurrency() int { return b.concurrency }

func (b *Budget) Deadline() (time.Time, bool) {
	return b.deadline, !b.deadline.IsZero()
}

// Exhausted reports whether either the iteration cap or the deadline has
// been reached.
func (b *Budget) Exhausted(now time.Time) bool {
	if b.cap > 0 && b.used.Load() >= b.cap {
		return true
	}
	if !b.deadline.IsZero() && !now.Before(b.deadline) {
		return true
	}
	return false
}

// Context derives the run context carrying the budget deadline. The
// caller distinguishes deadline expiry from external cancellation by
// checking the parent context.
func (b *Budget) Context(parent context.Context) (context.Context, context.CancelFunc) {
	if b.deadline.IsZero() {
		return context.WithCancel(parent)
	}
	return context.WithDeadline(parent, b.deadline)
}
