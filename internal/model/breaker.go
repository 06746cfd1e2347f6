package model

import (
	"sync"
	"time"
)

// Breaker trips after maxFailures provider failures inside the sliding
// window and stays open for the cooldown. A success clears the failure
// record entirely, so only consecutive failures count.
type Breaker struct {
	maxFailures int
	window      time.Duration
	cooldown    time.Duration

	mu        sync.Mutex
	failures  []time.Time
	openUntil time.Time
	now       func() time.Time
}

func NewBreaker(maxFailures int, window, cooldown time.Duration) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	return &Breaker{
		maxFailures: maxFailures,
		window:      window,
		cooldown:    cooldown,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.now().Before(b.openUntil)
}

// RecordFailure reports a provider failure and returns true if this one
// tripped the breaker open.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.failures = append(b.failures, now)
	b.pruneLocked(now)
	if len(b.failures) >= b.maxFailures {
		b.openUntil = now.Add(b.cooldown)
		b.failures = nil
		return true
	}
	return false
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = nil
	b.openUntil = time.Time{}
}

func (b *Breaker) OpenUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openUntil
}

func (b *Breaker) pruneLocked(now time.Time) {
	if b.window <= 0 {
		return
	}
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failures = kept
}
