// Package cache memoizes expensive per-fingerprint computations. Concurrent
// requests for one key share a single in-flight computation; ready results
// live under an LRU ceiling and failures are cached briefly so a flapping
// backend is not hammered with immediate retries.
package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/driftsec/fuzzrig/internal/telemetry"
)

const (
	stateReady = iota
	stateFailed
)

type entry[V any] struct {
	key      string
	state    int
	value    V
	err      error
	failedAt time.Time
	elem     *list.Element
}

type Cache[V any] struct {
	maxEntries int
	failureTTL time.Duration
	log        *zap.Logger
	metrics    *telemetry.Metrics

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry[V]
	ready   *list.List
	failed  *list.List
	now     func() time.Time
}

func New[V any](maxEntries int, failureTTL time.Duration, log *zap.Logger, metrics *telemetry.Metrics) (*Cache[V], error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("max entries must be > 0")
	}
	if failureTTL < 0 {
		return nil, fmt.Errorf("failure ttl must be >= 0")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}
	return &Cache[V]{
		maxEntries: maxEntries,
		failureTTL: failureTTL,
		log:        log,
		metrics:    metrics,
		entries:    map[string]*entry[V]{},
		ready:      list.New(),
		failed:     list.New(),
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

func (c *Cache[V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// GetOrCompute returns the cached result for key or runs compute at most
// once concurrently per key. Waiters that lose their context stop waiting,
// but the shared computation continues on the initiating caller's context.
// Context cancellation errors are never cached: a flight that dies with
// its initiator is forgotten, and a healthy caller that joined it
// recomputes instead of inheriting the cancellation.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key string, compute func(context.Context) (V, error)) (V, error) {
	var zero V
	if key == "" {
		return zero, fmt.Errorf("key is required")
	}
	if v, err, ok := c.lookup(key); ok {
		return v, err
	}
	c.metrics.CacheMiss.Inc()

	for attempt := 0; ; attempt++ {
		ch := c.group.DoChan(key, func() (any, error) {
			// A completed flight may have populated the entry between our
			// lookup and this flight starting.
			if v, err, ok := c.lookup(key); ok {
				if err != nil {
					return nil, err
				}
				return v, nil
			}
			v, err := compute(ctx)
			if err != nil {
				if contextErr(err) {
					// Dead flight: forget the key before the error reaches
					// any waiter, so the next computation starts fresh.
					c.group.Forget(key)
				} else {
					c.storeFailure(key, err)
				}
				return nil, err
			}
			c.storeValue(key, v)
			return v, nil
		})

		select {
		case res := <-ch:
			if res.Err != nil {
				// A shared cancellation error belongs to the initiator,
				// not to us. The flight was already forgotten, so one
				// retry recomputes on our own context.
				if attempt == 0 && res.Shared && contextErr(res.Err) && ctx.Err() == nil {
					continue
				}
				return zero, res.Err
			}
			return res.Val.(V), nil
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

func contextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

type Stats struct {
	Ready  int `json:"ready"`
	Failed int `json:"failed"`
}

func (c *Cache[V]) Len() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Ready: c.ready.Len(), Failed: c.failed.Len()}
}

func (c *Cache[V]) lookup(key string) (V, error, bool) {
	var zero V
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return zero, nil, false
	}
	switch e.state {
	case stateReady:
		c.ready.MoveToFront(e.elem)
		c.metrics.CacheHits.Inc()
		return e.value, nil, true
	default:
		if c.now().Before(e.failedAt.Add(c.failureTTL)) {
			c.metrics.CacheFailureHits.Inc()
			return zero, e.err, true
		}
		// TTL elapsed: drop the tombstone so the caller retries.
		c.removeLocked(e)
		return zero, nil, false
	}
}

func (c *Cache[V]) storeValue(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.removeLocked(old)
	}
	e := &entry[V]{key: key, state: stateReady, value: v}
	e.elem = c.ready.PushFront(e)
	c.entries[key] = e

	for c.ready.Len() > c.maxEntries {
		back := c.ready.Back()
		if back == nil {
			break
		}
		evicted := back.Value.(*entry[V])
		c.removeLocked(evicted)
		c.metrics.CacheEvictions.Inc()
		c.log.Debug("evicted cache entry", zap.String("key", evicted.key))
	}
}

func (c *Cache[V]) storeFailure(key string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneFailedLocked()
	if old, ok := c.entries[key]; ok {
		c.removeLocked(old)
	}
	e := &entry[V]{key: key, state: stateFailed, err: err, failedAt: c.now()}
	e.elem = c.failed.PushBack(e)
	c.entries[key] = e
}

func (c *Cache[V]) pruneFailedLocked() {
	now := c.now()
	for {
		front := c.failed.Front()
		if front == nil {
			return
		}
		e := front.Value.(*entry[V])
		if now.Before(e.failedAt.Add(c.failureTTL)) {
			return
		}
		c.removeLocked(e)
	}
}

func (c *Cache[V]) removeLocked(e *entry[V]) {
	switch e.state {
	case stateReady:
		c.ready.Remove(e.elem)
	default:
		c.failed.Remove(e.elem)
	}
	delete(c.entries, e.key)
}
