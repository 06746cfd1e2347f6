// Package pool leases handles to scarce external resources with bounded
// concurrency per kind. Waiters are served in arrival order. Handles that
// fail their health probe on release are dropped and replaced lazily on a
// later acquire, so a flaky backend never triggers a reconnect storm.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/driftsec/fuzzrig/internal/telemetry"
)

var (
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrUnknownKind       = errors.New("unknown resource kind")
)

const releaseProbeTimeout = 2 * time.Second

// Resource is an open connection to an external backend. Ping is the health
// probe used on release; Close must be safe to call once.
type Resource interface {
	Ping(ctx context.Context) error
	Close() error
}

type Factory func(ctx context.Context) (Resource, error)

type Handle struct {
	ID   string
	kind string
	res  Resource

	released bool
}

func (h *Handle) Kind() string { return h.kind }

func (h *Handle) Resource() Resource { return h.res }

type Pool struct {
	acquireTimeout time.Duration
	log            *zap.Logger
	metrics        *telemetry.Metrics

	mu    sync.Mutex
	kinds map[string]*kindPool
}

type kindPool struct {
	name    string
	factory Factory
	size    int

	slots *semaphore.Weighted

	mu    sync.Mutex
	idle  []*Handle
	inUse int
}

func New(acquireTimeout time.Duration, log *zap.Logger, metrics *telemetry.Metrics) (*Pool, error) {
	if acquireTimeout <= 0 {
		return nil, fmt.Errorf("acquire timeout must be > 0")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}
	return &Pool{
		acquireTimeout: acquireTimeout,
		log:            log,
		metrics:        metrics,
		kinds:          map[string]*kindPool{},
	}, nil
}

func (p *Pool) RegisterKind(name string, size int, factory Factory) error {
	if name == "" {
		return fmt.Errorf("kind name is required")
	}
	if size <= 0 {
		return fmt.Errorf("kind %q size must be > 0", name)
	}
	if factory == nil {
		return fmt.Errorf("kind %q factory is required", name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.kinds[name]; ok {
		return fmt.Errorf("kind %q already registered", name)
	}
	p.kinds[name] = &kindPool{
		name:    name,
		factory: factory,
		size:    size,
		slots:   semaphore.NewWeighted(int64(size)),
	}
	return nil
}

// Acquire blocks until a capacity slot frees up or the pool's acquire
// timeout elapses. Exhaustion is reported as ErrResourceExhausted; a
// canceled caller context is passed through instead.
func (p *Pool) Acquire(ctx context.Context, kind string) (*Handle, error) {
	kp, err := p.kind(kind)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()
	if err := kp.slots.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("acquire %s: %w", kind, ctx.Err())
		}
		p.metrics.PoolExhausted.WithLabelValues(kind).Inc()
		return nil, fmt.Errorf("acquire %s after %s: %w", kind, p.acquireTimeout, ErrResourceExhausted)
	}

	kp.mu.Lock()
	if n := len(kp.idle); n > 0 {
		h := kp.idle[n-1]
		kp.idle = kp.idle[:n-1]
		h.released = false
		kp.inUse++
		p.publishGauges(kp)
		kp.mu.Unlock()
		return h, nil
	}
	kp.mu.Unlock()

	res, err := kp.factory(waitCtx)
	if err != nil {
		kp.slots.Release(1)
		return nil, fmt.Errorf("open %s resource: %w", kind, err)
	}
	h := &Handle{ID: uuid.NewString(), kind: kind, res: res}
	kp.mu.Lock()
	kp.inUse++
	p.publishGauges(kp)
	kp.mu.Unlock()
	p.log.Debug("opened pool resource", zap.String("kind", kind), zap.String("handle", h.ID))
	return h, nil
}

// Release probes the handle and either parks it for reuse or closes it.
// The capacity slot is freed either way; a dropped handle is replaced by a
// fresh open on a later Acquire.
func (p *Pool) Release(h *Handle) error {
	return p.giveBack(h, false)
}

// Discard closes the handle unconditionally. Callers use it when the
// resource is known bad regardless of what a probe would say.
func (p *Pool) Discard(h *Handle) error {
	return p.giveBack(h, true)
}

func (p *Pool) giveBack(h *Handle, forceDrop bool) error {
	if h == nil {
		return fmt.Errorf("handle is required")
	}
	kp, err := p.kind(h.kind)
	if err != nil {
		return err
	}

	kp.mu.Lock()
	if h.released {
		kp.mu.Unlock()
		return fmt.Errorf("handle %s already released", h.ID)
	}
	h.released = true
	kp.inUse--
	kp.mu.Unlock()

	keep := !forceDrop
	if keep {
		probeCtx, cancel := context.WithTimeout(context.Background(), releaseProbeTimeout)
		keep = h.res.Ping(probeCtx) == nil
		cancel()
	}
	if keep {
		kp.mu.Lock()
		kp.idle = append(kp.idle, h)
		p.publishGauges(kp)
		kp.mu.Unlock()
	} else {
		if err := h.res.Close(); err != nil {
			p.log.Warn("close pool resource", zap.String("kind", h.kind), zap.Error(err))
		}
		kp.mu.Lock()
		p.publishGauges(kp)
		kp.mu.Unlock()
		p.log.Debug("dropped pool resource", zap.String("kind", h.kind), zap.String("handle", h.ID))
	}
	kp.slots.Release(1)
	return nil
}

func (p *Pool) Healthcheck(ctx context.Context, h *Handle) bool {
	if h == nil || h.res == nil {
		return false
	}
	return h.res.Ping(ctx) == nil
}

type KindStats struct {
	Size  int `json:"size"`
	Idle  int `json:"idle"`
	InUse int `json:"in_use"`
}

func (p *Pool) Stats() map[string]KindStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]KindStats, len(p.kinds))
	for name, kp := range p.kinds {
		kp.mu.Lock()
		out[name] = KindStats{Size: kp.size, Idle: len(kp.idle), InUse: kp.inUse}
		kp.mu.Unlock()
	}
	return out
}

// Close shuts down idle resources. Handles still leased stay valid until
// their holder releases them.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, kp := range p.kinds {
		kp.mu.Lock()
		for _, h := range kp.idle {
			if err := h.res.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		kp.idle = nil
		kp.mu.Unlock()
	}
	return firstErr
}

func (p *Pool) kind(name string) (*kindPool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kp, ok := p.kinds[name]
	if !ok {
		return nil, fmt.Errorf("kind %q: %w", name, ErrUnknownKind)
	}
	return kp, nil
}

// publishGauges must be called with kp.mu held.
func (p *Pool) publishGauges(kp *kindPool) {
	p.metrics.PoolInUse.WithLabelValues(kp.name).Set(float64(kp.inUse))
	p.metrics.PoolIdle.WithLabelValues(kp.name).Set(float64(len(kp.idle)))
}
