package model

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftsec/fuzzrig/internal/pool"
	"github.com/driftsec/fuzzrig/internal/telemetry"
)

// Options configure a Manager. Pool is mandatory; everything else has a
// workable zero value.
type Options struct {
	Pool        *pool.Pool
	MaxFailures int
	Window      time.Duration
	Cooldown    time.Duration
	IdleTimeout time.Duration
	Log         *zap.Logger
	Metrics     *telemetry.Metrics
	// OnBreakerChange fires after a provider breaker opens or closes.
	// Called without internal locks held.
	OnBreakerChange func(key string, open bool)
}

type providerState struct {
	mu       sync.Mutex
	breaker  *Breaker
	provider Provider
	handle   *pool.Handle
	lastUsed time.Time
	inflight int
	open     bool
	// discardPending marks a provider condemned by its breaker while
	// calls were still in flight; the last release performs the discard.
	discardPending bool
}

// Manager loads providers on first use, scores through them while healthy,
// and grades through FallbackScore when a provider is unavailable. Results
// produced without the named provider are tagged Degraded.
type Manager struct {
	pool            *pool.Pool
	specs           map[string]ProviderSpec
	states          map[string]*providerState
	idleTimeout     time.Duration
	log             *zap.Logger
	metrics         *telemetry.Metrics
	onBreakerChange func(key string, open bool)

	mu  sync.Mutex
	now func() time.Time
}

func NewManager(opts Options, specs ...ProviderSpec) (*Manager, error) {
	if opts.Pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewMetrics()
	}
	m := &Manager{
		pool:            opts.Pool,
		specs:           make(map[string]ProviderSpec, len(specs)),
		states:          make(map[string]*providerState, len(specs)),
		idleTimeout:     opts.IdleTimeout,
		log:             opts.Log,
		metrics:         opts.Metrics,
		onBreakerChange: opts.OnBreakerChange,
		now:             time.Now,
	}
	for _, spec := range specs {
		if spec.Key == "" || spec.Kind == "" || spec.New == nil {
			return nil, fmt.Errorf("provider spec %q: key, kind and constructor are required", spec.Key)
		}
		if _, dup := m.specs[spec.Key]; dup {
			return nil, fmt.Errorf("provider %q registered twice", spec.Key)
		}
		m.specs[spec.Key] = spec
		m.states[spec.Key] = &providerState{
			breaker: NewBreaker(opts.MaxFailures, opts.Window, opts.Cooldown),
		}
	}
	return m, nil
}

// SetClock overrides the time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
	for _, ps := range m.states {
		ps.breaker.SetClock(now)
	}
}

func (m *Manager) clock() func() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Score grades features through the named provider, loading it on first
// use. When the provider cannot serve the call the result comes from
// FallbackScore instead, unless the provider is Required, in which case
// the failure is fatal for the run.
func (m *Manager) Score(ctx context.Context, key string, features FeatureVector) (ScoreResult, error) {
	spec, ok := m.specs[key]
	if !ok {
		return ScoreResult{}, fmt.Errorf("score via %q: %w", key, ErrUnknownProvider)
	}
	ps := m.states[key]

	if !ps.breaker.Allow() {
		return m.degrade(spec, features, "breaker open", nil)
	}

	prov, err := m.bind(ctx, spec, ps)
	if err != nil {
		if ctx.Err() != nil {
			return ScoreResult{}, fmt.Errorf("bind %s: %w", key, ctx.Err())
		}
		if ps.breaker.RecordFailure() {
			m.breakerOpened(spec, ps)
		}
		return m.degrade(spec, features, "load failed", err)
	}

	start := m.clock()()
	value, err := prov.Score(ctx, features)
	m.metrics.ScoreLatency.Observe(m.clock()().Sub(start).Seconds())
	m.release(spec, ps)

	if err != nil {
		if ctx.Err() != nil {
			return ScoreResult{}, fmt.Errorf("score via %s: %w", key, ctx.Err())
		}
		if ps.breaker.RecordFailure() {
			m.breakerOpened(spec, ps)
		}
		return m.degrade(spec, features, "score failed", err)
	}

	ps.breaker.RecordSuccess()
	m.breakerClosed(spec, ps)
	if value < 0 {
		value = 0
	}
	if value > 1 {
		value = 1
	}
	return ScoreResult{Value: value, Scorer: key}, nil
}

// bind returns the loaded provider, acquiring a pool resource and
// constructing it on first use. The caller must pair a successful bind
// with release.
func (m *Manager) bind(ctx context.Context, spec ProviderSpec, ps *providerState) (Provider, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.provider == nil {
		handle, err := m.pool.Acquire(ctx, spec.Kind)
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", spec.Kind, err)
		}
		prov, err := spec.New(handle.Resource())
		if err != nil {
			if derr := m.pool.Discard(handle); derr != nil {
				m.log.Warn("discard after failed construction", zap.String("provider", spec.Key), zap.Error(derr))
			}
			return nil, fmt.Errorf("construct %s: %w", spec.Key, err)
		}
		ps.provider = prov
		ps.handle = handle
		m.log.Info("provider loaded",
			zap.String("provider", spec.Key),
			zap.String("kind", spec.Kind))
	}
	ps.lastUsed = m.clock()()
	ps.inflight++
	return ps.provider, nil
}

func (m *Manager) release(spec ProviderSpec, ps *providerState) {
	ps.mu.Lock()
	ps.inflight--
	ps.lastUsed = m.clock()()
	if ps.discardPending && ps.inflight == 0 {
		ps.discardPending = false
		m.unloadLocked(spec, ps, true)
	}
	ps.mu.Unlock()
}

func (m *Manager) degrade(spec ProviderSpec, features FeatureVector, reason string, cause error) (ScoreResult, error) {
	if spec.Required {
		if cause != nil {
			return ScoreResult{}, fmt.Errorf("required provider %s: %s: %v: %w", spec.Key, reason, cause, ErrFatalResource)
		}
		return ScoreResult{}, fmt.Errorf("required provider %s: %s: %w", spec.Key, reason, ErrFatalResource)
	}
	m.metrics.FallbackScores.Inc()
	m.log.Debug("fallback score",
		zap.String("provider", spec.Key),
		zap.String("reason", reason),
		zap.Error(cause))
	return ScoreResult{
		Value:    FallbackScore(features),
		Degraded: true,
		Scorer:   FallbackScorer,
		Reason:   reason,
	}, nil
}

// breakerOpened unloads the tripped provider so its resource is not held
// through the cooldown, then notifies observers. A provider with scores
// still in flight is only marked; the last release discards it, so a
// resource is never closed under a live call.
func (m *Manager) breakerOpened(spec ProviderSpec, ps *providerState) {
	ps.mu.Lock()
	alreadyOpen := ps.open
	ps.open = true
	if ps.inflight == 0 {
		m.unloadLocked(spec, ps, true)
	} else {
		ps.discardPending = true
	}
	ps.mu.Unlock()
	if alreadyOpen {
		return
	}
	m.metrics.BreakerOpen.WithLabelValues(spec.Key).Set(1)
	m.log.Warn("provider breaker opened",
		zap.String("provider", spec.Key),
		zap.Time("until", ps.breaker.OpenUntil()))
	if m.onBreakerChange != nil {
		m.onBreakerChange(spec.Key, true)
	}
}

func (m *Manager) breakerClosed(spec ProviderSpec, ps *providerState) {
	ps.mu.Lock()
	wasOpen := ps.open
	ps.open = false
	// A successful score proves the loaded resource healthy again.
	ps.discardPending = false
	ps.mu.Unlock()
	if !wasOpen {
		return
	}
	m.metrics.BreakerOpen.WithLabelValues(spec.Key).Set(0)
	m.log.Info("provider breaker closed", zap.String("provider", spec.Key))
	if m.onBreakerChange != nil {
		m.onBreakerChange(spec.Key, false)
	}
}

// unloadLocked drops the loaded provider. Caller holds ps.mu. When discard
// is set the backing resource is closed instead of returned to the pool.
func (m *Manager) unloadLocked(spec ProviderSpec, ps *providerState, discard bool) {
	if ps.handle == nil {
		ps.provider = nil
		return
	}
	var err error
	if discard {
		err = m.pool.Discard(ps.handle)
	} else {
		err = m.pool.Release(ps.handle)
	}
	if err != nil {
		m.log.Warn("unload provider",
			zap.String("provider", spec.Key),
			zap.Bool("discard", discard),
			zap.Error(err))
	} else {
		m.log.Info("provider unloaded",
			zap.String("provider", spec.Key),
			zap.Bool("discard", discard))
	}
	ps.provider = nil
	ps.handle = nil
}

// Prewarm loads the named providers ahead of first use. Failures on
// optional providers are logged and counted against their breakers;
// a Required provider that cannot load aborts the warmup.
func (m *Manager) Prewarm(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		spec, ok := m.specs[key]
		if !ok {
			return fmt.Errorf("prewarm %q: %w", key, ErrUnknownProvider)
		}
		ps := m.states[key]
		if _, err := m.bind(ctx, spec, ps); err != nil {
			if spec.Required {
				return fmt.Errorf("prewarm required provider %s: %v: %w", key, err, ErrFatalResource)
			}
			if ps.breaker.RecordFailure() {
				m.breakerOpened(spec, ps)
			}
			m.log.Warn("prewarm failed", zap.String("provider", key), zap.Error(err))
			continue
		}
		m.release(spec, ps)
	}
	return nil
}

// EvictIdle unloads providers that have not scored since before the idle
// timeout, returning their resources to the pool. Returns the number of
// providers unloaded.
func (m *Manager) EvictIdle(now time.Time) int {
	if m.idleTimeout <= 0 {
		return 0
	}
	evicted := 0
	for key, ps := range m.states {
		spec := m.specs[key]
		ps.mu.Lock()
		if ps.provider != nil && ps.inflight == 0 && now.Sub(ps.lastUsed) >= m.idleTimeout {
			m.unloadLocked(spec, ps, false)
			evicted++
		}
		ps.mu.Unlock()
	}
	return evicted
}

// StartEvictor runs the idle eviction loop until ctx is cancelled.
func (m *Manager) StartEvictor(ctx context.Context, interval time.Duration) {
	if interval <= 0 || m.idleTimeout <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.EvictIdle(m.clock()()); n > 0 {
					m.log.Debug("idle providers evicted", zap.Int("count", n))
				}
			}
		}
	}()
}

// Close unloads every provider, returning healthy resources to the pool.
func (m *Manager) Close() {
	for key, ps := range m.states {
		spec := m.specs[key]
		ps.mu.Lock()
		if ps.provider != nil {
			m.unloadLocked(spec, ps, false)
		}
		ps.mu.Unlock()
	}
}
