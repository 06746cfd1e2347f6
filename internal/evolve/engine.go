// Package evolve adapts per-strategy scheduling weights from triage
// outcomes. Yield is an exponentially-weighted moving average of novel,
// non-degraded findings per iteration; weights move by a clamped
// multiplicative step and stay normalized inside a floor/ceiling band so
// no strategy starves and none takes over.
package evolve

import (
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/driftsec/fuzzrig/internal/telemetry"
	"github.com/driftsec/fuzzrig/internal/triage"
)

type Config struct {
	// Strategies in registration order. Weights are tracked only for
	// these names; observations for anything else are dropped.
	Strategies []string
	// InitialWeights overrides the equal-split start, normalized and
	// projected into the configured band. Missing names get zero before
	// projection lifts them to the floor.
	InitialWeights map[string]float64
	// UpdateEvery is the observation-count cadence between recomputes.
	UpdateEvery int
	// EWMAAlpha smooths the per-window yield into the running average.
	EWMAAlpha float64
	// UpdateLimit caps one multiplicative step to [1-limit, 1+limit].
	UpdateLimit float64
	// WeightFloor and WeightCeiling bound every normalized weight.
	WeightFloor   float64
	WeightCeiling float64
	// FailureDecay multiplies a strategy's weight on every reported
	// failure, before renormalization.
	FailureDecay float64
	// OnUpdate fires with a fresh snapshot after each recompute.
	OnUpdate func(weights map[string]float64)
	Log      *zap.Logger
	Metrics  *telemetry.Metrics
}

type strategyWindow struct {
	findings   int64
	iterations int64
	yield      float64
}

// Engine is the single writer of strategy weights. The scheduler reads
// snapshots per tick; triage feeds observations; nothing else mutates the
// state.
type Engine struct {
	order       []string
	index       map[string]int
	updateEvery int64
	alpha       float64
	limit       float64
	floor       float64
	ceiling     float64
	decay       float64
	onUpdate    func(map[string]float64)
	log         *zap.Logger
	metrics     *telemetry.Metrics

	mu           sync.Mutex
	weights      []float64
	windows      []strategyWindow
	observations int64
	updates      int64
}

func New(cfg Config) (*Engine, error) {
	n := len(cfg.Strategies)
	if n == 0 {
		return nil, fmt.Errorf("at least one strategy is required")
	}
	index := make(map[string]int, n)
	for i, name := range cfg.Strategies {
		if name == "" {
			return nil, fmt.Errorf("strategy with empty name")
		}
		if _, dup := index[name]; dup {
			return nil, fmt.Errorf("strategy %s listed twice", name)
		}
		index[name] = i
	}
	if cfg.UpdateEvery <= 0 {
		return nil, fmt.Errorf("update cadence must be > 0")
	}
	if cfg.EWMAAlpha <= 0 || cfg.EWMAAlpha > 1 {
		return nil, fmt.Errorf("ewma alpha must be in (0, 1]")
	}
	if cfg.UpdateLimit <= 0 || cfg.UpdateLimit >= 1 {
		return nil, fmt.Errorf("update limit must be in (0, 1)")
	}
	if cfg.WeightFloor < 0 || cfg.WeightCeiling > 1 || cfg.WeightFloor >= cfg.WeightCeiling {
		return nil, fmt.Errorf("weight band [%v, %v] is invalid", cfg.WeightFloor, cfg.WeightCeiling)
	}
	if cfg.WeightFloor*float64(n) > 1+1e-9 {
		return nil, fmt.Errorf("weight floor %v infeasible for %d strategies", cfg.WeightFloor, n)
	}
	if cfg.WeightCeiling*float64(n) < 1-1e-9 {
		return nil, fmt.Errorf("weight ceiling %v infeasible for %d strategies", cfg.WeightCeiling, n)
	}
	if cfg.FailureDecay <= 0 || cfg.FailureDecay > 1 {
		return nil, fmt.Errorf("failure decay must be in (0, 1]")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewMetrics()
	}

	e := &Engine{
		order:       append([]string(nil), cfg.Strategies...),
		index:       index,
		updateEvery: int64(cfg.UpdateEvery),
		alpha:       cfg.EWMAAlpha,
		limit:       cfg.UpdateLimit,
		floor:       cfg.WeightFloor,
		ceiling:     cfg.WeightCeiling,
		decay:       cfg.FailureDecay,
		onUpdate:    cfg.OnUpdate,
		log:         cfg.Log,
		metrics:     cfg.Metrics,
		weights:     make([]float64, n),
		windows:     make([]strategyWindow, n),
	}
	for i := range e.weights {
		e.weights[i] = 1.0 / float64(n)
	}
	if len(cfg.InitialWeights) > 0 {
		for i, name := range e.order {
			e.weights[i] = cfg.InitialWeights[name]
		}
		e.projectLocked()
	}
	e.publishLocked()
	return e, nil
}

// Observe ingests one triage outcome. Only created, novel, non-degraded
// findings count toward yield; every observation advances the recompute
// cadence.
func (e *Engine) Observe(obs triage.Observation) {
	var snapshot map[string]float64
	e.mu.Lock()
	if idx, ok := e.index[obs.Strategy]; ok {
		if obs.Created && obs.Novel && !obs.Degraded {
			e.windows[idx].findings++
		}
	}
	e.observations++
	if e.observations%e.updateEvery == 0 {
		e.recomputeLocked()
		if e.onUpdate != nil {
			snapshot = e.snapshotLocked()
		}
	}
	e.mu.Unlock()
	if snapshot != nil {
		e.onUpdate(snapshot)
	}
}

// RecordIterations attributes executed iterations to a strategy for the
// current yield window. Called by the scheduler after each step.
func (e *Engine) RecordIterations(strategy string, n int64) {
	if n <= 0 {
		return
	}
	e.mu.Lock()
	if idx, ok := e.index[strategy]; ok {
		e.windows[idx].iterations += n
	}
	e.mu.Unlock()
}

// ReportFailure decays the failing strategy's weight immediately. The
// floor keeps even a flaky strategy exploring.
func (e *Engine) ReportFailure(strategy string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx, ok := e.index[strategy]
	if !ok {
		return
	}
	e.weights[idx] *= e.decay
	e.projectLocked()
	e.publishLocked()
	e.log.Debug("strategy weight decayed",
		zap.String("strategy", strategy),
		zap.Float64("weight", e.weights[idx]))
}

// WeightsSnapshot returns a copy of the current normalized weights.
func (e *Engine) WeightsSnapshot() map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Updates reports how many recomputes have run.
func (e *Engine) Updates() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updates
}

func (e *Engine) snapshotLocked() map[string]float64 {
	out := make(map[string]float64, len(e.order))
	for i, name := range e.order {
		out[name] = e.weights[i]
	}
	return out
}

// recomputeLocked folds the open windows into the yield averages and
// applies one multiplicative-weights step: each strategy moves by its
// yield relative to the mean, clamped to the update limit, then the
// vector is projected back into the normalized band.
func (e *Engine) recomputeLocked() {
	for i := range e.windows {
		w := &e.windows[i]
		if w.iterations > 0 {
			windowYield := float64(w.findings) / float64(w.iterations)
			w.yield = e.alpha*windowYield + (1-e.alpha)*w.yield
			w.findings = 0
			w.iterations = 0
		}
	}

	mean := 0.0
	for i := range e.windows {
		mean += e.windows[i].yield
	}
	mean /= float64(len(e.windows))

	if mean > 1e-12 {
		for i := range e.weights {
			delta := clampFloat(e.windows[i].yield/mean, 1-e.limit, 1+e.limit)
			e.weights[i] *= delta
		}
	}
	e.projectLocked()
	e.publishLocked()
	e.updates++
	e.log.Debug("strategy weights updated", zap.Any("weights", e.snapshotLocked()))
}

// projectLocked renormalizes the weight vector onto the simplex
// intersected with the [floor, ceiling] box. Redistribution moves the
// residual across entries that still have room, so the result sums to 1
// with every entry in band.
func (e *Engine) projectLocked() {
	n := len(e.weights)
	sum := 0.0
	for _, w := range e.weights {
		if w > 0 && !math.IsNaN(w) && !math.IsInf(w, 0) {
			sum += w
		}
	}
	if sum <= 0 {
		for i := range e.weights {
			e.weights[i] = 1.0 / float64(n)
		}
		return
	}
	for i := range e.weights {
		if e.weights[i] < 0 || math.IsNaN(e.weights[i]) || math.IsInf(e.weights[i], 0) {
			e.weights[i] = 0
		}
		e.weights[i] /= sum
	}

	for pass := 0; pass < 2*n+2; pass++ {
		total := 0.0
		for i := range e.weights {
			e.weights[i] = clampFloat(e.weights[i], e.floor, e.ceiling)
			total += e.weights[i]
		}
		diff := 1.0 - total
		if math.Abs(diff) < 1e-9 {
			return
		}
		adjustable := 0
		for i := range e.weights {
			if (diff > 0 && e.weights[i] < e.ceiling) || (diff < 0 && e.weights[i] > e.floor) {
				adjustable++
			}
		}
		if adjustable == 0 {
			return
		}
		share := diff / float64(adjustable)
		for i := range e.weights {
			if (diff > 0 && e.weights[i] < e.ceiling) || (diff < 0 && e.weights[i] > e.floor) {
				e.weights[i] += share
			}
		}
	}
}

func (e *Engine) publishLocked() {
	for i, name := range e.order {
		e.metrics.StrategyWeight.WithLabelValues(name).Set(e.weights[i])
	}
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
