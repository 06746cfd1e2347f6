package fuzz

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/driftsec/fuzzrig/internal/telemetry"
)

// AdaptiveSource supplies per-strategy weights and absorbs scheduling
// feedback. Weights are read once per tick, so updates apply to later
// ticks only.
type AdaptiveSource interface {
	WeightsSnapshot() map[string]float64
	RecordIterations(strategy string, n int64)
	ReportFailure(strategy string)
}

// Stop reasons reported in RunStats.
const (
	StopBudget    = "budget_exhausted"
	StopCancelled = "cancelled"
	StopRetired   = "all_strategies_retired"
)

type SchedulerOptions struct {
	// TickIterations is the iteration grant claimed per tick and split
	// across strategies by weight.
	TickIterations int
	// RetireAfter retires a strategy after this many consecutive failed
	// steps. Zero disables retirement.
	RetireAfter int
	Log         *zap.Logger
	Metrics     *telemetry.Metrics
	// OnAnomaly fires for every failed strategy step after the failure
	// has been isolated.
	OnAnomaly func(strategy string, err error)
	OnRetire  func(strategy string)
}

// Scheduler drives registered strategies under one shared budget. Each
// tick it claims a chunk of iterations, splits it proportionally to the
// current weights and runs the strategy steps concurrently. A failing
// strategy never halts the others.
type Scheduler struct {
	strategies  []Strategy
	source      AdaptiveSource
	budget      *Budget
	tick        int64
	retireAfter int
	log         *zap.Logger
	metrics     *telemetry.Metrics
	onAnomaly   func(string, error)
	onRetire    func(string)

	mu       sync.Mutex
	cursor   int
	failures map[string]int
	retired  map[string]struct{}
	produced int64
}

type RunStats struct {
	Iterations int64
	Candidates int64
	Ticks      int64
	Retired    []string
	StopReason string
}

func NewScheduler(strategies []Strategy, source AdaptiveSource, budget *Budget, opts SchedulerOptions) (*Scheduler, error) {
	if len(strategies) == 0 {
		return nil, fmt.Errorf("at least one strategy is required")
	}
	if source == nil {
		return nil, fmt.Errorf("adaptive source is required")
	}
	if budget == nil {
		return nil, fmt.Errorf("budget is required")
	}
	seen := map[string]struct{}{}
	for _, strat := range strategies {
		name := strat.Name()
		if name == "" {
			return nil, fmt.Errorf("strategy with empty name")
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("strategy %s registered twice", name)
		}
		seen[name] = struct{}{}
	}
	if opts.TickIterations <= 0 {
		opts.TickIterations = 64
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewMetrics()
	}
	return &Scheduler{
		strategies:  strategies,
		source:      source,
		budget:      budget,
		tick:        int64(opts.TickIterations),
		retireAfter: opts.RetireAfter,
		log:         opts.Log,
		metrics:     opts.Metrics,
		onAnomaly:   opts.OnAnomaly,
		onRetire:    opts.OnRetire,
		failures:    map[string]int{},
		retired:     map[string]struct{}{},
	}, nil
}

// Run ticks until the budget runs out, ctx is cancelled or every strategy
// has been retired. Candidates stream to out; the channel stays open for
// the caller to close. The returned stats carry the stop reason.
func (s *Scheduler) Run(ctx context.Context, out chan<- Candidate) RunStats {
	stats := RunStats{}
	for {
		if ctx.Err() != nil {
			stats.StopReason = StopCancelled
			break
		}
		active := s.activeStrategies()
		if len(active) == 0 {
			stats.StopReason = StopRetired
			break
		}
		grant := s.budget.TryClaim(s.tick)
		if grant == 0 {
			stats.StopReason = StopBudget
			break
		}
		shares := s.split(grant, active)

		group := new(errgroup.Group)
		group.SetLimit(s.budget.Concurrency())
		for i, strat := range active {
			share := shares[i]
			if share == 0 {
				continue
			}
			strat := strat
			group.Go(func() error {
				s.step(ctx, strat, share, out)
				return nil
			})
		}
		group.Wait()
		stats.Ticks++
		stats.Iterations += grant
	}

	s.mu.Lock()
	stats.Candidates = s.produced
	for _, strat := range s.strategies {
		if _, ok := s.retired[strat.Name()]; ok {
			stats.Retired = append(stats.Retired, strat.Name())
		}
	}
	s.mu.Unlock()
	s.log.Info("scheduler stopped",
		zap.String("reason", stats.StopReason),
		zap.Int64("iterations", stats.Iterations),
		zap.Int64("candidates", stats.Candidates),
		zap.Int64("ticks", stats.Ticks),
		zap.Strings("retired", stats.Retired))
	return stats
}

// activeStrategies preserves registration order; retirement never reorders
// the survivors.
func (s *Scheduler) activeStrategies() []Strategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := make([]Strategy, 0, len(s.strategies))
	for _, strat := range s.strategies {
		if _, out := s.retired[strat.Name()]; out {
			continue
		}
		active = append(active, strat)
	}
	return active
}

// split apportions the tick grant by normalized weight. Flooring leftovers
// go round-robin from a cursor that survives across ticks, so equal
// weights take fair turns instead of always favoring the first strategy.
func (s *Scheduler) split(grant int64, active []Strategy) []int64 {
	weights := s.source.WeightsSnapshot()
	raw := make([]float64, len(active))
	sum := 0.0
	for i, strat := range active {
		w := weights[strat.Name()]
		if w < 0 || math.IsNaN(w) {
			w = 0
		}
		raw[i] = w
		sum += w
	}
	shares := make([]int64, len(active))
	assigned := int64(0)
	if sum > 0 {
		for i := range raw {
			shares[i] = int64(float64(grant) * raw[i] / sum)
			assigned += shares[i]
		}
	}
	s.mu.Lock()
	cursor := s.cursor
	for leftover := grant - assigned; leftover > 0; leftover-- {
		shares[cursor%len(active)]++
		cursor++
	}
	s.cursor = cursor % len(active)
	s.mu.Unlock()
	return shares
}

func (s *Scheduler) step(ctx context.Context, strat Strategy, share int64, out chan<- Candidate) {
	name := strat.Name()
	cands, err := strat.Step(ctx, int(share))
	s.source.RecordIterations(name, share)
	s.metrics.Iterations.WithLabelValues(name).Add(float64(share))
	// Step returns partial results alongside an error; hits collected
	// before the failure still flow to triage.
	s.forward(ctx, name, cands, out)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return
		}
		s.strategyFailed(name, err)
		return
	}
	s.mu.Lock()
	s.failures[name] = 0
	s.mu.Unlock()
}

func (s *Scheduler) forward(ctx context.Context, name string, cands []Candidate, out chan<- Candidate) {
	for _, cand := range cands {
		select {
		case out <- cand:
			s.mu.Lock()
			s.produced++
			s.mu.Unlock()
			s.metrics.Candidates.WithLabelValues(name).Inc()
		case <-ctx.Done():
			return
		}
	}
}

// strategyFailed isolates one failed step: decay the weight, count toward
// retirement, surface the anomaly. Other strategies keep running.
func (s *Scheduler) strategyFailed(name string, err error) {
	s.metrics.StrategyErrors.WithLabelValues(name).Inc()
	s.log.Warn("strategy step failed", zap.String("strategy", name), zap.Error(err))
	s.source.ReportFailure(name)
	if s.onAnomaly != nil {
		s.onAnomaly(name, err)
	}
	if s.retireAfter <= 0 {
		return
	}
	s.mu.Lock()
	s.failures[name]++
	retire := s.failures[name] >= s.retireAfter
	if retire {
		if _, already := s.retired[name]; already {
			retire = false
		} else {
			s.retired[name] = struct{}{}
		}
	}
	s.mu.Unlock()
	if retire {
		s.log.Warn("strategy retired",
			zap.String("strategy", name),
			zap.Int("consecutive_failures", s.retireAfter))
		if s.onRetire != nil {
			s.onRetire(name)
		}
	}
}
