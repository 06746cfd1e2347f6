// Package telemetry carries the run's observability surface: the zap
// logger, the prometheus registry, and the optional status HTTP server.
package telemetry

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func NewLogger(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// Metrics owns a private registry so parallel tests never collide on
// duplicate collector registration.
type Metrics struct {
	registry *prometheus.Registry

	Iterations     *prometheus.CounterVec
	Candidates     *prometheus.CounterVec
	StrategyErrors *prometheus.CounterVec
	StrategyWeight *prometheus.GaugeVec

	Findings         *prometheus.CounterVec
	CacheHits        prometheus.Counter
	CacheMiss        prometheus.Counter
	CacheEvictions   prometheus.Counter
	CacheFailureHits prometheus.Counter

	PoolInUse     *prometheus.GaugeVec
	PoolIdle      *prometheus.GaugeVec
	PoolExhausted *prometheus.CounterVec

	BreakerOpen    *prometheus.GaugeVec
	FallbackScores prometheus.Counter
	ScoreLatency   prometheus.Histogram

	PipelinePhase *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.Iterations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fuzzrig", Subsystem: "scheduler", Name: "iterations_total",
		Help: "Strategy iterations issued.",
	}, []string{"strategy"})
	m.Candidates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fuzzrig", Subsystem: "scheduler", Name: "candidates_total",
		Help: "Raw candidates produced by strategies.",
	}, []string{"strategy"})
	m.StrategyErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fuzzrig", Subsystem: "scheduler", Name: "strategy_errors_total",
		Help: "Isolated strategy step failures.",
	}, []string{"strategy"})
	m.StrategyWeight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fuzzrig", Subsystem: "evolve", Name: "strategy_weight",
		Help: "Current normalized strategy weight.",
	}, []string{"strategy"})

	m.Findings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fuzzrig", Subsystem: "triage", Name: "findings_total",
		Help: "Findings created, by novelty and degradation.",
	}, []string{"novel", "degraded"})
	m.CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fuzzrig", Subsystem: "cache", Name: "hits_total",
		Help: "Ready cache entries served.",
	})
	m.CacheMiss = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fuzzrig", Subsystem: "cache", Name: "misses_total",
		Help: "Cache misses that started or joined a computation.",
	})
	m.CacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fuzzrig", Subsystem: "cache", Name: "evictions_total",
		Help: "Ready entries evicted by the LRU ceiling.",
	})
	m.CacheFailureHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fuzzrig", Subsystem: "cache", Name: "failure_hits_total",
		Help: "Callers served a cached failure inside its TTL.",
	})

	m.PoolInUse = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fuzzrig", Subsystem: "pool", Name: "in_use",
		Help: "Handles currently leased.",
	}, []string{"kind"})
	m.PoolIdle = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fuzzrig", Subsystem: "pool", Name: "idle",
		Help: "Healthy handles parked in the pool.",
	}, []string{"kind"})
	m.PoolExhausted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fuzzrig", Subsystem: "pool", Name: "exhausted_total",
		Help: "Acquire attempts that timed out waiting for a handle.",
	}, []string{"kind"})

	m.BreakerOpen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fuzzrig", Subsystem: "model", Name: "breaker_open",
		Help: "1 while the provider's circuit breaker is open.",
	}, []string{"provider"})
	m.FallbackScores = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fuzzrig", Subsystem: "model", Name: "fallback_scores_total",
		Help: "Scores produced by the deterministic fallback.",
	})
	m.ScoreLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fuzzrig", Subsystem: "model", Name: "score_seconds",
		Help:    "Provider scoring latency.",
		Buckets: prometheus.DefBuckets,
	})

	m.PipelinePhase = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fuzzrig", Subsystem: "pipeline", Name: "phase",
		Help: "1 for the pipeline's current phase.",
	}, []string{"phase"})

	m.registry.MustRegister(
		m.Iterations, m.Candidates, m.StrategyErrors, m.StrategyWeight,
		m.Findings, m.CacheHits, m.CacheMiss, m.CacheEvictions, m.CacheFailureHits,
		m.PoolInUse, m.PoolIdle, m.PoolExhausted,
		m.BreakerOpen, m.FallbackScores, m.ScoreLatency,
		m.PipelinePhase,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
