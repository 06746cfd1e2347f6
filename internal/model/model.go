// Package model owns the lifecycle of pluggable scoring providers: lazy
// load through the resource pool, circuit breaking, deterministic fallback,
// and idle eviction.
package model

import (
	"context"
	"errors"

	"github.com/driftsec/fuzzrig/internal/pool"
)

var (
	ErrUnknownProvider     = errors.New("unknown provider")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrFatalResource       = errors.New("fatal resource failure")
)

// FallbackScorer is the reserved scorer name reported on degraded results.
const FallbackScorer = "fallback"

type FeatureVector struct {
	TargetID   string
	Class      string
	Signal     string
	InputSize  int
	Generation int
}

// Provider scores a feature vector. Implementations must tolerate
// concurrent calls; the manager does not serialize scoring.
type Provider interface {
	Score(ctx context.Context, features FeatureVector) (float64, error)
}

// ProviderSpec binds a provider key to the pool kind backing it. Required
// providers never fall back: their unavailability is a fatal resource
// condition for the run.
type ProviderSpec struct {
	Key      string
	Kind     string
	Required bool
	New      func(res pool.Resource) (Provider, error)
}

type ScoreResult struct {
	Value    float64
	Degraded bool
	Scorer   string
	Reason   string
}
