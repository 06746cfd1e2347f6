package model

import (
	"context"
	"math"
)

// HeuristicClient grades candidates in process. It is the default scorer
// kind when no remote service is configured and carries no real resource,
// so Ping and Close are trivial.
type HeuristicClient struct{}

func NewHeuristicClient() *HeuristicClient {
	return &HeuristicClient{}
}

// Score refines the class base with reproducer size and mutation depth:
// smaller inputs and shallower generations make better findings.
func (c *HeuristicClient) Score(ctx context.Context, features FeatureVector) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	score := severityBase(features.Class)
	if features.InputSize > 0 {
		score += 0.05 * math.Exp(-float64(features.InputSize)/256)
	}
	if features.Generation > 0 {
		score -= 0.01 * math.Min(float64(features.Generation), 5)
	}
	score += signalJitter(features.TargetID, features.Signal)
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, nil
}

func (c *HeuristicClient) Ping(ctx context.Context) error { return ctx.Err() }

func (c *HeuristicClient) Close() error { return nil }
