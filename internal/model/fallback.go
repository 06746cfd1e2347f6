package model

import (
	"hash/fnv"
	"strings"
)

// FallbackScore grades a candidate without any loaded provider. The score
// depends only on the feature vector, so the same candidate always grades
// the same way across runs.
func FallbackScore(features FeatureVector) float64 {
	score := severityBase(features.Class)
	score += signalJitter(features.TargetID, features.Signal)
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

func severityBase(class string) float64 {
	switch strings.ToLower(strings.TrimSpace(class)) {
	case "crash", "segv", "abort":
		return 0.9
	case "memory", "leak", "oom":
		return 0.8
	case "assert", "check":
		return 0.65
	case "hang", "timeout":
		return 0.5
	default:
		return 0.3
	}
}

// signalJitter spreads candidates of the same class across a small band so
// ranking stays stable instead of collapsing into ties.
func signalJitter(targetID, signal string) float64 {
	h := fnv.New64a()
	h.Write([]byte(targetID))
	h.Write([]byte{'|'})
	h.Write([]byte(signal))
	return float64(h.Sum64()%1000) / 1000 * 0.05
}
