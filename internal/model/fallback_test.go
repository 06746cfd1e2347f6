package model

import "testing"

func TestFallbackScoreIsDeterministic(t *testing.T) {
	t.Parallel()
	features := FeatureVector{TargetID: "svc-a", Class: "crash", Signal: "use after free", InputSize: 40}
	first := FallbackScore(features)
	for i := 0; i < 10; i++ {
		if got := FallbackScore(features); got != first {
			t.Fatalf("fallback score drifted: %v then %v", first, got)
		}
	}
}

func TestFallbackScoreOrdersClasses(t *testing.T) {
	t.Parallel()
	crash := FallbackScore(FeatureVector{TargetID: "t", Class: "crash", Signal: "s"})
	hang := FallbackScore(FeatureVector{TargetID: "t", Class: "hang", Signal: "s"})
	other := FallbackScore(FeatureVector{TargetID: "t", Class: "weird", Signal: "s"})
	if !(crash > hang && hang > other) {
		t.Fatalf("class ordering broken: crash=%v hang=%v other=%v", crash, hang, other)
	}
	for _, v := range []float64{crash, hang, other} {
		if v < 0 || v > 1 {
			t.Fatalf("score %v outside [0,1]", v)
		}
	}
}

func TestFallbackScoreVariesBySignal(t *testing.T) {
	t.Parallel()
	signals := []string{
		"null deref in parse",
		"stack overflow in walk",
		"div by zero in eval",
		"oob write in copy",
	}
	seen := map[float64]bool{}
	for _, sig := range signals {
		seen[FallbackScore(FeatureVector{TargetID: "t", Class: "crash", Signal: sig})] = true
	}
	if len(seen) < 2 {
		t.Fatalf("all signals collapsed to one score")
	}
}
