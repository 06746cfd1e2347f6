package fuzz

import (
	"context"
	"testing"
)

type noopStrategy struct{ name string }

func (s *noopStrategy) Name() string { return s.name }

func (s *noopStrategy) Step(ctx context.Context, iterations int) ([]Candidate, error) {
	return nil, nil
}

func TestRegistryPreservesRegistrationOrder(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		name := name
		err := reg.Register(name, func(corpus Corpus, seed int64) (Strategy, error) {
			return &noopStrategy{name: name}, nil
		})
		if err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}
	got := reg.Names()
	want := []string{"zeta", "alpha", "mid"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Names = %v, want registration order %v", got, want)
		}
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	factory := func(corpus Corpus, seed int64) (Strategy, error) {
		return &noopStrategy{name: "dup"}, nil
	}
	if err := reg.Register("dup", factory); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register("dup", factory); err == nil {
		t.Fatalf("duplicate registration accepted")
	}
}

func TestRegistryBuildUnknown(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	if _, err := reg.Build("ghost", Corpus{}, 1); err == nil {
		t.Fatalf("unknown strategy built")
	}
}
