// Package fuzz runs registered mutation strategies against a target corpus
// under a shared iteration and wall-clock budget, streaming raw candidates
// to triage.
package fuzz

import (
	"context"
	"time"
)

// Target is one unit under test, immutable once admitted to a run.
type Target struct {
	ID   string
	Name string
	Path string
	Data []byte
}

// Input is a mutated byte sequence with provenance. Mutations always copy;
// seeds are shared read-only across strategies.
type Input struct {
	Data       []byte
	Strategy   string
	Generation int
}

// Candidate is a raw hit reported by a strategy, consumed by triage.
// Never mutated after creation.
type Candidate struct {
	Strategy   string
	TargetID   string
	Class      string
	Signal     string
	Input      []byte
	Generation int
	At         time.Time
}

// Corpus is the discovered material a run fuzzes: admitted targets plus
// the initial seed inputs.
type Corpus struct {
	Targets []Target
	Seeds   [][]byte
}

// Strategy mutates corpus inputs looking for candidates. Step runs up to
// the granted number of iterations and returns whatever it hit; it must
// honor ctx between iterations and be safe to run concurrently with other
// strategies.
type Strategy interface {
	Name() string
	Step(ctx context.Context, iterations int) ([]Candidate, error)
}
