package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/driftsec/fuzzrig/internal/fuzz"
)

// Hits feed back into the base population up to this many entries; after
// that the oldest slots are overwritten.
const populationCap = 64

// Strategy composes a mutator with an oracle over a run corpus. Bases and
// targets rotate round-robin so coverage is even and candidate provenance
// is reproducible for a fixed seed.
type Strategy struct {
	name       string
	targets    []fuzz.Target
	population []fuzz.Input
	mutator    Mutator
	oracle     Oracle

	baseCursor   int
	targetCursor int
	insertCursor int
}

func New(name string, corpus fuzz.Corpus, mutator Mutator, oracle Oracle) (*Strategy, error) {
	if name == "" {
		return nil, fmt.Errorf("strategy name is required")
	}
	if mutator == nil {
		return nil, fmt.Errorf("strategy %s: mutator is required", name)
	}
	if oracle == nil {
		return nil, fmt.Errorf("strategy %s: oracle is required", name)
	}
	if len(corpus.Targets) == 0 {
		return nil, fmt.Errorf("strategy %s: corpus has no targets", name)
	}
	s := &Strategy{
		name:    name,
		targets: corpus.Targets,
		mutator: mutator,
		oracle:  oracle,
	}
	for _, seed := range corpus.Seeds {
		s.population = append(s.population, fuzz.Input{Data: seed, Strategy: name})
	}
	if len(s.population) == 0 {
		// An empty slot still mutates into something.
		s.population = append(s.population, fuzz.Input{Strategy: name})
	}
	return s, nil
}

func (s *Strategy) Name() string { return s.name }

// Step runs up to the granted iterations: pick a base, mutate, probe.
// Hits become candidates and rejoin the population one generation deeper.
func (s *Strategy) Step(ctx context.Context, iterations int) ([]fuzz.Candidate, error) {
	var out []fuzz.Candidate
	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		base := s.population[s.baseCursor%len(s.population)]
		s.baseCursor++
		target := s.targets[s.targetCursor%len(s.targets)]
		s.targetCursor++

		data := s.mutator.Mutate(base.Data)
		hit, class, signal, err := s.oracle.Probe(ctx, target, data)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			return out, fmt.Errorf("probe %s: %w", target.ID, err)
		}
		if !hit {
			continue
		}
		generation := base.Generation + 1
		out = append(out, fuzz.Candidate{
			Strategy:   s.name,
			TargetID:   target.ID,
			Class:      class,
			Signal:     signal,
			Input:      data,
			Generation: generation,
			At:         time.Now().UTC(),
		})
		s.addToPopulation(fuzz.Input{Data: data, Strategy: s.name, Generation: generation})
	}
	return out, nil
}

func (s *Strategy) addToPopulation(input fuzz.Input) {
	if len(s.population) < populationCap {
		s.population = append(s.population, input)
		return
	}
	s.population[s.insertCursor%populationCap] = input
	s.insertCursor++
}

// BuildOptions selects the probe oracle strategies are composed with.
type BuildOptions struct {
	OracleMode    string        // "token" or "exec"
	Command       string        // exec mode harness command template
	OracleTimeout time.Duration // per-probe limit in exec mode
	Tokens        []string      // trigger tokens, also dictionary material
}

// RegisterAll registers a factory for every enabled strategy name.
// Registration order is scheduling tie-break order, so the enabled list
// is authoritative.
func RegisterAll(reg *fuzz.Registry, enabled []string, opts BuildOptions) error {
	for _, name := range enabled {
		factory, err := factoryFor(name, opts)
		if err != nil {
			return err
		}
		if err := reg.Register(name, factory); err != nil {
			return err
		}
	}
	return nil
}

func factoryFor(name string, opts BuildOptions) (fuzz.StrategyFactory, error) {
	var mutatorFor func(seed int64) Mutator
	switch name {
	case "bitflip":
		mutatorFor = func(seed int64) Mutator { return NewBitflip(seed) }
	case "havoc":
		mutatorFor = func(seed int64) Mutator { return NewHavoc(seed) }
	case "dictionary":
		mutatorFor = func(seed int64) Mutator { return NewDictionary(seed, TriggerTokens(opts.Tokens)) }
	default:
		return nil, fmt.Errorf("unknown strategy: %s", name)
	}
	return func(corpus fuzz.Corpus, seed int64) (fuzz.Strategy, error) {
		oracle, err := opts.newOracle()
		if err != nil {
			return nil, err
		}
		return New(name, corpus, mutatorFor(MixSeed(seed, name)), oracle)
	}, nil
}

func (o BuildOptions) newOracle() (Oracle, error) {
	switch o.OracleMode {
	case "", "token":
		return NewTokenOracle(o.Tokens)
	case "exec":
		return NewExecOracle(o.Command, o.OracleTimeout)
	default:
		return nil, fmt.Errorf("unknown oracle mode: %s", o.OracleMode)
	}
}
