package fuzz

import (
	"fmt"
	"sync"
)

// StrategyFactory builds a run-scoped strategy over the corpus. The seed
// keeps mutation streams reproducible across runs.
type StrategyFactory func(corpus Corpus, seed int64) (Strategy, error)

// Registry maps strategy names to factories, preserving registration
// order. Scheduling tie-breaks follow that order.
type Registry struct {
	mu        sync.Mutex
	factories map[string]StrategyFactory
	order     []string
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]StrategyFactory{}}
}

func (r *Registry) Register(name string, factory StrategyFactory) error {
	if name == "" {
		return fmt.Errorf("strategy name is required")
	}
	if factory == nil {
		return fmt.Errorf("strategy %s: factory is required", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("strategy %s already registered", name)
	}
	r.factories[name] = factory
	r.order = append(r.order, name)
	return nil
}

func (r *Registry) Build(name string, corpus Corpus, seed int64) (Strategy, error) {
	r.mu.Lock()
	factory, ok := r.factories[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy: %s", name)
	}
	return factory(corpus, seed)
}

// Names returns registered strategy names in registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}
