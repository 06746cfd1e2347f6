package fuzz

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeSource struct {
	mu         sync.Mutex
	weights    map[string]float64
	iterations map[string]int64
	failures   map[string]int
}

func newFakeSource(weights map[string]float64) *fakeSource {
	return &fakeSource{
		weights:    weights,
		iterations: map[string]int64{},
		failures:   map[string]int{},
	}
}

func (f *fakeSource) WeightsSnapshot() map[string]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]float64, len(f.weights))
	for k, v := range f.weights {
		out[k] = v
	}
	return out
}

func (f *fakeSource) RecordIterations(name string, n int64) {
	f.mu.Lock()
	f.iterations[name] += n
	f.mu.Unlock()
}

func (f *fakeSource) ReportFailure(name string) {
	f.mu.Lock()
	f.failures[name]++
	f.mu.Unlock()
}

func (f *fakeSource) iters(name string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.iterations[name]
}

func (f *fakeSource) failed(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures[name]
}

type fakeStrategy struct {
	name          string
	failAll       bool
	emit          bool
	failAfterEmit bool

	mu     sync.Mutex
	calls  int
	shares []int
}

func (f *fakeStrategy) Name() string { return f.name }

func (f *fakeStrategy) Step(ctx context.Context, iterations int) ([]Candidate, error) {
	f.mu.Lock()
	f.calls++
	f.shares = append(f.shares, iterations)
	f.mu.Unlock()
	if f.failAll {
		return nil, fmt.Errorf("%s mutator exploded", f.name)
	}
	if !f.emit {
		return nil, nil
	}
	cands := []Candidate{{
		Strategy: f.name,
		TargetID: "t1",
		Class:    "crash",
		Signal:   "segv in " + f.name,
		Input:    []byte{0x41, 0x42},
		At:       time.Now(),
	}}
	if f.failAfterEmit {
		return cands, fmt.Errorf("%s harness lost after a hit", f.name)
	}
	return cands, nil
}

func (f *fakeStrategy) stepCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func collectCandidates(out chan Candidate) (*[]Candidate, chan struct{}) {
	got := &[]Candidate{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for c := range out {
			*got = append(*got, c)
		}
	}()
	return got, done
}

func TestSchedulerHonorsIterationCap(t *testing.T) {
	t.Parallel()
	a := &fakeStrategy{name: "alpha"}
	b := &fakeStrategy{name: "beta"}
	source := newFakeSource(map[string]float64{"alpha": 0.5, "beta": 0.5})
	budget := NewBudget(0, 100, 2, time.Now())
	sched, err := NewScheduler([]Strategy{a, b}, source, budget, SchedulerOptions{TickIterations: 64})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	out := make(chan Candidate, 16)
	_, done := collectCandidates(out)
	stats := sched.Run(context.Background(), out)
	close(out)
	<-done

	if stats.StopReason != StopBudget {
		t.Fatalf("stop reason = %q, want %q", stats.StopReason, StopBudget)
	}
	if stats.Iterations != 100 {
		t.Fatalf("issued %d iterations, want exactly the cap 100", stats.Iterations)
	}
	if total := source.iters("alpha") + source.iters("beta"); total != 100 {
		t.Fatalf("recorded %d iterations across strategies, want 100", total)
	}
	if budget.Used() != 100 {
		t.Fatalf("budget used = %d, want 100", budget.Used())
	}
}

func TestSchedulerSplitsGrantByWeight(t *testing.T) {
	t.Parallel()
	a := &fakeStrategy{name: "alpha"}
	b := &fakeStrategy{name: "beta"}
	source := newFakeSource(map[string]float64{"alpha": 0.75, "beta": 0.25})
	budget := NewBudget(0, 400, 2, time.Now())
	sched, err := NewScheduler([]Strategy{a, b}, source, budget, SchedulerOptions{TickIterations: 100})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	out := make(chan Candidate, 16)
	_, done := collectCandidates(out)
	sched.Run(context.Background(), out)
	close(out)
	<-done

	if got := source.iters("alpha"); got != 300 {
		t.Fatalf("alpha ran %d iterations, want 300", got)
	}
	if got := source.iters("beta"); got != 100 {
		t.Fatalf("beta ran %d iterations, want 100", got)
	}
}

func TestSchedulerRoundRobinsRemainder(t *testing.T) {
	t.Parallel()
	a := &fakeStrategy{name: "alpha"}
	b := &fakeStrategy{name: "beta"}
	c := &fakeStrategy{name: "gamma"}
	third := 1.0 / 3.0
	source := newFakeSource(map[string]float64{"alpha": third, "beta": third, "gamma": third})
	budget := NewBudget(0, 3, 3, time.Now())
	sched, err := NewScheduler([]Strategy{a, b, c}, source, budget, SchedulerOptions{TickIterations: 1})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	out := make(chan Candidate, 4)
	_, done := collectCandidates(out)
	sched.Run(context.Background(), out)
	close(out)
	<-done

	for _, strat := range []*fakeStrategy{a, b, c} {
		if got := source.iters(strat.name); got != 1 {
			t.Fatalf("%s ran %d iterations, want the remainder to rotate one each", strat.name, got)
		}
		if calls := strat.stepCalls(); calls != 1 {
			t.Fatalf("%s stepped %d times, want 1", strat.name, calls)
		}
	}
}

func TestSchedulerIsolatesAndRetiresFailingStrategy(t *testing.T) {
	t.Parallel()
	bad := &fakeStrategy{name: "bad", failAll: true}
	good := &fakeStrategy{name: "good", emit: true}
	source := newFakeSource(map[string]float64{"bad": 0.5, "good": 0.5})
	budget := NewBudget(0, 100, 2, time.Now())

	var anomalies, retirements []string
	var hookMu sync.Mutex
	sched, err := NewScheduler([]Strategy{bad, good}, source, budget, SchedulerOptions{
		TickIterations: 10,
		RetireAfter:    2,
		OnAnomaly: func(name string, err error) {
			hookMu.Lock()
			anomalies = append(anomalies, name)
			hookMu.Unlock()
		},
		OnRetire: func(name string) {
			hookMu.Lock()
			retirements = append(retirements, name)
			hookMu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	out := make(chan Candidate, 64)
	got, done := collectCandidates(out)
	stats := sched.Run(context.Background(), out)
	close(out)
	<-done

	if stats.StopReason != StopBudget {
		t.Fatalf("stop reason = %q, want %q", stats.StopReason, StopBudget)
	}
	if len(stats.Retired) != 1 || stats.Retired[0] != "bad" {
		t.Fatalf("retired = %v, want [bad]", stats.Retired)
	}
	if source.failed("bad") != 2 {
		t.Fatalf("bad strategy decayed %d times, want 2 before retirement", source.failed("bad"))
	}
	if good.stepCalls() < 5 {
		t.Fatalf("good strategy only stepped %d times after bad retired", good.stepCalls())
	}
	if len(*got) != good.stepCalls() {
		t.Fatalf("collected %d candidates, want one per good step (%d)", len(*got), good.stepCalls())
	}

	hookMu.Lock()
	defer hookMu.Unlock()
	if len(anomalies) != 2 {
		t.Fatalf("anomaly hook fired %d times, want 2", len(anomalies))
	}
	if len(retirements) != 1 || retirements[0] != "bad" {
		t.Fatalf("retire hook = %v, want [bad]", retirements)
	}
}

func TestSchedulerForwardsPartialResultsOnStepFailure(t *testing.T) {
	t.Parallel()
	partial := &fakeStrategy{name: "partial", emit: true, failAfterEmit: true}
	source := newFakeSource(map[string]float64{"partial": 1})
	budget := NewBudget(0, 10, 1, time.Now())

	var anomalies []string
	var hookMu sync.Mutex
	sched, err := NewScheduler([]Strategy{partial}, source, budget, SchedulerOptions{
		TickIterations: 10,
		OnAnomaly: func(name string, err error) {
			hookMu.Lock()
			anomalies = append(anomalies, name)
			hookMu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	out := make(chan Candidate, 16)
	got, done := collectCandidates(out)
	stats := sched.Run(context.Background(), out)
	close(out)
	<-done

	if stats.StopReason != StopBudget {
		t.Fatalf("stop reason = %q, want %q", stats.StopReason, StopBudget)
	}
	if len(*got) != partial.stepCalls() {
		t.Fatalf("collected %d candidates, want the hit from each failing step (%d)",
			len(*got), partial.stepCalls())
	}
	if stats.Candidates != int64(len(*got)) {
		t.Fatalf("stats.Candidates = %d, want %d", stats.Candidates, len(*got))
	}
	if source.failed("partial") != partial.stepCalls() {
		t.Fatalf("failure decayed %d times, want one per step (%d)",
			source.failed("partial"), partial.stepCalls())
	}

	hookMu.Lock()
	defer hookMu.Unlock()
	if len(anomalies) != partial.stepCalls() {
		t.Fatalf("anomaly hook fired %d times, want %d", len(anomalies), partial.stepCalls())
	}
}

func TestSchedulerStopsWhenAllStrategiesRetired(t *testing.T) {
	t.Parallel()
	bad := &fakeStrategy{name: "bad", failAll: true}
	source := newFakeSource(map[string]float64{"bad": 1})
	budget := NewBudget(0, 1000, 1, time.Now())
	sched, err := NewScheduler([]Strategy{bad}, source, budget, SchedulerOptions{TickIterations: 4, RetireAfter: 1})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	out := make(chan Candidate, 4)
	_, done := collectCandidates(out)
	stats := sched.Run(context.Background(), out)
	close(out)
	<-done

	if stats.StopReason != StopRetired {
		t.Fatalf("stop reason = %q, want %q", stats.StopReason, StopRetired)
	}
	if stats.Iterations != 4 {
		t.Fatalf("ran %d iterations, want just the single failing tick", stats.Iterations)
	}
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	t.Parallel()
	a := &fakeStrategy{name: "alpha"}
	source := newFakeSource(map[string]float64{"alpha": 1})
	budget := NewBudget(0, 0, 1, time.Now())
	sched, err := NewScheduler([]Strategy{a}, source, budget, SchedulerOptions{TickIterations: 8})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := make(chan Candidate, 4)
	_, done := collectCandidates(out)
	stats := sched.Run(ctx, out)
	close(out)
	<-done

	if stats.StopReason != StopCancelled {
		t.Fatalf("stop reason = %q, want %q", stats.StopReason, StopCancelled)
	}
	if stats.Iterations != 0 {
		t.Fatalf("cancelled scheduler still issued %d iterations", stats.Iterations)
	}
}

func TestNewSchedulerRejectsDuplicateNames(t *testing.T) {
	t.Parallel()
	a := &fakeStrategy{name: "alpha"}
	b := &fakeStrategy{name: "alpha"}
	source := newFakeSource(map[string]float64{"alpha": 1})
	budget := NewBudget(0, 10, 1, time.Now())
	if _, err := NewScheduler([]Strategy{a, b}, source, budget, SchedulerOptions{}); err == nil {
		t.Fatalf("duplicate strategy names accepted")
	}
}
