package triage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/driftsec/fuzzrig/internal/cache"
	"github.com/driftsec/fuzzrig/internal/fuzz"
	"github.com/driftsec/fuzzrig/internal/model"
)

type fakeScorer struct {
	mu    sync.Mutex
	calls int
	fn    func(features model.FeatureVector) (model.ScoreResult, error)
}

func (s *fakeScorer) Score(ctx context.Context, key string, features model.FeatureVector) (model.ScoreResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(features)
	}
	return model.ScoreResult{Value: 0.8, Scorer: key}, nil
}

func (s *fakeScorer) scoreCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recObserver struct {
	mu  sync.Mutex
	obs []Observation
}

func (o *recObserver) Observe(obs Observation) {
	o.mu.Lock()
	o.obs = append(o.obs, obs)
	o.mu.Unlock()
}

func (o *recObserver) all() []Observation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Observation(nil), o.obs...)
}

type failingHistory struct{}

func (failingHistory) Contains(ctx context.Context, fingerprint string) (bool, error) {
	return false, fmt.Errorf("index offline")
}

func newTestTriager(t *testing.T, opts Options) *Triager {
	t.Helper()
	if opts.Cache == nil {
		c, err := cache.New[model.ScoreResult](128, time.Second, nil, nil)
		if err != nil {
			t.Fatalf("cache.New: %v", err)
		}
		opts.Cache = c
	}
	if opts.Scorer == nil {
		opts.Scorer = &fakeScorer{}
	}
	if opts.Provider == "" {
		opts.Provider = "stub"
	}
	tr, err := New(opts)
	if err != nil {
		t.Fatalf("triage.New: %v", err)
	}
	return tr
}

func crashCandidate(strategy, signal string, input []byte) fuzz.Candidate {
	return fuzz.Candidate{
		Strategy: strategy,
		TargetID: "svc-auth",
		Class:    "crash",
		Signal:   signal,
		Input:    input,
		At:       time.Now(),
	}
}

func TestProcessDeduplicatesAcrossInputBytes(t *testing.T) {
	t.Parallel()
	scorer := &fakeScorer{}
	observer := &recObserver{}
	tr := newTestTriager(t, Options{Scorer: scorer, Observer: observer})
	ctx := context.Background()

	first, err := tr.Process(ctx, crashCandidate("bitflip", "SEGV at 0x7ffd1020 depth 123456", []byte("aaaa")))
	if err != nil {
		t.Fatalf("Process first: %v", err)
	}
	second, err := tr.Process(ctx, crashCandidate("havoc", "segv at 0x55de9944 depth 999999", []byte("bbbb")))
	if err != nil {
		t.Fatalf("Process second: %v", err)
	}

	if first.Fingerprint != second.Fingerprint {
		t.Fatalf("same bug produced two fingerprints: %s vs %s", first.Fingerprint, second.Fingerprint)
	}
	if second.Count != 2 {
		t.Fatalf("finding count = %d, want 2", second.Count)
	}
	if tr.Len() != 1 {
		t.Fatalf("finding set holds %d entries, want 1", tr.Len())
	}
	if scorer.scoreCalls() != 1 {
		t.Fatalf("scorer called %d times for one fingerprint, want 1", scorer.scoreCalls())
	}
	if second.Strategy != "bitflip" {
		t.Fatalf("duplicate rewrote strategy attribution to %q", second.Strategy)
	}

	obs := observer.all()
	if len(obs) != 2 {
		t.Fatalf("observer saw %d observations, want 2", len(obs))
	}
	if !obs[0].Created || !obs[0].Novel {
		t.Fatalf("first observation = %+v, want created and novel", obs[0])
	}
	if obs[1].Created || obs[1].Novel {
		t.Fatalf("duplicate observation = %+v, want neither created nor novel", obs[1])
	}
}

func TestConcurrentDuplicatesProduceOneFinding(t *testing.T) {
	t.Parallel()
	scorer := &fakeScorer{}
	tr := newTestTriager(t, Options{Scorer: scorer})
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			input := []byte{byte(i)}
			if _, err := tr.Process(ctx, crashCandidate("havoc", "heap overflow in decode", input)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Process: %v", err)
	}

	if tr.Len() != 1 {
		t.Fatalf("finding set holds %d entries, want 1", tr.Len())
	}
	ranked := tr.Ranked()
	if ranked[0].Count != callers {
		t.Fatalf("finding count = %d, want %d", ranked[0].Count, callers)
	}
	if scorer.scoreCalls() != 1 {
		t.Fatalf("scorer called %d times, want single-flight of 1", scorer.scoreCalls())
	}
}

func TestDistinctSignalsProduceDistinctFindings(t *testing.T) {
	t.Parallel()
	tr := newTestTriager(t, Options{})
	ctx := context.Background()

	if _, err := tr.Process(ctx, crashCandidate("bitflip", "segv in parse", []byte("a"))); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if _, err := tr.Process(ctx, crashCandidate("bitflip", "assert in verify", []byte("b"))); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if tr.Len() != 2 {
		t.Fatalf("finding set holds %d entries, want 2", tr.Len())
	}
}

func TestHistoryIndexSuppressesNovelty(t *testing.T) {
	t.Parallel()
	fp := Fingerprint("svc-auth", "segv in parse")
	tr := newTestTriager(t, Options{History: NewMemoryHistory(fp)})

	found, err := tr.Process(context.Background(), crashCandidate("bitflip", "segv in parse", []byte("a")))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if found.Novel {
		t.Fatalf("historically known finding flagged novel")
	}
}

func TestHistoryErrorDegradesToRunNovelty(t *testing.T) {
	t.Parallel()
	tr := newTestTriager(t, Options{History: failingHistory{}})

	found, err := tr.Process(context.Background(), crashCandidate("bitflip", "segv in parse", []byte("a")))
	if err != nil {
		t.Fatalf("history error leaked out of Process: %v", err)
	}
	if !found.Novel {
		t.Fatalf("index failure should leave in-run novelty, got novel=false")
	}
}

func TestRankedOrdersByScoreThenCount(t *testing.T) {
	t.Parallel()
	scorer := &fakeScorer{fn: func(features model.FeatureVector) (model.ScoreResult, error) {
		switch features.Class {
		case "crash":
			return model.ScoreResult{Value: 0.9, Scorer: "stub"}, nil
		case "hang":
			return model.ScoreResult{Value: 0.5, Scorer: "stub"}, nil
		default:
			return model.ScoreResult{Value: 0.2, Scorer: "stub"}, nil
		}
	}}
	tr := newTestTriager(t, Options{Scorer: scorer})
	ctx := context.Background()

	cands := []fuzz.Candidate{
		{TargetID: "t", Strategy: "s", Class: "other", Signal: "noise"},
		{TargetID: "t", Strategy: "s", Class: "hang", Signal: "stuck in loop"},
		{TargetID: "t", Strategy: "s", Class: "crash", Signal: "segv in parse"},
		{TargetID: "t", Strategy: "s", Class: "hang", Signal: "stuck in loop"},
	}
	for _, cand := range cands {
		if _, err := tr.Process(ctx, cand); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}

	ranked := tr.Ranked()
	if len(ranked) != 3 {
		t.Fatalf("ranked %d findings, want 3", len(ranked))
	}
	if ranked[0].Class != "crash" || ranked[1].Class != "hang" || ranked[2].Class != "other" {
		t.Fatalf("ranking order wrong: %s, %s, %s", ranked[0].Class, ranked[1].Class, ranked[2].Class)
	}
	if ranked[1].Count != 2 {
		t.Fatalf("hang finding count = %d, want 2", ranked[1].Count)
	}
}

func TestScorerErrorPropagates(t *testing.T) {
	t.Parallel()
	scorer := &fakeScorer{fn: func(features model.FeatureVector) (model.ScoreResult, error) {
		return model.ScoreResult{}, fmt.Errorf("load scorer: %w", model.ErrFatalResource)
	}}
	tr := newTestTriager(t, Options{Scorer: scorer})

	_, err := tr.Process(context.Background(), crashCandidate("bitflip", "segv", []byte("a")))
	if !errors.Is(err, model.ErrFatalResource) {
		t.Fatalf("err = %v, want ErrFatalResource to surface", err)
	}
	if tr.Len() != 0 {
		t.Fatalf("failed scoring still created a finding")
	}
}

func TestFindingTimestampsAndInputCopy(t *testing.T) {
	t.Parallel()
	tr := newTestTriager(t, Options{})
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := base
	tr.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})

	input := []byte("mutated")
	first, err := tr.Process(context.Background(), crashCandidate("bitflip", "segv in parse", input))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	input[0] = 'X'

	mu.Lock()
	now = base.Add(time.Minute)
	mu.Unlock()
	second, err := tr.Process(context.Background(), crashCandidate("havoc", "segv in parse", []byte("other")))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if !first.FirstSeen.Equal(base) {
		t.Fatalf("FirstSeen = %v, want %v", first.FirstSeen, base)
	}
	if !second.LastSeen.Equal(base.Add(time.Minute)) {
		t.Fatalf("LastSeen = %v, want %v", second.LastSeen, base.Add(time.Minute))
	}
	if !second.FirstSeen.Equal(base) {
		t.Fatalf("duplicate moved FirstSeen to %v", second.FirstSeen)
	}
	if string(second.Input) != "mutated" {
		t.Fatalf("finding input aliased caller bytes: %q", second.Input)
	}
}
