package triage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftsec/fuzzrig/internal/cache"
	"github.com/driftsec/fuzzrig/internal/fuzz"
	"github.com/driftsec/fuzzrig/internal/model"
	"github.com/driftsec/fuzzrig/internal/telemetry"
)

// Finding is a deduplicated, scored candidate. Count and LastSeen move on
// repeats; everything else is fixed at creation.
type Finding struct {
	Fingerprint string
	TargetID    string
	Class       string
	Signal      string
	Strategy    string
	Input       []byte
	Generation  int
	Score       float64
	Degraded    bool
	Scorer      string
	Novel       bool
	Count       int
	FirstSeen   time.Time
	LastSeen    time.Time
}

// Observation is the per-candidate feedback emitted to the evolution
// engine. Created marks the first sighting of the fingerprint this run.
type Observation struct {
	Strategy    string
	Fingerprint string
	Novel       bool
	Degraded    bool
	Created     bool
}

// Observer consumes observations without blocking. Implemented by the
// pattern evolution engine.
type Observer interface {
	Observe(obs Observation)
}

// Scorer grades feature vectors through a named provider. Satisfied by
// *model.Manager.
type Scorer interface {
	Score(ctx context.Context, key string, features model.FeatureVector) (model.ScoreResult, error)
}

type Options struct {
	Cache    *cache.Cache[model.ScoreResult]
	Scorer   Scorer
	Provider string
	// History is the optional prior-run fingerprint index. Nil degrades
	// novelty to first-observation-this-run.
	History  HistoryIndex
	Observer Observer
	// OnCreated fires once per new finding, after insertion.
	OnCreated func(Finding)
	Log       *zap.Logger
	Metrics   *telemetry.Metrics
}

// Triager folds raw candidates into findings: fingerprint, dedupe, score
// through the shared cache, novelty check, rank.
type Triager struct {
	cache     *cache.Cache[model.ScoreResult]
	scorer    Scorer
	provider  string
	history   HistoryIndex
	observer  Observer
	onCreated func(Finding)
	log       *zap.Logger
	metrics   *telemetry.Metrics

	mu       sync.Mutex
	findings map[string]*Finding
	now      func() time.Time
}

func New(opts Options) (*Triager, error) {
	if opts.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if opts.Scorer == nil {
		return nil, fmt.Errorf("scorer is required")
	}
	if opts.Provider == "" {
		return nil, fmt.Errorf("provider key is required")
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewMetrics()
	}
	return &Triager{
		cache:     opts.Cache,
		scorer:    opts.Scorer,
		provider:  opts.Provider,
		history:   opts.History,
		observer:  opts.Observer,
		onCreated: opts.OnCreated,
		log:       opts.Log,
		metrics:   opts.Metrics,
		findings:  map[string]*Finding{},
		now:       time.Now,
	}, nil
}

// SetClock overrides the time source. Test hook.
func (t *Triager) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// Process folds one candidate into the finding set. Duplicate
// fingerprints bump the existing finding instead of creating a new one;
// scoring goes through the shared cache so concurrent duplicates compute
// at most once.
func (t *Triager) Process(ctx context.Context, cand fuzz.Candidate) (Finding, error) {
	if cand.TargetID == "" {
		return Finding{}, fmt.Errorf("candidate target id is required")
	}
	fp := Fingerprint(cand.TargetID, cand.Signal)

	if found, dup := t.bump(fp); dup {
		t.observe(Observation{
			Strategy:    cand.Strategy,
			Fingerprint: fp,
			Degraded:    found.Degraded,
		})
		return found, nil
	}

	result, err := t.cache.GetOrCompute(ctx, fp, func(ctx context.Context) (model.ScoreResult, error) {
		return t.scorer.Score(ctx, t.provider, t.features(cand))
	})
	if err != nil {
		return Finding{}, fmt.Errorf("score candidate %s: %w", fp, err)
	}

	novel := t.checkNovelty(ctx, fp)
	found, created := t.insert(fp, cand, result, novel)
	if created {
		t.metrics.Findings.WithLabelValues(
			strconv.FormatBool(found.Novel),
			strconv.FormatBool(found.Degraded)).Inc()
		t.log.Info("finding created",
			zap.String("fingerprint", fp),
			zap.String("target", found.TargetID),
			zap.String("class", found.Class),
			zap.String("strategy", found.Strategy),
			zap.Float64("score", found.Score),
			zap.Bool("novel", found.Novel),
			zap.Bool("degraded", found.Degraded))
		if t.onCreated != nil {
			t.onCreated(found)
		}
	}
	t.observe(Observation{
		Strategy:    cand.Strategy,
		Fingerprint: fp,
		Novel:       found.Novel && created,
		Degraded:    found.Degraded,
		Created:     created,
	})
	return found, nil
}

// bump increments the existing finding for fp, if any.
func (t *Triager) bump(fp string) (Finding, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	found, ok := t.findings[fp]
	if !ok {
		return Finding{}, false
	}
	found.Count++
	found.LastSeen = t.now()
	return *found, true
}

// insert creates the finding unless a concurrent Process won the race, in
// which case the existing one is bumped instead.
func (t *Triager) insert(fp string, cand fuzz.Candidate, result model.ScoreResult, novel bool) (Finding, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.findings[fp]; ok {
		existing.Count++
		existing.LastSeen = t.now()
		return *existing, false
	}
	now := t.now()
	input := append([]byte(nil), cand.Input...)
	found := &Finding{
		Fingerprint: fp,
		TargetID:    cand.TargetID,
		Class:       cand.Class,
		Signal:      NormalizeSignal(cand.Signal),
		Strategy:    cand.Strategy,
		Input:       input,
		Generation:  cand.Generation,
		Score:       result.Value,
		Degraded:    result.Degraded,
		Scorer:      result.Scorer,
		Novel:       novel,
		Count:       1,
		FirstSeen:   now,
		LastSeen:    now,
	}
	t.findings[fp] = found
	return *found, true
}

func (t *Triager) features(cand fuzz.Candidate) model.FeatureVector {
	return model.FeatureVector{
		TargetID:   cand.TargetID,
		Class:      cand.Class,
		Signal:     NormalizeSignal(cand.Signal),
		InputSize:  len(cand.Input),
		Generation: cand.Generation,
	}
}

// checkNovelty consults the optional prior-run index. Index errors are
// absorbed: novelty falls back to first-observation-this-run.
func (t *Triager) checkNovelty(ctx context.Context, fp string) bool {
	if t.history == nil {
		return true
	}
	seen, err := t.history.Contains(ctx, fp)
	if err != nil {
		t.log.Warn("history index lookup failed, treating finding as run-novel",
			zap.String("fingerprint", fp),
			zap.Error(err))
		return true
	}
	return !seen
}

func (t *Triager) observe(obs Observation) {
	if t.observer != nil {
		t.observer.Observe(obs)
	}
}

// Ranked returns all findings ordered best-first: score, then sighting
// count, then first-seen, with the fingerprint as the final stable key.
func (t *Triager) Ranked() []Finding {
	t.mu.Lock()
	out := make([]Finding, 0, len(t.findings))
	for _, found := range t.findings {
		out = append(out, *found)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if !out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].FirstSeen.Before(out[j].FirstSeen)
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out
}

// Len reports the number of distinct findings.
func (t *Triager) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.findings)
}
