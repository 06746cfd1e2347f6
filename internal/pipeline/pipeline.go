package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/driftsec/fuzzrig/internal/cache"
	"github.com/driftsec/fuzzrig/internal/evolve"
	"github.com/driftsec/fuzzrig/internal/fuzz"
	"github.com/driftsec/fuzzrig/internal/journal"
	"github.com/driftsec/fuzzrig/internal/model"
	"github.com/driftsec/fuzzrig/internal/scope"
	"github.com/driftsec/fuzzrig/internal/session"
	"github.com/driftsec/fuzzrig/internal/telemetry"
	"github.com/driftsec/fuzzrig/internal/triage"
)

// Journal event sources.
const (
	sourcePipeline  = "pipeline"
	sourceScheduler = "scheduler"
	sourceTriage    = "triage"
	sourceEvolve    = "evolve"
	sourceModels    = "models"
)

// HistoryRecorder persists a run's fingerprints for future novelty
// queries. Satisfied by *triage.SQLiteHistory.
type HistoryRecorder interface {
	RecordRun(ctx context.Context, runID string, fingerprints []string, now time.Time) error
}

type Options struct {
	// RunID overrides the generated id. Mainly for tests.
	RunID   string
	BaseDir string

	Discoverer Discoverer
	// Detector is optional; nil records the detection phase as skipped.
	Detector Detector
	// Scope gates target admission after discovery. Nil admits everything.
	Scope *scope.Policy

	Registry     *fuzz.Registry
	MutationSeed int64

	BudgetRuntime time.Duration
	IterationCap  int64
	Concurrency   int

	TickIterations int
	RetireAfter    int

	// Evolution carries the engine tuning. Strategies, OnUpdate, Log and
	// Metrics are filled in here; zero tuning fields get defaults.
	Evolution evolve.Config

	Cache    *cache.Cache[model.ScoreResult]
	Models   *model.Manager
	Provider string
	// ScoreTimeout bounds one triage scoring call. Zero disables the bound.
	ScoreTimeout time.Duration
	// EvictInterval drives the model idle evictor during the fuzzing phase.
	EvictInterval time.Duration

	// History answers prior-run novelty queries; Recorder persists this
	// run's fingerprints after a successful publish. Both optional.
	History  triage.HistoryIndex
	Recorder HistoryRecorder

	Sink ReportSink

	Log     *zap.Logger
	Metrics *telemetry.Metrics
}

// Pipeline drives one run at a time through the phase machine. Strategy
// weights live in the embedded evolution engine and persist across
// consecutive runs of the same Pipeline.
type Pipeline struct {
	baseDir        string
	runID          string
	discoverer     Discoverer
	detector       Detector
	policy         *scope.Policy
	registry       *fuzz.Registry
	mutationSeed   int64
	budgetRuntime  time.Duration
	iterationCap   int64
	concurrency    int
	tickIterations int
	retireAfter    int
	engine         *evolve.Engine
	cache          *cache.Cache[model.ScoreResult]
	models         *model.Manager
	provider       string
	scoreTimeout   time.Duration
	evictInterval  time.Duration
	history        triage.HistoryIndex
	recorder       HistoryRecorder
	sink           ReportSink
	log            *zap.Logger
	metrics        *telemetry.Metrics

	mu      sync.Mutex
	running bool
	jnl     *journal.Journal
	now     func() time.Time
}

type runState struct {
	id        string
	paths     session.Paths
	state     State
	phases    []PhaseStatus
	anomalies []Anomaly
}

func New(opts Options) (*Pipeline, error) {
	if opts.BaseDir == "" {
		return nil, fmt.Errorf("base dir is required")
	}
	if opts.Discoverer == nil {
		return nil, fmt.Errorf("discoverer is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("strategy registry is required")
	}
	names := opts.Registry.Names()
	if len(names) == 0 {
		return nil, fmt.Errorf("registry has no strategies")
	}
	if opts.Cache == nil {
		return nil, fmt.Errorf("score cache is required")
	}
	if opts.Models == nil {
		return nil, fmt.Errorf("model manager is required")
	}
	if opts.Provider == "" {
		return nil, fmt.Errorf("provider key is required")
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("report sink is required")
	}
	if opts.IterationCap <= 0 && opts.BudgetRuntime <= 0 {
		return nil, fmt.Errorf("an iteration cap or a runtime bound is required")
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewMetrics()
	}

	p := &Pipeline{
		baseDir:        opts.BaseDir,
		runID:          opts.RunID,
		discoverer:     opts.Discoverer,
		detector:       opts.Detector,
		policy:         opts.Scope,
		registry:       opts.Registry,
		mutationSeed:   opts.MutationSeed,
		budgetRuntime:  opts.BudgetRuntime,
		iterationCap:   opts.IterationCap,
		concurrency:    opts.Concurrency,
		tickIterations: opts.TickIterations,
		retireAfter:    opts.RetireAfter,
		cache:          opts.Cache,
		models:         opts.Models,
		provider:       opts.Provider,
		scoreTimeout:   opts.ScoreTimeout,
		evictInterval:  opts.EvictInterval,
		history:        opts.History,
		recorder:       opts.Recorder,
		sink:           opts.Sink,
		log:            opts.Log,
		metrics:        opts.Metrics,
		now:            func() time.Time { return time.Now().UTC() },
	}

	ev := opts.Evolution
	ev.Strategies = names
	ev.OnUpdate = p.observeWeights
	ev.Log = p.log
	ev.Metrics = p.metrics
	if ev.UpdateEvery <= 0 {
		ev.UpdateEvery = 128
	}
	if ev.EWMAAlpha == 0 {
		ev.EWMAAlpha = 0.3
	}
	if ev.UpdateLimit == 0 {
		ev.UpdateLimit = 0.5
	}
	if ev.WeightFloor == 0 && ev.WeightCeiling == 0 {
		ev.WeightFloor = 0.05
		ev.WeightCeiling = 0.6
	}
	// Widen an infeasible band: however many strategies registered, their
	// clamped weights must still be able to sum to 1.
	if ev.WeightFloor*float64(len(names)) > 1 {
		ev.WeightFloor = 1 / float64(len(names))
	}
	if ev.WeightCeiling*float64(len(names)) < 1 {
		ev.WeightCeiling = 1
	}
	if ev.FailureDecay == 0 {
		ev.FailureDecay = 0.5
	}
	engine, err := evolve.New(ev)
	if err != nil {
		return nil, fmt.Errorf("build evolution engine: %w", err)
	}
	p.engine = engine
	return p, nil
}

// SetClock overrides the time source. Test hook.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

func (p *Pipeline) clock() func() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.now
}

// Run executes one full run: discover, detect, fuzz and triage, finalize.
// The returned report reflects the terminal state even when the run
// aborts; the sink is invoked only for runs that reach finalizing.
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return Report{}, fmt.Errorf("run already in progress")
	}
	p.running = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.jnl = nil
		p.mu.Unlock()
	}()

	now := p.clock()
	runID := p.runID
	if runID == "" {
		runID = session.NewRunID(now())
	}
	startedAt := now()

	paths, err := session.EnsureLayout(p.baseDir, runID)
	if err != nil {
		return Report{}, err
	}
	if err := session.InitMeta(paths.MetaPath, runID, startedAt); err != nil {
		return Report{}, err
	}
	jnl, err := journal.Open(paths.JournalPath, runID)
	if err != nil {
		return Report{}, err
	}
	jnl.SetClock(now)
	p.mu.Lock()
	p.jnl = jnl
	p.mu.Unlock()

	rs := &runState{id: runID, paths: paths, state: StateIdle}
	report := Report{
		RunID:     runID,
		StartedAt: startedAt,
		Budget: BudgetUsage{
			IterationCap: p.iterationCap,
			Concurrency:  p.concurrency,
		},
	}
	p.metrics.PipelinePhase.WithLabelValues(string(StateIdle)).Set(1)
	p.journalEvent(sourcePipeline, journal.TypeRunStarted, map[string]any{
		"strategies":      p.registry.Names(),
		"iteration_cap":   p.iterationCap,
		"runtime_seconds": p.budgetRuntime.Seconds(),
		"concurrency":     p.concurrency,
	})
	p.log.Info("run started",
		zap.String("run_id", runID),
		zap.String("dir", paths.Root),
		zap.Strings("strategies", p.registry.Names()))

	if err := p.enter(rs, StateDiscovering); err != nil {
		return p.abort(rs, &report, StopFatalResource, err)
	}
	corpus, short := p.discover(ctx, rs)
	if ctx.Err() != nil {
		return p.abort(rs, &report, StopCancelled, ctx.Err())
	}
	if short != "" {
		return p.finalize(ctx, rs, &report, short)
	}

	if err := p.enter(rs, StateDetecting); err != nil {
		return p.abort(rs, &report, StopFatalResource, err)
	}
	corpus = p.detect(ctx, rs, corpus)
	if ctx.Err() != nil {
		return p.abort(rs, &report, StopCancelled, ctx.Err())
	}

	if err := p.enter(rs, StateFuzzingAndTriage); err != nil {
		return p.abort(rs, &report, StopFatalResource, err)
	}
	stopReason, err := p.fuzz(ctx, rs, corpus, &report)
	if err != nil {
		reason := StopFatalResource
		if !errors.Is(err, model.ErrFatalResource) && ctx.Err() != nil {
			reason = StopCancelled
		}
		return p.abort(rs, &report, reason, err)
	}
	return p.finalize(ctx, rs, &report, stopReason)
}

// discover runs the discovery phase and applies scope admission. A
// non-empty second return short-circuits the run to finalizing.
func (p *Pipeline) discover(ctx context.Context, rs *runState) (fuzz.Corpus, string) {
	corpus, anomalies, err := p.discoverer.Discover(ctx)
	for _, anomaly := range anomalies {
		p.noteAnomaly(rs, anomaly)
	}
	if err != nil {
		if ctx.Err() != nil {
			return fuzz.Corpus{}, ""
		}
		p.log.Error("discovery failed", zap.Error(err))
		rs.phases = append(rs.phases, PhaseStatus{
			Phase:  string(StateDiscovering),
			Status: PhaseFailed,
			Detail: err.Error(),
		})
		return fuzz.Corpus{}, StopDiscoveryFailed
	}

	corpus.Targets = p.admitTargets(rs, corpus.Targets)
	if len(corpus.Targets) == 0 {
		rs.phases = append(rs.phases, PhaseStatus{
			Phase:  string(StateDiscovering),
			Status: PhaseFailed,
			Detail: DetailPartialDiscovery,
		})
		return fuzz.Corpus{}, StopNoTargets
	}

	status := PhaseOK
	detail := fmt.Sprintf("%d targets, %d seeds", len(corpus.Targets), len(corpus.Seeds))
	if n := len(rs.anomalies); n > 0 {
		status = PhaseDegraded
		detail = fmt.Sprintf("%s, %d anomalies", detail, n)
	}
	rs.phases = append(rs.phases, PhaseStatus{
		Phase:  string(StateDiscovering),
		Status: status,
		Detail: detail,
	})
	return corpus, ""
}

func (p *Pipeline) admitTargets(rs *runState, targets []fuzz.Target) []fuzz.Target {
	if !p.policy.HasRules() {
		return targets
	}
	admitted := make([]fuzz.Target, 0, len(targets))
	for _, target := range targets {
		if err := p.policy.Admit(target.Name); err != nil {
			p.noteAnomaly(rs, Anomaly{
				Phase:    string(StateDiscovering),
				TargetID: target.ID,
				Reason:   fmt.Sprintf("partial_discovery: %v", err),
			})
			continue
		}
		admitted = append(admitted, target)
	}
	return admitted
}

// detect enriches the corpus. Detection is best-effort: an error degrades
// the phase and the discovered corpus proceeds unchanged.
func (p *Pipeline) detect(ctx context.Context, rs *runState, corpus fuzz.Corpus) fuzz.Corpus {
	if p.detector == nil {
		rs.phases = append(rs.phases, PhaseStatus{
			Phase:  string(StateDetecting),
			Status: PhaseSkipped,
			Detail: "no detector configured",
		})
		return corpus
	}
	before := len(rs.anomalies)
	enriched, anomalies, err := p.detector.Detect(ctx, corpus)
	for _, anomaly := range anomalies {
		p.noteAnomaly(rs, anomaly)
	}
	if err != nil {
		if ctx.Err() != nil {
			return corpus
		}
		p.log.Warn("detection failed, continuing with discovered corpus", zap.Error(err))
		rs.phases = append(rs.phases, PhaseStatus{
			Phase:  string(StateDetecting),
			Status: PhaseDegraded,
			Detail: err.Error(),
		})
		return corpus
	}
	status := PhaseOK
	detail := fmt.Sprintf("%d seeds", len(enriched.Seeds))
	if n := len(rs.anomalies) - before; n > 0 {
		status = PhaseDegraded
		detail = fmt.Sprintf("%s, %d anomalies", detail, n)
	}
	rs.phases = append(rs.phases, PhaseStatus{
		Phase:  string(StateDetecting),
		Status: status,
		Detail: detail,
	})
	return enriched
}

// fuzz runs the scheduler against the triage consumer under the shared
// budget. The returned reason is the graceful stop cause; an error means
// the run must abort.
func (p *Pipeline) fuzz(ctx context.Context, rs *runState, corpus fuzz.Corpus, report *Report) (string, error) {
	var strategies []fuzz.Strategy
	for _, name := range p.registry.Names() {
		strat, err := p.registry.Build(name, corpus, p.mutationSeed)
		if err != nil {
			p.noteAnomaly(rs, Anomaly{
				Phase:  string(StateFuzzingAndTriage),
				Reason: fmt.Sprintf("build strategy %s: %v", name, err),
			})
			continue
		}
		strategies = append(strategies, strat)
	}
	if len(strategies) == 0 {
		rs.phases = append(rs.phases, PhaseStatus{
			Phase:  string(StateFuzzingAndTriage),
			Status: PhaseFailed,
			Detail: "no strategies built",
		})
		return StopNoStrategies, nil
	}

	triager, err := triage.New(triage.Options{
		Cache:     p.cache,
		Scorer:    p.models,
		Provider:  p.provider,
		History:   p.history,
		Observer:  p.engine,
		OnCreated: p.observeFinding,
		Log:       p.log,
		Metrics:   p.metrics,
	})
	if err != nil {
		return "", fmt.Errorf("build triager: %w", err)
	}
	triager.SetClock(p.clock())

	fuzzStarted := p.clock()()
	budget := fuzz.NewBudget(p.budgetRuntime, p.iterationCap, p.concurrency, fuzzStarted)
	fuzzCtx, cancel := budget.Context(ctx)
	defer cancel()

	p.models.StartEvictor(fuzzCtx, p.evictInterval)

	anomaliesBefore := len(rs.anomalies)
	sched, err := fuzz.NewScheduler(strategies, p.engine, budget, fuzz.SchedulerOptions{
		TickIterations: p.tickIterations,
		RetireAfter:    p.retireAfter,
		Log:            p.log,
		Metrics:        p.metrics,
		OnAnomaly: func(strategy string, stepErr error) {
			p.noteAnomaly(rs, Anomaly{
				Phase:  string(StateFuzzingAndTriage),
				Reason: fmt.Sprintf("strategy_failure %s: %v", strategy, stepErr),
			})
		},
		OnRetire: func(strategy string) {
			p.journalEvent(sourceScheduler, journal.TypeStrategyRetired, map[string]any{
				"strategy": strategy,
			})
		},
	})
	if err != nil {
		return "", fmt.Errorf("build scheduler: %w", err)
	}

	candidates := make(chan fuzz.Candidate, budget.Concurrency())
	group, groupCtx := errgroup.WithContext(fuzzCtx)
	var stats fuzz.RunStats
	group.Go(func() error {
		defer close(candidates)
		stats = sched.Run(groupCtx, candidates)
		return nil
	})
	group.Go(func() error {
		return p.consume(ctx, rs, triager, candidates)
	})
	waitErr := group.Wait()

	if stats.StopReason == fuzz.StopCancelled && waitErr == nil && ctx.Err() == nil {
		// The budget deadline expires through the fuzzing context, which
		// the scheduler cannot tell apart from cancellation. External
		// causes were just ruled out.
		stats.StopReason = fuzz.StopBudget
	}
	report.Budget = BudgetUsage{
		Iterations:     budget.Used(),
		IterationCap:   budget.Cap(),
		Concurrency:    budget.Concurrency(),
		RuntimeSeconds: p.clock()().Sub(fuzzStarted).Seconds(),
	}
	report.Fuzzing = stats
	report.Findings = triager.Ranked()

	if waitErr != nil {
		return "", waitErr
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	status := PhaseOK
	if len(rs.anomalies) > anomaliesBefore {
		status = PhaseDegraded
	}
	rs.phases = append(rs.phases, PhaseStatus{
		Phase:  string(StateFuzzingAndTriage),
		Status: status,
		Detail: stats.StopReason,
	})
	return stats.StopReason, nil
}

// consume folds candidates into findings until the channel closes. Fatal
// scoring conditions propagate; anything else is an isolated anomaly.
func (p *Pipeline) consume(ctx context.Context, rs *runState, triager *triage.Triager, candidates <-chan fuzz.Candidate) error {
	for cand := range candidates {
		scoreCtx, cancelScore := p.scoreContext(ctx)
		_, err := triager.Process(scoreCtx, cand)
		cancelScore()
		if err == nil {
			continue
		}
		if errors.Is(err, model.ErrFatalResource) || errors.Is(err, model.ErrUnknownProvider) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		p.noteAnomaly(rs, Anomaly{
			Phase:    string(StateFuzzingAndTriage),
			TargetID: cand.TargetID,
			Reason:   fmt.Sprintf("triage: %v", err),
		})
	}
	return nil
}

func (p *Pipeline) scoreContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.scoreTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.scoreTimeout)
}

// finalize publishes the report and closes the run out. A failed publish
// aborts: the run contract is a published report or a classified abort,
// never both and never neither.
func (p *Pipeline) finalize(ctx context.Context, rs *runState, report *Report, stopReason string) (Report, error) {
	if err := p.enter(rs, StateFinalizing); err != nil {
		return p.abort(rs, report, StopFatalResource, err)
	}
	// The published state is the state the run lands in once the sink
	// returns.
	report.State = StateDone
	report.StopReason = stopReason
	report.EndedAt = p.clock()()
	report.Phases = rs.phases
	report.Anomalies = rs.anomalies
	report.Weights = p.engine.WeightsSnapshot()

	if err := p.sink.Publish(ctx, *report); err != nil {
		return p.abort(rs, report, StopFatalResource, fmt.Errorf("publish report: %w", err))
	}

	if p.recorder != nil && len(report.Findings) > 0 {
		fingerprints := make([]string, 0, len(report.Findings))
		for _, found := range report.Findings {
			fingerprints = append(fingerprints, found.Fingerprint)
		}
		if err := p.recorder.RecordRun(ctx, rs.id, fingerprints, p.clock()()); err != nil {
			p.log.Warn("record fingerprint history", zap.Error(err))
		}
	}

	p.journalEvent(sourcePipeline, journal.TypeRunCompleted, map[string]any{
		"stop_reason": stopReason,
		"findings":    len(report.Findings),
		"iterations":  report.Budget.Iterations,
	})
	if err := session.CloseMeta(rs.paths.MetaPath, rs.id, session.StatusCompleted, stopReason, p.clock()()); err != nil {
		p.log.Warn("close run meta", zap.Error(err))
	}
	if err := p.enter(rs, StateDone); err != nil {
		p.log.Error("close transition", zap.Error(err))
	}
	p.log.Info("run completed",
		zap.String("run_id", rs.id),
		zap.String("stop_reason", stopReason),
		zap.Int("findings", len(report.Findings)),
		zap.Int64("iterations", report.Budget.Iterations))
	return *report, nil
}

// abort closes the run without publishing and returns the classified
// cause.
func (p *Pipeline) abort(rs *runState, report *Report, reason string, cause error) (Report, error) {
	if err := p.enter(rs, StateAborted); err != nil {
		p.log.Error("abort transition", zap.Error(err))
	}
	report.State = StateAborted
	report.StopReason = reason
	report.EndedAt = p.clock()()
	report.Phases = rs.phases
	report.Anomalies = rs.anomalies
	report.Weights = p.engine.WeightsSnapshot()

	detail := reason
	if cause != nil {
		detail = fmt.Sprintf("%s: %v", reason, cause)
	}
	p.journalEvent(sourcePipeline, journal.TypeRunAborted, map[string]any{
		"reason": reason,
		"cause":  detail,
	})
	p.log.Error("run aborted",
		zap.String("run_id", rs.id),
		zap.String("reason", reason),
		zap.Error(cause))
	if err := session.CloseMeta(rs.paths.MetaPath, rs.id, session.StatusAborted, detail, p.clock()()); err != nil {
		p.log.Warn("close run meta", zap.Error(err))
	}
	if cause == nil {
		cause = errors.New(reason)
	}
	return *report, cause
}

// enter validates and journals a phase transition.
func (p *Pipeline) enter(rs *runState, to State) error {
	if err := ValidateTransition(rs.state, to); err != nil {
		return err
	}
	p.journalEvent(sourcePipeline, journal.TypePhaseChanged, map[string]any{
		"from": string(rs.state),
		"to":   string(to),
	})
	p.metrics.PipelinePhase.WithLabelValues(string(rs.state)).Set(0)
	p.metrics.PipelinePhase.WithLabelValues(string(to)).Set(1)
	p.log.Info("run phase changed",
		zap.String("run_id", rs.id),
		zap.String("from", string(rs.state)),
		zap.String("to", string(to)))
	rs.state = to
	return nil
}

// noteAnomaly records a recoverable defect. Safe for concurrent use; the
// scheduler reports strategy failures from its worker goroutines.
func (p *Pipeline) noteAnomaly(rs *runState, anomaly Anomaly) {
	if anomaly.At.IsZero() {
		anomaly.At = p.clock()()
	}
	p.mu.Lock()
	rs.anomalies = append(rs.anomalies, anomaly)
	p.mu.Unlock()
	p.journalEvent(sourcePipeline, journal.TypeAnomaly, anomaly)
	p.log.Warn("run anomaly",
		zap.String("phase", anomaly.Phase),
		zap.String("target", anomaly.TargetID),
		zap.String("reason", anomaly.Reason))
}

// journalEvent appends to the active run journal. Append failures are
// logged, never fatal: the run outcome does not depend on the journal.
func (p *Pipeline) journalEvent(source, eventType string, payload any) {
	p.mu.Lock()
	jnl := p.jnl
	p.mu.Unlock()
	if jnl == nil {
		return
	}
	if err := jnl.Append(source, eventType, payload); err != nil {
		p.log.Warn("journal append failed",
			zap.String("type", eventType),
			zap.Error(err))
	}
}

func (p *Pipeline) observeWeights(weights map[string]float64) {
	p.journalEvent(sourceEvolve, journal.TypeWeightsUpdated, map[string]any{
		"weights": weights,
	})
}

func (p *Pipeline) observeFinding(found triage.Finding) {
	p.journalEvent(sourceTriage, journal.TypeFindingCreated, map[string]any{
		"fingerprint": found.Fingerprint,
		"target_id":   found.TargetID,
		"class":       found.Class,
		"strategy":    found.Strategy,
		"score":       found.Score,
		"novel":       found.Novel,
		"degraded":    found.Degraded,
	})
}

// ObserveBreaker journals provider breaker transitions. Wire it to
// model.Options.OnBreakerChange; calls outside an active run are dropped.
func (p *Pipeline) ObserveBreaker(provider string, open bool) {
	p.journalEvent(sourceModels, journal.TypeBreakerChanged, map[string]any{
		"provider": provider,
		"open":     open,
	})
}
