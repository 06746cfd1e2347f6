// Package pipeline drives a run through its phases: discover targets,
// detect seed material, fuzz and triage under the shared budget, then
// finalize and publish exactly one report. Phase failures degrade or
// short-circuit to finalizing; aborted is reserved for fatal resource
// conditions and external cancellation.
package pipeline

import (
	"context"
	"time"

	"github.com/driftsec/fuzzrig/internal/fuzz"
	"github.com/driftsec/fuzzrig/internal/triage"
)

// Run-level stop reasons beyond the scheduler's own.
const (
	StopNoTargets       = "no_targets"
	StopNoStrategies    = "no_strategies"
	StopDiscoveryFailed = "discovery_failed"
	StopFatalResource   = "fatal_resource"
	StopCancelled       = "cancelled"
)

// DetailPartialDiscovery marks the discovery phase status when admission
// left nothing to fuzz.
const DetailPartialDiscovery = "partial_discovery_failure"

// Phase status values carried into the report.
const (
	PhaseOK       = "ok"
	PhaseDegraded = "degraded"
	PhaseFailed   = "failed"
	PhaseSkipped  = "skipped"
)

// Anomaly is a recoverable defect observed during a phase: a rejected
// target, an unreadable seed, a failing strategy. Anomalies degrade a
// phase, never abort the run.
type Anomaly struct {
	Phase    string    `json:"phase"`
	TargetID string    `json:"target_id,omitempty"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// Discoverer produces the run corpus. Partial failures come back as
// anomalies beside the successes; an error means discovery produced
// nothing usable.
type Discoverer interface {
	Discover(ctx context.Context) (fuzz.Corpus, []Anomaly, error)
}

// Detector enriches a discovered corpus, typically with extra seeds.
// Detection is best-effort: an error degrades the phase and the original
// corpus proceeds unchanged.
type Detector interface {
	Detect(ctx context.Context, corpus fuzz.Corpus) (fuzz.Corpus, []Anomaly, error)
}

// PhaseStatus records how one phase concluded.
type PhaseStatus struct {
	Phase  string
	Status string
	Detail string
}

// BudgetUsage is the consumed slice of the run budget.
type BudgetUsage struct {
	Iterations     int64
	IterationCap   int64 // 0 means uncapped
	Concurrency    int
	RuntimeSeconds float64
}

// Report is the finalized outcome of a run: ranked findings plus the
// metadata a reader needs to judge them.
type Report struct {
	RunID      string
	StartedAt  time.Time
	EndedAt    time.Time
	State      State
	StopReason string
	Budget     BudgetUsage
	Fuzzing    fuzz.RunStats
	Phases     []PhaseStatus
	Weights    map[string]float64
	Findings   []triage.Finding
	Anomalies  []Anomaly
}

// ReportSink publishes a finalized report. Invoked exactly once per run,
// at finalizing; aborted runs never publish.
type ReportSink interface {
	Publish(ctx context.Context, report Report) error
}
