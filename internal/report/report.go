// Package report renders a finalized run into a JSON document on disk.
// The document is validated for completeness before anything is written,
// and the write is atomic so a crashed publish never leaves a torn
// report behind.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/driftsec/fuzzrig/internal/pipeline"
)

// Document is the wire form of a run report.
type Document struct {
	RunID       string             `json:"run_id"`
	GeneratedAt time.Time          `json:"generated_at"`
	StartedAt   time.Time          `json:"started_at"`
	EndedAt     time.Time          `json:"ended_at"`
	State       string             `json:"state"`
	StopReason  string             `json:"stop_reason"`
	Budget      Budget             `json:"budget"`
	Fuzzing     Fuzzing            `json:"fuzzing"`
	Phases      []Phase            `json:"phases"`
	Weights     map[string]float64 `json:"weights,omitempty"`
	Findings    []Finding          `json:"findings"`
	Anomalies   []pipeline.Anomaly `json:"anomalies,omitempty"`
}

type Budget struct {
	Iterations     int64   `json:"iterations"`
	IterationCap   int64   `json:"iteration_cap,omitempty"`
	Concurrency    int     `json:"concurrency"`
	RuntimeSeconds float64 `json:"runtime_seconds"`
}

type Fuzzing struct {
	Candidates int64    `json:"candidates"`
	Ticks      int64    `json:"ticks"`
	Retired    []string `json:"retired,omitempty"`
}

type Phase struct {
	Phase  string `json:"phase"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type Finding struct {
	Fingerprint string    `json:"fingerprint"`
	TargetID    string    `json:"target_id"`
	Class       string    `json:"class"`
	Signal      string    `json:"signal"`
	Strategy    string    `json:"strategy"`
	Input       []byte    `json:"input,omitempty"`
	Generation  int       `json:"generation"`
	Score       float64   `json:"score"`
	Degraded    bool      `json:"degraded"`
	Scorer      string    `json:"scorer"`
	Novel       bool      `json:"novel"`
	Count       int       `json:"count"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// Build maps a finalized run onto the wire document.
func Build(run pipeline.Report, now time.Time) Document {
	doc := Document{
		RunID:       run.RunID,
		GeneratedAt: now.UTC(),
		StartedAt:   run.StartedAt,
		EndedAt:     run.EndedAt,
		State:       string(run.State),
		StopReason:  run.StopReason,
		Budget: Budget{
			Iterations:     run.Budget.Iterations,
			IterationCap:   run.Budget.IterationCap,
			Concurrency:    run.Budget.Concurrency,
			RuntimeSeconds: run.Budget.RuntimeSeconds,
		},
		Fuzzing: Fuzzing{
			Candidates: run.Fuzzing.Candidates,
			Ticks:      run.Fuzzing.Ticks,
			Retired:    run.Fuzzing.Retired,
		},
		Weights:   run.Weights,
		Anomalies: run.Anomalies,
		Findings:  make([]Finding, 0, len(run.Findings)),
		Phases:    make([]Phase, 0, len(run.Phases)),
	}
	for _, phase := range run.Phases {
		doc.Phases = append(doc.Phases, Phase{Phase: phase.Phase, Status: phase.Status, Detail: phase.Detail})
	}
	for _, f := range run.Findings {
		doc.Findings = append(doc.Findings, Finding{
			Fingerprint: f.Fingerprint,
			TargetID:    f.TargetID,
			Class:       f.Class,
			Signal:      f.Signal,
			Strategy:    f.Strategy,
			Input:       f.Input,
			Generation:  f.Generation,
			Score:       f.Score,
			Degraded:    f.Degraded,
			Scorer:      f.Scorer,
			Novel:       f.Novel,
			Count:       f.Count,
			FirstSeen:   f.FirstSeen,
			LastSeen:    f.LastSeen,
		})
	}
	return doc
}

// Sink writes the report document to a fixed path. Implements
// pipeline.ReportSink.
type Sink struct {
	Path string
	Log  *zap.Logger

	now func() time.Time
}

func NewSink(path string, log *zap.Logger) (*Sink, error) {
	if path == "" {
		return nil, fmt.Errorf("report path is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sink{Path: path, Log: log, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Sink) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Sink) Publish(ctx context.Context, run pipeline.Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc := Build(run, s.now())
	if err := Validate(doc); err != nil {
		return fmt.Errorf("report incomplete: %w", err)
	}
	if err := writeJSONAtomic(s.Path, doc); err != nil {
		return err
	}
	s.Log.Info("report published",
		zap.String("run_id", doc.RunID),
		zap.String("path", s.Path),
		zap.Int("findings", len(doc.Findings)))
	return nil
}

// Load reads a previously published document back.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read report: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("parse report: %w", err)
	}
	return doc, nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp report: %w", err)
	}
	return nil
}
