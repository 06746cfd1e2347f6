// Package journal is the append-only record of a run: one JSONL file of
// envelope events with per-source monotonic sequence numbers. The journal is
// the source of truth for post-hoc inspection; the report is derived state.
package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	TypeRunStarted      = "run_started"
	TypeRunCompleted    = "run_completed"
	TypeRunAborted      = "run_aborted"
	TypePhaseChanged    = "phase_changed"
	TypeAnomaly         = "anomaly"
	TypeFindingCreated  = "finding_created"
	TypeStrategyRetired = "strategy_retired"
	TypeBreakerChanged  = "breaker_changed"
	TypeWeightsUpdated  = "weights_updated"
)

type Event struct {
	ID      string          `json:"id"`
	RunID   string          `json:"run_id"`
	Source  string          `json:"source"`
	Seq     int64           `json:"seq"`
	TS      time.Time       `json:"ts"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func ValidateEvent(event Event) error {
	if event.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if event.RunID == "" {
		return fmt.Errorf("event run_id is required")
	}
	if event.Source == "" {
		return fmt.Errorf("event source is required")
	}
	if event.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if event.Seq <= 0 {
		return fmt.Errorf("event seq must be > 0")
	}
	return nil
}

type Journal struct {
	path  string
	runID string

	mu  sync.Mutex
	seq map[string]int64
	now func() time.Time
}

// Open restores per-source sequence counters from any existing log so a
// reopened journal keeps sequences monotonic.
func Open(path, runID string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	j := &Journal{
		path:  path,
		runID: runID,
		seq:   map[string]int64{},
		now:   func() time.Time { return time.Now().UTC() },
	}
	if _, err := os.Stat(path); err == nil {
		events, err := Read(path)
		if err != nil {
			return nil, err
		}
		for _, event := range events {
			if event.Seq > j.seq[event.Source] {
				j.seq[event.Source] = event.Seq
			}
		}
	}
	return j, nil
}

func (j *Journal) SetClock(now func() time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.now = now
}

func (j *Journal) Path() string {
	return j.path
}

func (j *Journal) Append(source, eventType string, payload any) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.seq[source]++
	event := Event{
		ID:      uuid.NewString(),
		RunID:   j.runID,
		Source:  source,
		Seq:     j.seq[source],
		TS:      j.now(),
		Type:    eventType,
		Payload: mustRaw(payload),
	}
	if err := ValidateEvent(event); err != nil {
		j.seq[source]--
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		j.seq[source]--
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

func Read(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	events := []Event{}
	seen := map[string]struct{}{}
	lastSeq := map[string]int64{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("parse journal line %d: %w", lineNo, err)
		}
		if err := ValidateEvent(event); err != nil {
			return nil, fmt.Errorf("validate journal line %d: %w", lineNo, err)
		}
		if _, ok := seen[event.ID]; ok {
			continue
		}
		if prev, ok := lastSeq[event.Source]; ok && event.Seq <= prev {
			return nil, fmt.Errorf("non-monotonic seq for source %s: %d <= %d", event.Source, event.Seq, prev)
		}
		seen[event.ID] = struct{}{}
		lastSeq[event.Source] = event.Seq
		events = append(events, event)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return events, nil
}

type Summary struct {
	RunID           string    `json:"run_id"`
	State           string    `json:"state"`
	Phases          []string  `json:"phases"`
	Findings        int       `json:"findings"`
	Anomalies       int       `json:"anomalies"`
	StrategyRetires int       `json:"strategy_retires"`
	Events          int       `json:"events"`
	StartedAt       time.Time `json:"started_at"`
	LastEventAt     time.Time `json:"last_event_at"`
}

// Summarize rebuilds coarse run status from the event stream alone.
func Summarize(events []Event) Summary {
	s := Summary{State: "unknown"}
	for _, event := range events {
		if s.RunID == "" {
			s.RunID = event.RunID
		}
		if s.StartedAt.IsZero() || event.TS.Before(s.StartedAt) {
			s.StartedAt = event.TS
		}
		if event.TS.After(s.LastEventAt) {
			s.LastEventAt = event.TS
		}
		s.Events++
		switch event.Type {
		case TypeRunStarted:
			if s.State == "unknown" {
				s.State = "running"
			}
		case TypeRunCompleted:
			s.State = "completed"
		case TypeRunAborted:
			s.State = "aborted"
		case TypePhaseChanged:
			var payload struct {
				To string `json:"to"`
			}
			if err := json.Unmarshal(event.Payload, &payload); err == nil && payload.To != "" {
				s.Phases = append(s.Phases, payload.To)
			}
		case TypeAnomaly:
			s.Anomalies++
		case TypeFindingCreated:
			s.Findings++
		case TypeStrategyRetired:
			s.StrategyRetires++
		}
	}
	return s
}

func mustRaw(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
