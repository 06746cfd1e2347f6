package report

import (
	"fmt"
	"strings"
)

// Validate rejects documents a reader could not act on. It collects every
// defect so a failing publish reports the full list at once.
func Validate(doc Document) error {
	var defects []string
	add := func(format string, args ...any) {
		defects = append(defects, fmt.Sprintf(format, args...))
	}

	if doc.RunID == "" {
		add("run_id is empty")
	}
	switch doc.State {
	case "done", "aborted":
	case "":
		add("state is empty")
	default:
		add("state %q is not terminal", doc.State)
	}
	if doc.StopReason == "" {
		add("stop_reason is empty")
	}
	if doc.StartedAt.IsZero() {
		add("started_at is zero")
	}
	if doc.EndedAt.IsZero() {
		add("ended_at is zero")
	} else if !doc.StartedAt.IsZero() && doc.EndedAt.Before(doc.StartedAt) {
		add("ended_at precedes started_at")
	}
	if doc.Budget.Iterations < 0 {
		add("budget iterations negative")
	}
	if len(doc.Phases) == 0 {
		add("no phase statuses recorded")
	}

	seen := map[string]int{}
	for i, f := range doc.Findings {
		if f.Fingerprint == "" {
			add("finding %d: fingerprint is empty", i)
			continue
		}
		if prev, dup := seen[f.Fingerprint]; dup {
			add("finding %d: fingerprint duplicates finding %d", i, prev)
		}
		seen[f.Fingerprint] = i
		if f.TargetID == "" {
			add("finding %d: target_id is empty", i)
		}
		if f.Class == "" {
			add("finding %d: class is empty", i)
		}
		if f.Count < 1 {
			add("finding %d: count %d below 1", i, f.Count)
		}
		if f.Score < 0 || f.Score > 1 {
			add("finding %d: score %v outside [0, 1]", i, f.Score)
		}
		if f.FirstSeen.After(f.LastSeen) {
			add("finding %d: first_seen after last_seen", i)
		}
	}

	if len(defects) > 0 {
		return fmt.Errorf("%s", strings.Join(defects, "; "))
	}
	return nil
}
