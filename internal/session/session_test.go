package session

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestNewRunIDShape(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	id := NewRunID(now)
	if !strings.HasPrefix(id, "run-20260314-092653-") {
		t.Fatalf("unexpected run id: %s", id)
	}
	other := NewRunID(now)
	if id == other {
		t.Fatalf("expected unique suffixes, got %s twice", id)
	}
}

func TestEnsureLayoutCreatesDirs(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	paths, err := EnsureLayout(base, "run-test")
	if err != nil {
		t.Fatalf("EnsureLayout: %v", err)
	}
	for _, dir := range []string{paths.Root, paths.ReportDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("stat %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("%s is not a directory", dir)
		}
	}
	if _, err := EnsureLayout(base, ""); err == nil {
		t.Fatal("expected error for empty run id")
	}
}

func TestCloseMeta(t *testing.T) {
	t.Parallel()

	paths, err := EnsureLayout(t.TempDir(), "run-meta")
	if err != nil {
		t.Fatalf("EnsureLayout: %v", err)
	}
	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	if err := InitMeta(paths.MetaPath, "run-meta", start); err != nil {
		t.Fatalf("InitMeta: %v", err)
	}
	if err := CloseMeta(paths.MetaPath, "run-meta", StatusAborted, "fatal resource", start.Add(time.Minute)); err != nil {
		t.Fatalf("CloseMeta: %v", err)
	}

	meta, err := ReadMeta(paths.MetaPath)
	if err != nil {
		t.Fatalf("ReadMeta: %v", err)
	}
	if meta.Status != StatusAborted {
		t.Fatalf("expected aborted status, got %s", meta.Status)
	}
	if meta.Detail != "fatal resource" {
		t.Fatalf("detail mismatch: got %q", meta.Detail)
	}
	if meta.EndedAt == "" {
		t.Fatal("expected ended_at to be set")
	}
	if meta.StartedAt != start.Format(time.RFC3339) {
		t.Fatalf("started_at mismatch: got %s", meta.StartedAt)
	}
}
