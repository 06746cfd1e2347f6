// Package session owns run identity and the on-disk run layout: one
// directory per run holding the journal, the report, and the run metadata.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

type Paths struct {
	Root        string
	JournalPath string
	ReportDir   string
	ReportPath  string
	MetaPath    string
}

func NewRunID(now time.Time) string {
	return fmt.Sprintf("run-%s-%s", now.UTC().Format("20060102-150405"), uuid.NewString()[:8])
}

func BuildPaths(baseDir, runID string) Paths {
	root := filepath.Join(baseDir, runID)
	return Paths{
		Root:        root,
		JournalPath: filepath.Join(root, "journal", "events.jsonl"),
		ReportDir:   filepath.Join(root, "report"),
		ReportPath:  filepath.Join(root, "report", "report.json"),
		MetaPath:    filepath.Join(root, "run.json"),
	}
}

func EnsureLayout(baseDir, runID string) (Paths, error) {
	if runID == "" {
		return Paths{}, fmt.Errorf("run id is required")
	}
	paths := BuildPaths(baseDir, runID)
	dirs := []string{
		paths.Root,
		filepath.Dir(paths.JournalPath),
		paths.ReportDir,
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Paths{}, fmt.Errorf("create run dir %s: %w", dir, err)
		}
	}
	return paths, nil
}
