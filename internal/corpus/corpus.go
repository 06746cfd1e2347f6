// Package corpus discovers run material from the filesystem: one target
// per file in the targets directory, one seed per file in the optional
// seeds directory. Unreadable entries become per-target anomalies, never
// a discovery failure.
package corpus

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/driftsec/fuzzrig/internal/fuzz"
	"github.com/driftsec/fuzzrig/internal/pipeline"
)

const defaultMaxFileBytes = 8 << 20

type DirDiscoverer struct {
	TargetsDir   string
	SeedsDir     string
	MaxFileBytes int64
	Log          *zap.Logger
}

func NewDirDiscoverer(targetsDir, seedsDir string, log *zap.Logger) *DirDiscoverer {
	if log == nil {
		log = zap.NewNop()
	}
	return &DirDiscoverer{
		TargetsDir:   targetsDir,
		SeedsDir:     seedsDir,
		MaxFileBytes: defaultMaxFileBytes,
		Log:          log,
	}
}

// Discover loads targets and seeds. Target IDs are the file names, so a
// target keeps its identity across runs and the fingerprint history stays
// meaningful.
func (d *DirDiscoverer) Discover(ctx context.Context) (fuzz.Corpus, []pipeline.Anomaly, error) {
	if d.TargetsDir == "" {
		return fuzz.Corpus{}, nil, fmt.Errorf("targets directory is required")
	}
	maxBytes := d.MaxFileBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxFileBytes
	}

	var corpus fuzz.Corpus
	var anomalies []pipeline.Anomaly
	anomaly := func(targetID, reason string) {
		anomalies = append(anomalies, pipeline.Anomaly{
			Phase:    string(pipeline.StateDiscovering),
			TargetID: targetID,
			Reason:   reason,
			At:       time.Now().UTC(),
		})
	}

	entries, err := os.ReadDir(d.TargetsDir)
	if err != nil {
		return fuzz.Corpus{}, anomalies, fmt.Errorf("read targets dir: %w", err)
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return fuzz.Corpus{}, anomalies, err
		}
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		path := filepath.Join(d.TargetsDir, name)
		target := fuzz.Target{ID: name, Name: name, Path: path}
		info, err := entry.Info()
		if err != nil {
			anomaly(name, fmt.Sprintf("stat failed: %v", err))
			continue
		}
		if info.Size() > maxBytes {
			anomaly(name, fmt.Sprintf("target too large to load: %d > %d bytes", info.Size(), maxBytes))
			corpus.Targets = append(corpus.Targets, target)
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			anomaly(name, fmt.Sprintf("read failed: %v", err))
			continue
		}
		target.Data = data
		corpus.Targets = append(corpus.Targets, target)
	}

	if d.SeedsDir != "" {
		entries, err := os.ReadDir(d.SeedsDir)
		if err != nil {
			anomaly("", fmt.Sprintf("read seeds dir: %v", err))
		} else {
			for _, entry := range entries {
				if err := ctx.Err(); err != nil {
					return fuzz.Corpus{}, anomalies, err
				}
				if entry.IsDir() {
					continue
				}
				path := filepath.Join(d.SeedsDir, entry.Name())
				data, err := os.ReadFile(path)
				if err != nil {
					anomaly("", fmt.Sprintf("read seed %s: %v", entry.Name(), err))
					continue
				}
				if int64(len(data)) > maxBytes {
					data = data[:maxBytes]
				}
				corpus.Seeds = append(corpus.Seeds, data)
			}
		}
	}

	d.Log.Info("corpus discovered",
		zap.Int("targets", len(corpus.Targets)),
		zap.Int("seeds", len(corpus.Seeds)),
		zap.Int("anomalies", len(anomalies)))
	return corpus, anomalies, nil
}
