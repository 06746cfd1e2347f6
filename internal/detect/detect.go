// Package detect enriches a discovered corpus before fuzzing: it mines
// printable tokens out of target content as extra seed material and
// orders token-rich targets first. Detection is best-effort; it only
// ever adds.
package detect

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/driftsec/fuzzrig/internal/fuzz"
	"github.com/driftsec/fuzzrig/internal/pipeline"
)

const (
	defaultMinTokenLen    = 4
	defaultMaxTokens      = 32
	defaultMaxTargetBytes = 4 << 20
)

type Options struct {
	MinTokenLen    int
	MaxTokens      int // per target
	MaxTargetBytes int
	Log            *zap.Logger
}

// TokenDetector extracts dictionary-style tokens from target bytes.
// Magic strings and keywords lifted from a target are the cheapest seeds
// a mutator can splice back in.
type TokenDetector struct {
	minTokenLen    int
	maxTokens      int
	maxTargetBytes int
	log            *zap.Logger
}

func NewTokenDetector(opts Options) *TokenDetector {
	d := &TokenDetector{
		minTokenLen:    opts.MinTokenLen,
		maxTokens:      opts.MaxTokens,
		maxTargetBytes: opts.MaxTargetBytes,
		log:            opts.Log,
	}
	if d.minTokenLen <= 0 {
		d.minTokenLen = defaultMinTokenLen
	}
	if d.maxTokens <= 0 {
		d.maxTokens = defaultMaxTokens
	}
	if d.maxTargetBytes <= 0 {
		d.maxTargetBytes = defaultMaxTargetBytes
	}
	if d.log == nil {
		d.log = zap.NewNop()
	}
	return d
}

func (d *TokenDetector) Detect(ctx context.Context, corpus fuzz.Corpus) (fuzz.Corpus, []pipeline.Anomaly, error) {
	var anomalies []pipeline.Anomaly
	seen := map[string]struct{}{}
	for _, seed := range corpus.Seeds {
		seen[string(seed)] = struct{}{}
	}

	tokensByTarget := make(map[string]int, len(corpus.Targets))
	out := corpus
	out.Targets = append([]fuzz.Target(nil), corpus.Targets...)
	out.Seeds = append([][]byte(nil), corpus.Seeds...)

	for _, target := range out.Targets {
		if err := ctx.Err(); err != nil {
			return corpus, anomalies, err
		}
		if len(target.Data) > d.maxTargetBytes {
			anomalies = append(anomalies, pipeline.Anomaly{
				Phase:    string(pipeline.StateDetecting),
				TargetID: target.ID,
				Reason:   fmt.Sprintf("target exceeds detection size limit: %d > %d bytes", len(target.Data), d.maxTargetBytes),
				At:       time.Now().UTC(),
			})
			continue
		}
		tokens := extractTokens(target.Data, d.minTokenLen, d.maxTokens)
		tokensByTarget[target.ID] = len(tokens)
		added := 0
		for _, token := range tokens {
			if _, dup := seen[token]; dup {
				continue
			}
			seen[token] = struct{}{}
			out.Seeds = append(out.Seeds, []byte(token))
			added++
		}
		if added > 0 {
			d.log.Debug("detected seed tokens",
				zap.String("target", target.ID),
				zap.Int("tokens", added))
		}
	}

	// Token-rich targets fuzz first; the sort is stable so admission
	// order still breaks ties.
	sort.SliceStable(out.Targets, func(i, j int) bool {
		return tokensByTarget[out.Targets[i].ID] > tokensByTarget[out.Targets[j].ID]
	})
	return out, anomalies, nil
}

func tokenByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z':
		return true
	case b >= 'A' && b <= 'Z':
		return true
	case b >= '0' && b <= '9':
		return true
	case b == '_' || b == '-':
		return true
	}
	return false
}

// extractTokens collects unique printable runs in first-appearance
// order, capped at limit.
func extractTokens(data []byte, minLen, limit int) []string {
	var out []string
	seen := map[string]struct{}{}
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		run := data[start:end]
		start = -1
		if len(run) < minLen {
			return
		}
		token := string(run)
		if _, dup := seen[token]; dup {
			return
		}
		seen[token] = struct{}{}
		out = append(out, token)
	}
	for i := 0; i < len(data) && len(out) < limit; i++ {
		if tokenByte(data[i]) {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	if len(out) < limit {
		flush(len(data))
	}
	return out
}
