package strategy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/driftsec/fuzzrig/internal/exec"
	"github.com/driftsec/fuzzrig/internal/fuzz"
)

// Oracle probes a target with a mutated input and reports whether the
// probe hit, with a classification tag and a raw signal. The signal must
// be stable for a given (target, defect) pair: it feeds fingerprinting,
// so per-input noise in it splits findings.
type Oracle interface {
	Probe(ctx context.Context, target fuzz.Target, input []byte) (hit bool, class, signal string, err error)
}

type trigger struct {
	token []byte
	class string
}

// parseTriggers reads token entries of the form "TOKEN" or "TOKEN=class".
// Bare tokens classify as crash.
func parseTriggers(entries []string) []trigger {
	out := make([]trigger, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		token, class := entry, "crash"
		if idx := strings.IndexByte(entry, '='); idx > 0 {
			token = entry[:idx]
			if c := strings.TrimSpace(entry[idx+1:]); c != "" {
				class = strings.ToLower(c)
			}
		}
		out = append(out, trigger{token: []byte(token), class: class})
	}
	return out
}

// TriggerTokens returns the raw token bytes of entries, stripped of any
// class suffix, for use as dictionary material.
func TriggerTokens(entries []string) []string {
	triggers := parseTriggers(entries)
	out := make([]string, 0, len(triggers))
	for _, t := range triggers {
		out = append(out, string(t.token))
	}
	return out
}

// TokenOracle hits when a mutated input contains a trigger token. It
// needs no external process, which makes runs reproducible; demo corpora
// and the end-to-end tests run on it.
type TokenOracle struct {
	triggers []trigger
}

func NewTokenOracle(entries []string) (*TokenOracle, error) {
	triggers := parseTriggers(entries)
	if len(triggers) == 0 {
		return nil, fmt.Errorf("token oracle requires at least one trigger token")
	}
	return &TokenOracle{triggers: triggers}, nil
}

func (o *TokenOracle) Probe(ctx context.Context, target fuzz.Target, input []byte) (bool, string, string, error) {
	if err := ctx.Err(); err != nil {
		return false, "", "", err
	}
	for _, t := range o.triggers {
		if bytes.Contains(input, t.token) {
			signal := fmt.Sprintf("trigger %s tripped in %s", t.token, target.Name)
			return true, t.class, signal, nil
		}
	}
	return false, "", "", nil
}

// ExecOracle probes by running a harness command against each input. The
// command string is split on whitespace; "@@" in an argument is replaced
// with the path of a temp file holding the input, and "%t" with the
// target's path. Without "@@" the input arrives on stdin.
//
// A fatal signal or a timeout is always a hit. A plain nonzero exit is a
// hit only when the output carries a failure marker, so harnesses that
// reject malformed input with exit 1 do not flood triage.
type ExecOracle struct {
	runner  exec.Runner
	command string
	args    []string
}

func NewExecOracle(command string, timeout time.Duration) (*ExecOracle, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("exec oracle requires a harness command")
	}
	return &ExecOracle{
		runner: exec.Runner{
			Timeout:   timeout,
			StopGrace: 500 * time.Millisecond,
		},
		command: parts[0],
		args:    parts[1:],
	}, nil
}

func (o *ExecOracle) Probe(ctx context.Context, target fuzz.Target, input []byte) (bool, string, string, error) {
	args := make([]string, len(o.args))
	needsFile := false
	for i, arg := range o.args {
		if strings.Contains(arg, "@@") {
			needsFile = true
		}
		args[i] = strings.ReplaceAll(arg, "%t", target.Path)
	}

	var stdin []byte
	if needsFile {
		file, err := os.CreateTemp("", "fuzzrig-input-*")
		if err != nil {
			return false, "", "", fmt.Errorf("stage input: %w", err)
		}
		path := file.Name()
		defer os.Remove(path)
		if _, err := file.Write(input); err != nil {
			file.Close()
			return false, "", "", fmt.Errorf("stage input: %w", err)
		}
		if err := file.Close(); err != nil {
			return false, "", "", fmt.Errorf("stage input: %w", err)
		}
		for i, arg := range args {
			args[i] = strings.ReplaceAll(arg, "@@", path)
		}
	} else {
		stdin = input
	}

	result, err := o.runner.RunWithInput(ctx, stdin, o.command, args...)
	if err != nil {
		if errors.Is(err, exec.ErrInterrupted) && ctx.Err() != nil {
			return false, "", "", ctx.Err()
		}
		return false, "", "", err
	}
	hit, class, signal := classifyResult(result)
	return hit, class, signal, nil
}

func classifyResult(result exec.CommandResult) (bool, string, string) {
	if result.TimedOut {
		return true, "hang", fmt.Sprintf("harness timeout: %s", result.Command)
	}
	if result.Signal != "" {
		signal := result.Signal
		if line, ok := failureLine(result.Output); ok {
			signal = signal + ": " + line
		}
		return true, "crash", signal
	}
	if result.ExitCode == 0 {
		return false, "", ""
	}
	line, ok := failureLine(result.Output)
	if !ok {
		return false, "", ""
	}
	return true, classForLine(line), line
}

var failureMarkers = []string{
	"panic", "fatal", "assert", "sanitizer", "overflow",
	"segv", "segmentation", "leak", "out of memory",
}

// failureLine returns the first output line carrying a failure marker,
// truncated so oversized harness output cannot bloat signals.
func failureLine(output string) (string, bool) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		for _, marker := range failureMarkers {
			if strings.Contains(lower, marker) {
				if len(line) > 160 {
					line = line[:160]
				}
				return line, true
			}
		}
	}
	return "", false
}

func classForLine(line string) string {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "leak") || strings.Contains(lower, "out of memory"):
		return "memory"
	case strings.Contains(lower, "assert"):
		return "assert"
	default:
		return "crash"
	}
}
