// Package exec runs external harness commands with a wall-clock timeout,
// process-group termination on unix, and capped combined output capture.
// Timeouts and nonzero exits are expected outcomes for a harness probe,
// so both are reported through the result rather than the error.
package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrInterrupted reports a command cut short because the caller's context
// ended before the command's own timeout did.
var ErrInterrupted = errors.New("command interrupted")

const (
	defaultTimeout   = 30 * time.Second
	defaultStopGrace = 1500 * time.Millisecond
	defaultMaxOutput = 2 * 1024 * 1024
	truncationNote   = "\n...[output truncated]...\n"
)

// Runner executes harness commands. The zero value is usable and applies
// the package defaults.
type Runner struct {
	Timeout   time.Duration // per-command wall-clock limit
	StopGrace time.Duration // delay between SIGTERM and SIGKILL on timeout
	MaxOutput int           // combined stdout+stderr cap in bytes
	Dir       string        // working directory, empty means inherited
	Env       []string      // environment, nil means inherited
}

// CommandResult captures one harness invocation. ExitCode is -1 when the
// process was killed or never reported a code.
type CommandResult struct {
	Command   string
	Args      []string
	Output    string
	ExitCode  int
	Signal    string
	TimedOut  bool
	Truncated bool
	Duration  time.Duration
}

// Run executes command and waits for it within the runner's timeout.
func (r *Runner) Run(ctx context.Context, command string, args ...string) (CommandResult, error) {
	return r.RunWithInput(ctx, nil, command, args...)
}

// RunWithInput executes command with input attached to its stdin. A nonzero
// exit or a timeout returns a nil error with the outcome on the result; the
// error is reserved for commands that never ran or were interrupted by the
// caller's context.
func (r *Runner) RunWithInput(ctx context.Context, input []byte, command string, args ...string) (CommandResult, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return CommandResult{ExitCode: -1}, fmt.Errorf("command is required")
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	grace := r.StopGrace
	if grace <= 0 {
		grace = defaultStopGrace
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(command, args...)
	cmd.Dir = r.Dir
	if r.Env != nil {
		cmd.Env = r.Env
	}
	if len(input) > 0 {
		cmd.Stdin = bytes.NewReader(input)
	}
	configureCommandProcess(cmd)
	output := newCappedBuffer(r.MaxOutput)
	cmd.Stdout = output
	cmd.Stderr = output

	result := CommandResult{Command: command, Args: args, ExitCode: -1}
	start := time.Now()
	if err := cmd.Start(); err != nil {
		result.Duration = time.Since(start)
		return result, fmt.Errorf("start %s: %w", command, err)
	}
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case waitErr := <-done:
		result.Duration = time.Since(start)
		result.Output = output.String()
		result.Truncated = output.truncated
		result.ExitCode = exitCodeOf(cmd)
		result.Signal = waitSignal(cmd.ProcessState)
		var exitErr *exec.ExitError
		if waitErr != nil && !errors.As(waitErr, &exitErr) {
			return result, fmt.Errorf("wait %s: %w", command, waitErr)
		}
		return result, nil
	case <-runCtx.Done():
		terminateCommandProcess(cmd, grace)
		select {
		case <-done:
		case <-time.After(grace):
		}
		result.Duration = time.Since(start)
		result.Output = output.String()
		result.Truncated = output.truncated
		if ctx.Err() != nil {
			return result, ErrInterrupted
		}
		result.TimedOut = true
		return result, nil
	}
}

func exitCodeOf(cmd *exec.Cmd) int {
	if cmd == nil || cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

type cappedBuffer struct {
	data      []byte
	max       int
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	if max <= 0 {
		max = defaultMaxOutput
	}
	return &cappedBuffer{
		data: make([]byte, 0, min(4096, max)),
		max:  max,
	}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(c.data) < c.max {
		remaining := c.max - len(c.data)
		if len(p) <= remaining {
			c.data = append(c.data, p...)
		} else {
			c.data = append(c.data, p[:remaining]...)
			c.truncated = true
		}
	} else {
		c.truncated = true
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	if !c.truncated {
		return string(c.data)
	}
	return string(c.data) + truncationNote
}
