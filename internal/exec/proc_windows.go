//go:build windows

package exec

import (
	"os"
	"os/exec"
	"time"
)

func configureCommandProcess(cmd *exec.Cmd) {}

func terminateCommandProcess(cmd *exec.Cmd, _ time.Duration) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

func waitSignal(_ *os.ProcessState) string {
	return ""
}
