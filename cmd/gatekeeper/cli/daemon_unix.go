//go:build !windows

package cli

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/go-faster/errors"
)

// setSysProcAttr configures the child process to run in a new session,
// detached from the parent's terminal.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// isProcessRunning checks whether a process with the given PID is alive.
// EPERM means it exists but belongs to another user.
func isProcessRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// stopProcess sends SIGTERM so the server drains in-flight requests.
func stopProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGTERM)
}
