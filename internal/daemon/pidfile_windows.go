//go:build windows

package daemon

import (
	"fmt"
	"os"
	"syscall"
)

// Windows has no SIGTERM delivery; both stop paths kill the process.
var (
	terminateSignal = syscall.SIGKILL
	killSignal      = syscall.SIGKILL
)

func alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// FindProcess always succeeds on Windows; probe with a zero signal.
	return proc.Signal(syscall.Signal(0)) == nil
}

func signal(pid int, _ syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	return proc.Kill()
}
