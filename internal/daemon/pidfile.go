// Package daemon tracks a detached bugtrack server through a PID file.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotRunning is returned when the PID file names no live process.
	ErrNotRunning = errors.New("not running")
	// ErrAlreadyRunning is returned by Acquire while another live process
	// holds the PID file.
	ErrAlreadyRunning = errors.New("already running")
)

// PIDFile manages a PID file for daemon process tracking.
type PIDFile struct {
	Path string
}

// NewPIDFile creates a PIDFile manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Write writes the current process's PID to the file.
func (p *PIDFile) Write() error {
	return p.WritePID(os.Getpid())
}

// WritePID writes the given PID to the file, creating its directory.
func (p *PIDFile) WritePID(pid int) error {
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return fmt.Errorf("create pid directory: %w", err)
	}
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read reads the PID from the file.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	return pid, nil
}

// Remove deletes the PID file. A missing file is not an error.
func (p *PIDFile) Remove() error {
	if err := os.Remove(p.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// IsRunning reports the recorded PID and whether that process is alive.
func (p *PIDFile) IsRunning() (int, bool) {
	pid, err := p.Read()
	if err != nil {
		return 0, false
	}
	return pid, alive(pid)
}

// Acquire records the current process. It fails with ErrAlreadyRunning
// while another live process is recorded; a stale file is replaced.
func (p *PIDFile) Acquire() error {
	if pid, running := p.IsRunning(); running && pid != os.Getpid() {
		return fmt.Errorf("server %w (PID %d)", ErrAlreadyRunning, pid)
	}
	return p.Write()
}

// Release removes the file if it still records the current process.
func (p *PIDFile) Release() error {
	pid, err := p.Read()
	if err != nil || pid != os.Getpid() {
		return nil
	}
	return p.Remove()
}

// Stop asks the recorded process to terminate and waits up to timeout for it
// to exit before killing it. The PID file is removed in every case where the
// process is gone afterwards.
func (p *PIDFile) Stop(timeout time.Duration) (int, error) {
	pid, running := p.IsRunning()
	if !running {
		_ = p.Remove()
		return 0, fmt.Errorf("server %w", ErrNotRunning)
	}

	if err := signal(pid, terminateSignal); err != nil {
		return pid, fmt.Errorf("signal PID %d: %w", pid, err)
	}
	if waitExit(pid, timeout) {
		return pid, p.Remove()
	}

	if err := signal(pid, killSignal); err != nil {
		return pid, fmt.Errorf("kill PID %d: %w", pid, err)
	}
	if !waitExit(pid, timeout) {
		return pid, fmt.Errorf("PID %d did not exit", pid)
	}
	return pid, p.Remove()
}

func waitExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !alive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}
