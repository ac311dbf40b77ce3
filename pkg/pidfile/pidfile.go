// Package pidfile guards fleettrackd against running twice on one device.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning is returned by Create when a live process owns the PID file
var ErrAlreadyRunning = errors.New("daemon already running")

// PIDFile represents a PID file for daemon process management
type PIDFile struct {
	path string
	pid  int

	alive func(pid int) bool
}

// New creates a new PIDFile instance for the current process
func New(path string) *PIDFile {
	return &PIDFile{
		path:  path,
		pid:   os.Getpid(),
		alive: processAlive,
	}
}

// Create writes the PID file. A file left behind by a dead process is replaced.
func (p *PIDFile) Create() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(p.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", p.pid)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(p.path)
				return fmt.Errorf("failed to write PID file: %w", errors.Join(werr, cerr))
			}
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("failed to create PID file: %w", err)
		}

		running, existingPID, err := p.CheckRunning()
		if err != nil {
			return err
		}
		if running {
			return fmt.Errorf("%w with PID %d", ErrAlreadyRunning, existingPID)
		}
		if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove stale PID file: %w", err)
		}
	}
	return fmt.Errorf("failed to create PID file %s: lost race with another process", p.path)
}

// Remove removes the PID file if it belongs to this process
func (p *PIDFile) Remove() error {
	existingPID, err := p.GetPID()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return os.Remove(p.path)
	}

	if existingPID != p.pid {
		return fmt.Errorf("PID file contains different PID (%d vs %d), not removing", existingPID, p.pid)
	}
	return os.Remove(p.path)
}

// ForceRemove removes the PID file regardless of ownership
func (p *PIDFile) ForceRemove() error {
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// GetPID returns the PID stored in the file
func (p *PIDFile) GetPID() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}

	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID in file: %q", pidStr)
	}
	return pid, nil
}

// Path returns the path to the PID file
func (p *PIDFile) Path() string {
	return p.path
}

// CheckRunning reports whether the process named in the PID file is alive.
// An unreadable file is treated as stale.
func (p *PIDFile) CheckRunning() (bool, int, error) {
	existingPID, err := p.GetPID()
	if err != nil {
		return false, 0, nil
	}
	if existingPID == p.pid {
		return false, existingPID, nil
	}
	return p.alive(existingPID), existingPID, nil
}

// processAlive signals pid with 0; EPERM still means the process exists
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
