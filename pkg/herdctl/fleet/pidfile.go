package fleet

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// pidFileName is the PID file inside the state directory.
const pidFileName = "herdctl.pid"

// PIDFile guards against two daemons sharing one state directory.
type PIDFile struct {
	path string
}

// WritePIDFile claims the state directory for this process. A stale PID file
// (process gone) is replaced silently; a live one is an error.
func WritePIDFile(stateDir string) (*PIDFile, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	path := filepath.Join(stateDir, pidFileName)

	if pid, err := ReadPIDFile(stateDir); err == nil {
		if processAlive(pid) {
			return nil, fmt.Errorf("daemon already running with pid %d (%s)", pid, path)
		}
		_ = os.Remove(path)
	}

	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write pid file: %w", err)
	}
	return &PIDFile{path: path}, nil
}

// Remove deletes the PID file. Idempotent.
func (p *PIDFile) Remove() {
	if p != nil {
		_ = os.Remove(p.path)
	}
}

// ReadPIDFile returns the PID recorded in the state directory.
func ReadPIDFile(stateDir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, pidFileName))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file: %w", err)
	}
	return pid, nil
}

// processAlive probes a PID with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
