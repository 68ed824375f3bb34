package state

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
)

// Reap terminates every still-running process recorded in the ledger and
// clears it. It returns the number of processes signalled. A PID whose
// command line no longer names the recorded executable is assumed reused
// and left alone.
func Reap(b Backend, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := b.Load()
	if err != nil {
		return 0, fmt.Errorf("load ledger: %w", err)
	}

	reaped := 0
	for _, e := range entries {
		if !alive(e.PID) {
			continue
		}
		if !matchesExecutable(e.PID, e.Executable) {
			logger.Debug("ledger pid reused by another program", "pid", e.PID, "device", e.DeviceID)
			continue
		}
		proc, err := os.FindProcess(e.PID)
		if err != nil {
			continue
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			_ = proc.Kill()
		}
		logger.Info("reaped orphaned agent", "pid", e.PID, "device", e.DeviceID, "session", e.SessionID)
		reaped++
	}

	if err := b.Save(nil); err != nil {
		return reaped, fmt.Errorf("clear ledger: %w", err)
	}
	return reaped, nil
}

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// matchesExecutable checks /proc/<pid>/cmdline where available. Platforms
// without procfs are treated as a match.
func matchesExecutable(pid int, executable string) bool {
	if executable == "" {
		return true
	}
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return true
	}
	argv0, _, _ := bytes.Cut(data, []byte{0})
	return filepath.Base(string(argv0)) == filepath.Base(executable)
}
