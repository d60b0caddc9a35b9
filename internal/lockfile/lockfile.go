// Package lockfile guards a PromptDesk state directory so that only one
// process at a time opens its SQLite database.
//
// The lock is an flock on a file inside the directory; the kernel drops it
// when the process exits, so a crash never leaves the directory locked.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "promptdesk.lock"

// Holder describes the process recorded in a lock file.
type Holder struct {
	PID     int
	Started time.Time
}

func (h Holder) String() string {
	if h.PID == 0 {
		return "unknown process"
	}
	s := fmt.Sprintf("PID %d", h.PID)
	if !h.Started.IsZero() {
		s += " started " + h.Started.Format(time.RFC3339)
	}
	return s
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes the exclusive lock on stateDir, creating the directory if
// needed. It fails at once with a *LockError when another process holds it.
func AcquireLock(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	path := filepath.Join(stateDir, LockFileName)

	// O_TRUNC is deferred until the lock is ours so a loser can still read the holder.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := readHolder(path)
		slog.Error("AcquireLock: state directory is in use", "lock_path", path, "holder", holder.String())
		return nil, &LockError{Path: path, Holder: holder, Running: holder.PID > 0 && isProcessRunning(holder.PID), Cause: err}
	}

	if err := writeHolder(file, Holder{PID: os.Getpid(), Started: time.Now().UTC()}); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock file %s: %w", path, err)
	}

	slog.Info("AcquireLock: state directory locked", "lock_path", path, "pid", os.Getpid())
	return &Lock{file: file, path: path}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock and removes the lock file. Calling it again is a no-op.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	// Remove before unlocking so a waiting process never sees our stale holder line.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: failed to remove lock file", "error", err, "lock_path", l.path)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Lock.Release: failed to unlock", "error", err, "lock_path", l.path)
	}
	err := l.file.Close()
	l.file = nil
	slog.Info("Lock.Release: state directory unlocked", "lock_path", l.path)
	return err
}

// LockError is returned when another process holds the lock.
type LockError struct {
	Path    string
	Holder  Holder
	Running bool
	Cause   error
}

func (e *LockError) Error() string {
	state := "not running, the lock may be stale"
	if e.Running {
		state = "running"
	}
	return fmt.Sprintf("state directory is locked by another PromptDesk instance (%s, %s); lock file: %s",
		e.Holder, state, e.Path)
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

func writeHolder(f *os.File, h Holder) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "pid=%d\nstarted=%s\n", h.PID, h.Started.Format(time.RFC3339)); err != nil {
		return err
	}
	return f.Sync()
}

func readHolder(path string) Holder {
	data, err := os.ReadFile(path)
	if err != nil {
		return Holder{}
	}
	return parseHolder(string(data))
}

// parseHolder reads "key=value" lines; unknown keys and bad values are skipped.
func parseHolder(content string) Holder {
	var h Holder
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				h.PID = pid
			}
		case "started":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				h.Started = t
			}
		}
	}
	return h
}

// isProcessRunning probes pid with signal 0.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
