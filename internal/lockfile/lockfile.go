// Package lockfile keeps two FlowPipe processes from sharing a state directory.
//
// The lock is an flock on <stateDir>/flowpipe.lock. The kernel drops it when
// the process exits, so a crash never leaves the directory locked.
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

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "flowpipe.lock"

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Owner describes the process recorded in a lock file.
type Owner struct {
	PID       int
	StartedAt time.Time
}

// AcquireLock takes an exclusive, non-blocking lock on stateDir, creating the
// directory if needed. A held lock yields a *LockError naming the owner.
func AcquireLock(stateDir string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		owner, _ := ReadOwner(lockPath)
		slog.Error("lockfile.AcquireLock: state directory is locked", "lockPath", lockPath, "ownerPID", owner.PID, "error", err)
		return nil, &LockError{LockPath: lockPath, Owner: owner, Cause: err}
	}

	// The previous owner's record is only replaced once the lock is ours.
	record := fmt.Sprintf("pid=%d\nstarted=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := writeRecord(file, record); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("lockfile.AcquireLock: acquired state directory lock", "lockPath", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath}, nil
}

func writeRecord(file *os.File, record string) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(record), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile: failed to sync lock file", "error", err, "lockPath", file.Name())
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release unlocks and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove while still holding the lock so a waiting process never sees
	// a stale record.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lockfile.Release: failed to remove lock file", "error", err, "lockPath", l.path)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("lockfile.Release: failed to unlock", "error", err, "lockPath", l.path)
	}
	err := l.file.Close()
	l.file = nil
	slog.Info("lockfile.Release: released state directory lock", "lockPath", l.path)
	return err
}

// ReadOwner parses the process record of a lock file.
func ReadOwner(lockPath string) (Owner, error) {
	f, err := os.Open(lockPath)
	if err != nil {
		return Owner{}, err
	}
	defer f.Close()

	var owner Owner
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			owner.PID, _ = strconv.Atoi(value)
		case "started":
			owner.StartedAt, _ = time.Parse(time.RFC3339, value)
		}
	}
	return owner, sc.Err()
}

// Running reports whether the owner process still exists.
func (o Owner) Running() bool {
	if o.PID <= 0 {
		return false
	}
	process, err := os.FindProcess(o.PID)
	if err != nil {
		return false
	}
	// Signal 0 probes for existence without delivering a signal.
	return process.Signal(syscall.Signal(0)) == nil
}

func (o Owner) String() string {
	if o.PID <= 0 {
		return "unknown process"
	}
	state := "not running"
	if o.Running() {
		state = "running"
	}
	if o.StartedAt.IsZero() {
		return fmt.Sprintf("PID %d (%s)", o.PID, state)
	}
	return fmt.Sprintf("PID %d (%s, started %s)", o.PID, state, o.StartedAt.Format(time.RFC3339))
}

// LockError reports that another process holds the state directory lock.
type LockError struct {
	LockPath string
	Owner    Owner
	Cause    error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("another FlowPipe instance is using this state directory (lock %s held by %s); "+
		"remove the lock file only if no other instance is running", e.LockPath, e.Owner)
}

func (e *LockError) Unwrap() error {
	return e.Cause
}
