package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const (
	lockFileName = "daemon.lock"
	pidFileName  = "daemon.pid"
)

// ErrHeld is returned by Acquire when another live process already holds
// the lock for this endpoint directory.
var ErrHeld = errors.New("lock: endpoint directory is already owned by a running process")

// Lock is an acquired singleton lock on an endpoint directory. Release
// removes both the lock and pid files; a process that dies without calling
// Release leaves them behind, and the next Acquire recognizes the owning
// PID is gone and reclaims them.
type Lock struct {
	dir      string
	lockPath string
	pidPath  string
	file     *os.File
}

// Acquire takes the singleton lock on dir, the endpoint directory. If the
// lock file exists and names a PID that is still alive, Acquire returns
// ErrHeld. If the file exists but the named process is gone (a crash that
// skipped Release), the stale files are removed and the lock is reclaimed.
func Acquire(dir string) (*Lock, error) {
	lockPath := filepath.Join(dir, lockFileName)
	pidPath := filepath.Join(dir, pidFileName)

	if owner, ok := readLivePID(lockPath); ok {
		return nil, fmt.Errorf("%w (pid %d)", ErrHeld, owner)
	}
	// Either no lock file, or its owner is dead. Either way, clear the
	// stale files before writing fresh ones.
	os.Remove(lockPath)
	os.Remove(pidPath)

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			// Lost a race with a concurrent Acquire; treat as held rather
			// than retrying, the other process is the rightful owner.
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("lock: create %s: %w", lockPath, err)
	}

	pid := os.Getpid()
	if _, err := fmt.Fprintf(f, "%d\n", pid); err != nil {
		f.Close()
		os.Remove(lockPath)
		return nil, fmt.Errorf("lock: write pid to %s: %w", lockPath, err)
	}
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		f.Close()
		os.Remove(lockPath)
		return nil, fmt.Errorf("lock: write %s: %w", pidPath, err)
	}

	return &Lock{dir: dir, lockPath: lockPath, pidPath: pidPath, file: f}, nil
}

// Release drops the lock, removing both files. A second call is a no-op
// and returns nil.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	l.file.Close()
	l.file = nil
	os.Remove(l.lockPath)
	os.Remove(l.pidPath)
	return nil
}

// Owner reports the PID that currently holds the lock on dir and whether
// that process is still alive. Used by diagnostics (e.g. a status command)
// that want to report lock state without trying to acquire it.
func Owner(dir string) (pid int, alive bool) {
	return readLivePID(filepath.Join(dir, lockFileName))
}

// readLivePID reports the PID recorded in lockPath, and whether that
// process is still alive. A missing file, an unparsable PID, or a dead
// process all report ok=false.
func readLivePID(lockPath string) (pid int, ok bool) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return 0, false
	}
	pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	if !processAlive(pid) {
		return 0, false
	}
	return pid, true
}

// processAlive sends signal 0 to pid, which performs no action but still
// reports ESRCH if the process doesn't exist.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return !errors.Is(err, os.ErrProcessDone) && !errors.Is(err, syscall.ESRCH)
}
