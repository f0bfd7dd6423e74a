// Package lockfile enforces a single running server instance per
// configuration directory. Two servers sharing one config.json would race
// on the port, the log file and the saved configuration.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrLocked reports that another live server instance holds the lock.
var ErrLocked = errors.New("server is already running")

// staleAfter is the age past which a lockfile is discarded even when its
// recorded PID still resolves to some process.
const staleAfter = time.Hour

// Lockfile is a PID-and-timestamp file taken exclusively at startup and
// removed on shutdown.
type Lockfile struct {
	path   string
	file   *os.File
	locked bool
}

// New creates a lockfile handle for path without acquiring it.
func New(path string) *Lockfile {
	return &Lockfile{path: path}
}

// Path returns the lockfile location.
func (l *Lockfile) Path() string { return l.path }

// Locked reports whether this handle holds the lock.
func (l *Lockfile) Locked() bool { return l.locked }

// TryAcquire takes the lock, clearing a stale file left behind by a dead or
// hung former instance. A live holder yields ErrLocked.
func (l *Lockfile) TryAcquire() error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create lockfile directory: %w", err)
	}

	err := l.create()
	if !os.IsExist(err) {
		return err
	}

	stale, reason := l.isStale()
	if !stale {
		return fmt.Errorf("%w: %s", ErrLocked, reason)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale lockfile (%s): %w", reason, err)
	}
	if err := l.create(); err != nil {
		return fmt.Errorf("failed to recreate lockfile after removing stale one: %w", err)
	}
	return nil
}

// create opens the file exclusively and records PID and timestamp. The
// os.IsExist case is returned bare so TryAcquire can distinguish it.
func (l *Lockfile) create() error {
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return err
		}
		return fmt.Errorf("failed to create lockfile: %w", err)
	}

	l.file = file
	l.locked = true

	content := fmt.Sprintf("%d\n%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
	if _, err := file.WriteString(content); err != nil {
		_ = l.Release()
		return fmt.Errorf("failed to write lockfile: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = l.Release()
		return fmt.Errorf("failed to sync lockfile: %w", err)
	}
	return nil
}

// isStale decides whether the existing lockfile can be discarded; reason
// describes the holder when it cannot.
func (l *Lockfile) isStale() (bool, string) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return true, "cannot read lockfile"
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return true, "invalid PID in lockfile"
	}

	if running, why := isProcessRunning(pid); !running {
		return true, why
	}

	if len(lines) >= 2 {
		if stamp, err := time.Parse(time.RFC3339, strings.TrimSpace(lines[1])); err == nil {
			if time.Since(stamp) > staleAfter {
				return true, "lockfile is older than 1 hour"
			}
		}
	}
	return false, fmt.Sprintf("process with PID %d is running", pid)
}

// Release drops the lock and removes the file. Safe to call when not held.
func (l *Lockfile) Release() error {
	if !l.locked {
		return nil
	}
	l.locked = false

	var err error
	if l.file != nil {
		err = l.file.Close()
		l.file = nil
	}
	if removeErr := os.Remove(l.path); removeErr != nil && !os.IsNotExist(removeErr) {
		if err != nil {
			return fmt.Errorf("%v; failed to remove lockfile: %w", err, removeErr)
		}
		return fmt.Errorf("failed to remove lockfile: %w", removeErr)
	}
	return err
}
