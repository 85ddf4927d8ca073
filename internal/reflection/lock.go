package reflection

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// fileLock is the PID + timestamp lock file described by spec §5:
// "ReflectionAgent uses a file lock (flock-style, PID + timestamp
// file) to be globally-singleton across all processes that share the
// profiles directory." It is a plain create-exclusive file rather than
// a real flock(2) syscall lock — nothing in this codebase's example
// pack uses cgo-based file locking, and a lock file that a stuck
// process can leave behind (and a later run can reclaim once stale)
// matches the spec's TTL-reclamation requirement more directly than an
// OS-level lock would, which is released automatically on crash and
// therefore never goes stale in the way the spec describes.
type fileLock struct {
	path string
	ttl  time.Duration
}

func newFileLock(path string, ttl time.Duration) *fileLock {
	return &fileLock{path: path, ttl: ttl}
}

// tryAcquire attempts to create the lock file exclusively. If it
// already exists and its recorded timestamp is older than the TTL, the
// stale lock is reclaimed (removed and recreated) once. Returns false
// (not an error) when a live lock is held by another process.
func (l *fileLock) tryAcquire() (bool, error) {
	if ok, err := l.create(); ok || err != nil {
		return ok, err
	}

	stale, err := l.isStale()
	if err != nil {
		// Unreadable or malformed lock file: treat conservatively as
		// held, rather than reclaiming something we can't interpret.
		return false, nil
	}
	if !stale {
		return false, nil
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("remove stale lock: %w", err)
	}
	return l.create()
}

func (l *fileLock) create() (bool, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("create lock file: %w", err)
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "%d\n%d\n", os.Getpid(), time.Now().UTC().Unix())
	return true, err
}

func (l *fileLock) isStale() (bool, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return false, err
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) < 2 {
		return false, fmt.Errorf("malformed lock file")
	}
	unixSec, err := strconv.ParseInt(strings.TrimSpace(lines[1]), 10, 64)
	if err != nil {
		return false, fmt.Errorf("parse lock timestamp: %w", err)
	}
	acquired := time.Unix(unixSec, 0)
	return time.Since(acquired) > l.ttl, nil
}

// release removes the lock file. Safe to call even if the lock was
// reclaimed out from under this process; the point is just to not
// leave a live lock lying around after a normal exit.
func (l *fileLock) release() error {
	err := os.Remove(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
