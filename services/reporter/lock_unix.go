//go:build unix

package reporter

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ProcessLock is an advisory flock held for the duration of one reporting
// cycle so that overlapping scheduler invocations skip instead of racing.
type ProcessLock struct {
	path string
}

// NewProcessLock returns a lock backed by the file at path.
func NewProcessLock(path string) *ProcessLock {
	return &ProcessLock{path: path}
}

// TryLock acquires the lock without blocking. It returns ErrCycleInProgress
// when another process holds it.
func (l *ProcessLock) TryLock() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrCycleInProgress
		}
		return nil, fmt.Errorf("flock %s: %w", l.path, err)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}
