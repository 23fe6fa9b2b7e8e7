package inventory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Locker serializes read-modify-write cycles on an inventory path.
type Locker interface {
	// Lock blocks until path is held or ctx is done. The returned function
	// releases the lock.
	Lock(ctx context.Context, path string) (unlock func() error, err error)
}

// FileLocker takes an advisory flock(2) on a sidecar "<path>.lock" file.
// The inventory itself is replaced by rename, so it cannot carry the lock.
type FileLocker struct {
	PollInterval time.Duration
}

// NewFileLocker returns a FileLocker polling every 50ms.
func NewFileLocker() *FileLocker {
	return &FileLocker{PollInterval: 50 * time.Millisecond}
}

// Lock implements Locker.
func (l *FileLocker) Lock(ctx context.Context, path string) (func() error, error) {
	lockPath := path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	interval := l.PollInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			f.Close()
			return nil, fmt.Errorf("failed to lock %s: %w", lockPath, err)
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, fmt.Errorf("waiting for lock %s: %w", lockPath, ctx.Err())
		case <-time.After(interval):
		}
	}

	return func() error {
		defer f.Close()
		if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
			return fmt.Errorf("failed to unlock %s: %w", lockPath, err)
		}
		return nil
	}, nil
}
