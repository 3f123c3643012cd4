package storage

import (
	"context"
	"errors"
	"os"
	"time"
)

// ErrWouldBlock is returned when another process holds the lock.
var ErrWouldBlock = errors.New("storage: lock is held by another process")

// lockRetryInterval paces WaitLock.
const lockRetryInterval = 25 * time.Millisecond

// Lock is an exclusive advisory lock backed by a lock file.
type Lock struct {
	f *os.File
}

// TryLock acquires the lock at path without waiting.
func TryLock(path string) (*Lock, error) {
	f, err := acquireFileLock(path)
	if err != nil {
		return nil, err
	}
	return &Lock{f: f}, nil
}

// WaitLock acquires the lock at path, retrying while it is held elsewhere
// until ctx is done.
func WaitLock(ctx context.Context, path string) (*Lock, error) {
	for {
		l, err := TryLock(path)
		if !errors.Is(err, ErrWouldBlock) {
			return l, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

// Unlock releases the lock and removes the lock file.
func (l *Lock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	return releaseFileLock(f)
}

// WithLock runs fn while holding the lock at path.
func WithLock(ctx context.Context, path string, fn func() error) error {
	l, err := WaitLock(ctx, path)
	if err != nil {
		return err
	}
	err = fn()
	return errors.Join(err, l.Unlock())
}
