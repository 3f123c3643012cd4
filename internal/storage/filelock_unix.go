//go:build !windows

package storage

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// acquireFileLock takes a non-blocking flock on path, creating it if needed.
func acquireFileLock(path string) (*os.File, error) {
	lockFile, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	err = unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		lockFile.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrWouldBlock
		}
		return nil, fmt.Errorf("failed to acquire file lock: %w", err)
	}

	// the holder we waited on may have removed the file after we opened it
	held, err1 := lockFile.Stat()
	onDisk, err2 := os.Stat(path)
	if err1 != nil || err2 != nil || !os.SameFile(held, onDisk) {
		lockFile.Close()
		return nil, ErrWouldBlock
	}

	return lockFile, nil
}

func releaseFileLock(lockFile *os.File) error {
	if lockFile == nil {
		return nil
	}

	path := lockFile.Name()

	err1 := os.Remove(path)
	if os.IsNotExist(err1) {
		err1 = nil
	}
	err2 := unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
	err3 := lockFile.Close()
	return errors.Join(err1, err2, err3)
}
