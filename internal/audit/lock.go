//go:build !windows

package audit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned by TryAcquireLock when another process holds the lock.
var ErrLocked = errors.New("lock held by another process")

// Lock is an exclusive advisory file lock under <stateDir>/locks.
type Lock struct {
	file *os.File
}

func openLock(stateDir, name string) (*os.File, error) {
	locksDir := filepath.Join(stateDir, "locks")
	if err := os.MkdirAll(locksDir, 0o755); err != nil {
		return nil, fmt.Errorf("create locks dir: %w", err)
	}
	file, err := os.OpenFile(filepath.Join(locksDir, name+".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return file, nil
}

// AcquireLock blocks until the named lock is held.
func AcquireLock(stateDir, name string) (*Lock, error) {
	file, err := openLock(stateDir, name)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("lock %s: %w", name, err)
	}
	return &Lock{file: file}, nil
}

// TryAcquireLock takes the named lock without blocking.
func TryAcquireLock(stateDir, name string) (*Lock, error) {
	file, err := openLock(stateDir, name)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, name)
		}
		return nil, fmt.Errorf("lock %s: %w", name, err)
	}
	return &Lock{file: file}, nil
}

// Release releases the lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		_ = l.file.Close()
		return err
	}
	return l.file.Close()
}
