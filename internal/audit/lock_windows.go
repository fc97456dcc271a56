package audit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrLocked is returned by TryAcquireLock when another process holds the lock.
var ErrLocked = errors.New("lock held by another process")

// Lock is an exclusive lock file under <stateDir>/locks. On Windows the
// file itself is the lock and is removed on release.
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes the named lock. It does not wait on Windows.
func AcquireLock(stateDir, name string) (*Lock, error) {
	return TryAcquireLock(stateDir, name)
}

// TryAcquireLock takes the named lock without blocking.
func TryAcquireLock(stateDir, name string) (*Lock, error) {
	locksDir := filepath.Join(stateDir, "locks")
	if err := os.MkdirAll(locksDir, 0o755); err != nil {
		return nil, fmt.Errorf("create locks dir: %w", err)
	}
	path := filepath.Join(locksDir, name+".lock")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, name)
		}
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return &Lock{file: file, path: path}, nil
}

// Release releases the lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := l.file.Close()
	_ = os.Remove(l.path)
	return err
}
