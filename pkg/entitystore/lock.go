package entitystore

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

const lockFileName = "store.lock"

// dirLock is an exclusive flock(2) on a lock file inside the store directory.
//
// flock is advisory and bound to the open file. The lock file is never
// removed while the store is open; deleting the store directory happens only
// after the lock has been released.
type dirLock struct {
	mu   sync.Mutex
	file *os.File
}

// acquireDirLock takes the lock without waiting. Returns [ErrLocked] when
// another process holds it.
func acquireDirLock(path string) (*dirLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}

	if err != nil {
		_ = f.Close()

		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}

		return nil, fmt.Errorf("flock: %w", err)
	}

	return &dirLock{file: f}, nil
}

// release unlocks and closes the lock file. Safe to call more than once.
func (l *dirLock) release() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}

	unlockErr := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	if unlockErr != nil {
		unlockErr = fmt.Errorf("unlock: %w", unlockErr)
	}

	if closeErr != nil {
		closeErr = fmt.Errorf("close lock file: %w", closeErr)
	}

	return errors.Join(unlockErr, closeErr)
}
