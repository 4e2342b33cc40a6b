//go:build !windows

package store

import (
	"errors"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// tapeLock is a held advisory lock on a tape's sibling lock file. The
// lock file is created on acquire and removed on release, so a stale
// file only ever means a crashed writer, never a held lock.
type tapeLock struct {
	f *os.File
}

// lockTape acquires the exclusive flock for a tape path, polling at
// retryDelay intervals until the budget runs out. Contention past the
// budget surfaces as *LockError; anything else is an *IOError.
func lockTape(lockPath string, retryDelay, budget time.Duration) (*tapeLock, error) {
	deadline := time.Now().Add(budget)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return nil, &IOError{Path: lockPath, Op: "lock", Err: err}
		}

		flockErr := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if flockErr == nil {
			return &tapeLock{f: f}, nil
		}
		f.Close()
		if !errors.Is(flockErr, unix.EWOULDBLOCK) {
			return nil, &IOError{Path: lockPath, Op: "lock", Err: flockErr}
		}
		if !time.Now().Before(deadline) {
			return nil, &LockError{Path: lockPath}
		}
		time.Sleep(retryDelay)
	}
}

// release drops the flock, closes the handle, and removes the lock
// file. Safe on a nil receiver.
func (l *tapeLock) release() error {
	if l == nil || l.f == nil {
		return nil
	}
	path := l.f.Name()
	// LOCK_UN cannot fail meaningfully; the close and removal can.
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	err := l.f.Close()
	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}
