package fs

import (
	"errors"
	"fmt"
	"syscall"
)

// ErrWouldBlock indicates a non-blocking lock attempt found the lock already held.
var ErrWouldBlock = errors.New("fs: lock would block")

// Lock is a held advisory file lock. Closing it releases the lock but does
// not remove the lock file itself; the file persists so that its path keeps
// identifying the locked resource across processes.
type Lock struct {
	fd int
}

// Close releases the lock. Safe to call on a nil *Lock.
func (l *Lock) Close() error {
	if l == nil {
		return nil
	}

	err := syscall.Flock(l.fd, syscall.LOCK_UN)
	closeErr := syscall.Close(l.fd)

	if err != nil {
		return fmt.Errorf("unlock: %w", err)
	}

	if closeErr != nil {
		return fmt.Errorf("close lock fd: %w", closeErr)
	}

	return nil
}

// Locker acquires advisory, cross-process exclusive locks on files identified
// by path. It is safe for concurrent use.
//
// Locker only coordinates across processes; callers that may also have
// multiple in-process handles on the same path need an additional in-process
// guard (a mutex or atomic flag) since flock is granted per file descriptor,
// and a second Open+Flock from the same process on some platforms succeeds
// rather than blocking.
//
// fsys is accepted for interface symmetry with the rest of the package but
// locking always goes through a raw file descriptor opened with syscall.Open:
// going through an *os.File here would risk its finalizer closing the fd out
// from under a held flock.
type Locker struct {
	fsys FS
}

// NewLocker returns a Locker. fsys is currently unused by TryLock (see doc
// comment) but is accepted so callers can construct a Locker the same way
// they construct other fs-backed components.
func NewLocker(fsys FS) *Locker {
	return &Locker{fsys: fsys}
}

// TryLock attempts to acquire an exclusive, non-blocking lock on path,
// creating the file if it does not exist. On contention it returns
// ErrWouldBlock.
func (l *Locker) TryLock(path string) (*Lock, error) {
	fd, err := syscall.Open(path, syscall.O_RDWR|syscall.O_CREAT, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %q: %w", path, err)
	}

	err = syscall.Flock(fd, syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		_ = syscall.Close(fd)

		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, ErrWouldBlock
		}

		return nil, fmt.Errorf("flock %q: %w", path, err)
	}

	return &Lock{fd: fd}, nil
}
