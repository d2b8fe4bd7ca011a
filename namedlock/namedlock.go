// namedlock/namedlock.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

// The namedlock package provides an advisory inter-process lock over a
// filesystem path. Several backends are available: flock(2), an fcntl
// record lock, or a "dumb" create-exclusive lockfile for filesystems
// where neither works. Contention is an expected condition and is
// reported distinctly from I/O failure.

package namedlock

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

var (
	// ErrAlreadyLocking is returned when a Lock that already holds a
	// lock is asked to acquire another.
	ErrAlreadyLocking = errors.New("named lock already locking something")

	// ErrNotHeld is returned when releasing a lock that isn't held.
	ErrNotHeld = errors.New("named lock not held")
)

type Method int

const (
	// MethodFlock takes a whole-file advisory lock with flock(2).
	MethodFlock Method = iota
	// MethodFcntl takes a write record lock over the whole file.
	MethodFcntl
	// MethodDumb creates the lockfile with O_EXCL and relies on its
	// existence alone; stale lockfiles are possible after a crash.
	MethodDumb
)

// DefaultMethod is used by TryAndGetLock. flock is the right choice
// everywhere we care about; the other methods remain selectable for
// filesystems (e.g. some NFS configurations) where it is a no-op.
var DefaultMethod = MethodFlock

// Lock is an advisory lock on a filesystem path. The zero value is an
// unheld lock.
type Lock struct {
	fd     int
	path   string
	method Method
	held   bool
}

// TryAndGetLock attempts to acquire the lock without blocking. It
// returns (true, nil) on success, (false, nil) if another process holds
// the lock, and an error for anything unexpected.
func (l *Lock) TryAndGetLock(path string, mode os.FileMode) (bool, error) {
	return l.TryAndGetLockMethod(path, mode, DefaultMethod)
}

func (l *Lock) TryAndGetLockMethod(path string, mode os.FileMode, method Method) (bool, error) {
	if l.held {
		return false, fmt.Errorf("%s: %w", path, ErrAlreadyLocking)
	}

	flags := unix.O_WRONLY | unix.O_CREAT | unix.O_TRUNC
	if method == MethodDumb {
		flags |= unix.O_EXCL
	}

	fd, err := unix.Open(path, flags, uint32(mode))
	if err != nil {
		if method == MethodDumb && errors.Is(err, unix.EEXIST) {
			// Lockfile exists: locked by someone else. An expected
			// condition, not an error.
			return false, nil
		}
		return false, fmt.Errorf("%s: open lockfile: %w", path, err)
	}

	switch method {
	case MethodFlock:
		if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
			unix.Close(fd)
			if errors.Is(err, unix.EWOULDBLOCK) {
				return false, nil
			}
			return false, fmt.Errorf("%s: flock: %w", path, err)
		}
	case MethodFcntl:
		desc := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0, Start: 0, Len: 0}
		if err := unix.FcntlFlock(uintptr(fd), unix.F_SETLK, &desc); err != nil {
			unix.Close(fd)
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES) {
				return false, nil
			}
			return false, fmt.Errorf("%s: fcntl: %w", path, err)
		}
	}

	// If the previous holder deleted the lockfile between our open and
	// our lock, we've locked an unlinked inode which no longer guards
	// anything. Bail out and let the caller retry.
	if _, err := os.Stat(path); err != nil {
		unix.Close(fd)
		return false, nil
	}

	l.fd = fd
	l.path = path
	l.method = method
	l.held = true
	return true, nil
}

// GotLock reports whether the lock is currently held.
func (l *Lock) GotLock() bool {
	return l.held
}

// Release deletes the lockfile and closes the descriptor. The file must
// be deleted before the descriptor is closed: otherwise, between our
// close (which releases the lock) and our unlink, another process could
// acquire the lock on the same file and then have its lockfile deleted
// out from under it.
func (l *Lock) Release() error {
	if !l.held {
		return ErrNotHeld
	}
	l.held = false

	if err := os.Remove(l.path); err != nil {
		unix.Close(l.fd)
		return fmt.Errorf("%s: delete lockfile: %w", l.path, err)
	}
	if err := unix.Close(l.fd); err != nil {
		return fmt.Errorf("%s: close lockfile: %w", l.path, err)
	}
	return nil
}
