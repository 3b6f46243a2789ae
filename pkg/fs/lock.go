package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock is returned when the lock is held elsewhere: immediately
	// by [Locker.TryLock], or once the deadline passes for
	// [Locker.LockWithTimeout].
	ErrWouldBlock = errors.New("lock would block")

	// ErrInvalidTimeout is returned by [Locker.LockWithTimeout] for a
	// timeout <= 0.
	ErrInvalidTimeout = errors.New("invalid lock timeout")

	// errReplaced means the lock file at path is no longer the file that
	// was locked. The attempt is retried with a fresh descriptor.
	errReplaced = errors.New("lock file replaced")
)

const (
	lockFilePerm = 0o600
	lockDirPerm  = 0o755

	minLockBackoff = time.Millisecond
	maxLockBackoff = 25 * time.Millisecond

	maxEINTRRetries = 10000
)

// Locker takes exclusive advisory locks on lock files with flock(2).
//
// flock binds to an open file description, so two [Lock]s on one path
// conflict inside a single process too. disklru relies on that to refuse a
// second Cache on a directory that is already open.
//
// The lock file must stay in place while locks may be held. After locking,
// Locker checks that its descriptor and the path still name the same file.
//
// Unix only.
type Locker struct {
	fs    FS
	flock func(fd int, how int) error
}

// NewLocker returns a Locker that opens lock files through fs.
func NewLocker(fs FS) *Locker {
	return &Locker{fs: fs, flock: unix.Flock}
}

// Lock is a held lock. Release it with [Lock.Close].
type Lock struct {
	mu    sync.Mutex
	file  File
	flock func(fd int, how int) error
}

// Close unlocks and closes the lock file. Calling it again returns nil.
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	var errs []error

	err := retryEINTR(lk.flock, int(lk.file.Fd()), unix.LOCK_UN)
	if err != nil {
		errs = append(errs, fmt.Errorf("unlocking lock: %w", err))
	}

	err = lk.file.Close()
	if err != nil {
		errs = append(errs, fmt.Errorf("closing lock fd: %w", err))
	}

	lk.file = nil

	return errors.Join(errs...)
}

// TryLock takes the lock at path or fails with [ErrWouldBlock] without
// waiting. Missing parent directories are created.
func (l *Locker) TryLock(path string) (*Lock, error) {
	lock, err := l.attempt(path)
	if errors.Is(err, errReplaced) {
		return nil, fmt.Errorf("%w: lock file was replaced while acquiring lock", ErrWouldBlock)
	}

	return lock, err
}

// LockWithTimeout polls for the lock at path, backing off from 1ms to 25ms
// between attempts, until timeout elapses. Expiry is reported as
// [ErrWouldBlock].
func (l *Locker) LockWithTimeout(path string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be > 0", ErrInvalidTimeout)
	}

	deadline := time.Now().Add(timeout)
	backoff := minLockBackoff

	for {
		lock, err := l.attempt(path)
		if err == nil {
			return lock, nil
		}

		if !errors.Is(err, ErrWouldBlock) && !errors.Is(err, errReplaced) {
			return nil, err
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, fmt.Errorf("%w: timed out after %s", ErrWouldBlock, timeout)
		}

		time.Sleep(min(backoff, wait))

		backoff = min(2*backoff, maxLockBackoff)
	}
}

// attempt makes one non-blocking try. The descriptor is closed unless the
// lock is returned.
func (l *Locker) attempt(path string) (*Lock, error) {
	file, err := l.open(path)
	if err != nil {
		return nil, fmt.Errorf("opening lockfile: %w", err)
	}

	fd := int(file.Fd())

	err = retryEINTR(l.flock, fd, unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		_ = file.Close()

		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return nil, ErrWouldBlock
		}

		return nil, fmt.Errorf("flock: %w", err)
	}

	err = l.verify(path, file)
	if err != nil {
		_ = retryEINTR(l.flock, fd, unix.LOCK_UN)
		_ = file.Close()

		return nil, err
	}

	return &Lock{file: file, flock: l.flock}, nil
}

func (l *Locker) open(path string) (File, error) {
	f, err := l.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
	if !errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	err = l.fs.MkdirAll(filepath.Dir(path), lockDirPerm)
	if err != nil {
		return nil, err
	}

	return l.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
}

// verify checks that the locked descriptor is still the file at path.
// flock locks an inode: if path was swapped during acquisition, two holders
// could lock different inodes and both believe they own path.
func (l *Locker) verify(path string, file File) error {
	held, err := file.Stat()
	if err != nil {
		return fmt.Errorf("verifying lock file: %w", err)
	}

	current, err := l.fs.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return errReplaced
	}

	if err != nil {
		return fmt.Errorf("verifying lock file: %w", err)
	}

	if !os.SameFile(held, current) {
		return errReplaced
	}

	return nil
}

// retryEINTR calls flock again when a signal interrupts it, up to a cap.
func retryEINTR(flock func(fd int, how int) error, fd int, how int) error {
	var err error

	for range maxEINTRRetries {
		err = flock(fd, how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
