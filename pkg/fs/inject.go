package fs

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// Op names a class of filesystem operation that an [Injector] can fail.
type Op uint8

const (
	// OpOpen covers Open, Create and OpenFile.
	OpOpen Op = iota + 1
	// OpWrite covers File.Write on handles returned by the Injector.
	OpWrite
	// OpSync covers File.Sync on handles returned by the Injector.
	OpSync
	// OpRename covers Rename; the pattern is matched against the old path.
	OpRename
	// OpRemove covers Remove and RemoveAll.
	OpRemove
	// OpStat covers Stat and Exists.
	OpStat
	// OpReadDir covers ReadDir.
	OpReadDir
)

func (op Op) String() string {
	switch op {
	case OpOpen:
		return "open"
	case OpWrite:
		return "write"
	case OpSync:
		return "sync"
	case OpRename:
		return "rename"
	case OpRemove:
		return "remove"
	case OpStat:
		return "stat"
	case OpReadDir:
		return "readdir"
	default:
		return "unknown"
	}
}

// ErrCrashed is the panic value of an op registered with [Injector.Crash].
var ErrCrashed = errors.New("injected crash")

// InjectedError marks an error as intentionally injected by [Injector].
//
// It wraps the underlying error so errors.Is/As continue to work, e.g.
// errors.Is(err, syscall.ENOSPC) holds for an injected ENOSPC.
type InjectedError struct {
	Err error
}

// Error returns the underlying error's message.
func (e *InjectedError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *InjectedError) Unwrap() error {
	return e.Err
}

// IsInjected reports whether err (or any wrapped error) was injected.
func IsInjected(err error) bool {
	var injected *InjectedError

	return errors.As(err, &injected)
}

// Injector wraps an [FS] and fails operations whose base name matches a
// registered glob pattern (see [filepath.Match]).
//
// Unlike random chaos testing, injection is deterministic: a test registers
// exactly which operation should fail and how often, runs the code under
// test, and asserts on the outcome.
//
//	inj := fs.NewInjector(fs.NewReal())
//	inj.FailN(fs.OpRename, "*.1.tmp", 1, syscall.EIO)
type Injector struct {
	fs FS

	mu    sync.Mutex
	rules []*injectRule

	injected atomic.Int64
}

type injectRule struct {
	op        Op
	pattern   string
	err       error
	crash     bool
	remaining int // < 0 means unlimited
}

// NewInjector creates an Injector wrapping fs. Panics if fs is nil.
func NewInjector(fs FS) *Injector {
	if fs == nil {
		panic("fs is nil")
	}

	return &Injector{fs: fs}
}

// Fail makes every op on a path whose base name matches pattern return err.
func (in *Injector) Fail(op Op, pattern string, err error) {
	in.FailN(op, pattern, -1, err)
}

// FailN is like [Injector.Fail] but only fails the next n matching calls.
func (in *Injector) FailN(op Op, pattern string, n int, err error) {
	if err == nil {
		panic("err is nil")
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	in.rules = append(in.rules, &injectRule{op: op, pattern: pattern, err: err, remaining: n})
}

// Crash makes the next matching op panic with [ErrCrashed] before it
// touches the disk. Deferred unlocks in the caller still run, so a test can
// recover and then inspect the directory as a killed process would have
// left it.
func (in *Injector) Crash(op Op, pattern string) {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.rules = append(in.rules, &injectRule{op: op, pattern: pattern, crash: true, remaining: 1})
}

// Reset removes all rules.
func (in *Injector) Reset() {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.rules = nil
}

// Injected returns how many errors have been injected so far.
func (in *Injector) Injected() int64 {
	return in.injected.Load()
}

// check returns an injected error for (op, path) or nil.
func (in *Injector) check(op Op, path string) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	base := filepath.Base(path)

	for _, r := range in.rules {
		if r.op != op || r.remaining == 0 {
			continue
		}

		ok, _ := filepath.Match(r.pattern, base)
		if !ok {
			continue
		}

		if r.remaining > 0 {
			r.remaining--
		}

		in.injected.Add(1)

		if r.crash {
			panic(ErrCrashed)
		}

		return &InjectedError{Err: &os.PathError{Op: op.String(), Path: path, Err: r.err}}
	}

	return nil
}

func (in *Injector) wrap(f File, path string, err error) (File, error) {
	if err != nil {
		return nil, err
	}

	return &injectedFile{File: f, path: path, in: in}, nil
}

// Open opens a file for reading through the wrapped FS.
func (in *Injector) Open(path string) (File, error) {
	if err := in.check(OpOpen, path); err != nil {
		return nil, err
	}

	f, err := in.fs.Open(path)

	return in.wrap(f, path, err)
}

// Create creates or truncates a file through the wrapped FS.
func (in *Injector) Create(path string) (File, error) {
	if err := in.check(OpOpen, path); err != nil {
		return nil, err
	}

	f, err := in.fs.Create(path)

	return in.wrap(f, path, err)
}

// OpenFile opens a file with flags through the wrapped FS.
func (in *Injector) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if err := in.check(OpOpen, path); err != nil {
		return nil, err
	}

	f, err := in.fs.OpenFile(path, flag, perm)

	return in.wrap(f, path, err)
}

// ReadFile reads a file through the wrapped FS.
func (in *Injector) ReadFile(path string) ([]byte, error) {
	if err := in.check(OpOpen, path); err != nil {
		return nil, err
	}

	return in.fs.ReadFile(path)
}

// WriteFileAtomic writes a file through the wrapped FS. It fails on OpWrite rules.
func (in *Injector) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := in.check(OpWrite, path); err != nil {
		return err
	}

	return in.fs.WriteFileAtomic(path, data, perm)
}

// ReadDir lists a directory through the wrapped FS.
func (in *Injector) ReadDir(path string) ([]os.DirEntry, error) {
	if err := in.check(OpReadDir, path); err != nil {
		return nil, err
	}

	return in.fs.ReadDir(path)
}

// MkdirAll is never failed.
func (in *Injector) MkdirAll(path string, perm os.FileMode) error {
	return in.fs.MkdirAll(path, perm)
}

// Stat stats a path through the wrapped FS.
func (in *Injector) Stat(path string) (os.FileInfo, error) {
	if err := in.check(OpStat, path); err != nil {
		return nil, err
	}

	return in.fs.Stat(path)
}

// Exists checks a path through the wrapped FS.
func (in *Injector) Exists(path string) (bool, error) {
	if err := in.check(OpStat, path); err != nil {
		return false, err
	}

	return in.fs.Exists(path)
}

// Remove deletes a path through the wrapped FS.
func (in *Injector) Remove(path string) error {
	if err := in.check(OpRemove, path); err != nil {
		return err
	}

	return in.fs.Remove(path)
}

// RemoveAll deletes a tree through the wrapped FS.
func (in *Injector) RemoveAll(path string) error {
	if err := in.check(OpRemove, path); err != nil {
		return err
	}

	return in.fs.RemoveAll(path)
}

// Rename renames through the wrapped FS. Rules match oldpath.
func (in *Injector) Rename(oldpath, newpath string) error {
	if err := in.check(OpRename, oldpath); err != nil {
		return err
	}

	return in.fs.Rename(oldpath, newpath)
}

// injectedFile fails Write and Sync according to the owning Injector's rules.
type injectedFile struct {
	File

	path string
	in   *Injector
}

func (f *injectedFile) Write(p []byte) (int, error) {
	if err := f.in.check(OpWrite, f.path); err != nil {
		return 0, err
	}

	return f.File.Write(p)
}

func (f *injectedFile) Sync() error {
	if err := f.in.check(OpSync, f.path); err != nil {
		return err
	}

	return f.File.Sync()
}

// Compile-time interface check.
var _ FS = (*Injector)(nil)
