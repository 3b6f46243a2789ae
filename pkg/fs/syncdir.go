package fs

import (
	"errors"
	"fmt"
)

// ErrDirSync indicates a directory could not be fsynced.
//
// When returned after a rename, the new name is in place but its durability
// is not guaranteed. Callers can detect this with errors.Is(err, ErrDirSync).
var ErrDirSync = errors.New("dir sync")

// SyncDir fsyncs the directory at path so that renames and unlinks inside it
// survive a crash.
func SyncDir(fsys FS, path string) error {
	dir, err := fsys.Open(path)
	if err != nil {
		return errors.Join(ErrDirSync, fmt.Errorf("open dir %q: %w", path, err))
	}

	syncErr := dir.Sync()
	closeErr := dir.Close()

	if closeErr != nil {
		closeErr = fmt.Errorf("close dir %q: %w", path, closeErr)
	}

	if syncErr == nil {
		return closeErr
	}

	return errors.Join(ErrDirSync, fmt.Errorf("%q: %w", path, syncErr), closeErr)
}
