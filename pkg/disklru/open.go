package disklru

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/calvinalkan/disklru/pkg/fs"
)

// Open opens or creates the cache in opts.Dir.
//
// Open takes an exclusive lock on the directory, restores journal.bkp if a
// rebuild was interrupted, replays the journal and discards edits that were
// in flight when the previous process stopped. A corrupt or incompatible
// journal is not an error: the directory is wiped and the cache starts
// empty.
//
// Possible errors: [ErrInvalidInput], [ErrBusy], or an I/O error.
func Open(opts Options) (*Cache, error) {
	err := opts.validate()
	if err != nil {
		return nil, err
	}

	opts = opts.withDefaults()

	err = opts.FS.MkdirAll(opts.Dir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	lock, err := lockDir(opts)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		fs:         opts.FS,
		dir:        opts.Dir,
		valueCount: opts.ValueCount,
		maxSize:    opts.MaxSize,
		writeback:  opts.Writeback,
		compactAt:  opts.CompactThreshold,
		logger:     opts.Logger,
		lock:       lock,
		table:      newTable(),
	}

	err = c.load()
	if err != nil {
		_ = c.closeJournalLocked()
		_ = lock.Close()

		return nil, err
	}

	return c, nil
}

func lockDir(opts Options) (*fs.Lock, error) {
	locker := fs.NewLocker(opts.FS)
	path := filepath.Join(opts.Dir, lockFile)

	var (
		lock *fs.Lock
		err  error
	)

	if opts.LockTimeout > 0 {
		lock, err = locker.LockWithTimeout(path, opts.LockTimeout)
	} else {
		lock, err = locker.TryLock(path)
	}

	if errors.Is(err, fs.ErrWouldBlock) {
		return nil, fmt.Errorf("cache dir %q is in use: %w", opts.Dir, ErrBusy)
	}

	if err != nil {
		return nil, fmt.Errorf("lock cache dir: %w", err)
	}

	return lock, nil
}

// load brings the in-memory state in line with the directory. No lock is
// needed: the Cache is not shared yet.
func (c *Cache) load() error {
	err := c.restoreBackup()
	if err != nil {
		return fmt.Errorf("restore journal backup: %w", err)
	}

	rebuild, err := c.replay()

	switch {
	case errors.Is(err, ErrCorrupt):
		c.logger.Warn("disklru: discarding corrupt cache", "dir", c.dir, "err", err)

		err = c.wipe()
		if err != nil {
			return fmt.Errorf("wipe corrupt cache: %w", err)
		}

		c.table = newTable()
		c.size = 0
		c.redundantOps = 0
		c.stats.Wipes++
		rebuild = true

	case err != nil:
		return fmt.Errorf("read journal: %w", err)
	}

	c.sweepStaged()

	if rebuild {
		err = c.rebuildLocked()
	} else {
		err = c.openJournalLocked()
	}

	if err != nil {
		return err
	}

	c.trimLocked()

	return nil
}

// restoreBackup resolves a rebuild that was interrupted. If journal is
// present the backup is stale; otherwise the backup is the journal.
func (c *Cache) restoreBackup() error {
	backupPath := c.path(journalBackupFile)
	journalPath := c.path(journalFile)

	err := c.fs.Remove(c.path(journalTmpFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	hasBackup, err := c.fs.Exists(backupPath)
	if err != nil || !hasBackup {
		return err
	}

	hasJournal, err := c.fs.Exists(journalPath)
	if err != nil {
		return err
	}

	if hasJournal {
		return c.fs.Remove(backupPath)
	}

	c.logger.Info("disklru: restoring journal backup", "dir", c.dir)

	return c.fs.Rename(backupPath, journalPath)
}

// replay rebuilds the table from the journal and recovers interrupted
// edits. It reports whether the journal must be rewritten before appending:
// it is missing, ends in a torn record, or carries DIRTY records that were
// just resolved.
func (c *Cache) replay() (bool, error) {
	f, err := c.fs.Open(c.path(journalFile))
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}

	if err != nil {
		return false, err
	}

	defer func() { _ = f.Close() }()

	res, err := readJournal(f, c.valueCount, func(rec record) {
		c.table.apply(rec, c.valueCount, c.seq)
	})
	if err != nil {
		return false, err
	}

	if res.truncated {
		c.logger.Warn("disklru: ignoring truncated journal record", "dir", c.dir)
	}

	c.redundantOps = res.lines - c.table.len()

	interrupted, discarded := c.recoverEdits()
	if interrupted > 0 {
		c.logger.Info("disklru: recovered interrupted edits", "dir", c.dir,
			"edits", interrupted, "discarded", discarded)
	}

	return res.truncated || interrupted > 0, nil
}

// seq hands out edit IDs and commit sequence numbers.
func (c *Cache) seq() uint64 {
	c.nextSeq++

	return c.nextSeq
}

// recoverEdits resolves entries whose edit never completed and sums the
// size of what remains. It returns how many edits were interrupted and how
// many of those entries were dropped.
//
// Staged files are always deleted. An entry that was readable before the
// interrupted edit keeps its committed value if every value file still has
// the recorded length; otherwise it is dropped along with its files.
func (c *Cache) recoverEdits() (int, int) {
	interrupted, discarded := 0, 0

	c.table.each(func(e *entry) bool {
		if !e.pending() {
			c.size += e.size()

			return true
		}

		interrupted++

		c.removeFiles(e.key, dirtyName)

		if e.readable && c.valuesIntact(e) {
			e.editID = 0
			c.size += e.size()

			return true
		}

		c.removeFiles(e.key, cleanName)
		c.table.remove(e)

		discarded++

		return true
	})

	return interrupted, discarded
}

func (c *Cache) valuesIntact(e *entry) bool {
	for i, want := range e.lengths {
		info, err := c.fs.Stat(c.path(cleanName(e.key, i)))
		if err != nil || info.Size() != want {
			return false
		}
	}

	return true
}

// removeFiles deletes one file per slot, named by name. Failures are
// logged; the files are unreferenced either way.
func (c *Cache) removeFiles(key string, name func(string, int) string) {
	for i := range c.valueCount {
		err := c.fs.Remove(c.path(name(key, i)))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("disklru: remove file", "key", key, "slot", i, "err", err)
		}
	}
}

// sweepStaged deletes staged value files left behind by writers that
// raced an abort or a crash. After recovery no edit is pending, so every
// "<key>.<slot>.tmp" file is garbage.
func (c *Cache) sweepStaged() {
	entries, err := c.fs.ReadDir(c.dir)
	if err != nil {
		c.logger.Warn("disklru: list cache dir", "dir", c.dir, "err", err)

		return
	}

	swept := 0

	for _, de := range entries {
		if de.IsDir() || !isStagedName(de.Name()) {
			continue
		}

		err := c.fs.Remove(c.path(de.Name()))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("disklru: remove stray staged file", "file", de.Name(), "err", err)

			continue
		}

		swept++
	}

	if swept > 0 {
		c.logger.Info("disklru: removed stray staged files", "dir", c.dir, "files", swept)
	}
}

func isStagedName(name string) bool {
	base, ok := strings.CutSuffix(name, ".tmp")
	if !ok {
		return false
	}

	dot := strings.LastIndexByte(base, '.')
	if dot <= 0 || dot == len(base)-1 {
		return false
	}

	for _, r := range base[dot+1:] {
		if r < '0' || r > '9' {
			return false
		}
	}

	return true
}

// wipe deletes everything in the cache directory except the lock file.
func (c *Cache) wipe() error {
	entries, err := c.fs.ReadDir(c.dir)
	if err != nil {
		return err
	}

	var errs []error

	for _, de := range entries {
		if de.Name() == lockFile {
			continue
		}

		err := c.fs.RemoveAll(c.path(de.Name()))
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
