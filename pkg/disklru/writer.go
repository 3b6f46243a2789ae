package disklru

import (
	"bufio"
	"errors"
	"fmt"
	"os"

	"github.com/calvinalkan/disklru/pkg/fs"
)

// Journal writer.
//
// Mutations update the table first and then append their record. When an
// append fails the journal is marked broken and immediately rebuilt from
// the table, which already reflects the mutation. Only if the rebuild also
// fails does the caller see [ErrWriteback].

// openJournalLocked opens the journal for appending.
func (c *Cache) openJournalLocked() error {
	f, err := c.fs.OpenFile(c.path(journalFile), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		c.journalBroken = true

		return fmt.Errorf("open journal: %w", err)
	}

	c.journal = f
	c.jw = bufio.NewWriter(f)

	return nil
}

// closeJournalLocked flushes and closes the append handle, if any.
func (c *Cache) closeJournalLocked() error {
	if c.journal == nil {
		return nil
	}

	var flushErr error
	if !c.journalBroken {
		flushErr = c.jw.Flush()
	}

	closeErr := c.journal.Close()

	c.journal = nil
	c.jw = nil

	return errors.Join(flushErr, closeErr)
}

// appendLocked writes rec to the journal and flushes it to the OS. Under
// [WritebackSync] the journal is also fsynced.
func (c *Cache) appendLocked(rec record) error {
	if c.journalBroken || c.jw == nil {
		return c.recoverJournalLocked(nil)
	}

	c.buf = rec.appendTo(c.buf[:0])

	err := c.writeLocked(c.buf)
	if err != nil {
		return c.recoverJournalLocked(err)
	}

	return nil
}

func (c *Cache) writeLocked(p []byte) error {
	_, err := c.jw.Write(p)
	if err != nil {
		return err
	}

	err = c.jw.Flush()
	if err != nil {
		return err
	}

	if c.writeback == WritebackSync {
		return c.journal.Sync()
	}

	return nil
}

// recoverJournalLocked rebuilds the journal after cause made it unusable
// (cause is nil when it was already broken).
func (c *Cache) recoverJournalLocked(cause error) error {
	if cause != nil {
		c.stats.JournalErrors++
		c.journalBroken = true
		c.logger.Warn("disklru: journal append failed, rebuilding", "dir", c.dir, "err", cause)
	}

	err := c.rebuildLocked()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteback, errors.Join(cause, err))
	}

	return nil
}

// syncJournalLocked makes everything recorded so far durable.
func (c *Cache) syncJournalLocked() error {
	if c.journalBroken || c.jw == nil {
		err := c.rebuildLocked()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrWriteback, err)
		}

		return nil
	}

	err := c.jw.Flush()
	if err == nil {
		err = c.journal.Sync()
	}

	if err != nil {
		return c.recoverJournalLocked(err)
	}

	return nil
}

// rebuildLocked writes a fresh journal holding one CLEAN record per
// readable entry and one DIRTY record per pending edit, in LRU order, and
// swaps it in:
//
//  1. write and fsync journal.tmp
//  2. rename journal -> journal.bkp
//  3. rename journal.tmp -> journal
//  4. delete journal.bkp and fsync the directory
//
// A crash between 2 and 3 leaves only journal.bkp, which Open restores.
// On success the redundant-record count is reset.
func (c *Cache) rebuildLocked() error {
	err := c.closeJournalLocked()
	if err != nil {
		c.logger.Debug("disklru: closing old journal", "err", err)
	}

	err = c.writeRebuiltLocked()
	if err != nil {
		c.journalBroken = true
		c.stats.JournalErrors++

		return fmt.Errorf("rebuild journal: %w", err)
	}

	err = c.openJournalLocked()
	if err != nil {
		c.stats.JournalErrors++

		return fmt.Errorf("rebuild journal: %w", err)
	}

	c.journalBroken = false
	c.redundantOps = 0
	c.stats.Compactions++

	c.logger.Debug("disklru: journal rebuilt", "dir", c.dir, "entries", c.table.len())

	return nil
}

func (c *Cache) writeRebuiltLocked() error {
	tmpPath := c.path(journalTmpFile)

	f, err := c.fs.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	err = c.writeSnapshotLocked(f)
	closeErr := f.Close()

	if err == nil {
		err = closeErr
	}

	if err != nil {
		_ = c.fs.Remove(tmpPath)

		return err
	}

	journalPath := c.path(journalFile)
	backupPath := c.path(journalBackupFile)

	exists, err := c.fs.Exists(journalPath)
	if err != nil {
		return err
	}

	if exists {
		err = c.fs.Rename(journalPath, backupPath)
		if err != nil {
			return err
		}
	}

	err = c.fs.Rename(tmpPath, journalPath)
	if err != nil {
		return err
	}

	err = c.fs.Remove(backupPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return fs.SyncDir(c.fs, c.dir)
}

func (c *Cache) writeSnapshotLocked(f fs.File) error {
	bw := bufio.NewWriter(f)

	err := writeHeader(bw, c.valueCount)
	if err != nil {
		return err
	}

	buf := c.buf[:0]

	c.table.each(func(e *entry) bool {
		if e.readable {
			buf = record{op: opClean, key: e.key, lengths: e.lengths}.appendTo(buf)
		}

		if e.pending() {
			buf = record{op: opDirty, key: e.key}.appendTo(buf)
		}

		if len(buf) >= 32<<10 {
			_, err = bw.Write(buf)
			buf = buf[:0]
		}

		return err == nil
	})

	if err != nil {
		return err
	}

	_, err = bw.Write(buf)
	if err != nil {
		return err
	}

	err = bw.Flush()
	if err != nil {
		return err
	}

	return f.Sync()
}
