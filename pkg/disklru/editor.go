package disklru

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/calvinalkan/disklru/pkg/fs"
)

// Editor stages new values for one entry.
//
// Values are written to temporary files and become visible atomically per
// slot on [Editor.Commit]. Slots that are not written keep their committed
// value; a brand-new entry must write every slot.
//
// An Editor must be completed with Commit or Abort. Close aborts unless the
// edit already completed, so it is safe to defer:
//
//	ed, err := cache.Edit(key)
//	if err != nil {
//	    return err
//	}
//	defer ed.Close()
//
//	if err := ed.SetString(0, "value"); err != nil {
//	    return err
//	}
//
//	return ed.Commit()
//
// Editor methods are safe for concurrent use, but writing the same slot
// from several goroutines produces an undefined value.
type Editor struct {
	cache  *Cache
	entry  *entry
	editID uint64

	// Guarded by cache.mu.
	written []bool
	writers int
	failed  error
	done    bool
}

// Edit starts an edit of key. It returns [ErrBusy] if key already has a
// pending edit.
//
// The DIRTY record is flushed to the journal before Edit returns.
func (c *Cache) Edit(key string) (*Editor, error) {
	return c.edit(key, 0)
}

// edit starts an edit. If fromSeq is non-zero the entry must still be at
// that commit.
func (c *Cache) edit(key string, fromSeq uint64) (*Editor, error) {
	err := validateKey(key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	e := c.table.get(key)

	if fromSeq != 0 && (e == nil || !e.readable || e.commitSeq != fromSeq) {
		return nil, fmt.Errorf("edit %q: %w", key, ErrStale)
	}

	if e != nil && e.pending() {
		return nil, fmt.Errorf("edit %q: key is being edited: %w", key, ErrBusy)
	}

	created := e == nil
	if created {
		e = c.table.getOrCreate(key, c.valueCount)
	}

	e.editID = c.seq()
	c.redundantOps++

	err = c.appendLocked(record{op: opDirty, key: key})
	if err != nil {
		e.editID = 0
		if created {
			c.table.remove(e)
		}

		return nil, fmt.Errorf("edit %q: %w", key, err)
	}

	return &Editor{
		cache:   c,
		entry:   e,
		editID:  e.editID,
		written: make([]bool, c.valueCount),
	}, nil
}

// Key returns the key being edited.
func (ed *Editor) Key() string {
	return ed.entry.key
}

func (ed *Editor) checkLocked(index int) error {
	if ed.done {
		return fmt.Errorf("editor for %q already completed: %w", ed.entry.key, ErrClosed)
	}

	if ed.cache.closed {
		return ErrClosed
	}

	if index < 0 || index >= len(ed.written) {
		return fmt.Errorf("value index %d out of range [0, %d): %w", index, len(ed.written), ErrInvalidInput)
	}

	return nil
}

// NewWriter returns a writer for slot index. Whatever is written replaces
// the slot's value when the edit commits. Each call truncates earlier
// writes to the same slot.
//
// A write or close failure on the returned writer fails the whole edit:
// Commit then removes the entry and returns the error. The writer must be
// closed before Commit; once the edit completes it returns [ErrClosed].
func (ed *Editor) NewWriter(index int) (io.WriteCloser, error) {
	c := ed.cache

	c.mu.Lock()

	err := ed.checkLocked(index)
	if err != nil {
		c.mu.Unlock()

		return nil, err
	}

	ed.written[index] = true
	ed.writers++
	path := c.path(dirtyName(ed.entry.key, index))

	c.mu.Unlock()

	f, err := c.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		ed.writers--
		if ed.failed == nil {
			ed.failed = err
		}

		return nil, fmt.Errorf("open value %d of %q: %w", index, ed.entry.key, err)
	}

	// Aborted while the file was being created: nothing will clean it up.
	if ed.done {
		ed.writers--
		_ = f.Close()

		rmErr := c.fs.Remove(path)
		if rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			c.logger.Warn("disklru: remove staged value", "key", ed.entry.key, "slot", index, "err", rmErr)
		}

		return nil, fmt.Errorf("editor for %q already completed: %w", ed.entry.key, ErrClosed)
	}

	return &valueWriter{ed: ed, f: f}, nil
}

// Set replaces slot index with value.
func (ed *Editor) Set(index int, value []byte) error {
	w, err := ed.NewWriter(index)
	if err != nil {
		return err
	}

	_, err = w.Write(value)

	return errors.Join(err, w.Close())
}

// SetString replaces slot index with value.
func (ed *Editor) SetString(index int, value string) error {
	w, err := ed.NewWriter(index)
	if err != nil {
		return err
	}

	_, err = io.WriteString(w, value)

	return errors.Join(err, w.Close())
}

// NewReader opens the committed value of slot index, as it was before this
// edit. It returns (nil, false, nil) if the entry has never been committed
// or the slot has been written in this edit.
func (ed *Editor) NewReader(index int) (io.ReadCloser, bool, error) {
	c := ed.cache

	c.mu.Lock()

	err := ed.checkLocked(index)
	if err != nil {
		c.mu.Unlock()

		return nil, false, err
	}

	if !ed.entry.readable || ed.written[index] {
		c.mu.Unlock()

		return nil, false, nil
	}

	path := c.path(cleanName(ed.entry.key, index))

	c.mu.Unlock()

	f, err := c.fs.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("open value %d of %q: %w", index, ed.entry.key, err)
	}

	return f, true, nil
}

// Value reads the committed value of slot index. See [Editor.NewReader].
func (ed *Editor) Value(index int) ([]byte, bool, error) {
	r, ok, err := ed.NewReader(index)
	if err != nil || !ok {
		return nil, ok, err
	}

	data, err := io.ReadAll(r)

	closeErr := r.Close()
	if err == nil {
		err = closeErr
	}

	if err != nil {
		return nil, false, fmt.Errorf("read value %d of %q: %w", index, ed.entry.key, err)
	}

	return data, true, nil
}

// String is like [Editor.Value] but returns a string.
func (ed *Editor) String(index int) (string, bool, error) {
	data, ok, err := ed.Value(index)

	return string(data), ok, err
}

// Commit publishes the written slots.
//
// For a brand-new entry every slot must have been written, otherwise the
// edit is rolled back and [ErrIncompleteEdit] is returned. If a value write
// failed, the entry is removed entirely and the write error is returned.
//
// Commit returns [ErrBusy] and leaves the edit open while a writer from
// [Editor.NewWriter] has not been closed.
//
// On success the entry becomes the most recently used and a CLEAN record
// is appended; the cache is then trimmed to MaxSize, which may evict the
// entry just committed if it alone exceeds the bound.
func (ed *Editor) Commit() error {
	c := ed.cache

	c.mu.Lock()
	defer c.mu.Unlock()

	err := ed.checkLocked(0)
	if err != nil {
		return err
	}

	if ed.writers > 0 {
		return fmt.Errorf("commit %q: %d value writer(s) still open: %w", ed.entry.key, ed.writers, ErrBusy)
	}

	ed.done = true

	e := ed.entry
	key := e.key

	if ed.failed != nil {
		c.discardLocked(ed)
		c.stats.Aborts++

		e.editID = 0
		if e.readable {
			_ = c.dropLocked(e)
		} else {
			c.forgetLocked(e)
		}

		return fmt.Errorf("commit %q: value write failed: %w", key, ed.failed)
	}

	if !e.readable {
		for i, ok := range ed.written {
			if !ok {
				c.abortLocked(ed)

				return fmt.Errorf("commit %q: value %d not set: %w", key, i, ErrIncompleteEdit)
			}
		}
	}

	// Lengths come from the staged files before anything is renamed, so a
	// stat failure leaves the old value untouched.
	lengths := make([]int64, c.valueCount)

	for i, ok := range ed.written {
		if !ok {
			continue
		}

		info, err := c.fs.Stat(c.path(dirtyName(key, i)))
		if err != nil {
			c.abortLocked(ed)

			return fmt.Errorf("commit %q: stat value %d: %w", key, i, err)
		}

		lengths[i] = info.Size()
	}

	wasReadable := e.readable

	if wasReadable && slices.Contains(ed.written, true) {
		err := c.beginPublishLocked(e)
		if err != nil {
			e.readable = true
			c.abortLocked(ed)

			return fmt.Errorf("commit %q: %w", key, err)
		}
	}

	var renameErr error

	for i, ok := range ed.written {
		if !ok {
			continue
		}

		err := c.fs.Rename(c.path(dirtyName(key, i)), c.path(cleanName(key, i)))
		if err != nil {
			renameErr = fmt.Errorf("commit %q: publish value %d: %w", key, i, err)

			break
		}

		c.size += lengths[i] - e.lengths[i]
		e.lengths[i] = lengths[i]
		ed.written[i] = false
	}

	if renameErr != nil {
		c.discardLocked(ed)

		e.editID = 0
		if !wasReadable {
			// Roll back the slots that did get published.
			c.stats.Aborts++
			c.removeFiles(key, cleanName)
			c.size -= e.size()
			c.forgetLocked(e)

			return renameErr
		}
	}

	if c.writeback == WritebackSync {
		err := fs.SyncDir(c.fs, c.dir)
		if err != nil {
			c.logger.Warn("disklru: sync dir after commit", "dir", c.dir, "err", err)
		}
	}

	e.readable = true
	e.editID = 0
	e.commitSeq = c.seq()
	c.table.touch(e)
	c.redundantOps++

	if renameErr == nil {
		c.stats.Commits++
	}

	err = c.appendLocked(record{op: opClean, key: key, lengths: e.lengths})

	c.trimLocked()

	if renameErr != nil {
		return renameErr
	}

	if err != nil {
		return fmt.Errorf("commit %q: %w", key, err)
	}

	return nil
}

// beginPublishLocked journals that e is about to be overwritten slot by
// slot. Until the CLEAN record follows, replay sees a pending entry that
// was never committed and drops it, so a crash between renames cannot
// resurrect a mix of old and new values.
func (c *Cache) beginPublishLocked(e *entry) error {
	e.readable = false
	c.redundantOps += 2

	err := c.appendLocked(record{op: opRemove, key: e.key})
	if err != nil {
		return err
	}

	return c.appendLocked(record{op: opDirty, key: e.key})
}

// Abort discards the staged values. A brand-new entry is removed; an
// existing entry keeps its committed value.
func (ed *Editor) Abort() error {
	c := ed.cache

	c.mu.Lock()
	defer c.mu.Unlock()

	err := ed.checkLocked(0)
	if err != nil {
		return err
	}

	ed.done = true
	c.abortLocked(ed)
	c.trimLocked()

	return nil
}

// Close aborts the edit unless it already completed. It returns nil after
// Commit or Abort and after the cache was closed, in which case the staged
// values are discarded by the next [Open].
func (ed *Editor) Close() error {
	c := ed.cache

	c.mu.Lock()

	if ed.done || c.closed {
		ed.done = true
		c.mu.Unlock()

		return nil
	}

	c.mu.Unlock()

	err := ed.Abort()
	if errors.Is(err, ErrClosed) {
		return nil
	}

	return err
}

// abortLocked rolls the edit back: staged files are deleted, a new entry
// is forgotten, an existing entry returns to idle.
func (c *Cache) abortLocked(ed *Editor) {
	c.discardLocked(ed)
	c.stats.Aborts++

	e := ed.entry
	e.editID = 0

	if !e.readable {
		c.forgetLocked(e)
	}
}

// forgetLocked removes an entry that was never committed and journals
// REMOVE to close its DIRTY record.
func (c *Cache) forgetLocked(e *entry) {
	c.table.remove(e)
	c.redundantOps++

	err := c.appendLocked(record{op: opRemove, key: e.key})
	if err != nil {
		c.logger.Warn("disklru: journal remove", "key", e.key, "err", err)
	}
}

// discardLocked deletes the staged files of every slot still marked
// written.
func (c *Cache) discardLocked(ed *Editor) {
	for i, ok := range ed.written {
		if !ok {
			continue
		}

		err := c.fs.Remove(c.path(dirtyName(ed.entry.key, i)))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("disklru: remove staged value", "key", ed.entry.key, "slot", i, "err", err)
		}

		ed.written[i] = false
	}
}

func (ed *Editor) fail(err error) {
	c := ed.cache

	c.mu.Lock()
	defer c.mu.Unlock()

	if ed.failed == nil {
		ed.failed = err
	}
}

// valueWriter writes one staged value file. It is not safe for concurrent
// use.
type valueWriter struct {
	ed     *Editor
	f      fs.File
	closed bool
}

func (w *valueWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("value writer for %q is closed: %w", w.ed.entry.key, ErrClosed)
	}

	err := w.ed.checkWritable()
	if err != nil {
		return 0, err
	}

	n, err := w.f.Write(p)
	if err != nil {
		w.ed.fail(err)
	}

	return n, err
}

// Close syncs under [WritebackSync] and closes the file. After the edit
// was aborted the file is only closed.
func (w *valueWriter) Close() error {
	if w.closed {
		return nil
	}

	w.closed = true

	c := w.ed.cache

	// Commit refuses while the count is non-zero, so the file is complete
	// before it can be renamed.
	defer func() {
		c.mu.Lock()
		w.ed.writers--
		c.mu.Unlock()
	}()

	if w.ed.checkWritable() != nil {
		_ = w.f.Close()

		return nil
	}

	var syncErr error
	if c.writeback == WritebackSync {
		syncErr = w.f.Sync()
	}

	err := errors.Join(syncErr, w.f.Close())
	if err != nil {
		w.ed.fail(err)
	}

	return err
}

func (ed *Editor) checkWritable() error {
	c := ed.cache

	c.mu.Lock()
	defer c.mu.Unlock()

	if ed.done {
		return fmt.Errorf("editor for %q already completed: %w", ed.entry.key, ErrClosed)
	}

	return nil
}
