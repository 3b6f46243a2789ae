package disklru

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/calvinalkan/disklru/pkg/fs"
)

// Cache is a size-bounded LRU cache of byte values stored as files in a
// single directory. See the package documentation for the protocol.
//
// All methods are safe for concurrent use. A single mutex guards the entry
// table and journal appends; value payload I/O happens outside it.
type Cache struct {
	mu sync.Mutex

	fs         fs.FS
	dir        string
	valueCount int
	maxSize    int64
	writeback  WritebackMode
	compactAt  int
	logger     *slog.Logger

	lock    *fs.Lock
	journal fs.File
	jw      *bufio.Writer
	buf     []byte

	table        *table
	size         int64
	redundantOps int
	nextSeq      uint64

	// journalBroken is set when an append or rebuild failed. The next
	// journal write rebuilds the journal from the table first.
	journalBroken bool
	closed        bool

	stats Stats
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Entries      int   // entries in the table, including pending first edits
	Size         int64 // bytes of committed values
	MaxSize      int64 // configured bound
	RedundantOps int   // journal records superseded since the last rebuild

	Hits          uint64 // Get calls that returned a snapshot
	Misses        uint64 // Get calls that found nothing readable
	Commits       uint64 // successful Editor.Commit calls
	Aborts        uint64 // edits rolled back (Abort, failed or incomplete commits)
	Evictions     uint64 // entries removed to honor MaxSize
	Removals      uint64 // entries removed through Remove
	Compactions   uint64 // journal rebuilds
	JournalErrors uint64 // failed journal appends or rebuilds
	Wipes         uint64 // corrupt journals discarded at open
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// ValueCount returns the number of value slots per entry.
func (c *Cache) ValueCount() int {
	return c.valueCount
}

// Size returns the number of bytes used by committed values. It may exceed
// [Cache.MaxSize] while every entry large enough to matter is being edited.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.size
}

// MaxSize returns the configured size bound.
func (c *Cache) MaxSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.maxSize
}

// SetMaxSize changes the size bound and evicts immediately if needed.
func (c *Cache) SetMaxSize(maxSize int64) error {
	if maxSize < 1 {
		return fmt.Errorf("max_size must be >= 1, got %d: %w", maxSize, ErrInvalidInput)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	c.maxSize = maxSize
	c.trimLocked()

	return nil
}

// Len returns the number of readable entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0

	c.table.each(func(e *entry) bool {
		if e.readable {
			n++
		}

		return true
	})

	return n
}

// Keys returns the readable keys from least to most recently used.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, c.table.len())

	c.table.each(func(e *entry) bool {
		if e.readable {
			keys = append(keys, e.key)
		}

		return true
	})

	return keys
}

// IsClosed reports whether [Cache.Close] has been called.
func (c *Cache) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Entries = c.table.len()
	s.Size = c.size
	s.MaxSize = c.maxSize
	s.RedundantOps = c.redundantOps

	return s
}

// Remove deletes the entry for key.
//
// Returns (true, nil) if a readable entry was removed and (false, nil) if
// there was none. Returns [ErrBusy] if key is being edited.
func (c *Cache) Remove(key string) (bool, error) {
	err := validateKey(key)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false, ErrClosed
	}

	e := c.table.get(key)
	if e == nil {
		return false, nil
	}

	if e.pending() {
		return false, fmt.Errorf("remove %q: key is being edited: %w", key, ErrBusy)
	}

	err = c.dropLocked(e)
	if err != nil {
		return false, fmt.Errorf("remove %q: %w", key, err)
	}

	c.stats.Removals++
	c.trimLocked()

	return true, nil
}

// Flush evicts down to MaxSize and makes the journal durable: it is
// rebuilt if a previous write failed, then flushed and fsynced.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	c.trimLocked()

	return c.syncJournalLocked()
}

// Compact rewrites the journal with one record per entry, regardless of
// how many redundant records it holds.
func (c *Cache) Compact() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	return c.rebuildLocked()
}

// Close trims the cache, flushes and fsyncs the journal and releases the
// directory lock. Pending editors are left as they are; the next [Open]
// discards their staged values.
//
// Close is idempotent.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	c.trimLocked()

	syncErr := c.syncJournalLocked()
	closeErr := c.closeJournalLocked()
	lockErr := c.lock.Close()

	return errors.Join(syncErr, closeErr, lockErr)
}

// Delete closes the cache and removes its directory with everything in it.
func (c *Cache) Delete() error {
	closeErr := c.Close()

	err := c.fs.RemoveAll(c.dir)
	if err != nil {
		return errors.Join(closeErr, fmt.Errorf("remove cache dir: %w", err))
	}

	return closeErr
}

func (c *Cache) path(name string) string {
	return filepath.Join(c.dir, name)
}

// dropLocked deletes e's committed files and removes it from the table,
// journaling REMOVE.
//
// If no file could be deleted nothing changes and the error is returned.
// Once any file is gone the entry is dropped even if others remain; the
// leftovers are unreferenced and the error is logged.
func (c *Cache) dropLocked(e *entry) error {
	deleted := 0

	var errs []error

	for i := range c.valueCount {
		err := c.fs.Remove(c.path(cleanName(e.key, i)))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)

			continue
		}

		deleted++
	}

	if deleted == 0 && len(errs) > 0 {
		return errors.Join(errs...)
	}

	if len(errs) > 0 {
		c.logger.Warn("disklru: leftover value files", "key", e.key, "err", errors.Join(errs...))
	}

	c.size -= e.size()
	c.table.remove(e)
	c.redundantOps++

	err := c.appendLocked(record{op: opRemove, key: e.key})
	if err != nil {
		c.logger.Warn("disklru: journal remove", "key", e.key, "err", err)
	}

	return nil
}
