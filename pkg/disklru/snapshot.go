package disklru

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/calvinalkan/disklru/pkg/fs"
)

// Get returns a snapshot of the committed values for key.
//
// Returns (nil, false, nil) if key has no readable entry. A hit makes the
// entry the most recently used and appends a READ record.
//
// The snapshot holds open handles to every value file, so it keeps reading
// the values it was taken from even if key is later replaced, removed or
// evicted. Callers must Close it.
func (c *Cache) Get(key string) (*Snapshot, bool, error) {
	err := validateKey(key)
	if err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, false, ErrClosed
	}

	e := c.table.get(key)
	if e == nil || !e.readable {
		c.stats.Misses++

		return nil, false, nil
	}

	files := make([]fs.File, c.valueCount)

	for i := range files {
		f, err := c.fs.Open(c.path(cleanName(key, i)))
		if err != nil {
			closeFiles(files[:i])

			if errors.Is(err, os.ErrNotExist) {
				c.stats.Misses++
				c.dropMissingLocked(e, i)

				return nil, false, nil
			}

			return nil, false, fmt.Errorf("get %q: open value %d: %w", key, i, err)
		}

		files[i] = f
	}

	c.stats.Hits++
	c.table.touch(e)
	c.redundantOps++

	err = c.appendLocked(record{op: opRead, key: key})
	if err != nil {
		c.logger.Warn("disklru: journal read", "key", key, "err", err)
	}

	if c.rebuildRequiredLocked() {
		err := c.rebuildLocked()
		if err != nil {
			c.logger.Warn("disklru: compaction failed", "dir", c.dir, "err", err)
		}
	}

	return &Snapshot{
		cache:   c,
		key:     key,
		seq:     e.commitSeq,
		files:   files,
		lengths: append([]int64(nil), e.lengths...),
	}, true, nil
}

// dropMissingLocked removes an entry whose value file disappeared from
// under the cache. Entries with a pending edit are left for the editor.
func (c *Cache) dropMissingLocked(e *entry, slot int) {
	c.logger.Warn("disklru: value file missing", "key", e.key, "slot", slot)

	if e.pending() {
		return
	}

	err := c.dropLocked(e)
	if err != nil {
		c.logger.Warn("disklru: drop damaged entry", "key", e.key, "err", err)
	}
}

func closeFiles(files []fs.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// Snapshot is a consistent view of one entry's values at the time of
// [Cache.Get].
//
// Readers returned by a Snapshot are independent of each other but not
// safe for concurrent use themselves.
type Snapshot struct {
	cache   *Cache
	key     string
	seq     uint64
	lengths []int64

	mu     sync.Mutex
	files  []fs.File
	closed bool
}

// Key returns the snapshot's key.
func (s *Snapshot) Key() string {
	return s.key
}

// Lengths returns the byte length of every value, as committed.
func (s *Snapshot) Lengths() []int64 {
	return append([]int64(nil), s.lengths...)
}

// Reader returns a reader over value index.
func (s *Snapshot) Reader(index int) (*io.SectionReader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("snapshot of %q: %w", s.key, ErrClosed)
	}

	if index < 0 || index >= len(s.files) {
		return nil, fmt.Errorf("value index %d out of range [0, %d): %w", index, len(s.files), ErrInvalidInput)
	}

	return io.NewSectionReader(s.files[index], 0, s.lengths[index]), nil
}

// Bytes reads value index in full.
func (s *Snapshot) Bytes(index int) ([]byte, error) {
	r, err := s.Reader(index)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, r.Size())

	_, err = io.ReadFull(r, buf)
	if err != nil {
		return nil, fmt.Errorf("read value %d of %q: %w", index, s.key, err)
	}

	return buf, nil
}

// String reads value index in full as a string.
func (s *Snapshot) String(index int) (string, error) {
	b, err := s.Bytes(index)

	return string(b), err
}

// Edit starts an edit of the snapshot's key, provided the key still holds
// the value this snapshot was taken from. Otherwise it returns [ErrStale].
func (s *Snapshot) Edit() (*Editor, error) {
	return s.cache.edit(s.key, s.seq)
}

// Close releases the value file handles. It is idempotent.
func (s *Snapshot) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	var errs []error

	for _, f := range s.files {
		err := f.Close()
		if err != nil {
			errs = append(errs, err)
		}
	}

	s.files = nil

	return errors.Join(errs...)
}
