// Package disklru provides a size-bounded LRU cache stored as plain files
// in a directory, with a journal that lets it survive process crashes.
//
// Each entry has a key and a fixed number of byte values ("slots"). Every
// slot is its own file, so values can be streamed and read without loading
// them into memory.
//
// # Basic Usage
//
//	cache, err := disklru.Open(disklru.Options{
//	    Dir:        "/var/cache/thumbs",
//	    ValueCount: 2,
//	    MaxSize:    64 << 20,
//	})
//	if err != nil {
//	    return err
//	}
//	defer cache.Close()
//
//	// Write
//	ed, err := cache.Edit("a1b2c3")
//	if err != nil {
//	    return err // ErrBusy if someone else is editing a1b2c3
//	}
//	defer ed.Close()
//	ed.Set(0, imageBytes)
//	ed.SetString(1, "image/png")
//	err = ed.Commit()
//
//	// Read
//	snap, found, err := cache.Get("a1b2c3")
//	if found {
//	    defer snap.Close()
//	    r, _ := snap.Reader(0)
//	    io.Copy(w, r)
//	}
//
// # Durability
//
// Every state change is appended to the journal and flushed to the OS
// before the call returns. An entry whose Commit returned nil is readable
// after a crash; an edit that never committed leaves no trace. A crash
// inside Commit, once values of an existing entry are being replaced,
// drops the entry instead of exposing a mix of old and new slots. With
// [WritebackSync] the journal is also fsynced per record, which extends the
// guarantee to power loss at a large cost in latency.
//
// On-disk layout:
//
//	journal        header + one record per line
//	journal.tmp    journal being rebuilt
//	journal.bkp    previous journal during the rebuild swap
//	journal.lock   flock held by the open Cache
//	<key>.<i>      committed value of slot i
//	<key>.<i>.tmp  staged value of slot i
//
// Keys double as file names: 1 to 120 bytes of printable ASCII without
// spaces, slashes or upper-case letters, so no two keys share files on a
// case-insensitive filesystem.
//
// The directory belongs to the cache. A corrupt journal, or one written
// with a different ValueCount, causes [Open] to delete everything in it.
//
// # Concurrency
//
//   - All [Cache] methods are safe for concurrent use
//   - At most one [Editor] per key at a time; [Cache.Edit] never waits
//   - [Snapshot] readers keep working after the key changes
//   - Only one Cache per directory, across processes ([ErrBusy] otherwise)
//
// # Eviction
//
// When the committed size exceeds MaxSize, least recently used entries are
// evicted. Reads and commits count as use. Entries with a pending edit are
// never evicted, so the size can temporarily exceed the bound.
package disklru
