package disklru

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by disklru operations.
//
// Callers should use [errors.Is] to check error types:
//
//	ed, err := cache.Edit(key)
//	if errors.Is(err, disklru.ErrBusy) {
//	    // someone else is writing key; retry later
//	}
var (
	// ErrCorrupt indicates the journal is damaged or was written with a
	// different format or value count.
	//
	// [Open] never returns it: a corrupt directory is wiped and the cache
	// starts empty. It is exported so tooling that parses journals can
	// report the same condition.
	ErrCorrupt = errors.New("disklru: corrupt journal")

	// ErrBusy indicates the resource is held by someone else: another
	// editor for the same key, or another Cache holding the directory lock.
	//
	// Recovery: retry after a short delay. Edit never waits.
	ErrBusy = errors.New("disklru: busy")

	// ErrStale indicates a [Snapshot] no longer describes the current value
	// of its key, so [Snapshot.Edit] refuses to start an edit from it.
	//
	// Recovery: Get a fresh snapshot.
	ErrStale = errors.New("disklru: stale snapshot")

	// ErrClosed indicates the [Cache] has been closed, or the [Editor] has
	// already been committed or aborted.
	//
	// This is a programming error.
	ErrClosed = errors.New("disklru: closed")

	// ErrInvalidInput indicates invalid arguments: a malformed key, a slot
	// index outside [0, ValueCount), or invalid [Options].
	//
	// This is a programming error.
	ErrInvalidInput = errors.New("disklru: invalid input")

	// ErrIncompleteEdit indicates a commit of a brand-new entry that did not
	// write every value slot. The edit is rolled back.
	//
	// It wraps [ErrInvalidInput].
	ErrIncompleteEdit = fmt.Errorf("%w: new entry must set every value", ErrInvalidInput)

	// ErrWriteback indicates the journal could not record a completed
	// operation and could not be rebuilt afterwards.
	//
	// The change is visible through this Cache but may be lost on crash.
	// The journal is rebuilt at the next opportunity.
	ErrWriteback = errors.New("disklru: journal writeback failed")
)
