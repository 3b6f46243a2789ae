package disklru

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/calvinalkan/disklru/pkg/fs"
)

// WritebackMode controls how hard the journal is pushed to disk.
type WritebackMode int

const (
	// WritebackNone flushes each journal record to the OS but does not fsync
	// it. A record survives process death but may be lost on power failure.
	// The journal is still fsynced on rebuild, Flush and Close.
	WritebackNone WritebackMode = iota

	// WritebackSync fsyncs the journal after every record.
	WritebackSync
)

// DefaultCompactThreshold is the redundant-record count above which the
// journal is rebuilt (when it also exceeds the number of live entries).
const DefaultCompactThreshold = 2000

// Options configures [Open].
type Options struct {
	// Dir is the cache directory. Required. Created if missing.
	//
	// The directory is owned by the cache: on journal corruption every file
	// in it is deleted.
	Dir string

	// ValueCount is the number of value slots per entry. Must be >= 1.
	//
	// It is recorded in the journal header; reopening with a different count
	// discards the cache.
	ValueCount int

	// MaxSize is the target upper bound, in bytes, for the sum of all
	// committed values. Must be >= 1.
	MaxSize int64

	// FS is the filesystem to use. Defaults to [fs.NewReal].
	FS fs.FS

	// Logger receives diagnostics (wipes, recovery, evictions, compaction).
	// Defaults to a logger that discards everything.
	Logger *slog.Logger

	// Writeback controls journal durability. Default is [WritebackNone].
	Writeback WritebackMode

	// CompactThreshold overrides [DefaultCompactThreshold]. Zero means default.
	CompactThreshold int

	// LockTimeout is how long Open waits for the directory lock. Zero means
	// fail immediately with [ErrBusy] when another Cache holds it.
	LockTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.FS == nil {
		o.FS = fs.NewReal()
	}

	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if o.CompactThreshold == 0 {
		o.CompactThreshold = DefaultCompactThreshold
	}

	return o
}

func (o Options) validate() error {
	if o.Dir == "" {
		return fmt.Errorf("dir is required: %w", ErrInvalidInput)
	}

	if o.ValueCount < 1 {
		return fmt.Errorf("value_count must be >= 1, got %d: %w", o.ValueCount, ErrInvalidInput)
	}

	if o.ValueCount > maxValueCount {
		return fmt.Errorf("value_count %d exceeds max %d: %w", o.ValueCount, maxValueCount, ErrInvalidInput)
	}

	if o.MaxSize < 1 {
		return fmt.Errorf("max_size must be >= 1, got %d: %w", o.MaxSize, ErrInvalidInput)
	}

	switch o.Writeback {
	case WritebackNone, WritebackSync:
		// ok
	default:
		return fmt.Errorf("unknown writeback mode %d: %w", o.Writeback, ErrInvalidInput)
	}

	if o.CompactThreshold < 0 {
		return fmt.Errorf("compact_threshold must be >= 0, got %d: %w", o.CompactThreshold, ErrInvalidInput)
	}

	if o.LockTimeout < 0 {
		return fmt.Errorf("lock_timeout must be >= 0, got %s: %w", o.LockTimeout, ErrInvalidInput)
	}

	return nil
}
