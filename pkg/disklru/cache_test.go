package disklru_test

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/disklru/pkg/disklru"
)

func Test_Open_Returns_ErrInvalidInput_When_Options_Invalid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	testCases := []struct {
		name   string
		mutate func(*disklru.Options)
	}{
		{"EmptyDir", func(o *disklru.Options) { o.Dir = "" }},
		{"ZeroValueCount", func(o *disklru.Options) { o.ValueCount = 0 }},
		{"NegativeValueCount", func(o *disklru.Options) { o.ValueCount = -1 }},
		{"ZeroMaxSize", func(o *disklru.Options) { o.MaxSize = 0 }},
		{"UnknownWriteback", func(o *disklru.Options) { o.Writeback = 7 }},
		{"NegativeCompactThreshold", func(o *disklru.Options) { o.CompactThreshold = -1 }},
		{"NegativeLockTimeout", func(o *disklru.Options) { o.LockTimeout = -time.Second }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			opts := testOptions(filepath.Join(dir, tc.name))
			tc.mutate(&opts)

			_, err := disklru.Open(opts)
			require.ErrorIs(t, err, disklru.ErrInvalidInput)
		})
	}
}

func Test_Open_Creates_Directory_And_Journal_When_Missing(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "cache")
	cache := openCache(t, testOptions(dir))

	assert.Equal(t, dir, cache.Dir())
	assert.Equal(t, 2, cache.ValueCount())
	assert.Equal(t, 0, cache.Len())

	if diff := cmp.Diff([]string{"journal", "journal.lock"}, dirFiles(t, dir)); diff != "" {
		t.Fatalf("files mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, "io.disklru.Journal\n1\n2\n\n", readJournal(t, dir))
}

func Test_Cache_Returns_Committed_Values_When_Get_After_Commit(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cache := openCache(t, testOptions(dir))

	mustSet(t, cache, "k1", "a", "bc")

	if diff := cmp.Diff([]string{"a", "bc"}, mustGet(t, cache, "k1")); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, int64(3), cache.Size())
	assert.Equal(t, 1, cache.Len())
	assert.True(t, fileExists(t, filepath.Join(dir, "k1.0")))
	assert.True(t, fileExists(t, filepath.Join(dir, "k1.1")))
	assert.False(t, fileExists(t, filepath.Join(dir, "k1.0.tmp")))
}

func Test_Cache_Returns_Not_Found_When_Key_Never_Written(t *testing.T) {
	t.Parallel()

	cache := openCache(t, testOptions(t.TempDir()))

	snap, found, err := cache.Get("missing")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, snap)
	assert.Equal(t, uint64(1), cache.Stats().Misses)
}

func Test_Cache_Returns_ErrInvalidInput_When_Key_Invalid(t *testing.T) {
	t.Parallel()

	cache := openCache(t, testOptions(t.TempDir()))

	for _, key := range []string{"", "a b", "a/b", "..", "line\n", strings.Repeat("x", 121)} {
		_, err := cache.Edit(key)
		require.ErrorIs(t, err, disklru.ErrInvalidInput, "Edit(%q)", key)

		_, _, err = cache.Get(key)
		require.ErrorIs(t, err, disklru.ErrInvalidInput, "Get(%q)", key)

		_, err = cache.Remove(key)
		require.ErrorIs(t, err, disklru.ErrInvalidInput, "Remove(%q)", key)
	}
}

func Test_Remove_Deletes_Entry_And_Files_When_Entry_Readable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cache := openCache(t, testOptions(dir))

	mustSet(t, cache, "k1", "a", "b")

	removed, err := cache.Remove("k1")
	require.NoError(t, err)
	assert.True(t, removed)

	assert.Nil(t, mustGet(t, cache, "k1"))
	assert.Equal(t, int64(0), cache.Size())
	assert.False(t, fileExists(t, filepath.Join(dir, "k1.0")))
	assert.False(t, fileExists(t, filepath.Join(dir, "k1.1")))

	removed, err = cache.Remove("k1")
	require.NoError(t, err)
	assert.False(t, removed)
}

func Test_Remove_Returns_ErrBusy_When_Key_Being_Edited(t *testing.T) {
	t.Parallel()

	cache := openCache(t, testOptions(t.TempDir()))

	mustSet(t, cache, "k1", "a", "b")

	ed, err := cache.Edit("k1")
	require.NoError(t, err)

	defer func() { _ = ed.Close() }()

	removed, err := cache.Remove("k1")
	require.ErrorIs(t, err, disklru.ErrBusy)
	assert.False(t, removed)

	if diff := cmp.Diff([]string{"a", "b"}, mustGet(t, cache, "k1")); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}
}

func Test_Cache_Evicts_Least_Recently_Used_When_Size_Exceeds_Max(t *testing.T) {
	t.Parallel()

	opts := testOptions(t.TempDir())
	opts.ValueCount = 1
	opts.MaxSize = 10
	cache := openCache(t, opts)

	mustSet(t, cache, "a", "12345")
	mustSet(t, cache, "b", "12345")

	// Reading a makes b the least recently used.
	require.NotNil(t, mustGet(t, cache, "a"))

	mustSet(t, cache, "c", "12345")

	if diff := cmp.Diff([]string{"a", "c"}, cache.Keys()); diff != "" {
		t.Fatalf("keys mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, int64(10), cache.Size())
	assert.Equal(t, uint64(1), cache.Stats().Evictions)
	assert.False(t, fileExists(t, filepath.Join(opts.Dir, "b.0")))
}

func Test_Cache_Skips_Pending_Entries_When_Evicting(t *testing.T) {
	t.Parallel()

	opts := testOptions(t.TempDir())
	opts.ValueCount = 1
	opts.MaxSize = 10
	cache := openCache(t, opts)

	mustSet(t, cache, "a", "12345")
	mustSet(t, cache, "b", "12345")

	edA, err := cache.Edit("a")
	require.NoError(t, err)

	mustSet(t, cache, "c", "12345")

	// a is older than b but being edited.
	if diff := cmp.Diff([]string{"a", "c"}, cache.Keys()); diff != "" {
		t.Fatalf("keys mismatch (-want +got):\n%s", diff)
	}

	edC, err := cache.Edit("c")
	require.NoError(t, err)

	// Nothing is evictable, so the bound is exceeded.
	require.NoError(t, cache.SetMaxSize(1))
	assert.Equal(t, int64(10), cache.Size())
	assert.Equal(t, int64(1), cache.MaxSize())

	// Completing an edit makes its entry evictable again.
	require.NoError(t, edA.Abort())
	assert.Equal(t, int64(5), cache.Size())

	require.NoError(t, edC.Abort())
	assert.Equal(t, int64(0), cache.Size())
	assert.Empty(t, cache.Keys())
}

func Test_Cache_Evicts_Entry_Just_Committed_When_It_Alone_Exceeds_Max(t *testing.T) {
	t.Parallel()

	opts := testOptions(t.TempDir())
	opts.ValueCount = 1
	opts.MaxSize = 4
	cache := openCache(t, opts)

	mustSet(t, cache, "big", "12345")

	assert.Nil(t, mustGet(t, cache, "big"))
	assert.Equal(t, int64(0), cache.Size())
}

func Test_Cache_Compacts_Journal_When_Redundant_Ops_Reach_Threshold(t *testing.T) {
	t.Parallel()

	opts := testOptions(t.TempDir())
	opts.ValueCount = 1
	opts.CompactThreshold = 10
	cache := openCache(t, opts)

	mustSet(t, cache, "a", "x")

	before := cache.Stats().Compactions

	for range 20 {
		require.NotNil(t, mustGet(t, cache, "a"))
	}

	stats := cache.Stats()
	assert.GreaterOrEqual(t, stats.Compactions, before+2)
	assert.Less(t, stats.RedundantOps, 10)

	lines := strings.Count(readJournal(t, opts.Dir), "\n")
	assert.LessOrEqual(t, lines, 4+1+10, "journal should have been compacted")

	cache = reopen(t, cache, opts)

	if diff := cmp.Diff([]string{"x"}, mustGet(t, cache, "a")); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}
}

func Test_Compact_Rewrites_Journal_When_Called(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cache := openCache(t, testOptions(dir))

	mustSet(t, cache, "a", "1", "22")
	mustSet(t, cache, "b", "333", "")
	require.NotNil(t, mustGet(t, cache, "a"))

	_, err := cache.Remove("b")
	require.NoError(t, err)

	require.NoError(t, cache.Compact())

	assert.Equal(t, "io.disklru.Journal\n1\n2\n\nCLEAN a 1 2\n", readJournal(t, dir))
	assert.Equal(t, 0, cache.Stats().RedundantOps)
}

func Test_Flush_Returns_ErrClosed_When_Cache_Closed(t *testing.T) {
	t.Parallel()

	cache := openCache(t, testOptions(t.TempDir()))

	require.NoError(t, cache.Flush())
	require.NoError(t, cache.Close())
	require.NoError(t, cache.Close(), "Close should be idempotent")
	assert.True(t, cache.IsClosed())

	require.ErrorIs(t, cache.Flush(), disklru.ErrClosed)
	require.ErrorIs(t, cache.Compact(), disklru.ErrClosed)
	require.ErrorIs(t, cache.SetMaxSize(10), disklru.ErrClosed)

	_, err := cache.Edit("k")
	require.ErrorIs(t, err, disklru.ErrClosed)

	_, _, err = cache.Get("k")
	require.ErrorIs(t, err, disklru.ErrClosed)

	_, err = cache.Remove("k")
	require.ErrorIs(t, err, disklru.ErrClosed)
}

func Test_Delete_Removes_Directory_When_Called(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "cache")
	cache := openCache(t, testOptions(dir))

	mustSet(t, cache, "a", "1", "2")

	require.NoError(t, cache.Delete())
	assert.True(t, cache.IsClosed())
	assert.False(t, fileExists(t, dir))
}

func Test_SetMaxSize_Returns_ErrInvalidInput_When_Not_Positive(t *testing.T) {
	t.Parallel()

	cache := openCache(t, testOptions(t.TempDir()))

	require.ErrorIs(t, cache.SetMaxSize(0), disklru.ErrInvalidInput)
	assert.Equal(t, int64(1<<20), cache.MaxSize())
}

func Test_Stats_Counts_Operations_When_Cache_Used(t *testing.T) {
	t.Parallel()

	cache := openCache(t, testOptions(t.TempDir()))

	mustSet(t, cache, "a", "1", "2")
	mustSet(t, cache, "b", "3", "4")
	require.NotNil(t, mustGet(t, cache, "a"))
	require.Nil(t, mustGet(t, cache, "zz"))

	ed, err := cache.Edit("c")
	require.NoError(t, err)
	require.NoError(t, ed.Abort())

	_, err = cache.Remove("b")
	require.NoError(t, err)

	stats := cache.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(2), stats.Size)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(2), stats.Commits)
	assert.Equal(t, uint64(1), stats.Aborts)
	assert.Equal(t, uint64(1), stats.Removals)
	assert.Equal(t, uint64(0), stats.JournalErrors)
}
