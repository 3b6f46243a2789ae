package disklru_test

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/disklru/pkg/disklru"
)

func testOptions(dir string) disklru.Options {
	return disklru.Options{
		Dir:        dir,
		ValueCount: 2,
		MaxSize:    1 << 20,
	}
}

// openCache opens a cache and closes it when the test ends.
func openCache(t *testing.T, opts disklru.Options) *disklru.Cache {
	t.Helper()

	cache, err := disklru.Open(opts)
	require.NoError(t, err, "Open")

	t.Cleanup(func() { _ = cache.Close() })

	return cache
}

// reopen closes cache (if still open) and opens the directory again.
func reopen(t *testing.T, cache *disklru.Cache, opts disklru.Options) *disklru.Cache {
	t.Helper()

	require.NoError(t, cache.Close(), "Close")

	return openCache(t, opts)
}

// crashAndReopen abandons cache as if the process died and opens the
// directory again.
func crashAndReopen(t *testing.T, cache *disklru.Cache, opts disklru.Options) *disklru.Cache {
	t.Helper()

	disklru.SimulateCrashForTesting(cache)

	return openCache(t, opts)
}

func mustSet(t *testing.T, cache *disklru.Cache, key string, values ...string) {
	t.Helper()

	ed, err := cache.Edit(key)
	require.NoError(t, err, "Edit(%q)", key)

	for i, v := range values {
		require.NoError(t, ed.SetString(i, v), "SetString(%d)", i)
	}

	require.NoError(t, ed.Commit(), "Commit(%q)", key)
}

// mustGet returns every value of key, or nil if key is not readable.
func mustGet(t *testing.T, cache *disklru.Cache, key string) []string {
	t.Helper()

	snap, found, err := cache.Get(key)
	require.NoError(t, err, "Get(%q)", key)

	if !found {
		return nil
	}

	defer func() { _ = snap.Close() }()

	values := make([]string, cache.ValueCount())

	for i := range values {
		s, err := snap.String(i)
		require.NoError(t, err, "String(%d)", i)

		values[i] = s
	}

	return values
}

// dirFiles lists the file names in dir, sorted.
func dirFiles(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	sort.Strings(names)

	return names
}

func fileExists(t *testing.T, path string) bool {
	t.Helper()

	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false
	}

	require.NoError(t, err)

	return true
}

func readJournal(t *testing.T, dir string) string {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(dir, "journal"))
	require.NoError(t, err)

	return string(data)
}
