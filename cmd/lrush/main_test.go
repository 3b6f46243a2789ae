package main

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/disklru/internal/config"
	"github.com/calvinalkan/disklru/pkg/disklru"
)

type result struct {
	code   int
	stdout string
	stderr string
}

func runLrush(t *testing.T, workDir, stdin string, args ...string) result {
	t.Helper()

	var out, errOut bytes.Buffer

	argv := append([]string{"lrush", "-C", workDir}, args...)
	code := run(strings.NewReader(stdin), &out, &errOut, argv, map[string]string{}, nil)

	return result{code: code, stdout: out.String(), stderr: errOut.String()}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func Test_Run_Sets_And_Gets_Value_When_Commands_Passed_As_Args(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()

	res := runLrush(t, workDir, "", "set", "greeting", "hello")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, "OK: set greeting\n", res.stdout)

	res = runLrush(t, workDir, "", "get", "greeting")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, "0: \"hello\" (5 B)\n", res.stdout)

	res = runLrush(t, workDir, "", "cat", "greeting")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, "hello", res.stdout)

	assert.FileExists(t, filepath.Join(workDir, ".lrush-cache", "journal"))
}

func Test_Run_Returns_Error_When_Command_Unknown(t *testing.T) {
	t.Parallel()

	res := runLrush(t, t.TempDir(), "", "frobnicate")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stdout, "unknown command: frobnicate")
}

func Test_Run_Returns_Error_When_Config_Invalid(t *testing.T) {
	t.Parallel()

	res := runLrush(t, t.TempDir(), "", "--writeback", "always", "ls")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "invalid config")
}

func Test_Run_Executes_Script_When_Stdin_Not_Terminal(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()
	script := strings.Join([]string{
		"set a one",
		"set b two",
		"get a",
		"ls",
		"sum b",
		"del a",
		"get a",
		"exit",
		"set never reached",
	}, "\n")

	res := runLrush(t, workDir, script)
	require.Equal(t, 0, res.code, res.stderr)

	want := strings.Join([]string{
		"OK: set a",
		"OK: set b",
		`0: "one" (3 B)`,
		"  1. b",
		"  2. a",
		fmt.Sprintf("0: %016x", xxhash.Sum64String("two")),
		"OK: deleted a",
		"(not found)",
		"Bye!",
		"",
	}, "\n")
	assert.Equal(t, want, res.stdout)

	res = runLrush(t, workDir, "", "get", "never")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, "(not found)\n", res.stdout)
}

func Test_Run_Fills_Every_Slot_When_Bulk_Inserting(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()

	res := runLrush(t, workDir, "", "--value-count", "2", "bulk", "5", "10")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "OK: inserted 5 entries")

	cache, err := disklru.Open(disklru.Options{
		Dir:        filepath.Join(workDir, ".lrush-cache"),
		ValueCount: 2,
		MaxSize:    64 << 20,
	})
	require.NoError(t, err)

	defer cache.Close()

	assert.Equal(t, 5, cache.Len())
	assert.Equal(t, int64(5*2*10), cache.Size())
}

func Test_Run_Evicts_When_Maxsize_Lowered(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()
	script := "set a 0123456789\nset b 0123456789\nmaxsize 15\nls\nsize\n"

	res := runLrush(t, workDir, script)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "OK: max size 15 B, 10 B used\n")
	assert.Contains(t, res.stdout, "  1. b\n")
	assert.NotContains(t, res.stdout, "  2. ")
	assert.Contains(t, res.stdout, "10 B / 15 B")
}

func Test_Run_Rejects_Extra_Values_When_Set_Exceeds_Slots(t *testing.T) {
	t.Parallel()

	res := runLrush(t, t.TempDir(), "", "set", "k", "a", "b")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stdout, "got 2 values, cache has 1 slots")
}

func Test_Init_Writes_Loadable_Config_When_File_Missing(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()

	res := runLrush(t, workDir, "", "--value-count", "3", "--max-size", "1MiB", "init")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, config.FileName)

	cfg, err := config.Load(config.LoadInput{WorkDir: workDir, Env: map[string]string{}})
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.ValueCount)
	assert.Equal(t, int64(1<<20), cfg.MaxSizeBytes)
	assert.Equal(t, filepath.Join(workDir, config.FileName), cfg.Sources.Project)

	res = runLrush(t, workDir, "", "init")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "already exists")
}

func Test_Run_Returns_Error_When_Cache_Locked(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()

	cache, err := disklru.Open(disklru.Options{
		Dir:        filepath.Join(workDir, ".lrush-cache"),
		ValueCount: 1,
		MaxSize:    1 << 20,
	})
	require.NoError(t, err)

	defer cache.Close()

	res := runLrush(t, workDir, "", "ls")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "opening cache")
}

func Test_ServeMetrics_Exposes_Cache_Stats_When_Scraped(t *testing.T) {
	t.Parallel()

	cache, err := disklru.Open(disklru.Options{Dir: t.TempDir(), ValueCount: 1, MaxSize: 1 << 20})
	require.NoError(t, err)

	defer cache.Close()

	ed, err := cache.Edit("k")
	require.NoError(t, err)
	require.NoError(t, ed.SetString(0, "abc"))
	require.NoError(t, ed.Commit())

	logger := discardLogger()

	srv, err := serveMetrics("127.0.0.1:0", cache, logger)
	require.NoError(t, err)

	defer srv.Close()

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "lrush_disklru_entries 1")
	assert.Contains(t, string(body), "lrush_disklru_size_bytes 3")
	assert.Contains(t, string(body), "lrush_disklru_commits_total 1")
}

func Test_Run_Fails_When_Metrics_Address_Invalid(t *testing.T) {
	t.Parallel()

	res := runLrush(t, t.TempDir(), "", "--metrics-addr", "256.0.0.1:bad", "ls")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "metrics listener")
}

func Test_FormatValue_Uses_Hex_When_Value_Not_Printable(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `"abc"`, formatValue([]byte("abc")))
	assert.Equal(t, "0x00ff", formatValue([]byte{0x00, 0xff}))
	assert.Equal(t, `""`, formatValue(nil))
}

func Test_Run_Reads_Stdin_When_Reader_Is_Not_Terminal(t *testing.T) {
	t.Parallel()

	r, w, err := os.Pipe()
	require.NoError(t, err)

	_, err = w.WriteString("set k v\nexit\n")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	defer r.Close()

	var out, errOut bytes.Buffer

	code := run(r, &out, &errOut, []string{"lrush", "-C", t.TempDir()}, map[string]string{}, nil)
	require.Equal(t, 0, code, errOut.String())
	assert.Equal(t, "OK: set k\nBye!\n", out.String())
}
