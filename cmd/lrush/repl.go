package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/peterh/liner"

	"github.com/calvinalkan/disklru/internal/config"
	"github.com/calvinalkan/disklru/pkg/disklru"
)

const defaultListLimit = 20

// REPL is the interactive command loop.
type REPL struct {
	cache *disklru.Cache
	cfg   config.Config
	out   io.Writer
	liner *liner.State
}

// historyFile returns the path to the history file.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".lrush_history")
}

// Run reads commands until exit or EOF. A terminal stdin gets line editing
// and history, any other reader is consumed line by line.
func (r *REPL) Run(in io.Reader, sigCh <-chan os.Signal) error {
	if f, ok := in.(*os.File); ok && f == os.Stdin {
		return r.runInteractive(sigCh)
	}

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if r.handle(scanner.Text()) {
			return nil
		}
	}

	return scanner.Err()
}

func (r *REPL) runInteractive(sigCh <-chan os.Signal) error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = r.liner.ReadHistory(f)
		_ = f.Close()
	}

	// Prompt cannot be interrupted, so a termination signal closes the
	// cache from here and exits.
	if sigCh != nil {
		go func() {
			sig, ok := <-sigCh
			if !ok {
				return
			}

			r.saveHistory()
			_ = r.liner.Close()
			_ = r.cache.Close()

			fprintln(r.out, "\nterminated by", sig)
			os.Exit(130)
		}()
	}

	fprintf(r.out, "lrush - disklru shell (dir=%s, value_count=%d, max_size=%s)\n",
		r.cache.Dir(), r.cache.ValueCount(), humanize.IBytes(uint64(r.cache.MaxSize())))
	fprintln(r.out, "Type 'help' for available commands.")
	fprintln(r.out)

	defer r.saveHistory()

	for {
		line, err := r.liner.Prompt("lrush> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fprintln(r.out, "\nBye!")

				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		if strings.TrimSpace(line) != "" {
			r.liner.AppendHistory(line)
		}

		if r.handle(line) {
			return nil
		}
	}
}

// handle runs one input line and reports whether the shell should exit.
func (r *REPL) handle(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}

	switch strings.ToLower(parts[0]) {
	case "exit", "quit", "q":
		fprintln(r.out, "Bye!")

		return true
	}

	r.exec(parts)

	return false
}

// saveHistory persists command history to disk.
func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			_, _ = r.liner.WriteHistory(f)
			_ = f.Close()
		}
	}
}

var commands = []string{
	"set", "get", "cat", "del", "delete",
	"ls", "list", "size", "stats",
	"flush", "compact", "maxsize", "sum",
	"bulk", "info", "clear", "cls",
	"help", "exit", "quit", "q",
}

// completer provides tab completion for commands and, after a key-taking
// command, for keys currently in the cache.
func (r *REPL) completer(line string) []string {
	var completions []string

	cmd, rest, hasArg := strings.Cut(line, " ")
	if !hasArg {
		lower := strings.ToLower(line)
		for _, c := range commands {
			if strings.HasPrefix(c, lower) {
				completions = append(completions, c)
			}
		}

		return completions
	}

	switch strings.ToLower(cmd) {
	case "get", "cat", "del", "delete", "set", "sum":
	default:
		return nil
	}

	for _, key := range r.cache.Keys() {
		if strings.HasPrefix(key, rest) {
			completions = append(completions, cmd+" "+key)
		}
	}

	return completions
}

// exec runs a single command and reports whether it succeeded.
func (r *REPL) exec(parts []string) bool {
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	var err error

	switch cmd {
	case "help", "?":
		r.printHelp()
	case "set":
		err = r.cmdSet(args)
	case "get":
		err = r.cmdGet(args)
	case "cat":
		err = r.cmdCat(args)
	case "del", "delete":
		err = r.cmdDelete(args)
	case "ls", "list":
		err = r.cmdList(args)
	case "size":
		r.cmdSize()
	case "stats":
		r.cmdStats()
	case "flush":
		err = r.cache.Flush()
		if err == nil {
			fprintln(r.out, "OK: journal flushed")
		}
	case "compact":
		err = r.cache.Compact()
		if err == nil {
			fprintln(r.out, "OK: journal rebuilt")
		}
	case "maxsize":
		err = r.cmdMaxSize(args)
	case "sum":
		err = r.cmdSum(args)
	case "bulk":
		err = r.cmdBulk(args)
	case "info":
		r.cmdInfo()
	case "clear", "cls":
		fprintf(r.out, "\033[H\033[2J")
	default:
		err = fmt.Errorf("unknown command: %s (type 'help' for commands)", cmd)
	}

	if err != nil {
		fprintln(r.out, "Error:", err)

		return false
	}

	return true
}

func (r *REPL) printHelp() {
	fprintln(r.out, "Commands:")
	fprintln(r.out, "  set <key> <value>...       Write values to slots 0..n-1 and commit")
	fprintln(r.out, "  get <key>                  Show every slot of an entry")
	fprintln(r.out, "  cat <key> [slot]           Print one slot verbatim")
	fprintln(r.out, "  del <key>                  Remove an entry")
	fprintln(r.out, "  ls [limit]                 List keys, least recently used first")
	fprintln(r.out, "  size                       Show used and maximum size")
	fprintln(r.out, "  stats                      Show operation counters")
	fprintln(r.out, "  flush                      Trim and sync the journal")
	fprintln(r.out, "  compact                    Rebuild the journal")
	fprintln(r.out, "  maxsize <size>             Change the size bound, e.g. 16MiB")
	fprintln(r.out, "  sum <key>                  Show xxhash64 of every slot")
	fprintln(r.out, "  bulk <count> [size]        Insert N random entries of size bytes per slot")
	fprintln(r.out, "  info                       Show cache info")
	fprintln(r.out, "  help                       Show this help")
	fprintln(r.out, "  exit / quit / q            Exit")
}

// formatValue shows printable values quoted and anything else as hex.
func formatValue(value []byte) string {
	for _, b := range value {
		if b < 32 || b > 126 {
			return "0x" + hex.EncodeToString(value)
		}
	}

	return strconv.Quote(string(value))
}

func (r *REPL) cmdSet(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: set <key> <value>...")
	}

	key, values := args[0], args[1:]
	if len(values) > r.cache.ValueCount() {
		return fmt.Errorf("got %d values, cache has %d slots", len(values), r.cache.ValueCount())
	}

	ed, err := r.cache.Edit(key)
	if err != nil {
		return err
	}
	defer ed.Close()

	for i, v := range values {
		err = ed.SetString(i, v)
		if err != nil {
			return err
		}
	}

	err = ed.Commit()
	if err != nil {
		return err
	}

	fprintf(r.out, "OK: set %s\n", key)

	return nil
}

func (r *REPL) cmdGet(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: get <key>")
	}

	snap, found, err := r.cache.Get(args[0])
	if err != nil {
		return err
	}

	if !found {
		fprintln(r.out, "(not found)")

		return nil
	}
	defer snap.Close()

	for i, n := range snap.Lengths() {
		value, err := snap.Bytes(i)
		if err != nil {
			return err
		}

		fprintf(r.out, "%d: %s (%s)\n", i, formatValue(value), humanize.IBytes(uint64(n)))
	}

	return nil
}

func (r *REPL) cmdCat(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: cat <key> [slot]")
	}

	slot := 0

	if len(args) == 2 {
		var err error

		slot, err = strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("parsing slot: %w", err)
		}
	}

	snap, found, err := r.cache.Get(args[0])
	if err != nil {
		return err
	}

	if !found {
		return fmt.Errorf("%s not found", args[0])
	}
	defer snap.Close()

	reader, err := snap.Reader(slot)
	if err != nil {
		return err
	}

	_, err = io.Copy(r.out, reader)

	return err
}

func (r *REPL) cmdDelete(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: del <key>")
	}

	removed, err := r.cache.Remove(args[0])
	if err != nil {
		return err
	}

	if removed {
		fprintf(r.out, "OK: deleted %s\n", args[0])
	} else {
		fprintf(r.out, "OK: %s did not exist\n", args[0])
	}

	return nil
}

func (r *REPL) cmdList(args []string) error {
	limit := defaultListLimit

	if len(args) >= 1 {
		var err error

		limit, err = strconv.Atoi(args[0])
		if err != nil || limit < 1 {
			return errors.New("limit must be a positive integer")
		}
	}

	keys := r.cache.Keys()
	if len(keys) == 0 {
		fprintln(r.out, "(empty)")

		return nil
	}

	for i, key := range keys {
		if i == limit {
			fprintf(r.out, "... (showing first %d of %d, use 'ls <limit>' for more)\n", limit, len(keys))

			break
		}

		fprintf(r.out, "%3d. %s\n", i+1, key)
	}

	return nil
}

func (r *REPL) cmdSize() {
	size, maxSize := r.cache.Size(), r.cache.MaxSize()

	fprintf(r.out, "%s / %s (%.1f%%)\n",
		humanize.IBytes(uint64(size)), humanize.IBytes(uint64(maxSize)), 100*float64(size)/float64(maxSize))
}

func (r *REPL) cmdStats() {
	s := r.cache.Stats()

	fprintf(r.out, "Entries:        %d\n", s.Entries)
	fprintf(r.out, "Size:           %s of %s\n", humanize.IBytes(uint64(s.Size)), humanize.IBytes(uint64(s.MaxSize)))
	fprintf(r.out, "Redundant ops:  %d\n", s.RedundantOps)
	fprintf(r.out, "Hits:           %s\n", humanize.Comma(int64(s.Hits)))
	fprintf(r.out, "Misses:         %s\n", humanize.Comma(int64(s.Misses)))
	fprintf(r.out, "Commits:        %s\n", humanize.Comma(int64(s.Commits)))
	fprintf(r.out, "Aborts:         %s\n", humanize.Comma(int64(s.Aborts)))
	fprintf(r.out, "Evictions:      %s\n", humanize.Comma(int64(s.Evictions)))
	fprintf(r.out, "Removals:       %s\n", humanize.Comma(int64(s.Removals)))
	fprintf(r.out, "Compactions:    %s\n", humanize.Comma(int64(s.Compactions)))
	fprintf(r.out, "Journal errors: %s\n", humanize.Comma(int64(s.JournalErrors)))
	fprintf(r.out, "Wipes:          %s\n", humanize.Comma(int64(s.Wipes)))
}

func (r *REPL) cmdMaxSize(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: maxsize <size>")
	}

	size, err := config.ParseSize(args[0])
	if err != nil {
		return err
	}

	err = r.cache.SetMaxSize(size)
	if err != nil {
		return err
	}

	fprintf(r.out, "OK: max size %s, %s used\n",
		humanize.IBytes(uint64(size)), humanize.IBytes(uint64(r.cache.Size())))

	return nil
}

func (r *REPL) cmdSum(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: sum <key>")
	}

	snap, found, err := r.cache.Get(args[0])
	if err != nil {
		return err
	}

	if !found {
		return fmt.Errorf("%s not found", args[0])
	}
	defer snap.Close()

	for i := range snap.Lengths() {
		reader, err := snap.Reader(i)
		if err != nil {
			return err
		}

		h := xxhash.New()

		_, err = io.Copy(h, reader)
		if err != nil {
			return fmt.Errorf("reading slot %d: %w", i, err)
		}

		fprintf(r.out, "%d: %016x\n", i, h.Sum64())
	}

	return nil
}

func (r *REPL) cmdBulk(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: bulk <count> [size]")
	}

	count, err := strconv.Atoi(args[0])
	if err != nil || count < 1 {
		return errors.New("count must be a positive integer")
	}

	valueSize := uint64(64)

	if len(args) == 2 {
		n, err := config.ParseSize(args[1])
		if err != nil {
			return err
		}

		valueSize = uint64(n)
	}

	value := make([]byte, valueSize)
	start := time.Now()

	for i := range count {
		_, _ = rand.Read(value)

		err = r.insert(uuid.NewString(), value)
		if err != nil {
			return fmt.Errorf("entry %d: %w", i+1, err)
		}
	}

	elapsed := time.Since(start)
	rate := float64(count) / elapsed.Seconds()
	fprintf(r.out, "OK: inserted %d entries in %v (%.0f ops/sec)\n", count, elapsed.Round(time.Millisecond), rate)

	return nil
}

func (r *REPL) insert(key string, value []byte) error {
	ed, err := r.cache.Edit(key)
	if err != nil {
		return err
	}
	defer ed.Close()

	for i := range r.cache.ValueCount() {
		err = ed.Set(i, value)
		if err != nil {
			return err
		}
	}

	return ed.Commit()
}

func (r *REPL) cmdInfo() {
	mode := "none"
	if r.cfg.WritebackMod == disklru.WritebackSync {
		mode = "sync"
	}

	fprintln(r.out, "Cache Info:")
	fprintf(r.out, "  Directory:     %s\n", r.cache.Dir())
	fprintf(r.out, "  Value count:   %d\n", r.cache.ValueCount())
	fprintf(r.out, "  Entries:       %d\n", r.cache.Len())
	fprintf(r.out, "  Size:          %s of %s\n",
		humanize.IBytes(uint64(r.cache.Size())), humanize.IBytes(uint64(r.cache.MaxSize())))
	fprintf(r.out, "  Writeback:     %s\n", mode)

	if r.cfg.Sources.Global != "" {
		fprintf(r.out, "  Global config: %s\n", r.cfg.Sources.Global)
	}

	if r.cfg.Sources.Project != "" {
		fprintf(r.out, "  Config:        %s\n", r.cfg.Sources.Project)
	}

	if r.cfg.MetricsAddr != "" {
		fprintf(r.out, "  Metrics:       http://%s/metrics\n", r.cfg.MetricsAddr)
	}
}
