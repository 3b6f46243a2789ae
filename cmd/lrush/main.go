// lrush is an interactive shell for disklru cache directories.
//
// Usage:
//
//	lrush [flags]                   Open the configured cache and start the shell
//	lrush [flags] <command> [args]  Run one shell command and exit
//	lrush [flags] init              Write a .lrush.json with the effective settings
//
// Flags:
//
//	-C, --cwd           Run as if started in this directory
//	-c, --config        Use this config file instead of .lrush.json
//	    --dir           Cache directory
//	    --value-count   Value slots per entry
//	    --max-size      Size bound, e.g. "64MiB"
//	    --writeback     "none" or "sync"
//	    --lock-timeout  Wait this long for the directory lock
//	    --metrics-addr  Serve Prometheus metrics on this address
//	-v, --verbose       Log debug diagnostics to stderr
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/disklru/internal/config"
	"github.com/calvinalkan/disklru/pkg/disklru"
	"github.com/calvinalkan/disklru/pkg/fs"
)

func main() {
	environ := os.Environ()
	env := make(map[string]string, len(environ))

	for _, e := range environ {
		if k, v, ok := strings.Cut(e, "="); ok {
			env[k] = v
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	os.Exit(run(os.Stdin, os.Stdout, os.Stderr, os.Args, env, sigCh))
}

type globalFlags struct {
	workDir    string
	configPath string
	verbose    bool
	overrides  config.Config
	remaining  []string
}

func parseFlags(args []string, errOut io.Writer) (globalFlags, error) {
	var flags globalFlags

	set := flag.NewFlagSet("lrush", flag.ContinueOnError)
	set.SetOutput(errOut)
	set.SetInterspersed(false)

	set.StringVarP(&flags.workDir, "cwd", "C", "", "Run as if started in `dir`")
	set.StringVarP(&flags.configPath, "config", "c", "", "Use config `file` instead of "+config.FileName)
	set.StringVar(&flags.overrides.CacheDir, "dir", "", "Cache `directory`")
	set.IntVar(&flags.overrides.ValueCount, "value-count", 0, "Value slots per entry")
	set.StringVar(&flags.overrides.MaxSize, "max-size", "", "Size bound, e.g. 64MiB")
	set.StringVar(&flags.overrides.Writeback, "writeback", "", "Journal writeback: none or sync")
	set.StringVar(&flags.overrides.LockTimeout, "lock-timeout", "", "Wait this long for the directory lock, e.g. 2s")
	set.StringVar(&flags.overrides.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on `addr`")
	set.BoolVarP(&flags.verbose, "verbose", "v", false, "Log debug diagnostics to stderr")

	set.Usage = func() { printUsage(errOut, set) }

	err := set.Parse(args)
	if err != nil {
		return globalFlags{}, err
	}

	flags.remaining = set.Args()

	return flags, nil
}

func printUsage(w io.Writer, set *flag.FlagSet) {
	fprintln(w, "Usage:")
	fprintln(w, "  lrush [flags]                   Open the cache and start the shell")
	fprintln(w, "  lrush [flags] <command> [args]  Run one shell command and exit")
	fprintln(w, "  lrush [flags] init              Write "+config.FileName+" with the effective settings")
	fprintln(w)
	fprintln(w, "Flags:")
	fprintln(w, set.FlagUsages())
}

// run is the testable entry point. Returns the exit code.
func run(in io.Reader, out, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	flags, err := parseFlags(args[1:], errOut)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}

		fprintln(errOut, "error:", err)

		return 1
	}

	level := slog.LevelInfo
	if flags.verbose {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(config.LoadInput{
		WorkDir:    flags.workDir,
		ConfigPath: flags.configPath,
		Overrides:  flags.overrides,
		Env:        env,
	})
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	if len(flags.remaining) > 0 && flags.remaining[0] == "init" {
		err = cmdInit(out, cfg, flags.workDir)
		if err != nil {
			fprintln(errOut, "error:", err)

			return 1
		}

		return 0
	}

	opts := cfg.Options()
	opts.Logger = logger

	cache, err := disklru.Open(opts)
	if err != nil {
		fprintln(errOut, "error: opening cache:", err)

		return 1
	}

	defer func() {
		closeErr := cache.Close()
		if closeErr != nil {
			fprintln(errOut, "error: closing cache:", closeErr)
		}
	}()

	if cfg.MetricsAddr != "" {
		srv, err := serveMetrics(cfg.MetricsAddr, cache, logger)
		if err != nil {
			fprintln(errOut, "error:", err)

			return 1
		}

		defer srv.Close()
	}

	repl := &REPL{cache: cache, out: out, cfg: cfg}

	if len(flags.remaining) > 0 {
		if !repl.exec(flags.remaining) {
			return 1
		}

		return 0
	}

	err = repl.Run(in, sigCh)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	return 0
}

// cmdInit writes the effective settings to the project config file.
func cmdInit(out io.Writer, cfg config.Config, workDir string) error {
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	path := filepath.Join(workDir, config.FileName)

	fsys := fs.NewReal()

	exists, err := fsys.Exists(path)
	if err != nil {
		return err
	}

	if exists {
		return fmt.Errorf("%s already exists", path)
	}

	data, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	err = fsys.WriteFileAtomic(path, data, 0o644)
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	fprintln(out, "wrote", path)

	return nil
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func fprintf(w io.Writer, format string, a ...any) {
	_, _ = fmt.Fprintf(w, format, a...)
}
