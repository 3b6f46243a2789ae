// Package config loads lrush settings from JSON-with-comments files and
// command-line overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tailscale/hujson"

	"github.com/calvinalkan/disklru/pkg/disklru"
)

// Error variables for config loading.
var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config")
)

// FileName is the default project config file name.
const FileName = ".lrush.json"

// Config holds all configuration options.
type Config struct {
	// From config files (serialized)
	CacheDir         string `json:"cache_dir,omitempty"`
	ValueCount       int    `json:"value_count,omitempty"`
	MaxSize          string `json:"max_size,omitempty"`     // e.g. "64MiB", "500 kB", "1048576"
	Writeback        string `json:"writeback,omitempty"`    // "none" or "sync"
	LockTimeout      string `json:"lock_timeout,omitempty"` // e.g. "2s"
	CompactThreshold int    `json:"compact_threshold,omitempty"`
	MetricsAddr      string `json:"metrics_addr,omitempty"`

	// Resolved values (computed, not serialized)
	CacheDirAbs  string                `json:"-"`
	MaxSizeBytes int64                 `json:"-"`
	WritebackMod disklru.WritebackMode `json:"-"`
	LockWait     time.Duration         `json:"-"`

	// Sources tracks which config files were loaded (for diagnostics)
	Sources Sources `json:"-"`
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project config if loaded, empty otherwise
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		CacheDir:   ".lrush-cache",
		ValueCount: 1,
		MaxSize:    "64MiB",
		Writeback:  "none",
	}
}

// globalPath returns $XDG_CONFIG_HOME/lrush/config.json, falling back to
// ~/.config/lrush/config.json. Empty if neither variable is set.
func globalPath(env map[string]string) string {
	if xdgConfig := env["XDG_CONFIG_HOME"]; xdgConfig != "" {
		return filepath.Join(xdgConfig, "lrush", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "lrush", "config.json")
	}

	return ""
}

// LoadInput holds the inputs for Load.
type LoadInput struct {
	WorkDir    string            // -C/--cwd flag value; if empty, os.Getwd() is used
	ConfigPath string            // -c/--config flag value
	Overrides  Config            // values from CLI flags; zero fields do not override
	Env        map[string]string // environment variables
}

// Load loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config ($XDG_CONFIG_HOME/lrush/config.json)
// 3. Project config file (.lrush.json in the working directory, if present)
// 4. Explicit config file via ConfigPath (replaces 3, must exist)
// 5. CLI overrides.
//
// The returned Config has every resolved field filled in.
func Load(input LoadInput) (Config, error) {
	workDir := input.WorkDir
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := Default()

	if path := globalPath(input.Env); path != "" {
		globalCfg, loaded, err := loadFile(path, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg.Sources.Global = path
			cfg = merge(cfg, globalCfg)
		}
	}

	projectPath := filepath.Join(workDir, FileName)
	mustExist := false

	if input.ConfigPath != "" {
		projectPath = input.ConfigPath
		if !filepath.IsAbs(projectPath) {
			projectPath = filepath.Join(workDir, projectPath)
		}

		mustExist = true
	}

	projectCfg, loaded, err := loadFile(projectPath, mustExist)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		cfg.Sources.Project = projectPath
		cfg = merge(cfg, projectCfg)
	}

	cfg = merge(cfg, input.Overrides)

	err = cfg.resolve(workDir)
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadFile loads a config file. If mustExist is false, a missing file is
// not an error and reports loaded == false.
func loadFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if mustExist {
				return Config{}, false, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
			}

			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("%w %s: %w", ErrConfigFileRead, path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return cfg, true, nil
}

// Parse decodes a JSONC config document. Unknown fields are rejected.
func Parse(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	dec := json.NewDecoder(strings.NewReader(string(standardized)))
	dec.DisallowUnknownFields()

	var cfg Config

	err = dec.Decode(&cfg)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

func merge(base, overlay Config) Config {
	if overlay.CacheDir != "" {
		base.CacheDir = overlay.CacheDir
	}

	if overlay.ValueCount != 0 {
		base.ValueCount = overlay.ValueCount
	}

	if overlay.MaxSize != "" {
		base.MaxSize = overlay.MaxSize
	}

	if overlay.Writeback != "" {
		base.Writeback = overlay.Writeback
	}

	if overlay.LockTimeout != "" {
		base.LockTimeout = overlay.LockTimeout
	}

	if overlay.CompactThreshold != 0 {
		base.CompactThreshold = overlay.CompactThreshold
	}

	if overlay.MetricsAddr != "" {
		base.MetricsAddr = overlay.MetricsAddr
	}

	return base
}

// resolve validates the merged config and fills in the resolved fields.
func (c *Config) resolve(workDir string) error {
	if c.CacheDir == "" {
		return fmt.Errorf("%w: cache_dir cannot be empty", ErrConfigInvalid)
	}

	if filepath.IsAbs(c.CacheDir) {
		c.CacheDirAbs = c.CacheDir
	} else {
		c.CacheDirAbs = filepath.Join(workDir, c.CacheDir)
	}

	if c.ValueCount < 1 {
		return fmt.Errorf("%w: value_count must be >= 1, got %d", ErrConfigInvalid, c.ValueCount)
	}

	size, err := ParseSize(c.MaxSize)
	if err != nil {
		return fmt.Errorf("%w: max_size: %w", ErrConfigInvalid, err)
	}

	c.MaxSizeBytes = size

	switch c.Writeback {
	case "none":
		c.WritebackMod = disklru.WritebackNone
	case "sync":
		c.WritebackMod = disklru.WritebackSync
	default:
		return fmt.Errorf("%w: writeback must be \"none\" or \"sync\", got %q", ErrConfigInvalid, c.Writeback)
	}

	if c.LockTimeout != "" {
		d, err := time.ParseDuration(c.LockTimeout)
		if err != nil || d < 0 {
			return fmt.Errorf("%w: lock_timeout %q is not a non-negative duration", ErrConfigInvalid, c.LockTimeout)
		}

		c.LockWait = d
	}

	if c.CompactThreshold < 0 {
		return fmt.Errorf("%w: compact_threshold must be >= 0, got %d", ErrConfigInvalid, c.CompactThreshold)
	}

	return nil
}

// ParseSize parses a byte size such as "64MiB", "1.5 GB" or "4096".
func ParseSize(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}

	if n < 1 || n > 1<<62 {
		return 0, fmt.Errorf("size %q out of range", s)
	}

	return int64(n), nil
}

// Options returns the cache options described by a resolved Config.
func (c Config) Options() disklru.Options {
	return disklru.Options{
		Dir:              c.CacheDirAbs,
		ValueCount:       c.ValueCount,
		MaxSize:          c.MaxSizeBytes,
		Writeback:        c.WritebackMod,
		CompactThreshold: c.CompactThreshold,
		LockTimeout:      c.LockWait,
	}
}

// Marshal renders the serialized fields as a commented JSONC document.
func (c Config) Marshal() ([]byte, error) {
	body, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, err
	}

	var sb strings.Builder

	sb.WriteString("// lrush configuration. Comments and trailing commas are allowed.\n")
	sb.Write(body)
	sb.WriteString("\n")

	return []byte(sb.String()), nil
}
