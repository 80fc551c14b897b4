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

	"github.com/resynclabs/resync/internal/utils"
)

var (
	home, _            = os.UserHomeDir()
	DefaultConfigPath  = filepath.Join(home, ".resync", "config.json")
	DefaultLedgerPath  = filepath.Join(home, ".resync", "ledger.json")
	DefaultLogFilePath = filepath.Join(home, ".resync", "logs", "resync.log")
)

const (
	// DefaultBlockSize is the divergence probe block size. It bounds how many
	// bytes a resume re-copies per file.
	DefaultBlockSize = "1 KiB"

	// DefaultChunkSize is the streaming copy chunk size.
	DefaultChunkSize = "1 MiB"

	// DefaultRateWindow is the number of throughput samples kept for rate
	// smoothing.
	DefaultRateWindow = 10

	// DefaultRetention is how long ledger records are kept, four weeks.
	DefaultRetention = "672h"
)

// Config holds one source/destination pair and the knobs of a sync run.
// Sizes are humanized strings ("64 KiB", "1 MiB") so the JSON config and the
// CLI flags share one format.
type Config struct {
	Source     string   `json:"source"`
	Dest       string   `json:"dest"`
	LedgerPath string   `json:"ledger_path"`
	BlockSize  string   `json:"block_size,omitempty"`
	ChunkSize  string   `json:"chunk_size,omitempty"`
	RateWindow int      `json:"rate_window,omitempty"`
	Retention  string   `json:"retention,omitempty"`
	Exclude    []string `json:"exclude,omitempty"`
	LogFile    string   `json:"log_file,omitempty"`

	// per-invocation switches, never persisted
	DryRun bool   `json:"-"`
	Watch  bool   `json:"-"`
	Path   string `json:"-"`
}

// Validate normalizes all paths to absolute form and rejects values the sync
// engine cannot run with. It must be called before the config is used.
func (c *Config) Validate() error {
	if c.Source == "" {
		return errors.New("source path is required")
	}
	if c.Dest == "" {
		return errors.New("destination path is required")
	}

	var err error
	if c.Source, err = utils.ResolvePath(c.Source); err != nil {
		return fmt.Errorf("source path: %w", err)
	}
	if c.Dest, err = utils.ResolvePath(c.Dest); err != nil {
		return fmt.Errorf("destination path: %w", err)
	}

	if c.Dest == c.Source {
		return fmt.Errorf("destination equals source: %s", c.Dest)
	}
	// A destination under the source would make the walk copy its own output.
	if rel, err := filepath.Rel(c.Source, c.Dest); err == nil {
		if rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("destination %s is inside source %s", c.Dest, c.Source)
		}
	}

	if c.LedgerPath == "" {
		c.LedgerPath = DefaultLedgerPath
	}
	if c.LedgerPath, err = utils.ResolvePath(c.LedgerPath); err != nil {
		return fmt.Errorf("ledger path: %w", err)
	}

	if c.LogFile != "" {
		if c.LogFile, err = utils.ResolvePath(c.LogFile); err != nil {
			return fmt.Errorf("log file: %w", err)
		}
	}

	if c.Path != "" {
		if c.Path, err = utils.ResolvePath(c.Path); err != nil {
			return fmt.Errorf("config path: %w", err)
		}
	}

	if _, err := parseSize(c.BlockSize, DefaultBlockSize); err != nil {
		return fmt.Errorf("block size: %w", err)
	}
	if _, err := parseSize(c.ChunkSize, DefaultChunkSize); err != nil {
		return fmt.Errorf("chunk size: %w", err)
	}
	if c.RateWindow < 0 {
		return fmt.Errorf("rate window must not be negative, got %d", c.RateWindow)
	}
	if _, err := parseRetention(c.Retention); err != nil {
		return fmt.Errorf("retention: %w", err)
	}

	return nil
}

// BlockSizeBytes returns the parsed divergence block size, falling back to
// the default on an empty or invalid value.
func (c *Config) BlockSizeBytes() int64 {
	n, err := parseSize(c.BlockSize, DefaultBlockSize)
	if err != nil {
		n, _ = parseSize("", DefaultBlockSize)
	}
	return n
}

// ChunkSizeBytes returns the parsed streaming chunk size, falling back to the
// default on an empty or invalid value.
func (c *Config) ChunkSizeBytes() int64 {
	n, err := parseSize(c.ChunkSize, DefaultChunkSize)
	if err != nil {
		n, _ = parseSize("", DefaultChunkSize)
	}
	return n
}

// RetentionWindow returns the parsed ledger retention window, falling back to
// the default on an empty or invalid value.
func (c *Config) RetentionWindow() time.Duration {
	d, err := parseRetention(c.Retention)
	if err != nil {
		d, _ = parseRetention("")
	}
	return d
}

// Save writes the config as JSON to its Path.
func (c *Config) Save() error {
	if c.Path == "" {
		return errors.New("config path not set")
	}
	if err := utils.EnsureParent(c.Path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(c.Path, data, 0o644)
}

// LoadFromFile reads a JSON config. Missing fields keep their zero values;
// the size and retention accessors fill in defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.Path = path
	return &cfg, nil
}

func parseSize(value, fallback string) (int64, error) {
	if value == "" {
		value = fallback
	}
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", value, err)
	}
	if n < 1 {
		return 0, fmt.Errorf("%q must be at least one byte", value)
	}
	return int64(n), nil
}

func parseRetention(value string) (time.Duration, error) {
	if value == "" {
		value = DefaultRetention
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%q must be positive", value)
	}
	return d, nil
}
