// Package config resolves the sync configuration from defaults, an
// optional TOML file, environment variables and command-line flags, in
// that order of precedence (later wins).
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/fruitsalade/dirmirror/internal/tree"
)

var (
	ErrMissingSource   = errors.New("source directory is required")
	ErrMissingReplica  = errors.New("replica directory is required")
	ErrNestedRoots     = errors.New("source and replica must not overlap")
	ErrInvalidInterval = errors.New("interval must be a non-negative number of seconds")
	ErrInvalidAttempts = errors.New("copy attempts must be at least 1")
)

// Config holds everything the sync command needs.
type Config struct {
	SourceRoot  string
	ReplicaRoot string
	Interval    time.Duration

	// Logging
	LogLevel  string
	LogFormat string
	LogOutput string

	// Empty disables the /metrics listener.
	MetricsAddr string

	CopyAttempts int
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Interval:     time.Second,
		LogLevel:     "info",
		LogFormat:    "console",
		CopyAttempts: 1,
	}
}

type fileConfig struct {
	Source          string  `toml:"source"`
	Replica         string  `toml:"replica"`
	Interval        string  `toml:"interval"`
	IntervalSeconds float64 `toml:"interval_seconds"`
	LogLevel        string  `toml:"log_level"`
	LogFormat       string  `toml:"log_format"`
	LogOutput       string  `toml:"log_output"`
	MetricsAddr     string  `toml:"metrics_addr"`
	CopyAttempts    int     `toml:"copy_attempts"`
}

// Load parses the sync sub-command arguments and returns a validated
// configuration. Usage and parse errors are written to output.
func Load(args []string, output io.Writer) (*Config, error) {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	fs.SetOutput(output)

	var (
		source, replica, interval   string
		configPath                  string
		logLevel, logFormat, logOut string
		metricsAddr                 string
		copyAttempts                int
	)
	fs.StringVar(&source, "source", "", "Source directory to mirror (required)")
	fs.StringVar(&source, "s", "", "Shorthand for -source")
	fs.StringVar(&replica, "replica", "", "Replica directory kept identical to the source (required)")
	fs.StringVar(&replica, "r", "", "Shorthand for -replica")
	fs.StringVar(&interval, "interval", "1", "Seconds between rounds (fractions allowed, or a duration like 500ms)")
	fs.StringVar(&interval, "i", "1", "Shorthand for -interval")
	fs.StringVar(&configPath, "config", "", "Optional TOML configuration file")
	fs.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&logFormat, "log-format", "console", "Log format: console or json")
	fs.StringVar(&logOut, "log-output", "", "Log file path (default stderr)")
	fs.StringVar(&metricsAddr, "metrics-addr", "", "Address for the Prometheus /metrics listener (disabled when empty)")
	fs.IntVar(&copyAttempts, "copy-attempts", 1, "Attempts per file copy before giving up")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	cfg := Default()
	if configPath != "" {
		if err := cfg.LoadFile(configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}

	var flagErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "source", "s":
			cfg.SourceRoot = source
		case "replica", "r":
			cfg.ReplicaRoot = replica
		case "interval", "i":
			d, err := ParseInterval(interval)
			if err != nil {
				flagErr = err
				return
			}
			cfg.Interval = d
		case "log-level":
			cfg.LogLevel = logLevel
		case "log-format":
			cfg.LogFormat = logFormat
		case "log-output":
			cfg.LogOutput = logOut
		case "metrics-addr":
			cfg.MetricsAddr = metricsAddr
		case "copy-attempts":
			cfg.CopyAttempts = copyAttempts
		}
	})
	if flagErr != nil {
		return nil, flagErr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile overlays the keys present in a TOML file onto c.
func (c *Config) LoadFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config %s: unknown key %q", path, undecoded[0].String())
	}

	if meta.IsDefined("source") {
		c.SourceRoot = strings.TrimSpace(raw.Source)
	}
	if meta.IsDefined("replica") {
		c.ReplicaRoot = strings.TrimSpace(raw.Replica)
	}
	if meta.IsDefined("interval") {
		d, err := ParseInterval(raw.Interval)
		if err != nil {
			return fmt.Errorf("parse interval: %w", err)
		}
		c.Interval = d
	}
	if meta.IsDefined("interval_seconds") {
		d, err := secondsToDuration(raw.IntervalSeconds)
		if err != nil {
			return fmt.Errorf("parse interval_seconds: %w", err)
		}
		c.Interval = d
	}
	if meta.IsDefined("log_level") {
		c.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_format") {
		c.LogFormat = strings.TrimSpace(raw.LogFormat)
	}
	if meta.IsDefined("log_output") {
		c.LogOutput = strings.TrimSpace(raw.LogOutput)
	}
	if meta.IsDefined("metrics_addr") {
		c.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("copy_attempts") {
		c.CopyAttempts = raw.CopyAttempts
	}
	return nil
}

// ApplyEnv overlays DIRMIRROR_* variables onto c. Unset or empty
// variables leave the current value alone.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	c.SourceRoot = envOr(getenv, "DIRMIRROR_SOURCE", c.SourceRoot)
	c.ReplicaRoot = envOr(getenv, "DIRMIRROR_REPLICA", c.ReplicaRoot)
	c.LogLevel = envOr(getenv, "DIRMIRROR_LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr(getenv, "DIRMIRROR_LOG_FORMAT", c.LogFormat)
	c.LogOutput = envOr(getenv, "DIRMIRROR_LOG_OUTPUT", c.LogOutput)
	c.MetricsAddr = envOr(getenv, "DIRMIRROR_METRICS_ADDR", c.MetricsAddr)

	if v := getenv("DIRMIRROR_INTERVAL"); v != "" {
		d, err := ParseInterval(v)
		if err != nil {
			return fmt.Errorf("DIRMIRROR_INTERVAL: %w", err)
		}
		c.Interval = d
	}
	if v := getenv("DIRMIRROR_COPY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DIRMIRROR_COPY_ATTEMPTS: %w", err)
		}
		c.CopyAttempts = n
	}
	return nil
}

// Validate checks the configuration and resolves both roots to absolute,
// cleaned paths.
func (c *Config) Validate() error {
	if c.SourceRoot == "" {
		return ErrMissingSource
	}
	if c.ReplicaRoot == "" {
		return ErrMissingReplica
	}
	if c.Interval < 0 {
		return ErrInvalidInterval
	}
	if c.CopyAttempts < 1 {
		return ErrInvalidAttempts
	}

	src, err := filepath.Abs(c.SourceRoot)
	if err != nil {
		return fmt.Errorf("resolve source %q: %w", c.SourceRoot, err)
	}
	dst, err := filepath.Abs(c.ReplicaRoot)
	if err != nil {
		return fmt.Errorf("resolve replica %q: %w", c.ReplicaRoot, err)
	}
	if overlaps(src, dst) {
		return fmt.Errorf("%w: %s and %s", ErrNestedRoots, src, dst)
	}

	c.SourceRoot = src
	c.ReplicaRoot = dst
	return nil
}

// ParseInterval accepts a plain number of seconds ("1", "0.25") or a Go
// duration string ("500ms", "2m").
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidInterval
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return secondsToDuration(secs)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidInterval, s)
	}
	if d < 0 {
		return 0, ErrInvalidInterval
	}
	return d, nil
}

func secondsToDuration(secs float64) (time.Duration, error) {
	if secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) || secs > math.MaxInt64/float64(time.Second) {
		return 0, ErrInvalidInterval
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// overlaps reports whether a and b are the same directory or one
// contains the other.
func overlaps(a, b string) bool {
	return tree.Within(a, b) || tree.Within(b, a)
}

func envOr(getenv func(string) string, key, fallback string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return fallback
}
