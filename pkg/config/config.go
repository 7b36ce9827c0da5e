// Package config resolves the layered configuration of spec §6: built-in
// defaults, then an optional TOML file, then SPS2_* environment variables,
// then CLI flags — each layer overriding the previous one. It also carries
// the fixed on-disk layout rooted at Prefix.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/sps2/sps2/pkg/errs"
)

// Output selects how the CLI renders progress and results.
type Output string

const (
	OutputPlain Output = "plain"
	OutputTTY   Output = "tty"
	OutputJSON  Output = "json"
)

// Color selects when ANSI color is emitted.
type Color string

const (
	ColorAuto   Color = "auto"
	ColorAlways Color = "always"
	ColorNever  Color = "never"
)

// Config is the fully-resolved configuration used by the rest of the
// module. Zero value is not valid; use Load or Default.
type Config struct {
	// Prefix is the installation root, <prefix> throughout spec §6.
	// Default /opt/pm.
	Prefix string `toml:"prefix"`

	// Concurrency bounds the worker pools used by materialization and GC.
	Concurrency int `toml:"concurrency"`

	// MaxArchiveExpansion and MaxArchiveFileSize bound archive extraction
	// (spec §4.A "Max total expansion and per-file size are bounded").
	MaxArchiveExpansion int64 `toml:"max_archive_expansion"`
	MaxArchiveFileSize  int64 `toml:"max_archive_file_size"`

	// RetainCount and RetainOlderThan bound GC retention (spec §4.C/§4.G):
	// GC keeps the RetainCount most recent states plus anything newer than
	// RetainOlderThan, regardless of reachability from the active state.
	RetainCount     int    `toml:"retain_count"`
	RetainOlderThan string `toml:"retain_older_than"`

	Color  Color  `toml:"-"`
	Output Output `toml:"-"`

	LogLevel string `toml:"log_level"`
	LogJSON  bool   `toml:"log_json"`

	// NoWait mirrors the CLI's --no-wait flag (spec §5): fail fast instead
	// of blocking on the process lock.
	NoWait bool `toml:"-"`

	// MetricsAddr, if non-empty, serves /metrics for debugging (spec
	// §4.EXT-J's promhttp.Handler()).
	MetricsAddr string `toml:"metrics_addr"`

	// StoreDirOverride, set only via SPS2_STORE_DIR, relocates the store
	// out from under Prefix for test isolation. Never required in
	// production; production store path is always <prefix>/store.
	StoreDirOverride string `toml:"-"`
}

// Paths derives the fixed layout of spec §6 from Prefix.
type Paths struct {
	Prefix      string
	storeOverride string
}

func (p Paths) StoreDir() string {
	if p.storeOverride != "" {
		return p.storeOverride
	}
	return p.Prefix + "/store"
}
func (p Paths) StoreObjectsDir() string     { return p.StoreDir() + "/objects" }
func (p Paths) StatesDir() string           { return p.Prefix + "/states" }
func (p Paths) LiveA() string               { return p.Prefix + "/live-a" }
func (p Paths) LiveB() string               { return p.Prefix + "/live-b" }
func (p Paths) LiveLink() string            { return p.Prefix + "/live" }
func (p Paths) DB() string                  { return p.Prefix + "/db" }
func (p Paths) TransactionJournal() string  { return p.Prefix + "/transaction.json" }
func (p Paths) SlotsRecord() string         { return p.Prefix + "/slots.json" }
func (p Paths) LogsDir() string             { return p.Prefix + "/logs" }
func (p Paths) QuarantineDir() string       { return p.Prefix + "/logs/quarantine" }
func (p Paths) KeysDir() string             { return p.Prefix + "/keys" }
func (p Paths) LockFile() string            { return p.Prefix + "/lock" }

func (c Config) Paths() Paths {
	return Paths{Prefix: c.Prefix, storeOverride: c.StoreDirOverride}
}

// Default returns the built-in defaults, the base of the layering.
func Default() Config {
	return Config{
		Prefix:              "/opt/pm",
		Concurrency:         4,
		MaxArchiveExpansion: 1 << 30,       // 1 GiB
		MaxArchiveFileSize:  500 << 20,     // 500 MiB
		Color:               ColorAuto,
		Output:              OutputTTY,
		LogLevel:            "info",
		RetainCount:         3,
		RetainOlderThan:     "30d",
	}
}

// Overrides carries CLI-flag-sourced values; a nil pointer field means "not
// set on the command line" and leaves the lower layer's value untouched.
type Overrides struct {
	Prefix      *string
	LogLevel    *string
	LogJSON     *bool
	Color       *Color
	Output      *Output
	NoWait      *bool
	MetricsAddr *string
	ConfigPath  *string
}

// Load resolves Config by applying, in order: Default(), the TOML file at
// the resolved config path (if it exists), SPS2_* environment variables,
// then CLI-flag overrides. Grounded on the teacher's flags-drive-initLogging
// wiring in cmd/warren/main.go, generalized into an explicit layered
// resolver so every layer is independently testable.
func Load(ov Overrides) (Config, error) {
	cfg := Default()

	path := resolveConfigPath(ov.ConfigPath)
	if path != "" {
		if err := mergeFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	mergeEnv(&cfg)
	mergeOverrides(&cfg, ov)

	if cfg.Concurrency < 1 {
		return Config{}, errs.New(errs.CodeInput, errs.SeverityMedium, "config.load",
			fmt.Errorf("concurrency must be >= 1"))
	}
	if cfg.Prefix == "" {
		return Config{}, errs.New(errs.CodeInput, errs.SeverityMedium, "config.load",
			fmt.Errorf("prefix must not be empty"))
	}

	return cfg, nil
}

// ParseRetainOlderThan parses the `retain_older_than` duration format of
// spec §4.C/§4.G: a plain integer followed by a unit of h (hours), d
// (days), or w (weeks) — "30d", "12h", "2w". time.ParseDuration doesn't
// accept d/w, so those three units are parsed here; a string ending in
// any other unit ("90m", "45s") is handed to time.ParseDuration.
func ParseRetainOlderThan(s string) (time.Duration, error) {
	if s == "" {
		return 0, errs.New(errs.CodeInput, errs.SeverityMedium, "config.parse_retain_older_than",
			fmt.Errorf("empty duration"))
	}
	unit := s[len(s)-1]
	var scale time.Duration
	switch unit {
	case 'h':
		scale = time.Hour
	case 'd':
		scale = 24 * time.Hour
	case 'w':
		scale = 7 * 24 * time.Hour
	default:
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, errs.New(errs.CodeInput, errs.SeverityMedium, "config.parse_retain_older_than", err).
				WithHint("expected a number followed by h, d, or w, e.g. 30d")
		}
		return d, nil
	}

	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil {
		return 0, errs.New(errs.CodeInput, errs.SeverityMedium, "config.parse_retain_older_than", err).
			WithHint("expected a number followed by h, d, or w, e.g. 30d")
	}
	return time.Duration(n) * scale, nil
}

func resolveConfigPath(flagPath *string) string {
	if flagPath != nil && *flagPath != "" {
		return *flagPath
	}
	if v := os.Getenv("SPS2_CONFIG"); v != "" {
		return v
	}
	return ""
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.New(errs.CodeInput, errs.SeverityMedium, "config.read_file", err).WithPath(path)
	}

	var fileCfg Config
	if err := toml.Unmarshal(data, &fileCfg); err != nil {
		return errs.New(errs.CodeInput, errs.SeverityMedium, "config.parse_file", err).WithPath(path)
	}

	if fileCfg.Prefix != "" {
		cfg.Prefix = fileCfg.Prefix
	}
	if fileCfg.Concurrency != 0 {
		cfg.Concurrency = fileCfg.Concurrency
	}
	if fileCfg.MaxArchiveExpansion != 0 {
		cfg.MaxArchiveExpansion = fileCfg.MaxArchiveExpansion
	}
	if fileCfg.MaxArchiveFileSize != 0 {
		cfg.MaxArchiveFileSize = fileCfg.MaxArchiveFileSize
	}
	if fileCfg.LogLevel != "" {
		cfg.LogLevel = fileCfg.LogLevel
	}
	if fileCfg.LogJSON {
		cfg.LogJSON = true
	}
	if fileCfg.MetricsAddr != "" {
		cfg.MetricsAddr = fileCfg.MetricsAddr
	}
	if fileCfg.RetainCount != 0 {
		cfg.RetainCount = fileCfg.RetainCount
	}
	if fileCfg.RetainOlderThan != "" {
		cfg.RetainOlderThan = fileCfg.RetainOlderThan
	}
	return nil
}

func mergeEnv(cfg *Config) {
	if v := os.Getenv("SPS2_COLOR"); v != "" {
		cfg.Color = Color(v)
	}
	if v := os.Getenv("SPS2_OUTPUT"); v != "" {
		cfg.Output = Output(v)
	}
	// Internal-only, for test isolation; never required in production.
	if v := os.Getenv("SPS2_PREFIX"); v != "" {
		cfg.Prefix = v
	}
	if v := os.Getenv("SPS2_STORE_DIR"); v != "" {
		cfg.StoreDirOverride = v
	}
}

func mergeOverrides(cfg *Config, ov Overrides) {
	if ov.Prefix != nil {
		cfg.Prefix = *ov.Prefix
	}
	if ov.LogLevel != nil {
		cfg.LogLevel = *ov.LogLevel
	}
	if ov.LogJSON != nil {
		cfg.LogJSON = *ov.LogJSON
	}
	if ov.Color != nil {
		cfg.Color = *ov.Color
	}
	if ov.Output != nil {
		cfg.Output = *ov.Output
	}
	if ov.NoWait != nil {
		cfg.NoWait = *ov.NoWait
	}
	if ov.MetricsAddr != nil {
		cfg.MetricsAddr = *ov.MetricsAddr
	}
}
