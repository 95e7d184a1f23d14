// Package config manages uwbd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete uwbd configuration.
type Config struct {
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	UWB     UwbConfig     `koanf:"uwb"`
	Chips   []ChipConfig  `koanf:"chips"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// UwbConfig holds the Session Manager's default behavior (spec.md §4.1).
// These bound every chip the Manager drives; per-chip specifics live in
// ChipConfig.
type UwbConfig struct {
	// MaxSessions caps the number of concurrently open ranging sessions
	// across all chips (spec.md §4.1 "maxSessions").
	MaxSessions int `koanf:"max_sessions"`

	// RangingErrorStreakTimeout is the consecutive-ranging-error budget
	// before the Manager force-stops a session (spec.md §4.1 "Error-streak
	// timer"). Configured in duration form (e.g. "5s") and converted to
	// milliseconds for the Manager, which tracks the streak against
	// wall-clock milliseconds rather than a duration type.
	RangingErrorStreakTimeout time.Duration `koanf:"ranging_error_streak_timeout"`

	// RecentSessionCacheSize bounds the diagnostic history of sessions that
	// have left the live session table (spec.md §4.1 "session-table
	// cleanup... LRU snapshot").
	RecentSessionCacheSize int `koanf:"recent_session_cache_size"`
}

// ChipConfig describes one native UWB chip binding the daemon manages.
// Each entry identifies a chip by the id the uci.Transport implementation
// uses to address it (spec.md §2 "chip: ChipId").
type ChipConfig struct {
	// ID is the chip identifier passed to uci.Transport calls.
	ID string `koanf:"id"`

	// Device is the native transport's addressing of the physical chip
	// (e.g. a UCI-over-UART device path or an SPI bus id). Opaque to this
	// package; interpreted by the uci.Transport implementation wired in
	// cmd/uwbd.
	Device string `koanf:"device"`

	// DefaultProtocol names the ranging protocol sessions on this chip use
	// absent an explicit client request ("fira" or "ccc", spec.md §2
	// "Protocol").
	DefaultProtocol string `koanf:"default_protocol"`
}

// RangingErrorStreakTimeoutMs converts UwbConfig.RangingErrorStreakTimeout
// to the millisecond budget uwb.Manager tracks session error streaks
// against.
func (c UwbConfig) RangingErrorStreakTimeoutMs() int {
	return int(c.RangingErrorStreakTimeout / time.Millisecond)
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		UWB: UwbConfig{
			MaxSessions:               8,
			RangingErrorStreakTimeout: 5 * time.Second,
			RecentSessionCacheSize:    16,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for uwbd configuration.
// Variables are named UWBD_<section>_<key>, e.g., UWBD_METRICS_ADDR.
const envPrefix = "UWBD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (UWBD_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	UWBD_METRICS_ADDR        -> metrics.addr
//	UWBD_METRICS_PATH        -> metrics.path
//	UWBD_LOG_LEVEL           -> log.level
//	UWBD_LOG_FORMAT          -> log.format
//	UWBD_UWB_MAX_SESSIONS    -> uwb.max_sessions
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	// UWBD_METRICS_ADDR -> metrics.addr (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms UWBD_UWB_MAX_SESSIONS -> uwb.max_sessions.
// Strips the UWBD_ prefix, lowercases, and splits section from leaf key on
// the first remaining underscore only — leaf keys (e.g. max_sessions) keep
// their internal underscores so the result matches the koanf struct tags
// verbatim.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	section, leaf, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	return section + "." + leaf
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"metrics.addr":                     defaults.Metrics.Addr,
		"metrics.path":                     defaults.Metrics.Path,
		"log.level":                        defaults.Log.Level,
		"log.format":                       defaults.Log.Format,
		"uwb.max_sessions":                 defaults.UWB.MaxSessions,
		"uwb.ranging_error_streak_timeout": defaults.UWB.RangingErrorStreakTimeout.String(),
		"uwb.recent_session_cache_size":    defaults.UWB.RecentSessionCacheSize,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyMetricsAddr indicates the metrics listen address is empty.
	ErrEmptyMetricsAddr = errors.New("metrics.addr must not be empty")

	// ErrInvalidMaxSessions indicates max_sessions is non-positive.
	ErrInvalidMaxSessions = errors.New("uwb.max_sessions must be >= 1")

	// ErrInvalidRangingErrorStreakTimeout indicates the streak timeout is
	// non-positive.
	ErrInvalidRangingErrorStreakTimeout = errors.New("uwb.ranging_error_streak_timeout must be > 0")

	// ErrInvalidRecentSessionCacheSize indicates the cache size is
	// non-positive.
	ErrInvalidRecentSessionCacheSize = errors.New("uwb.recent_session_cache_size must be >= 1")

	// ErrEmptyChipID indicates a chip entry has an empty id.
	ErrEmptyChipID = errors.New("chip id must not be empty")

	// ErrDuplicateChipID indicates two chip entries share the same id.
	ErrDuplicateChipID = errors.New("duplicate chip id")

	// ErrInvalidChipProtocol indicates a chip's default_protocol is
	// unrecognized.
	ErrInvalidChipProtocol = errors.New("chip default_protocol must be fira or ccc")
)

// ValidProtocols lists the recognized default_protocol strings.
var ValidProtocols = map[string]bool{
	"fira": true,
	"ccc":  true,
}

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Metrics.Addr == "" {
		return ErrEmptyMetricsAddr
	}

	if cfg.UWB.MaxSessions < 1 {
		return ErrInvalidMaxSessions
	}

	if cfg.UWB.RangingErrorStreakTimeout <= 0 {
		return ErrInvalidRangingErrorStreakTimeout
	}

	if cfg.UWB.RecentSessionCacheSize < 1 {
		return ErrInvalidRecentSessionCacheSize
	}

	if err := validateChips(cfg.Chips); err != nil {
		return err
	}

	return nil
}

// validateChips checks each declarative chip entry for correctness.
func validateChips(chips []ChipConfig) error {
	seen := make(map[string]struct{}, len(chips))

	for i, cc := range chips {
		if cc.ID == "" {
			return fmt.Errorf("chips[%d]: %w", i, ErrEmptyChipID)
		}

		if cc.DefaultProtocol != "" && !ValidProtocols[cc.DefaultProtocol] {
			return fmt.Errorf("chips[%d] default_protocol %q: %w", i, cc.DefaultProtocol, ErrInvalidChipProtocol)
		}

		if _, dup := seen[cc.ID]; dup {
			return fmt.Errorf("chips[%d] id %q: %w", i, cc.ID, ErrDuplicateChipID)
		}
		seen[cc.ID] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
