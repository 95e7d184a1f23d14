package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/uwbplatform/uwbd/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9100")
	}

	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}

	if cfg.UWB.MaxSessions != 8 {
		t.Errorf("UWB.MaxSessions = %d, want %d", cfg.UWB.MaxSessions, 8)
	}

	if cfg.UWB.RangingErrorStreakTimeout != 5*time.Second {
		t.Errorf("UWB.RangingErrorStreakTimeout = %v, want %v", cfg.UWB.RangingErrorStreakTimeout, 5*time.Second)
	}

	if cfg.UWB.RecentSessionCacheSize != 16 {
		t.Errorf("UWB.RecentSessionCacheSize = %d, want %d", cfg.UWB.RecentSessionCacheSize, 16)
	}

	// Defaults must pass validation.
	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestRangingErrorStreakTimeoutMs(t *testing.T) {
	t.Parallel()

	cfg := config.UwbConfig{RangingErrorStreakTimeout: 250 * time.Millisecond}
	if got := cfg.RangingErrorStreakTimeoutMs(); got != 250 {
		t.Errorf("RangingErrorStreakTimeoutMs() = %d, want 250", got)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
metrics:
  addr: ":9200"
  path: "/custom-metrics"
log:
  level: "debug"
  format: "text"
uwb:
  max_sessions: 32
  ranging_error_streak_timeout: "750ms"
  recent_session_cache_size: 64
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9200")
	}

	if cfg.Metrics.Path != "/custom-metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/custom-metrics")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}

	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}

	if cfg.UWB.MaxSessions != 32 {
		t.Errorf("UWB.MaxSessions = %d, want %d", cfg.UWB.MaxSessions, 32)
	}

	if cfg.UWB.RangingErrorStreakTimeout != 750*time.Millisecond {
		t.Errorf("UWB.RangingErrorStreakTimeout = %v, want %v", cfg.UWB.RangingErrorStreakTimeout, 750*time.Millisecond)
	}

	if cfg.UWB.RecentSessionCacheSize != 64 {
		t.Errorf("UWB.RecentSessionCacheSize = %d, want %d", cfg.UWB.RecentSessionCacheSize, 64)
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	// Partial YAML: only override metrics.addr and log.level.
	// Everything else should inherit from defaults.
	yamlContent := `
metrics:
  addr: ":55555"
log:
  level: "warn"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	// Overridden values.
	if cfg.Metrics.Addr != ":55555" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":55555")
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}

	// Default values should be preserved.
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want default %q", cfg.Metrics.Path, "/metrics")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want default %q", cfg.Log.Format, "json")
	}

	if cfg.UWB.MaxSessions != 8 {
		t.Errorf("UWB.MaxSessions = %d, want default %d", cfg.UWB.MaxSessions, 8)
	}

	if cfg.UWB.RangingErrorStreakTimeout != 5*time.Second {
		t.Errorf("UWB.RangingErrorStreakTimeout = %v, want default %v", cfg.UWB.RangingErrorStreakTimeout, 5*time.Second)
	}

	if cfg.UWB.RecentSessionCacheSize != 16 {
		t.Errorf("UWB.RecentSessionCacheSize = %d, want default %d", cfg.UWB.RecentSessionCacheSize, 16)
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name: "empty metrics addr",
			modify: func(cfg *config.Config) {
				cfg.Metrics.Addr = ""
			},
			wantErr: config.ErrEmptyMetricsAddr,
		},
		{
			name: "zero max sessions",
			modify: func(cfg *config.Config) {
				cfg.UWB.MaxSessions = 0
			},
			wantErr: config.ErrInvalidMaxSessions,
		},
		{
			name: "negative max sessions",
			modify: func(cfg *config.Config) {
				cfg.UWB.MaxSessions = -1
			},
			wantErr: config.ErrInvalidMaxSessions,
		},
		{
			name: "zero ranging error streak timeout",
			modify: func(cfg *config.Config) {
				cfg.UWB.RangingErrorStreakTimeout = 0
			},
			wantErr: config.ErrInvalidRangingErrorStreakTimeout,
		},
		{
			name: "negative ranging error streak timeout",
			modify: func(cfg *config.Config) {
				cfg.UWB.RangingErrorStreakTimeout = -time.Second
			},
			wantErr: config.ErrInvalidRangingErrorStreakTimeout,
		},
		{
			name: "zero recent session cache size",
			modify: func(cfg *config.Config) {
				cfg.UWB.RecentSessionCacheSize = 0
			},
			wantErr: config.ErrInvalidRecentSessionCacheSize,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "INFO", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "WARN", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "Error", want: slog.LevelError},
		{input: "unknown", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
		{input: "trace", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got := config.ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/config.yml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

// -------------------------------------------------------------------------
// Chip Config Tests
// -------------------------------------------------------------------------

func TestLoadWithChips(t *testing.T) {
	t.Parallel()

	yamlContent := `
metrics:
  addr: ":9100"
chips:
  - id: "chip0"
    device: "/dev/uci0"
    default_protocol: fira
  - id: "chip1"
    device: "/dev/uci1"
    default_protocol: ccc
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if len(cfg.Chips) != 2 {
		t.Fatalf("Chips count = %d, want 2", len(cfg.Chips))
	}

	c0 := cfg.Chips[0]
	if c0.ID != "chip0" {
		t.Errorf("Chips[0].ID = %q, want %q", c0.ID, "chip0")
	}
	if c0.Device != "/dev/uci0" {
		t.Errorf("Chips[0].Device = %q, want %q", c0.Device, "/dev/uci0")
	}
	if c0.DefaultProtocol != "fira" {
		t.Errorf("Chips[0].DefaultProtocol = %q, want %q", c0.DefaultProtocol, "fira")
	}

	c1 := cfg.Chips[1]
	if c1.ID != "chip1" {
		t.Errorf("Chips[1].ID = %q, want %q", c1.ID, "chip1")
	}
	if c1.DefaultProtocol != "ccc" {
		t.Errorf("Chips[1].DefaultProtocol = %q, want %q", c1.DefaultProtocol, "ccc")
	}
}

func TestValidateChipErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name: "empty chip id",
			modify: func(cfg *config.Config) {
				cfg.Chips = []config.ChipConfig{{ID: ""}}
			},
			wantErr: config.ErrEmptyChipID,
		},
		{
			name: "invalid chip protocol",
			modify: func(cfg *config.Config) {
				cfg.Chips = []config.ChipConfig{{ID: "chip0", DefaultProtocol: "bogus"}}
			},
			wantErr: config.ErrInvalidChipProtocol,
		},
		{
			name: "duplicate chip id",
			modify: func(cfg *config.Config) {
				cfg.Chips = []config.ChipConfig{
					{ID: "chip0"},
					{ID: "chip0"},
				}
			},
			wantErr: config.ErrDuplicateChipID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateChipValidProtocols(t *testing.T) {
	t.Parallel()

	for _, proto := range []string{"fira", "ccc", ""} {
		cfg := config.DefaultConfig()
		cfg.Chips = []config.ChipConfig{{ID: "chip0", DefaultProtocol: proto}}

		if err := config.Validate(cfg); err != nil {
			t.Errorf("Validate() with protocol %q returned error: %v", proto, err)
		}
	}
}

// -------------------------------------------------------------------------
// Environment Variable Override Tests
// -------------------------------------------------------------------------

func TestLoadEnvOverrides(t *testing.T) {
	// Environment variable tests cannot be parallel because they modify
	// process-wide state (os.Setenv).

	yamlContent := `
metrics:
  addr: ":9100"
log:
  level: "info"
`
	path := writeTemp(t, yamlContent)

	// Set env overrides.
	t.Setenv("UWBD_METRICS_ADDR", ":9300")
	t.Setenv("UWBD_LOG_LEVEL", "debug")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Metrics.Addr != ":9300" {
		t.Errorf("Metrics.Addr = %q, want %q (from env)", cfg.Metrics.Addr, ":9300")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (from env)", cfg.Log.Level, "debug")
	}
}

func TestLoadEnvOverridesUwb(t *testing.T) {
	yamlContent := `
metrics:
  addr: ":9100"
uwb:
  max_sessions: 8
`
	path := writeTemp(t, yamlContent)

	t.Setenv("UWBD_UWB_MAX_SESSIONS", "16")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.UWB.MaxSessions != 16 {
		t.Errorf("UWB.MaxSessions = %d, want %d (from env)", cfg.UWB.MaxSessions, 16)
	}
}

// writeTemp creates a temporary YAML file and returns its path.
// The file is automatically cleaned up when the test finishes.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "uwbd.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
