package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/sentinelfs/sentinelfs/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.Transports.TCP.ListenAddr != ":7337" {
		t.Errorf("Transports.TCP.ListenAddr = %q, want %q", cfg.Transports.TCP.ListenAddr, ":7337")
	}
	if cfg.Transports.Strategy != "FallbackChain" {
		t.Errorf("Transports.Strategy = %q, want %q", cfg.Transports.Strategy, "FallbackChain")
	}
	if cfg.Discovery.UDPPort != 9999 {
		t.Errorf("Discovery.UDPPort = %d, want 9999", cfg.Discovery.UDPPort)
	}
	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9100")
	}
	if !cfg.Sync.Enabled {
		t.Error("Sync.Enabled = false, want true")
	}
	if err := config.Validate(cfg); err != nil {
		t.Errorf("Validate(DefaultConfig()) = %v, want nil", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
peer:
  session_code: "abcdef"
  encryption_enabled: true
transports:
  enabled: [tcp]
  strategy: PreferFast
sync:
  watch_root: /srv/sync
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Peer.SessionCode != "abcdef" {
		t.Errorf("Peer.SessionCode = %q, want %q", cfg.Peer.SessionCode, "abcdef")
	}
	if !cfg.Peer.EncryptionEnabled {
		t.Error("Peer.EncryptionEnabled = false, want true")
	}
	if cfg.Transports.Strategy != "PreferFast" {
		t.Errorf("Transports.Strategy = %q, want %q", cfg.Transports.Strategy, "PreferFast")
	}
	if cfg.Sync.WatchRoot != "/srv/sync" {
		t.Errorf("Sync.WatchRoot = %q, want %q", cfg.Sync.WatchRoot, "/srv/sync")
	}
	// Fields absent from the file should keep their defaults.
	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want default %q", cfg.Metrics.Addr, ":9100")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SENTINELFS_LOG_LEVEL", "debug")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("sync:\n  watch_root: .\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (env override)", cfg.Log.Level, "debug")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr error
	}{
		{
			name:    "empty watch root with sync enabled",
			mutate:  func(c *config.Config) { c.Sync.WatchRoot = "" },
			wantErr: config.ErrEmptyWatchRoot,
		},
		{
			name:    "no transports enabled",
			mutate:  func(c *config.Config) { c.Transports.Enabled = nil },
			wantErr: config.ErrNoTransportsEnabled,
		},
		{
			name:    "invalid transport kind",
			mutate:  func(c *config.Config) { c.Transports.Enabled = []string{"carrier-pigeon"} },
			wantErr: config.ErrInvalidTransportKind,
		},
		{
			name:    "invalid strategy",
			mutate:  func(c *config.Config) { c.Transports.Strategy = "Magic" },
			wantErr: config.ErrInvalidStrategy,
		},
		{
			name:    "non-positive max connections",
			mutate:  func(c *config.Config) { c.Transports.TCP.MaxConnections = 0 },
			wantErr: config.ErrInvalidMaxConnections,
		},
		{
			name: "encryption without session code",
			mutate: func(c *config.Config) {
				c.Peer.EncryptionEnabled = true
				c.Peer.SessionCode = ""
			},
			wantErr: config.ErrEncryptionNeedsSessionCode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(cfg)
			err := config.Validate(cfg)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"unknown": slog.LevelInfo,
	}
	for input, want := range tests {
		if got := config.ParseLogLevel(input); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}
