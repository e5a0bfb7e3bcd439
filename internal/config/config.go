// Package config manages the SentinelFS daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete sentinelfsd daemon configuration.
type Config struct {
	Peer       PeerConfig       `koanf:"peer"`
	Transports TransportsConfig `koanf:"transports"`
	Bandwidth  BandwidthConfig  `koanf:"bandwidth"`
	Discovery  DiscoveryConfig  `koanf:"discovery"`
	Sync       SyncConfig       `koanf:"sync"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Log        LogConfig        `koanf:"log"`
	Storage    StorageConfig    `koanf:"storage"`
}

// PeerConfig holds the local session-code/encryption configuration.
type PeerConfig struct {
	// SessionCode is the shared group secret. Empty disables group
	// filtering for discovery but encryption still requires one to be set.
	SessionCode string `koanf:"session_code"`
	// EncryptionEnabled toggles envelope encryption on send/receive.
	EncryptionEnabled bool `koanf:"encryption_enabled"`
	// LegacyEnvelopeMode selects the version-1 CBC-then-HMAC envelope
	// format on encrypt instead of the default version-2 AES-256-GCM
	// format, for interop with a peer that cannot do GCM. Decrypt always
	// accepts both regardless of this setting.
	LegacyEnvelopeMode bool `koanf:"legacy_envelope_mode"`
}

// TransportsConfig selects which carriers are active and how peers are
// bound to one of them.
type TransportsConfig struct {
	// Enabled lists the transport kinds to start: any of tcp, quic,
	// webrtc, relay.
	Enabled  []string       `koanf:"enabled"`
	Strategy string         `koanf:"strategy"`
	TCP      TCPConfig      `koanf:"tcp"`
	QUIC     QUICConfig     `koanf:"quic"`
	WebRTC   WebRTCConfig   `koanf:"webrtc"`
	Relay    RelayConfig    `koanf:"relay"`
}

// TCPConfig configures the length-prefixed TCP transport.
type TCPConfig struct {
	ListenAddr     string `koanf:"listen_addr"`
	MaxConnections int    `koanf:"max_connections"`
	AutoReconnect  bool   `koanf:"auto_reconnect"`
}

// QUICConfig configures the QUIC transport.
type QUICConfig struct {
	ListenAddr string `koanf:"listen_addr"`
}

// WebRTCConfig configures the WebRTC transport. Signaling is relayed
// through another connected transport, so there is no listen address
// here.
type WebRTCConfig struct {
	STUNServers []string `koanf:"stun_servers"`
}

// RelayConfig configures the rendezvous-relay transport.
type RelayConfig struct {
	ServerAddr string `koanf:"server_addr"`
}

// BandwidthConfig configures the global token-bucket and LEDBAT controller.
type BandwidthConfig struct {
	GlobalUploadBps   uint64 `koanf:"global_upload_bps"`
	GlobalDownloadBps uint64 `koanf:"global_download_bps"`
	LedbatEnabled     bool   `koanf:"ledbat_enabled"`
}

// DiscoveryConfig configures the UDP broadcast (and mDNS stub) peer
// announcement service.
type DiscoveryConfig struct {
	UDPPort             int  `koanf:"udp_port"`
	BroadcastIntervalMs int  `koanf:"broadcast_interval_ms"`
	PeerTimeoutSec      int  `koanf:"peer_timeout_sec"`
	EnableUDP           bool `koanf:"enable_udp"`
	EnableMDNS          bool `koanf:"enable_mdns"`
}

// SyncConfig configures the filesystem dispatcher.
type SyncConfig struct {
	WatchRoot string `koanf:"watch_root"`
	Enabled   bool   `koanf:"enabled"`
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

// StorageConfig configures the persistent Storage Gateway.
type StorageConfig struct {
	// DSN is either "memory" for the in-memory gateway, or a
	// "file:path.db" SQLite DSN.
	DSN string `koanf:"dsn"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the defaults of spec.md §6.
func DefaultConfig() *Config {
	return &Config{
		Peer: PeerConfig{
			SessionCode:        "",
			EncryptionEnabled:  false,
			LegacyEnvelopeMode: false,
		},
		Transports: TransportsConfig{
			Enabled:  []string{"tcp", "relay"},
			Strategy: "FallbackChain",
			TCP: TCPConfig{
				ListenAddr:     ":7337",
				MaxConnections: 64,
				AutoReconnect:  true,
			},
			QUIC: QUICConfig{
				ListenAddr: ":7338",
			},
		},
		Bandwidth: BandwidthConfig{
			GlobalUploadBps:   0,
			GlobalDownloadBps: 0,
			LedbatEnabled:     false,
		},
		Discovery: DiscoveryConfig{
			UDPPort:             9999,
			BroadcastIntervalMs: 1000,
			PeerTimeoutSec:      60,
			EnableUDP:           true,
			EnableMDNS:          false,
		},
		Sync: SyncConfig{
			WatchRoot: ".",
			Enabled:   true,
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			DSN: "file:sentinelfs.db",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for SentinelFS configuration.
// Variables are named SENTINELFS_<section>_<key>, e.g., SENTINELFS_PEER_SESSION_CODE.
const envPrefix = "SENTINELFS_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (SENTINELFS_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
//
// Uses koanf/v2 with file + env providers and YAML parser, mirroring the
// teacher's defaults -> file -> env layering.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

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

// envKeyMapper transforms SENTINELFS_TRANSPORTS_TCP_LISTEN_ADDR into
// transports.tcp.listen_addr. Strips the SENTINELFS_ prefix, lowercases,
// and turns the first underscore into the section separator; under
// transports, the next underscore also separates a carrier sub-section
// (tcp, quic, webrtc, relay). Underscores inside key names are kept.
func envKeyMapper(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	section, key, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	if section == "transports" {
		if sub, rest, ok := strings.Cut(key, "_"); ok {
			switch sub {
			case "tcp", "quic", "webrtc", "relay":
				return section + "." + sub + "." + rest
			}
		}
	}
	return section + "." + key
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"peer.session_code":                     defaults.Peer.SessionCode,
		"peer.encryption_enabled":                defaults.Peer.EncryptionEnabled,
		"peer.legacy_envelope_mode":               defaults.Peer.LegacyEnvelopeMode,
		"transports.enabled":                     defaults.Transports.Enabled,
		"transports.strategy":                    defaults.Transports.Strategy,
		"transports.tcp.listen_addr":             defaults.Transports.TCP.ListenAddr,
		"transports.tcp.max_connections":          defaults.Transports.TCP.MaxConnections,
		"transports.tcp.auto_reconnect":           defaults.Transports.TCP.AutoReconnect,
		"transports.quic.listen_addr":             defaults.Transports.QUIC.ListenAddr,
		"transports.relay.server_addr":            defaults.Transports.Relay.ServerAddr,
		"bandwidth.global_upload_bps":             defaults.Bandwidth.GlobalUploadBps,
		"bandwidth.global_download_bps":           defaults.Bandwidth.GlobalDownloadBps,
		"bandwidth.ledbat_enabled":                defaults.Bandwidth.LedbatEnabled,
		"discovery.udp_port":                      defaults.Discovery.UDPPort,
		"discovery.broadcast_interval_ms":          defaults.Discovery.BroadcastIntervalMs,
		"discovery.peer_timeout_sec":               defaults.Discovery.PeerTimeoutSec,
		"discovery.enable_udp":                    defaults.Discovery.EnableUDP,
		"discovery.enable_mdns":                   defaults.Discovery.EnableMDNS,
		"sync.watch_root":                         defaults.Sync.WatchRoot,
		"sync.enabled":                            defaults.Sync.Enabled,
		"metrics.addr":                            defaults.Metrics.Addr,
		"metrics.path":                            defaults.Metrics.Path,
		"log.level":                               defaults.Log.Level,
		"log.format":                              defaults.Log.Format,
		"storage.dsn":                             defaults.Storage.DSN,
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
	// ErrEmptyWatchRoot indicates sync.watch_root is empty while sync is enabled.
	ErrEmptyWatchRoot = errors.New("sync.watch_root must not be empty when sync.enabled is true")

	// ErrInvalidStrategy indicates an unrecognized transport selection strategy.
	ErrInvalidStrategy = errors.New("transports.strategy must be one of PreferDirect, PreferFast, PreferReliable, FallbackChain, Adaptive")

	// ErrInvalidTransportKind indicates an unrecognized entry in transports.enabled.
	ErrInvalidTransportKind = errors.New("transports.enabled entries must be one of tcp, quic, webrtc, relay")

	// ErrNoTransportsEnabled indicates transports.enabled was empty.
	ErrNoTransportsEnabled = errors.New("transports.enabled must list at least one transport")

	// ErrInvalidMaxConnections indicates a non-positive connection cap.
	ErrInvalidMaxConnections = errors.New("transports.tcp.max_connections must be > 0")

	// ErrEncryptionNeedsSessionCode indicates encryption was enabled without a code.
	ErrEncryptionNeedsSessionCode = errors.New("peer.encryption_enabled requires a non-empty peer.session_code")
)

// ValidStrategies lists the recognized transport selection strategy strings.
var ValidStrategies = map[string]bool{
	"PreferDirect":   true,
	"PreferFast":     true,
	"PreferReliable": true,
	"FallbackChain":  true,
	"Adaptive":       true,
}

// ValidTransportKinds lists the recognized transports.enabled entries.
var ValidTransportKinds = map[string]bool{
	"tcp":    true,
	"quic":   true,
	"webrtc": true,
	"relay":  true,
}

// Validate checks the configuration for logical errors. Returns the first
// validation error encountered. A ConfigError here is fatal before listen,
// per the error-handling design's table.
func Validate(cfg *Config) error {
	if cfg.Sync.Enabled && cfg.Sync.WatchRoot == "" {
		return ErrEmptyWatchRoot
	}

	if len(cfg.Transports.Enabled) == 0 {
		return ErrNoTransportsEnabled
	}
	for _, kind := range cfg.Transports.Enabled {
		if !ValidTransportKinds[kind] {
			return fmt.Errorf("transport kind %q: %w", kind, ErrInvalidTransportKind)
		}
	}

	if !ValidStrategies[cfg.Transports.Strategy] {
		return fmt.Errorf("strategy %q: %w", cfg.Transports.Strategy, ErrInvalidStrategy)
	}

	if cfg.Transports.TCP.MaxConnections <= 0 {
		return ErrInvalidMaxConnections
	}

	if cfg.Peer.EncryptionEnabled && cfg.Peer.SessionCode == "" {
		return ErrEncryptionNeedsSessionCode
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
