// Package config loads runtime configuration for ledgerd.
//
// Sources, later ones winning:
//
//  1. Built-in defaults (Default).
//  2. Optional TOML file (Load).
//  3. Command-line flags, applied by cmd/ledgerd.
//
// Durations are written as Go duration strings:
//
//	[shadow]
//	grace_period = "10s"
//	cache_ttl = "15s"
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so it can be written as "15s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds every tunable of the sync core.
type Config struct {
	Store   StoreConfig   `toml:"store"`
	Remote  RemoteConfig  `toml:"remote"`
	Sync    SyncConfig    `toml:"sync"`
	Mode    ModeConfig    `toml:"mode"`
	Shadow  ShadowConfig  `toml:"shadow"`
	Media   MediaConfig   `toml:"media"`
	License LicenseConfig `toml:"license"`
	Server  ServerConfig  `toml:"server"`
	Backup  BackupConfig  `toml:"backup"`
	Log     LogConfig     `toml:"log"`
}

// StoreConfig locates the local database and blob directory.
type StoreConfig struct {
	DataDir string `toml:"data_dir"`
}

// RemoteConfig configures the HTTP client.
type RemoteConfig struct {
	BaseURL    string   `toml:"base_url"`
	Token      string   `toml:"token"`
	Timeout    Duration `toml:"timeout"`
	MaxRetries int      `toml:"max_retries"`
	RetryDelay Duration `toml:"retry_delay"`
}

// SyncConfig tunes the orchestrator.
type SyncConfig struct {
	PageSize          int  `toml:"page_size"`
	PurgeAfterConfirm bool `toml:"purge_after_confirm"`
	// Interval between background passes; zero leaves only the
	// change-triggered passes.
	Interval Duration `toml:"interval"`
}

// ModeConfig tunes the network mode controller.
type ModeConfig struct {
	Interval         Duration `toml:"interval"`
	ProbeTimeout     Duration `toml:"probe_timeout"`
	LatencyThreshold Duration `toml:"latency_threshold"`
	ExternalProbeURL string   `toml:"external_probe_url"`
}

// ShadowConfig tunes the deletion grace buffer.
type ShadowConfig struct {
	GracePeriod Duration `toml:"grace_period"`
	CacheTTL    Duration `toml:"cache_ttl"`
}

// MediaConfig selects and tunes the uploader.
type MediaConfig struct {
	// Backend is "http" (POST /media) or "s3".
	Backend      string   `toml:"backend"`
	MaxDimension int      `toml:"max_dimension"`
	JPEGQuality  int      `toml:"jpeg_quality"`
	S3           S3Config `toml:"s3"`
}

// S3Config configures the S3-compatible uploader.
type S3Config struct {
	// Provider is "aws", "minio" or "r2".
	Provider  string `toml:"provider"`
	Endpoint  string `toml:"endpoint"`
	Region    string `toml:"region"`
	Bucket    string `toml:"bucket"`
	AccountID string `toml:"account_id"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	PublicURL string `toml:"public_url"`
}

// LicenseConfig configures the risk manager.
type LicenseConfig struct {
	Secret         string   `toml:"secret"`
	ClockTolerance Duration `toml:"clock_tolerance"`
}

// ServerConfig configures the daemon's local HTTP surface.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// BackupConfig configures periodic local backups. A zero interval
// disables the schedule; `ledgerd export` still works.
type BackupConfig struct {
	Interval Duration `toml:"interval"`
	Dir      string   `toml:"dir"`
	Keep     int      `toml:"keep"`
	Password string   `toml:"password"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns the built-in defaults.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		Store: StoreConfig{DataDir: filepath.Join(home, ".ledgersync")},
		Remote: RemoteConfig{
			BaseURL:    "http://127.0.0.1:8080",
			Timeout:    Duration{10 * time.Second},
			MaxRetries: 2,
			RetryDelay: Duration{500 * time.Millisecond},
		},
		Sync: SyncConfig{PageSize: 100, PurgeAfterConfirm: true, Interval: Duration{time.Minute}},
		Mode: ModeConfig{
			Interval:         Duration{15 * time.Second},
			ProbeTimeout:     Duration{3 * time.Second},
			LatencyThreshold: Duration{1500 * time.Millisecond},
		},
		Shadow: ShadowConfig{
			GracePeriod: Duration{10 * time.Second},
			CacheTTL:    Duration{15 * time.Second},
		},
		Media: MediaConfig{
			Backend:      "http",
			MaxDimension: 1600,
			JPEGQuality:  80,
			S3:           S3Config{Provider: "aws", Region: "us-east-1"},
		},
		License: LicenseConfig{ClockTolerance: Duration{5 * time.Minute}},
		Server:  ServerConfig{Addr: "127.0.0.1:7420"},
		Backup:  BackupConfig{Keep: 7},
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the sync core cannot run with.
func (c *Config) Validate() error {
	if c.Store.DataDir == "" {
		return fmt.Errorf("store.data_dir is required")
	}
	if c.Sync.PageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive")
	}
	if c.Sync.Interval.Duration < 0 {
		return fmt.Errorf("sync.interval must not be negative")
	}
	if c.Shadow.GracePeriod.Duration <= 0 || c.Shadow.CacheTTL.Duration <= 0 {
		return fmt.Errorf("shadow durations must be positive")
	}
	if c.Shadow.CacheTTL.Duration < c.Shadow.GracePeriod.Duration {
		return fmt.Errorf("shadow.cache_ttl (%s) must not be shorter than shadow.grace_period (%s)",
			c.Shadow.CacheTTL.Duration, c.Shadow.GracePeriod.Duration)
	}
	if c.Mode.Interval.Duration <= 0 {
		return fmt.Errorf("mode.interval must be positive")
	}
	switch c.Media.Backend {
	case "http", "s3":
	default:
		return fmt.Errorf("media.backend %q must be http or s3", c.Media.Backend)
	}
	if c.Backup.Interval.Duration < 0 || c.Backup.Keep < 0 {
		return fmt.Errorf("backup.interval and backup.keep must not be negative")
	}
	if c.Backup.Password != "" && len(c.Backup.Password) < 8 {
		return fmt.Errorf("backup.password must be at least 8 characters")
	}
	return nil
}

// DatabasePath is the SQLite file inside the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Store.DataDir, "ledger.db")
}

// BlobDir is the media blob directory inside the data directory.
func (c *Config) BlobDir() string {
	return filepath.Join(c.Store.DataDir, "blobs")
}

// BackupDir is backup.dir, or "backups" inside the data directory.
func (c *Config) BackupDir() string {
	if c.Backup.Dir != "" {
		return c.Backup.Dir
	}
	return filepath.Join(c.Store.DataDir, "backups")
}
