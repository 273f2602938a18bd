// Package config loads cartsync settings from a TOML file with environment overrides.
package config

import (
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"

	apperrors "github.com/kimhsiao/cartsync/internal/errors"
)

// Store backends.
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
)

// Conflict policies.
const (
	PolicyMerge       = "merge"
	PolicyPreferLocal = "prefer_local"
	PolicyLastWrite   = "last_write_wins"
)

// Environment overrides.
const (
	EnvDataDir   = "CARTSYNC_DATA_DIR"
	EnvRemoteURL = "CARTSYNC_REMOTE_URL"
	EnvLogLevel  = "CARTSYNC_LOG_LEVEL"
)

// Duration is a time.Duration written as a string such as "30s" or "5m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the full cartsync configuration.
type Config struct {
	Store        Store        `toml:"store"`
	Remote       Remote       `toml:"remote"`
	Sync         Sync         `toml:"sync"`
	Conflict     Conflict     `toml:"conflict"`
	Connectivity Connectivity `toml:"connectivity"`
	Log          Log          `toml:"log"`
}

// Store selects the persisted store backend.
type Store struct {
	Backend string `toml:"backend"`
	DataDir string `toml:"data_dir"`
}

// Remote configures the HTTP sync service. An empty BaseURL leaves the
// replica permanently offline.
type Remote struct {
	BaseURL     string   `toml:"base_url"`
	PushTimeout Duration `toml:"push_timeout"`
	PullTimeout Duration `toml:"pull_timeout"`
	// BatchSize caps records per push call; 0 pushes everything at once.
	BatchSize int `toml:"batch_size"`
}

// Sync configures the orchestrator and background scheduler.
type Sync struct {
	PullWhenIdle bool `toml:"pull_when_idle"`
	// Interval between timer-driven syncs; 0 disables the timer.
	Interval   Duration `toml:"interval"`
	RetryBase  Duration `toml:"retry_base"`
	RetryMax   Duration `toml:"retry_max"`
	MaxRetries int      `toml:"max_retries"`
	QueueSize  int      `toml:"queue_size"`
}

// Conflict selects the conflict policy.
type Conflict struct {
	Policy string `toml:"policy"`
}

// Connectivity configures the reachability probe.
type Connectivity struct {
	// ProbeAddress is a host:port to dial; empty derives it from the remote URL.
	ProbeAddress string   `toml:"probe_address"`
	ProbeTimeout Duration `toml:"probe_timeout"`
}

// Log configures the global logger.
type Log struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// DefaultDataDir returns ~/.cartsync, or .cartsync when there is no home directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cartsync"
	}
	return filepath.Join(home, ".cartsync")
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Store: Store{
			Backend: BackendSQLite,
			DataDir: DefaultDataDir(),
		},
		Remote: Remote{
			PushTimeout: Duration{30 * time.Second},
			PullTimeout: Duration{30 * time.Second},
		},
		Sync: Sync{
			PullWhenIdle: true,
			Interval:     Duration{5 * time.Minute},
			RetryBase:    Duration{60 * time.Second},
			RetryMax:     Duration{time.Hour},
			MaxRetries:   5,
			QueueSize:    16,
		},
		Conflict: Conflict{Policy: PolicyMerge},
		Connectivity: Connectivity{
			ProbeTimeout: Duration{3 * time.Second},
		},
		Log: Log{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads path from fs over the defaults and applies environment overrides.
// A missing file yields the defaults.
func Load(fs afero.Fs, path string) (Config, error) {
	return LoadEnv(fs, path, os.Getenv)
}

// LoadEnv is Load with an explicit environment lookup.
func LoadEnv(fs afero.Fs, path string, getenv func(string) string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := afero.ReadFile(fs, path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return Config{}, apperrors.Wrap(apperrors.ErrConfig, "failed to read "+path, err)
		default:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return Config{}, apperrors.Wrap(apperrors.ErrConfig, "failed to parse "+path, err)
			}
		}
	}

	cfg.applyEnv(getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvDataDir); v != "" {
		c.Store.DataDir = v
	}
	if v := getenv(EnvRemoteURL); v != "" {
		c.Remote.BaseURL = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

// Validate reports the first invalid setting as a CONFIG_ERROR.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendSQLite, BackendFile:
	default:
		return apperrors.Newf(apperrors.ErrConfig, "store.backend must be %q or %q, got %q", BackendSQLite, BackendFile, c.Store.Backend)
	}
	if c.Store.DataDir == "" {
		return apperrors.New(apperrors.ErrConfig, "store.data_dir is required")
	}

	if c.Remote.BaseURL != "" {
		u, err := url.Parse(c.Remote.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return apperrors.Newf(apperrors.ErrConfig, "remote.base_url must be an http(s) URL, got %q", c.Remote.BaseURL)
		}
	}
	if c.Remote.PushTimeout.Duration <= 0 || c.Remote.PullTimeout.Duration <= 0 {
		return apperrors.New(apperrors.ErrConfig, "remote timeouts must be positive")
	}
	if c.Remote.BatchSize < 0 {
		return apperrors.New(apperrors.ErrConfig, "remote.batch_size must not be negative")
	}

	if c.Sync.Interval.Duration < 0 {
		return apperrors.New(apperrors.ErrConfig, "sync.interval must not be negative")
	}
	if c.Sync.RetryBase.Duration <= 0 || c.Sync.RetryMax.Duration < c.Sync.RetryBase.Duration {
		return apperrors.New(apperrors.ErrConfig, "sync.retry_base must be positive and not above sync.retry_max")
	}
	if c.Sync.MaxRetries < 0 {
		return apperrors.New(apperrors.ErrConfig, "sync.max_retries must not be negative")
	}
	if c.Sync.QueueSize <= 0 {
		return apperrors.New(apperrors.ErrConfig, "sync.queue_size must be positive")
	}

	switch c.Conflict.Policy {
	case PolicyMerge, PolicyPreferLocal, PolicyLastWrite:
	default:
		return apperrors.Newf(apperrors.ErrConfig, "conflict.policy %q is not one of merge, prefer_local, last_write_wins", c.Conflict.Policy)
	}

	if c.Connectivity.ProbeTimeout.Duration <= 0 {
		return apperrors.New(apperrors.ErrConfig, "connectivity.probe_timeout must be positive")
	}
	return nil
}

// ProbeAddress returns the address the connectivity probe dials: the
// configured one, or the remote host with its scheme's default port.
func (c *Config) ProbeAddress() string {
	if c.Connectivity.ProbeAddress != "" {
		return c.Connectivity.ProbeAddress
	}
	u, err := url.Parse(c.Remote.BaseURL)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}
