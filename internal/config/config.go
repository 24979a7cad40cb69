// Package config loads the settings of the authentication and audit subsystem.
//
// Values are resolved in order: built-in defaults, an optional TOML file, then
// CLINIKEY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"clinikey.org/internal/obs"
)

const envPrefix = "CLINIKEY_"

// Session timeout bounds. 15 minutes is the regulatory maximum for inactivity.
const (
	DefaultSessionTimeout = 15 * time.Minute
	MinSessionTimeout     = time.Minute
	MaxSessionTimeout     = 15 * time.Minute
	MaxCheckInterval      = time.Minute
)

// Config is the complete subsystem configuration.
type Config struct {
	DataDir string        `toml:"data_dir" env:"DATA_DIR"`
	Store   StoreConfig   `toml:"store" envPrefix:"STORE_"`
	Vault   VaultConfig   `toml:"vault" envPrefix:"VAULT_"`
	Remote  RemoteConfig  `toml:"remote" envPrefix:"REMOTE_"`
	Session SessionConfig `toml:"session" envPrefix:"SESSION_"`
	Audit   AuditConfig   `toml:"audit" envPrefix:"AUDIT_"`
	Devices DevicesConfig `toml:"devices" envPrefix:"DEVICES_"`
	Server  ServerConfig  `toml:"server" envPrefix:"SERVER_"`
}

// StoreConfig selects the Secure Local Store backend.
type StoreConfig struct {
	// Driver is "sqlite", "pgx" or "memory".
	Driver string `toml:"driver" env:"DRIVER"`
	DSN    string `toml:"dsn" env:"DSN"`
}

// VaultConfig selects the secret vault backend.
type VaultConfig struct {
	// Backend is "file" or "memory".
	Backend string `toml:"backend" env:"BACKEND"`
	Path    string `toml:"path" env:"PATH"`
	KeyPath string `toml:"key_path" env:"KEY_PATH"`
}

// RemoteConfig points at the Remote Identity/Data Service.
type RemoteConfig struct {
	Target  string        `toml:"target" env:"TARGET"`
	Timeout time.Duration `toml:"timeout" env:"TIMEOUT"`
}

// SessionConfig controls the inactivity timer.
type SessionConfig struct {
	Timeout       time.Duration `toml:"timeout" env:"TIMEOUT"`
	CheckInterval time.Duration `toml:"check_interval" env:"CHECK_INTERVAL"`
	WarningBefore time.Duration `toml:"warning_before" env:"WARNING_BEFORE"`
}

// AuditConfig controls the local audit log and its sync loop.
type AuditConfig struct {
	Capacity     int           `toml:"capacity" env:"CAPACITY"`
	SyncInterval time.Duration `toml:"sync_interval" env:"SYNC_INTERVAL"`

	// SyncPerMinute limits syncs triggered by Record; explicit syncs are not limited.
	SyncPerMinute int `toml:"sync_per_minute" env:"SYNC_PER_MINUTE"`
}

// DevicesConfig controls the device profile list.
type DevicesConfig struct {
	MaxProfiles int `toml:"max_profiles" env:"MAX_PROFILES"`
}

// ServerConfig configures the development identity service.
type ServerConfig struct {
	GRPCAddr    string        `toml:"grpc_addr" env:"GRPC_ADDR"`
	HTTPAddr    string        `toml:"http_addr" env:"HTTP_ADDR"`
	TokenSecret string        `toml:"token_secret" env:"TOKEN_SECRET"`
	AccessTTL   time.Duration `toml:"access_ttl" env:"ACCESS_TTL"`
	RefreshTTL  time.Duration `toml:"refresh_ttl" env:"REFRESH_TTL"`
	LoginPerSec float64       `toml:"login_per_second" env:"LOGIN_PER_SECOND"`
	LoginBurst  int           `toml:"login_burst" env:"LOGIN_BURST"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir: ".clinikey",
		Store:   StoreConfig{Driver: "sqlite"},
		Vault:   VaultConfig{Backend: "file"},
		Remote:  RemoteConfig{Target: "127.0.0.1:9090", Timeout: 10 * time.Second},
		Session: SessionConfig{
			Timeout:       DefaultSessionTimeout,
			CheckInterval: 30 * time.Second,
			WarningBefore: 2 * time.Minute,
		},
		Audit: AuditConfig{
			Capacity:      1000,
			SyncInterval:  5 * time.Minute,
			SyncPerMinute: 6,
		},
		Devices: DevicesConfig{MaxProfiles: 5},
		Server: ServerConfig{
			GRPCAddr:    ":9090",
			HTTPAddr:    ":9091",
			AccessTTL:   15 * time.Minute,
			RefreshTTL:  14 * 24 * time.Hour,
			LoginPerSec: 1,
			LoginBurst:  5,
		},
	}
}

// Load resolves configuration from defaults, the optional TOML file at path and
// the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseEnv applies CLINIKEY_* environment variables to target. Unset variables
// leave the existing values in place.
func ParseEnv(target *Config) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate normalizes the configuration and rejects unusable values.
// Session timeouts outside the allowed range are clamped rather than rejected.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "pgx", "memory":
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "pgx" && strings.TrimSpace(c.Store.DSN) == "" {
		return errors.New("config: store.dsn is required for the pgx driver")
	}
	if c.Store.Driver == "sqlite" && c.Store.DSN == "" {
		c.Store.DSN = "file:" + filepath.Join(c.DataDir, "local.db")
	}
	switch c.Vault.Backend {
	case "file", "memory":
	default:
		return fmt.Errorf("config: unknown vault backend %q", c.Vault.Backend)
	}
	if c.Vault.Path == "" {
		c.Vault.Path = filepath.Join(c.DataDir, "vault.enc")
	}
	if c.Vault.KeyPath == "" {
		c.Vault.KeyPath = filepath.Join(c.DataDir, "vault.key")
	}

	if c.Session.Timeout < MinSessionTimeout {
		obs.Warn("config.session.timeout.clamped", map[string]any{"requested": c.Session.Timeout.String(), "used": MinSessionTimeout.String()})
		c.Session.Timeout = MinSessionTimeout
	}
	if c.Session.Timeout > MaxSessionTimeout {
		obs.Warn("config.session.timeout.clamped", map[string]any{"requested": c.Session.Timeout.String(), "used": MaxSessionTimeout.String()})
		c.Session.Timeout = MaxSessionTimeout
	}
	if c.Session.CheckInterval <= 0 || c.Session.CheckInterval > MaxCheckInterval {
		c.Session.CheckInterval = MaxCheckInterval
	}
	if c.Session.WarningBefore < 0 || c.Session.WarningBefore >= c.Session.Timeout {
		c.Session.WarningBefore = 0
	}

	if c.Audit.Capacity <= 0 {
		return errors.New("config: audit.capacity must be positive")
	}
	if c.Audit.SyncInterval <= 0 {
		return errors.New("config: audit.sync_interval must be positive")
	}
	if c.Devices.MaxProfiles <= 0 {
		return errors.New("config: devices.max_profiles must be positive")
	}
	if c.Remote.Timeout <= 0 {
		c.Remote.Timeout = 10 * time.Second
	}
	return nil
}
