// Package config loads fieldsync settings from a TOML file, FIELDSYNC_*
// environment variables and built-in defaults, in that order of precedence
// (environment wins over the file).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/mmb-retail/fieldsync/internal/store"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "FIELDSYNC"

// Config is the resolved configuration.
type Config struct {
	DataDir string       `mapstructure:"data_dir"`
	Store   StoreConfig  `mapstructure:"store"`
	Remote  RemoteConfig `mapstructure:"remote"`
	Sync    SyncConfig   `mapstructure:"sync"`
	HTTP    HTTPConfig   `mapstructure:"http"`
	Spool   SpoolConfig  `mapstructure:"spool"`
	Log     LogConfig    `mapstructure:"log"`
}

// StoreConfig selects the local durable store.
type StoreConfig struct {
	Backend  string `mapstructure:"backend"`
	Path     string `mapstructure:"path"`
	RedisURL string `mapstructure:"redis_url"`
	MaxBytes int64  `mapstructure:"max_bytes"`
}

// RemoteConfig points at the hosted Postgres store.
type RemoteConfig struct {
	DSN       string        `mapstructure:"dsn"`
	Timeout   time.Duration `mapstructure:"timeout"`
	ProbeAddr string        `mapstructure:"probe_addr"`
}

// SyncConfig tunes the orchestrator and connectivity sensor.
type SyncConfig struct {
	ProbeInterval       time.Duration `mapstructure:"probe_interval"`
	RetryInterval       time.Duration `mapstructure:"retry_interval"`
	MaxRejectedAttempts int           `mapstructure:"max_rejected_attempts"`
}

// HTTPConfig is the local API listener.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// SpoolConfig is the directory watched for dropped envelope files.
type SpoolConfig struct {
	Dir string `mapstructure:"dir"`
}

// LogConfig controls the rotating log file. An empty File logs to stderr only.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// DefaultDataDir returns $HOME/.fieldsync, or .fieldsync when there is no home.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fieldsync"
	}
	return filepath.Join(home, ".fieldsync")
}

// DefaultPath returns the config file used when none is given.
func DefaultPath() string {
	return filepath.Join(DefaultDataDir(), "config.toml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())

	v.SetDefault("store.backend", store.BackendSQLite)
	v.SetDefault("store.path", "")
	v.SetDefault("store.redis_url", "")
	v.SetDefault("store.max_bytes", int64(0))

	v.SetDefault("remote.dsn", "")
	v.SetDefault("remote.timeout", 15*time.Second)
	v.SetDefault("remote.probe_addr", "")

	v.SetDefault("sync.probe_interval", 5*time.Second)
	v.SetDefault("sync.retry_interval", time.Duration(0))
	v.SetDefault("sync.max_rejected_attempts", 5)

	v.SetDefault("http.addr", ":8787")
	v.SetDefault("spool.dir", "")

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// New returns a viper instance with defaults and environment bindings but
// no file. Load uses it; the CLI binds its flags to it.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (or the default file when path is empty) on top of v and
// resolves the result. A missing default file is not an error; a missing
// explicit file is.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = New()
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(DefaultDataDir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return resolve(v)
}

func resolve(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.fill()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// fill derives paths that default to locations under DataDir.
func (c *Config) fill() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "queue.db")
	}
	if c.Spool.Dir == "" {
		c.Spool.Dir = filepath.Join(c.DataDir, "spool")
	}
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case store.BackendSQLite, store.BackendMemory:
	case store.BackendRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive (got %v)", c.Remote.Timeout)
	}
	if c.Sync.ProbeInterval <= 0 {
		return fmt.Errorf("sync.probe_interval must be positive (got %v)", c.Sync.ProbeInterval)
	}
	if c.Sync.RetryInterval < 0 {
		return fmt.Errorf("sync.retry_interval cannot be negative")
	}
	if c.Sync.MaxRejectedAttempts < 0 {
		return fmt.Errorf("sync.max_rejected_attempts cannot be negative")
	}
	return nil
}

// StoreConfig converts the store section for store.Open.
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Backend:  c.Store.Backend,
		Path:     c.Store.Path,
		RedisURL: c.Store.RedisURL,
		MaxBytes: c.Store.MaxBytes,
	}
}

// fileConfig is the on-disk layout written by WriteDefault. Durations are
// strings so the file reads "15s" rather than nanoseconds.
type fileConfig struct {
	DataDir string `toml:"data_dir"`
	Store   struct {
		Backend  string `toml:"backend"`
		Path     string `toml:"path"`
		RedisURL string `toml:"redis_url"`
		MaxBytes int64  `toml:"max_bytes"`
	} `toml:"store"`
	Remote struct {
		DSN       string `toml:"dsn"`
		Timeout   string `toml:"timeout"`
		ProbeAddr string `toml:"probe_addr"`
	} `toml:"remote"`
	Sync struct {
		ProbeInterval       string `toml:"probe_interval"`
		RetryInterval       string `toml:"retry_interval"`
		MaxRejectedAttempts int    `toml:"max_rejected_attempts"`
	} `toml:"sync"`
	HTTP struct {
		Addr string `toml:"addr"`
	} `toml:"http"`
	Spool struct {
		Dir string `toml:"dir"`
	} `toml:"spool"`
	Log struct {
		File       string `toml:"file"`
		MaxSizeMB  int    `toml:"max_size_mb"`
		MaxBackups int    `toml:"max_backups"`
		MaxAgeDays int    `toml:"max_age_days"`
	} `toml:"log"`
}

// WriteDefault writes a config file holding the defaults to path. It
// refuses to overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}

	cfg, err := resolve(New())
	if err != nil {
		return err
	}

	var f fileConfig
	f.DataDir = cfg.DataDir
	f.Store.Backend = cfg.Store.Backend
	f.Store.Path = cfg.Store.Path
	f.Store.RedisURL = cfg.Store.RedisURL
	f.Store.MaxBytes = cfg.Store.MaxBytes
	f.Remote.DSN = cfg.Remote.DSN
	f.Remote.Timeout = cfg.Remote.Timeout.String()
	f.Remote.ProbeAddr = cfg.Remote.ProbeAddr
	f.Sync.ProbeInterval = cfg.Sync.ProbeInterval.String()
	f.Sync.RetryInterval = cfg.Sync.RetryInterval.String()
	f.Sync.MaxRejectedAttempts = cfg.Sync.MaxRejectedAttempts
	f.HTTP.Addr = cfg.HTTP.Addr
	f.Spool.Dir = cfg.Spool.Dir
	f.Log.File = cfg.Log.File
	f.Log.MaxSizeMB = cfg.Log.MaxSizeMB
	f.Log.MaxBackups = cfg.Log.MaxBackups
	f.Log.MaxAgeDays = cfg.Log.MaxAgeDays

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if err := toml.NewEncoder(file).Encode(f); err != nil {
		file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
