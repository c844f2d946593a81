// Package config loads capture defaults from a TOML file and environment.
//
// Precedence (highest to lowest):
//  1. Environment variables (STDCAPTURE_*)
//  2. Config file ($STDCAPTURE_CONFIG or ~/.config/stdcapture/config.toml)
//  3. Built-in defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/asheshgoplani/stdcapture/internal/logging"
)

// FileName is the default config file name.
const FileName = "config.toml"

// Environment variables read by Load.
const (
	EnvConfigPath = "STDCAPTURE_CONFIG"
	EnvSeparator  = "STDCAPTURE_SEPARATOR"
	EnvMaxWait    = "STDCAPTURE_MAX_WAIT"
	EnvDebug      = "STDCAPTURE_DEBUG"
)

// Config holds capture defaults.
type Config struct {
	// Separator splits captured bytes into lines. One or two bytes.
	Separator string `toml:"separator"`

	// MaxWait bounds every framework wait (installation, teardown, join).
	// Go duration string, e.g. "5s".
	MaxWait string `toml:"max_wait"`

	// MaxBytes caps each channel's raw buffer; 0 keeps everything.
	// Older bytes are overwritten once the cap is reached.
	MaxBytes int `toml:"max_bytes"`

	// Logging configures the diagnostic log
	Logging LogSettings `toml:"logging"`

	// MaxWaitDuration is the parsed MaxWait
	MaxWaitDuration time.Duration `toml:"-"`

	// File is the path that was loaded (empty if none)
	File string `toml:"-"`
}

// LogSettings mirrors logging.Config in TOML form.
type LogSettings struct {
	Dir                   string `toml:"dir"`
	Level                 string `toml:"level"`
	Format                string `toml:"format"`
	Debug                 bool   `toml:"debug"`
	MaxSizeMB             int    `toml:"max_size_mb"`
	MaxBackups            int    `toml:"max_backups"`
	MaxAgeDays            int    `toml:"max_age_days"`
	Compress              bool   `toml:"compress"`
	AggregateIntervalSecs int    `toml:"aggregate_interval_secs"`
}

// LoggingConfig converts the settings for logging.Init.
func (s LogSettings) LoggingConfig() logging.Config {
	return logging.Config{
		LogDir:                s.Dir,
		Level:                 s.Level,
		Format:                s.Format,
		Debug:                 s.Debug,
		MaxSizeMB:             s.MaxSizeMB,
		MaxBackups:            s.MaxBackups,
		MaxAgeDays:            s.MaxAgeDays,
		Compress:              s.Compress,
		AggregateIntervalSecs: s.AggregateIntervalSecs,
	}
}

// Defaults returns a Config with all default values.
func Defaults() *Config {
	return &Config{
		Separator:       "\n",
		MaxWait:         "5s",
		MaxWaitDuration: 5 * time.Second,
		Logging: LogSettings{
			Level:  "info",
			Format: "json",
		},
	}
}

// DefaultPath returns the config path used when STDCAPTURE_CONFIG is unset.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "stdcapture", FileName)
}

// Load reads path (or the default location when path is empty), applies
// environment overrides and validates the result. A missing file is not an
// error.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = DefaultPath()
	}

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		} else {
			cfg.File = path
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv(EnvSeparator); ok {
		cfg.Separator = unescape(v)
	}
	if v := os.Getenv(EnvMaxWait); v != "" {
		cfg.MaxWait = v
	}
	if v := os.Getenv(EnvDebug); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.Debug = b
		}
	}
}

// unescape lets separators be written as \n, \r\n or \r in env vars.
func unescape(s string) string {
	switch s {
	case `\n`:
		return "\n"
	case `\r\n`:
		return "\r\n"
	case `\r`:
		return "\r"
	}
	return s
}

func (c *Config) validate() error {
	if len(c.Separator) != 1 && len(c.Separator) != 2 {
		return fmt.Errorf("separator %q: must be 1 or 2 bytes", c.Separator)
	}
	d, err := time.ParseDuration(c.MaxWait)
	if err != nil {
		return fmt.Errorf("max_wait %q: %w", c.MaxWait, err)
	}
	if d <= 0 {
		return fmt.Errorf("max_wait %q: must be positive", c.MaxWait)
	}
	c.MaxWaitDuration = d
	if c.MaxBytes < 0 {
		return fmt.Errorf("max_bytes %d: must not be negative", c.MaxBytes)
	}
	return nil
}

var (
	cached   *Config
	cachedMu sync.RWMutex
)

// Get returns the cached configuration, loading it on first use. Load
// failures fall back to defaults and are logged.
func Get() *Config {
	cachedMu.RLock()
	cfg := cached
	cachedMu.RUnlock()
	if cfg != nil {
		return cfg
	}
	return Reload()
}

// Reload re-reads the configuration and replaces the cache.
func Reload() *Config {
	cfg, err := Load("")
	if err != nil {
		logging.ForComponent(logging.CompConfig).Warn("config_load_failed", "error", err.Error())
		cfg = Defaults()
	}
	cachedMu.Lock()
	cached = cfg
	cachedMu.Unlock()
	return cfg
}
