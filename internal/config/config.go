// Package config loads the service configuration: a .env file, an optional
// YAML or JSON file, then environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/atmx/papertrade/internal/model"
	"github.com/atmx/papertrade/internal/pricefeed"
	"github.com/atmx/papertrade/internal/session"
)

// Store backends.
const (
	StoreAuto     = ""
	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"
)

// Journal backends.
const (
	JournalAuto     = ""
	JournalNone     = "none"
	JournalMemory   = "memory"
	JournalSQLite   = "sqlite"
	JournalPostgres = "postgres"
	JournalHTTP     = "http"
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	PriceFeed PriceFeedConfig `json:"price_feed" yaml:"price_feed"`
	Journal   JournalConfig   `json:"journal" yaml:"journal"`
	Session   SessionConfig   `json:"session" yaml:"session"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port     string `json:"port" yaml:"port"`
	LogLevel string `json:"log_level" yaml:"log_level"`
	// APIToken guards POST /manual-trades; empty disables the check.
	APIToken string `json:"api_token" yaml:"api_token"`
}

// StoreConfig selects where sessions and lockouts are persisted. With an
// empty backend, DatabaseURL picks Postgres, Dir picks files, and memory
// is the fallback.
type StoreConfig struct {
	Backend     string        `json:"backend" yaml:"backend"`
	Dir         string        `json:"dir" yaml:"dir"`
	DatabaseURL string        `json:"database_url" yaml:"database_url"`
	RedisURL    string        `json:"redis_url" yaml:"redis_url"`
	CacheTTL    time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
}

// PriceFeedConfig points at the quote service.
type PriceFeedConfig struct {
	URL      string        `json:"url" yaml:"url"`
	Interval time.Duration `json:"interval" yaml:"interval"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
}

// JournalConfig selects the trade-history store. With an empty backend,
// RemoteURL picks HTTP, then the store's DatabaseURL picks Postgres, then
// DBPath picks SQLite, and memory is the fallback.
type JournalConfig struct {
	Backend   string        `json:"backend" yaml:"backend"`
	DBPath    string        `json:"db_path" yaml:"db_path"`
	RemoteURL string        `json:"remote_url" yaml:"remote_url"`
	Token     string        `json:"token" yaml:"token"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout"`
}

// SessionConfig holds the defaults of new sessions.
type SessionConfig struct {
	Symbol          string              `json:"symbol" yaml:"symbol"`
	LockoutDuration time.Duration       `json:"lockout_duration" yaml:"lockout_duration"`
	Defaults        model.SessionConfig `json:"defaults" yaml:"defaults"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     "8080",
			LogLevel: "info",
		},
		Store: StoreConfig{
			CacheTTL: 30 * time.Second,
		},
		PriceFeed: PriceFeedConfig{
			URL:      "http://localhost:8000",
			Interval: pricefeed.DefaultInterval,
			Timeout:  pricefeed.DefaultTimeout,
		},
		Journal: JournalConfig{
			Timeout: session.DefaultJournalTimeout,
		},
		Session: SessionConfig{
			Symbol:          session.DefaultSymbol,
			LockoutDuration: 30 * time.Minute,
			Defaults:        model.DefaultSessionConfig(),
		},
	}
}

// Load builds the configuration. A .env file in the working directory is
// loaded if present (without overriding the real environment), then path
// is parsed if non-empty, then environment variables are applied.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// loadFile merges a YAML or JSON file over the current values.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	// Try YAML first, fall back to JSON
	if err := yaml.Unmarshal(data, c); err != nil {
		if jerr := json.Unmarshal(data, c); jerr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}
	return nil
}

// applyEnv overrides file values with the environment.
func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Server.Port, "PORT")
	set(&c.Server.LogLevel, "LOG_LEVEL")
	set(&c.Server.APIToken, "API_TOKEN")
	set(&c.Store.Backend, "STORE_BACKEND")
	set(&c.Store.Dir, "STORE_DIR")
	set(&c.Store.DatabaseURL, "DATABASE_URL")
	set(&c.Store.RedisURL, "REDIS_URL")
	set(&c.PriceFeed.URL, "PRICE_API_URL")
	set(&c.Journal.Backend, "JOURNAL_BACKEND")
	set(&c.Journal.DBPath, "JOURNAL_DB_PATH")
	set(&c.Journal.RemoteURL, "TRADE_API_URL")
	set(&c.Journal.Token, "TRADE_API_TOKEN")
	set(&c.Session.Symbol, "DEFAULT_SYMBOL")
}

// StoreBackend resolves the effective store backend.
func (c *Config) StoreBackend() string {
	switch {
	case c.Store.Backend != StoreAuto:
		return c.Store.Backend
	case c.Store.DatabaseURL != "":
		return StorePostgres
	case c.Store.Dir != "":
		return StoreFile
	}
	return StoreMemory
}

// JournalBackend resolves the effective journal backend.
func (c *Config) JournalBackend() string {
	switch {
	case c.Journal.Backend != JournalAuto:
		return c.Journal.Backend
	case c.Journal.RemoteURL != "":
		return JournalHTTP
	case c.Store.DatabaseURL != "":
		return JournalPostgres
	case c.Journal.DBPath != "":
		return JournalSQLite
	}
	return JournalMemory
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	switch c.StoreBackend() {
	case StoreMemory:
	case StoreFile:
		if c.Store.Dir == "" {
			return fmt.Errorf("store.dir required for file backend")
		}
	case StorePostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("store.database_url required for postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.JournalBackend() {
	case JournalNone, JournalMemory:
	case JournalSQLite:
		if c.Journal.DBPath == "" {
			return fmt.Errorf("journal.db_path required for sqlite backend")
		}
	case JournalPostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("store.database_url required for postgres journal")
		}
	case JournalHTTP:
		if c.Journal.RemoteURL == "" {
			return fmt.Errorf("journal.remote_url required for http backend")
		}
	default:
		return fmt.Errorf("unknown journal backend %q", c.Journal.Backend)
	}
	if c.PriceFeed.URL == "" {
		return fmt.Errorf("price_feed.url is required")
	}
	if c.PriceFeed.Interval <= 0 || c.PriceFeed.Timeout <= 0 {
		return fmt.Errorf("price_feed interval and timeout must be positive")
	}
	if c.Session.LockoutDuration <= 0 {
		return fmt.Errorf("session.lockout_duration must be positive")
	}
	if _, err := pricefeed.NormalizeSymbol(c.Session.Symbol); err != nil {
		return fmt.Errorf("session.symbol: %w", err)
	}
	if err := session.ValidateConfig(c.Session.Defaults); err != nil {
		return fmt.Errorf("session.defaults: %w", err)
	}
	return nil
}
