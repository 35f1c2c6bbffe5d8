package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, StoreMemory, cfg.StoreBackend())
	assert.Equal(t, JournalMemory, cfg.JournalBackend())
	assert.Equal(t, "BTCUSDT", cfg.Session.Symbol)
	assert.Equal(t, 30*time.Minute, cfg.Session.LockoutDuration)
}

func TestLoadFileYAML(t *testing.T) {
	path := writeFile(t, "papertrade.yaml", `
server:
  port: "9090"
price_feed:
  url: http://prices:8000
  interval: 2s
session:
  symbol: ETHUSDT
  lockout_duration: 15m
  defaults:
    trade_amount: "250"
    enable_rules: true
    max_trades_per_day: 3
`)
	cfg := Default()
	require.NoError(t, cfg.loadFile(path))

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "http://prices:8000", cfg.PriceFeed.URL)
	assert.Equal(t, 2*time.Second, cfg.PriceFeed.Interval)
	assert.Equal(t, "ETHUSDT", cfg.Session.Symbol)
	assert.Equal(t, 15*time.Minute, cfg.Session.LockoutDuration)
	assert.True(t, cfg.Session.Defaults.TradeAmount.Equal(decimal.NewFromInt(250)))
	assert.True(t, cfg.Session.Defaults.EnableRules)
	assert.Equal(t, 3, cfg.Session.Defaults.MaxTradesPerDay)

	// Untouched fields keep their defaults.
	assert.True(t, cfg.Session.Defaults.InitialCapital.Equal(decimal.NewFromInt(10000)))
	require.NoError(t, cfg.Validate())
}

func TestLoadFileJSON(t *testing.T) {
	path := writeFile(t, "papertrade.json", `{"server": {"port": "7070", "api_token": "s3cret"}}`)
	cfg := Default()
	require.NoError(t, cfg.loadFile(path))
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Server.APIToken)
}

func TestLoadFileErrors(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.loadFile(filepath.Join(t.TempDir(), "missing.yaml")))

	path := writeFile(t, "broken.yaml", "server: [unclosed")
	assert.Error(t, cfg.loadFile(path))
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PORT":            "3000",
		"DATABASE_URL":    "postgres://localhost/papertrade",
		"REDIS_URL":       "redis://localhost:6379",
		"PRICE_API_URL":   "http://quotes",
		"TRADE_API_URL":   "http://journal",
		"TRADE_API_TOKEN": "tok",
		"LOG_LEVEL":       "  ",
	}
	cfg := Default()
	cfg.applyEnv(func(k string) string { return env[k] })

	assert.Equal(t, "3000", cfg.Server.Port)
	assert.Equal(t, "info", cfg.Server.LogLevel, "blank values are ignored")
	assert.Equal(t, "http://quotes", cfg.PriceFeed.URL)
	assert.Equal(t, "tok", cfg.Journal.Token)
	assert.Equal(t, StorePostgres, cfg.StoreBackend())
	assert.Equal(t, JournalHTTP, cfg.JournalBackend())
	require.NoError(t, cfg.Validate())
}

func TestBackendSelection(t *testing.T) {
	cfg := Default()
	cfg.Store.Dir = "/var/lib/papertrade"
	cfg.Journal.DBPath = "/var/lib/papertrade/trades.db"
	assert.Equal(t, StoreFile, cfg.StoreBackend())
	assert.Equal(t, JournalSQLite, cfg.JournalBackend())

	cfg.Journal.Backend = JournalNone
	assert.Equal(t, JournalNone, cfg.JournalBackend())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no port", func(c *Config) { c.Server.Port = "" }},
		{"unknown store", func(c *Config) { c.Store.Backend = "etcd" }},
		{"file store without dir", func(c *Config) { c.Store.Backend = StoreFile }},
		{"postgres store without url", func(c *Config) { c.Store.Backend = StorePostgres }},
		{"unknown journal", func(c *Config) { c.Journal.Backend = "kafka" }},
		{"sqlite without path", func(c *Config) { c.Journal.Backend = JournalSQLite }},
		{"postgres journal without url", func(c *Config) { c.Journal.Backend = JournalPostgres }},
		{"http journal without url", func(c *Config) { c.Journal.Backend = JournalHTTP }},
		{"no price url", func(c *Config) { c.PriceFeed.URL = "" }},
		{"zero interval", func(c *Config) { c.PriceFeed.Interval = 0 }},
		{"zero lockout", func(c *Config) { c.Session.LockoutDuration = 0 }},
		{"bad symbol", func(c *Config) { c.Session.Symbol = "BTC/USDT" }},
		{"bad defaults", func(c *Config) { c.Session.Defaults.TradeAmount = decimal.Zero }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("PORT", "4040")
	path := writeFile(t, "papertrade.yaml", "server:\n  port: \"9090\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "4040", cfg.Server.Port, "environment wins over the file")
}
