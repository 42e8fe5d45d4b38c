package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedesk/internal/errors"
	"tradedesk/internal/models"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"TRADEDESK_MODE", "TRADEDESK_DB_PATH", "TRADEDESK_LOG_LEVEL",
		"KITE_API_KEY", "KITE_ACCESS_TOKEN", "BINANCE_API_KEY", "BINANCE_SECRET_KEY", "BINANCE_BASE_URL"} {
		t.Setenv(k, "")
	}
}

func TestLoad_MissingFileWritesTemplate(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "config.toml"))
	assert.True(t, cfg.IsPaperMode())
	assert.Equal(t, filepath.Join(dir, "tradedesk.db"), cfg.Store.Path)
	assert.Equal(t, 5*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 4, cfg.Sync.Workers)

	routes := cfg.RouteTable()
	assert.Equal(t, "paper", routes[models.AssetStock])
	assert.Equal(t, "paper", routes[models.AssetCrypto])
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(`
[trading]
mode = "live"

[trading.routes]
stock = "zerodha"
crypto = "paper"

[venues.binance]
api_key = "from-file"

[venues.paper]
fee_rate = "0.001"
initial_cash = "50000"

[venues.paper.prices]
INFY = "1500.25"

[sync]
interval = "2s"
workers = 2
`), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("KITE_API_KEY=kite-from-dotenv\n"), 0600))
	t.Setenv("BINANCE_API_KEY", "from-env")
	t.Setenv("KITE_API_KEY", "")
	os.Unsetenv("KITE_API_KEY")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.False(t, cfg.IsPaperMode())
	assert.Equal(t, "from-env", cfg.Venues.Binance.APIKey)
	assert.Equal(t, "kite-from-dotenv", cfg.Venues.Zerodha.APIKey)
	assert.Equal(t, "NSE", cfg.Venues.Zerodha.Exchange)
	assert.Equal(t, 2*time.Second, cfg.Sync.Interval)

	routes := cfg.RouteTable()
	assert.Equal(t, "zerodha", routes[models.AssetStock])
	assert.Equal(t, "paper", routes[models.AssetCrypto])

	assert.True(t, cfg.PaperFeeRate().Equal(decimal.RequireFromString("0.001")))
	assert.True(t, cfg.InitialCash().Equal(decimal.NewFromInt(50000)))
	assert.True(t, cfg.PaperPrices()["INFY"].Equal(decimal.RequireFromString("1500.25")))
}

func TestLoad_ModeFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("TRADEDESK_MODE", "LIVE")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, ModeLive, cfg.Trading.Mode)
}

func validConfig() *Config {
	return &Config{
		Trading: TradingConfig{Mode: ModePaper},
		Venues:  VenuesConfig{Paper: PaperConfig{FeeRate: "0", InitialCash: "1000"}},
		Sync:    SyncConfig{Interval: time.Second, Workers: 1, MaxAttempts: 1},
		Store:   StoreConfig{Path: "x.db"},
		Breaker: BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Trading.Mode = "yolo" }},
		{"unknown asset class", func(c *Config) { c.Trading.Routes = map[string]string{"bond": "paper"} }},
		{"unknown venue", func(c *Config) { c.Trading.Routes = map[string]string{"stock": "nyse"} }},
		{"negative fee", func(c *Config) { c.Venues.Paper.FeeRate = "-0.1" }},
		{"fee not decimal", func(c *Config) { c.Venues.Paper.FeeRate = "cheap" }},
		{"negative cash", func(c *Config) { c.Venues.Paper.InitialCash = "-1" }},
		{"zero price", func(c *Config) { c.Venues.Paper.Prices = map[string]string{"infy": "0"} }},
		{"zero interval", func(c *Config) { c.Sync.Interval = 0 }},
		{"no workers", func(c *Config) { c.Sync.Workers = 0 }},
		{"no store path", func(c *Config) { c.Store.Path = "" }},
		{"breaker threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }},
	}

	require.NoError(t, validConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			assert.ErrorIs(t, c.Validate(), errors.ErrConfigInvalid)
		})
	}
}

func TestDerivedSettings(t *testing.T) {
	c := validConfig()
	c.Sync.MaxAttempts = 4
	c.Breaker.Timeout = time.Minute

	rc := c.RetryConfig()
	assert.Equal(t, 4, rc.MaxAttempts)
	require.NotNil(t, rc.ShouldRetry)
	assert.False(t, rc.ShouldRetry(errors.ErrInvalidOrder))

	bc := c.BreakerSettings()
	assert.Equal(t, time.Minute, bc.Timeout)
	assert.Equal(t, 1, bc.FailureThreshold)
}

func TestVenueRateLimiter(t *testing.T) {
	c := validConfig()
	c.Venues.Zerodha.RateLimit = 10
	c.Venues.Zerodha.RateBurst = 10

	assert.NotNil(t, c.VenueRateLimiter("zerodha"))
	assert.Nil(t, c.VenueRateLimiter("binance"), "zero rate disables the limiter")
	assert.Nil(t, c.VenueRateLimiter("paper"))
}
