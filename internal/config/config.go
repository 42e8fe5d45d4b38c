// Package config provides configuration management for tradedesk.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"tradedesk/internal/audit"
	"tradedesk/internal/errors"
	"tradedesk/internal/logging"
	"tradedesk/internal/models"
	"tradedesk/internal/resilience"
	"tradedesk/pkg/utils"
)

// Trading modes.
const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// Venue names accepted in [trading.routes].
var knownVenues = map[string]bool{
	"zerodha": true,
	"binance": true,
	"paper":   true,
}

// Config holds all application configuration.
type Config struct {
	Trading TradingConfig `mapstructure:"trading"`
	Venues  VenuesConfig  `mapstructure:"venues"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Store   StoreConfig   `mapstructure:"store"`
	Logging LoggingConfig `mapstructure:"logging"`
	Audit   AuditConfig   `mapstructure:"audit"`
	Breaker BreakerConfig `mapstructure:"breaker"`
}

// TradingConfig holds trading-related configuration.
type TradingConfig struct {
	Mode string `mapstructure:"mode"` // "live", "paper"
	// Routes maps asset class to venue name. Ignored in paper mode.
	Routes map[string]string `mapstructure:"routes"`
}

// VenuesConfig holds per-venue settings.
type VenuesConfig struct {
	Zerodha ZerodhaConfig `mapstructure:"zerodha"`
	Binance BinanceConfig `mapstructure:"binance"`
	Paper   PaperConfig   `mapstructure:"paper"`
}

// ZerodhaConfig holds Kite Connect settings.
type ZerodhaConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	AccessToken string        `mapstructure:"access_token"`
	TokenPath   string        `mapstructure:"token_path"`
	Exchange    string        `mapstructure:"exchange"`
	Product     string        `mapstructure:"product"`
	BaseURI     string        `mapstructure:"base_uri"`
	Timeout     time.Duration `mapstructure:"timeout"`
	RateLimit   float64       `mapstructure:"rate_limit"` // requests per second, 0 disables
	RateBurst   int           `mapstructure:"rate_burst"`
}

// BinanceConfig holds Binance spot settings.
type BinanceConfig struct {
	APIKey     string        `mapstructure:"api_key"`
	SecretKey  string        `mapstructure:"secret_key"`
	BaseURL    string        `mapstructure:"base_url"`
	RecvWindow time.Duration `mapstructure:"recv_window"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RateLimit  float64       `mapstructure:"rate_limit"`
	RateBurst  int           `mapstructure:"rate_burst"`
}

// PaperConfig holds simulated venue settings. Amounts are decimal strings.
type PaperConfig struct {
	FeeRate     string            `mapstructure:"fee_rate"`
	InitialCash string            `mapstructure:"initial_cash"`
	Prices      map[string]string `mapstructure:"prices"`
}

// SyncConfig controls the background synchronizer.
type SyncConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	Workers      int           `mapstructure:"workers"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// StoreConfig holds database settings.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// AuditConfig holds audit trail settings.
type AuditConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	LogDir     string `mapstructure:"log_dir"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// BreakerConfig holds per-venue circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/tradedesk"
	}
	return filepath.Join(home, ".config", "tradedesk")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory. A missing
// config.toml is replaced by a commented template and defaults are used.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	if err := loadDotEnv(configDir); err != nil {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v, configDir)
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("loading config.toml: %w", err)
		}
		if err := createTemplateConfig(configDir); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// loadDotEnv reads .env from the working directory and the config dir.
// Variables already in the environment win.
func loadDotEnv(configDir string) error {
	for _, path := range []string{".env", filepath.Join(configDir, ".env")} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return err
		}
	}
	return nil
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("trading.mode", ModePaper)
	v.SetDefault("trading.routes", map[string]string{
		string(models.AssetStock):  "zerodha",
		string(models.AssetETF):    "zerodha",
		string(models.AssetCrypto): "binance",
	})

	v.SetDefault("venues.zerodha.exchange", "NSE")
	v.SetDefault("venues.zerodha.product", "CNC")
	v.SetDefault("venues.zerodha.token_path", filepath.Join(configDir, "session.json"))
	v.SetDefault("venues.zerodha.timeout", "10s")
	v.SetDefault("venues.zerodha.rate_limit", 10)
	v.SetDefault("venues.zerodha.rate_burst", 10)
	v.SetDefault("venues.binance.recv_window", "5s")
	v.SetDefault("venues.binance.timeout", "10s")
	v.SetDefault("venues.binance.rate_limit", 10)
	v.SetDefault("venues.binance.rate_burst", 20)
	v.SetDefault("venues.paper.fee_rate", "0")
	v.SetDefault("venues.paper.initial_cash", "100000")

	v.SetDefault("sync.interval", "5s")
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.max_attempts", 3)
	v.SetDefault("sync.initial_delay", "200ms")
	v.SetDefault("sync.max_delay", "5s")

	v.SetDefault("store.path", filepath.Join(configDir, "tradedesk.db"))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.file_path", filepath.Join(configDir, "logs", "tradedesk.log"))
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age", 30)

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.log_dir", filepath.Join(configDir, "audit"))
	v.SetDefault("audit.max_size", 50)
	v.SetDefault("audit.max_backups", 30)
	v.SetDefault("audit.max_age", 365)
	v.SetDefault("audit.compress", true)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.success_threshold", 2)
	v.SetDefault("breaker.timeout", "30s")
	v.SetDefault("breaker.max_concurrent", 0)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRADEDESK_MODE"); v != "" {
		cfg.Trading.Mode = strings.ToLower(v)
	}
	if v := os.Getenv("TRADEDESK_DB_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("TRADEDESK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Zerodha credentials
	if v := os.Getenv("KITE_API_KEY"); v != "" {
		cfg.Venues.Zerodha.APIKey = v
	}
	if v := os.Getenv("KITE_ACCESS_TOKEN"); v != "" {
		cfg.Venues.Zerodha.AccessToken = v
	}

	// Binance credentials
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		cfg.Venues.Binance.APIKey = v
	}
	if v := os.Getenv("BINANCE_SECRET_KEY"); v != "" {
		cfg.Venues.Binance.SecretKey = v
	}
	if v := os.Getenv("BINANCE_BASE_URL"); v != "" {
		cfg.Venues.Binance.BaseURL = v
	}
}

func invalid(format string, args ...interface{}) error {
	return errors.Wrapf(errors.ErrConfigInvalid, format, args...)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Trading.Mode != ModeLive && c.Trading.Mode != ModePaper {
		return invalid("trading mode %q must be 'live' or 'paper'", c.Trading.Mode)
	}
	for class, venue := range c.Trading.Routes {
		if !models.AssetClass(class).Valid() {
			return invalid("route for unknown asset class %q", class)
		}
		if !knownVenues[venue] {
			return invalid("route %s -> unknown venue %q", class, venue)
		}
	}

	fee, err := decimal.NewFromString(c.Venues.Paper.FeeRate)
	if err != nil || fee.IsNegative() || fee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return invalid("venues.paper.fee_rate %q must be a decimal in [0, 1)", c.Venues.Paper.FeeRate)
	}
	cash, err := decimal.NewFromString(c.Venues.Paper.InitialCash)
	if err != nil || cash.IsNegative() {
		return invalid("venues.paper.initial_cash %q must be a non-negative decimal", c.Venues.Paper.InitialCash)
	}
	for sym, px := range c.Venues.Paper.Prices {
		p, err := decimal.NewFromString(px)
		if err != nil || !p.IsPositive() {
			return invalid("venues.paper.prices.%s %q must be a positive decimal", sym, px)
		}
	}

	if c.Sync.Interval <= 0 {
		return invalid("sync.interval must be positive")
	}
	if c.Sync.Workers < 1 {
		return invalid("sync.workers must be at least 1")
	}
	if c.Sync.MaxAttempts < 1 {
		return invalid("sync.max_attempts must be at least 1")
	}
	if c.Store.Path == "" {
		return invalid("store.path is required")
	}
	if c.Breaker.FailureThreshold < 1 || c.Breaker.SuccessThreshold < 1 {
		return invalid("breaker thresholds must be at least 1")
	}

	return nil
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Trading.Mode == ModePaper
}

// RouteTable returns the asset class routing table. In paper mode every
// asset class goes to the paper venue.
func (c *Config) RouteTable() map[models.AssetClass]string {
	routes := make(map[models.AssetClass]string, len(c.Trading.Routes))
	if c.IsPaperMode() {
		for _, ac := range []models.AssetClass{models.AssetStock, models.AssetETF, models.AssetCrypto} {
			routes[ac] = "paper"
		}
		return routes
	}
	for class, venue := range c.Trading.Routes {
		routes[models.AssetClass(class)] = venue
	}
	return routes
}

// PaperFeeRate returns the validated paper fee rate.
func (c *Config) PaperFeeRate() decimal.Decimal {
	return decimal.RequireFromString(c.Venues.Paper.FeeRate)
}

// InitialCash returns the validated opening balance for new accounts.
func (c *Config) InitialCash() decimal.Decimal {
	return decimal.RequireFromString(c.Venues.Paper.InitialCash)
}

// PaperPrices returns the seeded paper quotes keyed by upper-case symbol.
func (c *Config) PaperPrices() map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal, len(c.Venues.Paper.Prices))
	for sym, px := range c.Venues.Paper.Prices {
		prices[strings.ToUpper(sym)] = decimal.RequireFromString(px)
	}
	return prices
}

// LogConfig converts the logging section for the logging package.
func (c *Config) LogConfig() logging.LogConfig {
	return logging.LogConfig{
		Level:      c.Logging.Level,
		Console:    c.Logging.Console,
		File:       c.Logging.File,
		FilePath:   c.Logging.FilePath,
		MaxSize:    c.Logging.MaxSize,
		MaxBackups: c.Logging.MaxBackups,
		MaxAge:     c.Logging.MaxAge,
	}
}

// AuditLogConfig converts the audit section for the audit package.
func (c *Config) AuditLogConfig() audit.Config {
	return audit.Config{
		Enabled:    c.Audit.Enabled,
		LogDir:     c.Audit.LogDir,
		MaxSize:    c.Audit.MaxSize,
		MaxBackups: c.Audit.MaxBackups,
		MaxAge:     c.Audit.MaxAge,
		Compress:   c.Audit.Compress,
	}
}

// RetryConfig returns the venue status fetch retry policy.
func (c *Config) RetryConfig() utils.RetryConfig {
	rc := utils.DefaultRetryConfig()
	rc.MaxAttempts = c.Sync.MaxAttempts
	if c.Sync.InitialDelay > 0 {
		rc.InitialDelay = c.Sync.InitialDelay
	}
	if c.Sync.MaxDelay > 0 {
		rc.MaxDelay = c.Sync.MaxDelay
	}
	rc.ShouldRetry = errors.IsTransient
	return rc
}

// BreakerSettings returns the per-venue circuit breaker configuration.
func (c *Config) BreakerSettings() resilience.CircuitBreakerConfig {
	bc := resilience.DefaultCircuitBreakerConfig()
	bc.FailureThreshold = c.Breaker.FailureThreshold
	bc.SuccessThreshold = c.Breaker.SuccessThreshold
	if c.Breaker.Timeout > 0 {
		bc.Timeout = c.Breaker.Timeout
	}
	bc.MaxConcurrent = c.Breaker.MaxConcurrent
	return bc
}

// VenueRateLimiter returns the request limiter for a live venue, or nil when
// the venue is unthrottled.
func (c *Config) VenueRateLimiter(venue string) *resilience.RateLimiter {
	switch venue {
	case "zerodha":
		return resilience.NewRateLimiter(c.Venues.Zerodha.RateLimit, c.Venues.Zerodha.RateBurst)
	case "binance":
		return resilience.NewRateLimiter(c.Venues.Binance.RateLimit, c.Venues.Binance.RateBurst)
	}
	return nil
}
