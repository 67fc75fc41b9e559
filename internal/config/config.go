// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Trading     TradingConfig     `yaml:"trading"`
	Signals     SignalConfig      `yaml:"signals"`
	Store       StoreConfig       `yaml:"store"`
	System      SystemConfig      `yaml:"system"`
	Timing      TimingConfig      `yaml:"timing"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Alerts      AlertConfig       `yaml:"alerts"`
}

// ExchangeConfig contains exchange API credentials and endpoints
type ExchangeConfig struct {
	APIKey       string  `yaml:"api_key"`
	SecretKey    string  `yaml:"secret_key"`
	BaseURL      string  `yaml:"base_url"`
	WebsocketURL string  `yaml:"websocket_url"`
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
	RateBurst    int     `yaml:"rate_burst"`
	TimeoutSec   int     `yaml:"timeout_sec"`
}

// TradingConfig contains position lifecycle parameters
type TradingConfig struct {
	Pairs               []string       `yaml:"pairs"`
	BaseTradeAmount     float64        `yaml:"base_trade_amount"` // quote currency per entry
	MaxPositionSize     float64        `yaml:"max_position_size"` // quote currency cap per position
	TakeProfitPct       float64        `yaml:"take_profit_pct"`
	StopLossPct         float64        `yaml:"stop_loss_pct"`
	EntryTimeoutMinutes int            `yaml:"entry_timeout_minutes"`
	MaxHoldMinutes      int            `yaml:"max_hold_minutes"`
	MaxDailyTrades      int            `yaml:"max_daily_trades"`
	MaxOpenPositions    int            `yaml:"max_open_positions"`
	MinOrderValue       float64        `yaml:"min_order_value"`
	PairDecimals        map[string]int `yaml:"pair_decimals"` // base asset decimals per pair
	PriceDecimals       map[string]int `yaml:"price_decimals"`
	DryRun              bool           `yaml:"dry_run"`
}

// SignalConfig contains entry signal parameters
type SignalConfig struct {
	RSIPeriod           int     `yaml:"rsi_period"`
	RSIOversold         float64 `yaml:"rsi_oversold"`
	CandleInterval      string  `yaml:"candle_interval"`
	ScanIntervalSec     int     `yaml:"scan_interval_sec"`
	PairCooldownMinutes int     `yaml:"pair_cooldown_minutes"`
}

// StoreConfig contains position persistence settings
type StoreConfig struct {
	Path               string `yaml:"path"`
	PurgeClosedAfterHr int    `yaml:"purge_closed_after_hours"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel     string `yaml:"log_level"`
	CancelOnExit bool   `yaml:"cancel_on_exit"`
}

// TimingConfig contains timing-related settings, all in the unit the name states
type TimingConfig struct {
	PricePollIntervalMs   int `yaml:"price_poll_interval_ms"`
	OrderPollIntervalMs   int `yaml:"order_poll_interval_ms"`
	SweepIntervalSec      int `yaml:"sweep_interval_sec"`
	ReconcileMaxAttempts  int `yaml:"reconcile_max_attempts"`
	ReconcileBackoffSec   int `yaml:"reconcile_backoff_sec"`
	OrderRetryDelayMs     int `yaml:"order_retry_delay_ms"`
	StatusPrintIntervalSc int `yaml:"status_print_interval_sec"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	TickPoolSize   int `yaml:"tick_pool_size"`
	TickPoolBuffer int `yaml:"tick_pool_buffer"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
	DebugExport   bool `yaml:"debug_export"`
}

// AlertConfig contains alerting settings
type AlertConfig struct {
	Enabled          bool   `yaml:"enabled"`
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion. A .env file alongside the process, if present, is loaded first.
func LoadConfig(filename string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := os.Expand(string(data), os.Getenv)

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateExchange(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateTrading(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSignals(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateStore(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateExchange() error {
	if !c.Trading.DryRun {
		if c.Exchange.APIKey == "" {
			return ValidationError{Field: "exchange.api_key", Message: "API key is required"}
		}
		if c.Exchange.SecretKey == "" {
			return ValidationError{Field: "exchange.secret_key", Message: "secret key is required"}
		}
	}
	if c.Exchange.BaseURL == "" {
		return ValidationError{Field: "exchange.base_url", Message: "base URL is required"}
	}
	if c.Exchange.RateLimitRPS <= 0 {
		return ValidationError{
			Field:   "exchange.rate_limit_rps",
			Value:   c.Exchange.RateLimitRPS,
			Message: "rate limit must be positive",
		}
	}
	return nil
}

func (c *Config) validateTrading() error {
	if len(c.Trading.Pairs) == 0 {
		return ValidationError{Field: "trading.pairs", Message: "at least one pair is required"}
	}
	if c.Trading.BaseTradeAmount <= 0 {
		return ValidationError{
			Field:   "trading.base_trade_amount",
			Value:   c.Trading.BaseTradeAmount,
			Message: "base trade amount must be positive",
		}
	}
	if c.Trading.TakeProfitPct <= 0 {
		return ValidationError{
			Field:   "trading.take_profit_pct",
			Value:   c.Trading.TakeProfitPct,
			Message: "take profit percentage must be positive",
		}
	}
	if c.Trading.StopLossPct <= 0 {
		return ValidationError{
			Field:   "trading.stop_loss_pct",
			Value:   c.Trading.StopLossPct,
			Message: "stop loss percentage must be positive",
		}
	}
	if c.Trading.EntryTimeoutMinutes <= 0 {
		return ValidationError{
			Field:   "trading.entry_timeout_minutes",
			Value:   c.Trading.EntryTimeoutMinutes,
			Message: "entry timeout must be positive",
		}
	}
	if c.Trading.MaxHoldMinutes <= 0 {
		return ValidationError{
			Field:   "trading.max_hold_minutes",
			Value:   c.Trading.MaxHoldMinutes,
			Message: "max hold must be positive",
		}
	}
	if c.Trading.MaxDailyTrades <= 0 {
		return ValidationError{
			Field:   "trading.max_daily_trades",
			Value:   c.Trading.MaxDailyTrades,
			Message: "max daily trades must be positive",
		}
	}
	for _, pair := range c.Trading.Pairs {
		if _, ok := c.Trading.PairDecimals[pair]; !ok {
			return ValidationError{
				Field:   "trading.pair_decimals",
				Value:   pair,
				Message: "missing base asset decimals for configured pair",
			}
		}
	}
	return nil
}

func (c *Config) validateSignals() error {
	if c.Signals.RSIPeriod < 2 {
		return ValidationError{
			Field:   "signals.rsi_period",
			Value:   c.Signals.RSIPeriod,
			Message: "RSI period must be at least 2",
		}
	}
	if c.Signals.RSIOversold <= 0 || c.Signals.RSIOversold >= 100 {
		return ValidationError{
			Field:   "signals.rsi_oversold",
			Value:   c.Signals.RSIOversold,
			Message: "RSI threshold must be between 0 and 100",
		}
	}
	return nil
}

func (c *Config) validateStore() error {
	if c.Store.Path == "" {
		return ValidationError{Field: "store.path", Message: "store path is required"}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// EntryTimeout returns the entry timeout as a duration
func (c *Config) EntryTimeout() time.Duration {
	return time.Duration(c.Trading.EntryTimeoutMinutes) * time.Minute
}

// MaxHold returns the maximum position hold time as a duration
func (c *Config) MaxHold() time.Duration {
	return time.Duration(c.Trading.MaxHoldMinutes) * time.Minute
}

// PairCooldown returns the per-pair signal cooldown as a duration
func (c *Config) PairCooldown() time.Duration {
	return time.Duration(c.Signals.PairCooldownMinutes) * time.Minute
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	configCopy := *c
	configCopy.Exchange.APIKey = maskString(c.Exchange.APIKey)
	configCopy.Exchange.SecretKey = maskString(c.Exchange.SecretKey)
	configCopy.Alerts.TelegramBotToken = maskString(c.Alerts.TelegramBotToken)

	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

// Helper functions

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns the configuration defaults applied before the YAML
// file is merged on top
func DefaultConfig() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			BaseURL:      "https://api.valr.com",
			WebsocketURL: "wss://api.valr.com/ws/trade",
			RateLimitRPS: 2,
			RateBurst:    5,
			TimeoutSec:   30,
		},
		Trading: TradingConfig{
			Pairs:               []string{"BTCZAR"},
			BaseTradeAmount:     100,
			MaxPositionSize:     1000,
			TakeProfitPct:       1.5,
			StopLossPct:         2.0,
			EntryTimeoutMinutes: 60,
			MaxHoldMinutes:      1440,
			MaxDailyTrades:      20,
			MaxOpenPositions:    5,
			MinOrderValue:       10,
			PairDecimals: map[string]int{
				"BTCZAR":  8,
				"ETHZAR":  8,
				"XRPZAR":  6,
				"SOLZAR":  8,
				"USDTZAR": 6,
			},
			PriceDecimals: map[string]int{
				"BTCZAR":  0,
				"ETHZAR":  0,
				"XRPZAR":  2,
				"SOLZAR":  2,
				"USDTZAR": 2,
			},
		},
		Signals: SignalConfig{
			RSIPeriod:           14,
			RSIOversold:         45,
			CandleInterval:      "1h",
			ScanIntervalSec:     60,
			PairCooldownMinutes: 30,
		},
		Store: StoreConfig{
			Path:               "positions.db",
			PurgeClosedAfterHr: 168,
		},
		System: SystemConfig{
			LogLevel:     "INFO",
			CancelOnExit: false,
		},
		Timing: TimingConfig{
			PricePollIntervalMs:   2000,
			OrderPollIntervalMs:   2000,
			SweepIntervalSec:      15,
			ReconcileMaxAttempts:  5,
			ReconcileBackoffSec:   2,
			OrderRetryDelayMs:     500,
			StatusPrintIntervalSc: 60,
		},
		Concurrency: ConcurrencyConfig{
			TickPoolSize:   8,
			TickPoolBuffer: 256,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
	}
}
