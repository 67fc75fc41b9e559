package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigExpandsEnvVars(t *testing.T) {
	t.Setenv("VALR_API_KEY", "key-from-env")
	t.Setenv("VALR_API_SECRET", "secret-from-env")

	path := writeConfigFile(t, `
exchange:
  api_key: ${VALR_API_KEY}
  secret_key: ${VALR_API_SECRET}
trading:
  pairs: [BTCZAR]
store:
  path: /tmp/positions.db
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "key-from-env", cfg.Exchange.APIKey)
	assert.Equal(t, "secret-from-env", cfg.Exchange.SecretKey)
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
exchange:
  api_key: k
  secret_key: s
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://api.valr.com", cfg.Exchange.BaseURL)
	assert.Equal(t, 1.5, cfg.Trading.TakeProfitPct)
	assert.Equal(t, 2.0, cfg.Trading.StopLossPct)
	assert.Equal(t, 60, cfg.Trading.EntryTimeoutMinutes)
	assert.Equal(t, 20, cfg.Trading.MaxDailyTrades)
	assert.Equal(t, 45.0, cfg.Signals.RSIOversold)
	assert.Equal(t, 8, cfg.Trading.PairDecimals["BTCZAR"])
}

func TestValidateRejectsMissingCredentials(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
}

func TestValidateAllowsDryRunWithoutCredentials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Trading.DryRun = true
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no pairs", func(c *Config) { c.Trading.Pairs = nil }, "trading.pairs"},
		{"zero trade amount", func(c *Config) { c.Trading.BaseTradeAmount = 0 }, "base_trade_amount"},
		{"negative stop loss", func(c *Config) { c.Trading.StopLossPct = -1 }, "stop_loss_pct"},
		{"zero entry timeout", func(c *Config) { c.Trading.EntryTimeoutMinutes = 0 }, "entry_timeout_minutes"},
		{"rsi out of range", func(c *Config) { c.Signals.RSIOversold = 120 }, "rsi_oversold"},
		{"unknown pair decimals", func(c *Config) { c.Trading.Pairs = []string{"DOGEZAR"} }, "pair_decimals"},
		{"bad log level", func(c *Config) { c.System.LogLevel = "verbose" }, "log_level"},
		{"empty store path", func(c *Config) { c.Store.Path = "" }, "store.path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Trading.DryRun = true
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestStringMasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exchange.APIKey = "verysecretapikey123"
	cfg.Exchange.SecretKey = "anothersecretvalue456"

	out := cfg.String()
	assert.NotContains(t, out, "verysecretapikey123")
	assert.NotContains(t, out, "anothersecretvalue456")
	assert.Contains(t, out, "very")
}
