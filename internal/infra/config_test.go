package infra

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"latency_arb/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
feed:
  venue: coinbase
  window: 5s
  threshold_pct: 0.002
polymarket:
  signer_url: http://localhost:7070
risk:
  max_notional_per_trade: 50
  max_trades_per_minute: 10
  self_slippage_buffer_pct: 0.01
trading:
  dry_run: false
  trigger_size: 20
markets:
  - market_id: btc-up
    symbol: BTC-USD
    yes_token_id: "111"
    no_token_id: "222"
    upside_is_yes: true
    max_position: 100
  - market_id: btc-down
    symbol: BTC-USD
    yes_token_id: "333"
    no_token_id: "444"
    upside_is_yes: false
    threshold_pct: 0.005
`

func clearSecrets(t *testing.T) {
	t.Helper()
	for _, k := range []string{"POLY_API_KEY", "POLY_API_SECRET", "POLY_API_PASSPHRASE", "POLY_ADDRESS", "LATENCY_BOT_DATABASE_URL", "LATENCY_BOT_DRY_RUN"} {
		t.Setenv(k, "")
	}
}

func setSecrets(t *testing.T) {
	t.Helper()
	t.Setenv("POLY_API_KEY", "key-1234")
	t.Setenv("POLY_API_SECRET", "c2VjcmV0")
	t.Setenv("POLY_API_PASSPHRASE", "pass")
	t.Setenv("POLY_ADDRESS", "0xabc")
}

func TestParseConfig_Valid(t *testing.T) {
	clearSecrets(t)
	setSecrets(t)

	cfg, err := ParseConfig([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, FeedCoinbase, cfg.Feed.Venue)
	assert.Equal(t, "wss://ws-feed.exchange.coinbase.com", cfg.Feed.WSURL)
	assert.Equal(t, 5*time.Second, cfg.Feed.Window)
	assert.True(t, cfg.Feed.ThresholdPct.Equal(decimal.RequireFromString("0.002")))
	assert.Equal(t, 2*time.Second, cfg.Risk.StalenessCeiling)
	assert.Equal(t, "key-1234", cfg.Polymarket.APIKey)

	// per-market fallbacks
	up, down := cfg.Markets[0], cfg.Markets[1]
	assert.True(t, up.ThresholdPct.Equal(decimal.RequireFromString("0.002")))
	assert.True(t, up.MaxPosition.Equal(decimal.NewFromInt(100)))
	assert.True(t, up.SelfSlippageBufferPct.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, down.ThresholdPct.Equal(decimal.RequireFromString("0.005")))
	assert.True(t, down.MaxPosition.Equal(decimal.NewFromInt(500)))

	assert.Equal(t, []string{"BTC-USD"}, cfg.Symbols())
}

func TestParseConfig_ExpandsEnv(t *testing.T) {
	clearSecrets(t)
	setSecrets(t)
	t.Setenv("SIGNER_HOST", "signer.internal:9000")

	data := strings.Replace(validYAML, "http://localhost:7070", "http://${SIGNER_HOST}", 1)
	cfg, err := ParseConfig([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, "http://signer.internal:9000", cfg.Polymarket.SignerURL)
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{
			name:  "no markets",
			yaml:  "trading:\n  dry_run: true\n",
			field: "markets",
		},
		{
			name:  "unknown venue",
			yaml:  "feed:\n  venue: bitstamp\ntrading:\n  dry_run: true\n",
			field: "feed.venue",
		},
		{
			name: "duplicate market",
			yaml: `trading: {dry_run: true}
markets:
  - {market_id: a, symbol: S, yes_token_id: "1", no_token_id: "2"}
  - {market_id: a, symbol: S, yes_token_id: "3", no_token_id: "4"}
`,
			field: "markets[1].market_id",
		},
		{
			name: "same yes and no token",
			yaml: `trading: {dry_run: true}
markets:
  - {market_id: a, symbol: S, yes_token_id: "1", no_token_id: "1"}
`,
			field: "markets[0].token_id",
		},
		{
			name: "missing symbol",
			yaml: `trading: {dry_run: true}
markets:
  - {market_id: a, yes_token_id: "1", no_token_id: "2"}
`,
			field: "markets[0].symbol",
		},
		{
			name: "missing credentials",
			yaml: `polymarket: {signer_url: "http://s"}
markets:
  - {market_id: a, symbol: S, yes_token_id: "1", no_token_id: "2"}
`,
			field: "polymarket.credentials",
		},
		{
			name: "postgres without dsn",
			yaml: `trading: {dry_run: true}
journal: {driver: postgres}
markets:
  - {market_id: a, symbol: S, yes_token_id: "1", no_token_id: "2"}
`,
			field: "journal.dsn",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearSecrets(t)
			_, err := ParseConfig([]byte(tt.yaml))
			var ce *domain.ConfigError
			require.True(t, errors.As(err, &ce), "expected ConfigError, got %v", err)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestParseConfig_DryRunEnvOverride(t *testing.T) {
	clearSecrets(t)
	t.Setenv("LATENCY_BOT_DRY_RUN", "true")

	cfg, err := ParseConfig([]byte(validYAML))
	require.NoError(t, err)
	assert.True(t, cfg.Trading.DryRun)

	t.Setenv("LATENCY_BOT_DRY_RUN", "maybe")
	_, err = ParseConfig([]byte(validYAML))
	var ce *domain.ConfigError
	assert.True(t, errors.As(err, &ce))
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, domain.ErrConfigNotFound)
}

func TestLoadConfig_File(t *testing.T) {
	clearSecrets(t)
	setSecrets(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Markets, 2)
}

func TestConfigPath(t *testing.T) {
	t.Setenv(ConfigPathEnv, "")
	assert.Equal(t, DefaultConfigPath, ConfigPath())
	t.Setenv(ConfigPathEnv, "/etc/bot.yaml")
	assert.Equal(t, "/etc/bot.yaml", ConfigPath())
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "(unset)", MaskSecret(""))
	assert.Equal(t, "****", MaskSecret("abc"))
	assert.Equal(t, "****5678", MaskSecret("12345678"))
}

func TestParseConfig_BitgetDefaultURL(t *testing.T) {
	clearSecrets(t)
	setSecrets(t)

	cfg, err := ParseConfig([]byte(strings.Replace(validYAML, "venue: coinbase", "venue: bitget", 1)))
	require.NoError(t, err)
	assert.Equal(t, FeedBitget, cfg.Feed.Venue)
	assert.Equal(t, "wss://ws.bitget.com/v2/ws/public", cfg.Feed.WSURL)
}
