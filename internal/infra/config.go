package infra

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"latency_arb/internal/domain"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigPathEnv names the environment variable pointing at the YAML file.
	ConfigPathEnv     = "LATENCY_BOT_CONFIG"
	DefaultConfigPath = "configs/config.yaml"

	FeedKraken   = "kraken"
	FeedCoinbase = "coinbase"
	FeedBitget   = "bitget"

	JournalSQLite   = "sqlite"
	JournalPostgres = "postgres"
	JournalNone     = "none"
)

// Config는 애플리케이션의 모든 설정을 담습니다.
// LoadConfig로 로드된 후에 환경 변수를 통해 민감 내용을 덮어씁니다.
type Config struct {
	Feed struct {
		Venue         string          `yaml:"venue"`
		WSURL         string          `yaml:"ws_url"`
		Window        time.Duration   `yaml:"window"`
		ThresholdPct  decimal.Decimal `yaml:"threshold_pct"`
		ReconnectBase time.Duration   `yaml:"reconnect_base"`
		ReconnectMax  time.Duration   `yaml:"reconnect_max"`
		MaxAttempts   int             `yaml:"max_attempts"`
		BootTimeout   time.Duration   `yaml:"boot_timeout"`
		ReadTimeout   time.Duration   `yaml:"read_timeout"`
		InboxSize     int             `yaml:"inbox_size"`
	} `yaml:"feed"`

	Polymarket struct {
		RestURL           string        `yaml:"rest_url"`
		SignerURL         string        `yaml:"signer_url"`
		ChainID           int           `yaml:"chain_id"`
		PollInterval      time.Duration `yaml:"poll_interval"`
		RequestsPerSecond float64       `yaml:"requests_per_second"`
		Burst             int           `yaml:"burst"`
		RequestTimeout    time.Duration `yaml:"request_timeout"`
		APIKey            string        `yaml:"api_key"`
		APISecret         string        `yaml:"api_secret"`
		APIPassphrase     string        `yaml:"api_passphrase"`
		Address           string        `yaml:"address"`
	} `yaml:"polymarket"`

	Risk struct {
		MaxNotionalPerTrade   decimal.Decimal `yaml:"max_notional_per_trade"`
		MaxTradesPerMinute    int             `yaml:"max_trades_per_minute"`
		MaxPosition           decimal.Decimal `yaml:"max_position"`
		SelfSlippageBufferPct decimal.Decimal `yaml:"self_slippage_buffer_pct"`
		StalenessCeiling      time.Duration   `yaml:"staleness_ceiling"`
		MaxLimitPrice         decimal.Decimal `yaml:"max_limit_price"`
	} `yaml:"risk"`

	Trading struct {
		DryRun            bool            `yaml:"dry_run"`
		TriggerSize       decimal.Decimal `yaml:"trigger_size"`
		ReconcileInterval time.Duration   `yaml:"reconcile_interval"`
		LaneBuffer        int             `yaml:"lane_buffer"`
		BreakerFailures   int             `yaml:"breaker_failures"`
		BreakerCooldown   time.Duration   `yaml:"breaker_cooldown"`
	} `yaml:"trading"`

	Markets []domain.MarketConfig `yaml:"markets"`

	Journal struct {
		Driver     string `yaml:"driver"`
		Path       string `yaml:"path"`
		DSN        string `yaml:"dsn"`
		BufferSize int    `yaml:"buffer_size"`
	} `yaml:"journal"`

	Logging struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logging"`

	Profiling struct {
		PprofAddr    string `yaml:"pprof_addr"`
		PyroscopeURL string `yaml:"pyroscope_url"`
		AppName      string `yaml:"app_name"`
	} `yaml:"profiling"`

	Metrics struct {
		ReportInterval time.Duration `yaml:"report_interval"`
	} `yaml:"metrics"`

	Shutdown struct {
		Timeout       time.Duration `yaml:"timeout"`
		CancelTimeout time.Duration `yaml:"cancel_timeout"`
		DumpFile      string        `yaml:"dump_file"`
	} `yaml:"shutdown"`
}

// ConfigPath returns the config file path from the environment or the default.
func ConfigPath() string {
	if p := os.Getenv(ConfigPathEnv); p != "" {
		return p
	}
	return DefaultConfigPath
}

// LoadConfig는 설정 파일을 읽고 파싱합니다.
func LoadConfig(path string) (*Config, error) {
	// .env is optional; real environment wins over it.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &domain.ConfigError{Field: "path", Err: fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)}
		}
		return nil, &domain.ConfigError{Field: "path", Err: err}
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseConfig expands ${VAR} references, decodes YAML, applies defaults,
// environment overrides and validation.
func ParseConfig(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, &domain.ConfigError{Field: "yaml", Err: err}
	}

	cfg.applyDefaults()

	// 4원칙: 보안 우선 - 환경 변수 오버라이드 지원
	if err := overrideWithEnv(&cfg); err != nil {
		return nil, err
	}

	// 5원칙: 설정 유효성 검사
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Feed.Venue == "" {
		c.Feed.Venue = FeedKraken
	}
	if c.Feed.WSURL == "" {
		switch c.Feed.Venue {
		case FeedCoinbase:
			c.Feed.WSURL = "wss://ws-feed.exchange.coinbase.com"
		case FeedBitget:
			c.Feed.WSURL = "wss://ws.bitget.com/v2/ws/public"
		default:
			c.Feed.WSURL = "wss://ws.kraken.com"
		}
	}
	setDuration(&c.Feed.Window, 5*time.Second)
	setDecimal(&c.Feed.ThresholdPct, decimal.RequireFromString("0.02"))
	setDuration(&c.Feed.ReconnectBase, time.Second)
	setDuration(&c.Feed.ReconnectMax, 30*time.Second)
	setInt(&c.Feed.MaxAttempts, 10)
	setDuration(&c.Feed.BootTimeout, 10*time.Second)
	setDuration(&c.Feed.ReadTimeout, 60*time.Second)
	setInt(&c.Feed.InboxSize, 1024)

	if c.Polymarket.RestURL == "" {
		c.Polymarket.RestURL = "https://clob.polymarket.com"
	}
	setInt(&c.Polymarket.ChainID, 137)
	setDuration(&c.Polymarket.PollInterval, 500*time.Millisecond)
	if c.Polymarket.RequestsPerSecond <= 0 {
		c.Polymarket.RequestsPerSecond = 20
	}
	setInt(&c.Polymarket.Burst, 10)
	setDuration(&c.Polymarket.RequestTimeout, 5*time.Second)

	setDecimal(&c.Risk.MaxNotionalPerTrade, decimal.NewFromInt(100))
	setInt(&c.Risk.MaxTradesPerMinute, 60)
	setDecimal(&c.Risk.MaxPosition, decimal.NewFromInt(500))
	setDecimal(&c.Risk.SelfSlippageBufferPct, decimal.RequireFromString("0.001"))
	setDuration(&c.Risk.StalenessCeiling, 2*time.Second)
	setDecimal(&c.Risk.MaxLimitPrice, decimal.RequireFromString("0.99"))

	setDecimal(&c.Trading.TriggerSize, decimal.NewFromInt(20))
	setDuration(&c.Trading.ReconcileInterval, 2*time.Second)
	setInt(&c.Trading.LaneBuffer, 16)
	setInt(&c.Trading.BreakerFailures, 5)
	setDuration(&c.Trading.BreakerCooldown, 30*time.Second)

	// Per-market values fall back to the global ones.
	for i := range c.Markets {
		m := &c.Markets[i]
		setDecimal(&m.ThresholdPct, c.Feed.ThresholdPct)
		setDecimal(&m.MaxPosition, c.Risk.MaxPosition)
		setDecimal(&m.SelfSlippageBufferPct, c.Risk.SelfSlippageBufferPct)
	}

	if c.Journal.Driver == "" {
		c.Journal.Driver = JournalSQLite
	}
	if c.Journal.Path == "" {
		c.Journal.Path = "data/journal.db"
	}
	setInt(&c.Journal.BufferSize, 256)

	if c.Logging.File == "" {
		c.Logging.File = "logs/app.log"
	}
	setInt(&c.Logging.MaxSizeMB, 10)
	setInt(&c.Logging.MaxBackups, 3)
	setInt(&c.Logging.MaxAgeDays, 28)

	if c.Profiling.AppName == "" {
		c.Profiling.AppName = "latency-arb"
	}
	setDuration(&c.Metrics.ReportInterval, 30*time.Second)

	setDuration(&c.Shutdown.Timeout, 5*time.Second)
	setDuration(&c.Shutdown.CancelTimeout, 5*time.Second)
	if c.Shutdown.DumpFile == "" {
		c.Shutdown.DumpFile = "panic_dump.json"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	// Feed
	switch c.Feed.Venue {
	case FeedKraken, FeedCoinbase, FeedBitget:
	default:
		return domain.NewConfigError("feed.venue", "unsupported venue %q", c.Feed.Venue)
	}
	if !strings.HasPrefix(c.Feed.WSURL, "ws://") && !strings.HasPrefix(c.Feed.WSURL, "wss://") {
		return domain.NewConfigError("feed.ws_url", "invalid websocket url %q", c.Feed.WSURL)
	}
	if c.Feed.Window <= 0 {
		return domain.NewConfigError("feed.window", "must be positive")
	}
	if !c.Feed.ThresholdPct.IsPositive() {
		return domain.NewConfigError("feed.threshold_pct", "must be positive")
	}
	if c.Feed.ReconnectMax < c.Feed.ReconnectBase {
		return domain.NewConfigError("feed.reconnect_max", "must not be below reconnect_base")
	}

	// Risk
	if !c.Risk.MaxNotionalPerTrade.IsPositive() {
		return domain.NewConfigError("risk.max_notional_per_trade", "must be positive")
	}
	if c.Risk.MaxTradesPerMinute <= 0 {
		return domain.NewConfigError("risk.max_trades_per_minute", "must be positive")
	}
	if c.Risk.StalenessCeiling <= 0 {
		return domain.NewConfigError("risk.staleness_ceiling", "must be positive")
	}
	if !c.Risk.MaxLimitPrice.IsPositive() || c.Risk.MaxLimitPrice.GreaterThan(decimal.NewFromInt(1)) {
		return domain.NewConfigError("risk.max_limit_price", "must be in (0, 1]")
	}
	if !c.Trading.TriggerSize.IsPositive() {
		return domain.NewConfigError("trading.trigger_size", "must be positive")
	}

	// Markets
	if len(c.Markets) == 0 {
		return domain.NewConfigError("markets", "at least one market is required")
	}
	seen := make(map[string]bool, len(c.Markets))
	for i, m := range c.Markets {
		field := fmt.Sprintf("markets[%d]", i)
		if m.MarketID == "" {
			return domain.NewConfigError(field+".market_id", "must not be empty")
		}
		if seen[m.MarketID] {
			return domain.NewConfigError(field+".market_id", "duplicate market %q", m.MarketID)
		}
		seen[m.MarketID] = true
		if m.Symbol == "" {
			return domain.NewConfigError(field+".symbol", "must not be empty")
		}
		if m.YesTokenID == "" || m.NoTokenID == "" {
			return domain.NewConfigError(field+".token_id", "yes and no token ids are required")
		}
		if m.YesTokenID == m.NoTokenID {
			return domain.NewConfigError(field+".token_id", "yes and no token ids must differ")
		}
		if !m.ThresholdPct.IsPositive() {
			return domain.NewConfigError(field+".threshold_pct", "must be positive")
		}
		if !m.MaxPosition.IsPositive() {
			return domain.NewConfigError(field+".max_position", "must be positive")
		}
		if m.SelfSlippageBufferPct.IsNegative() || m.SelfSlippageBufferPct.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return domain.NewConfigError(field+".self_slippage_buffer_pct", "must be in [0, 1)")
		}
	}

	// Credentials are only needed when real orders go out.
	if !c.Trading.DryRun {
		if c.Polymarket.APIKey == "" || c.Polymarket.APISecret == "" || c.Polymarket.APIPassphrase == "" {
			return domain.NewConfigError("polymarket.credentials", "POLY_API_KEY, POLY_API_SECRET and POLY_API_PASSPHRASE are required unless dry_run")
		}
		if c.Polymarket.Address == "" {
			return domain.NewConfigError("polymarket.address", "POLY_ADDRESS is required unless dry_run")
		}
		if c.Polymarket.SignerURL == "" {
			return domain.NewConfigError("polymarket.signer_url", "order signer is required unless dry_run")
		}
	}

	switch c.Journal.Driver {
	case JournalSQLite, JournalNone:
	case JournalPostgres:
		if c.Journal.DSN == "" {
			return domain.NewConfigError("journal.dsn", "postgres journal requires a dsn")
		}
	default:
		return domain.NewConfigError("journal.driver", "unsupported driver %q", c.Journal.Driver)
	}

	return nil
}

// Symbols returns the distinct reference symbols used by the configured markets.
func (c *Config) Symbols() []string {
	set := make(map[string]struct{})
	for _, m := range c.Markets {
		set[m.Symbol] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) error {
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.Polymarket.APIKey = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.Polymarket.APISecret = secret
	}
	if pass := os.Getenv("POLY_API_PASSPHRASE"); pass != "" {
		cfg.Polymarket.APIPassphrase = pass
	}
	if addr := os.Getenv("POLY_ADDRESS"); addr != "" {
		cfg.Polymarket.Address = addr
	}
	if dsn := os.Getenv("LATENCY_BOT_DATABASE_URL"); dsn != "" {
		cfg.Journal.DSN = dsn
	}
	if v := os.Getenv("LATENCY_BOT_DRY_RUN"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return &domain.ConfigError{Field: "LATENCY_BOT_DRY_RUN", Err: err}
		}
		cfg.Trading.DryRun = b
	}
	return nil
}

// MaskSecret hides all but the last four characters of a credential for logging.
func MaskSecret(s string) string {
	if s == "" {
		return "(unset)"
	}
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

func setInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func setDecimal(v *decimal.Decimal, def decimal.Decimal) {
	if v.IsZero() {
		*v = def
	}
}
