// Package config defines all configuration for the hedged-pair trading bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via POLY_* environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun        bool                `mapstructure:"dry_run"`
	Wallet        WalletConfig        `mapstructure:"wallet"`
	API           APIConfig           `mapstructure:"api"`
	Trading       TradingConfig       `mapstructure:"trading"`
	Sizing        SizingConfig        `mapstructure:"sizing"`
	PreSettlement PreSettlementConfig `mapstructure:"pre_settlement"`
	Emergency     EmergencyConfig     `mapstructure:"emergency"`
	Store         StoreConfig         `mapstructure:"store"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// WalletConfig holds the Ethereum wallet used for signing orders.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys.
// FunderAddress is the on-chain address that funds orders (may differ from signer if using a proxy).
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds Polymarket API endpoints and optional pre-derived L2 credentials.
// If ApiKey/Secret/Passphrase are empty, the bot derives them via L1 auth on startup.
type APIConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	WSUserURL    string `mapstructure:"ws_user_url"`
	ApiKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	Passphrase   string `mapstructure:"passphrase"`
}

// MaxSizeMode selects how the per-trade size cap interacts with the
// confidence-scaled bet size.
type MaxSizeMode string

const (
	// SizeCap bounds the scaled size from above: size = min(scaled, maxSize).
	SizeCap MaxSizeMode = "CAP"
	// SizeMaximize floors the size at maxSize (bounded by balance):
	// size = max(scaled, maxSize).
	SizeMaximize MaxSizeMode = "MAXIMIZE"
)

// TradingConfig drives window entry and the atomic pair lifecycle.
//
//   - Symbols: which 15-minute window families to trade ("BTC", "ETH", ...).
//   - MinEdge: minimum signal confidence to enter a window.
//   - CombinedCap: ceiling on entryPrice + hedgePrice for an accepted pair.
//   - FillTimeout / PollInterval: the fill monitor's deadline and cadence.
//   - SettleDelay: pause between batch placement and fill verification
//     (guards against phantom FILLED responses).
//   - MaxPostOnlyAttempts: consecutive crossing rejections per symbol before
//     falling back to GTC.
//   - CrossingRetryBudget: how many CROSSING_RETRY loops a single window gets.
type TradingConfig struct {
	Symbols             []string        `mapstructure:"symbols"`
	MinEdge             float64         `mapstructure:"min_edge"`
	CombinedCap         decimal.Decimal `mapstructure:"combined_cap"`
	FillTimeout         time.Duration   `mapstructure:"fill_timeout"`
	PollInterval        time.Duration   `mapstructure:"poll_interval"`
	SettleDelay         time.Duration   `mapstructure:"settle_delay"`
	MaxPostOnlyAttempts int             `mapstructure:"max_post_only_attempts"`
	CrossingRetryBudget int             `mapstructure:"crossing_retry_budget"`
	MinOrderSize        decimal.Decimal `mapstructure:"min_order_size"`
}

// SizingConfig controls bet sizing and the portfolio exposure cap.
//
//	baseBet = availableBalance × BetPercent
//	scaled  = baseBet × (1 + confidence × ScalingFactor)
type SizingConfig struct {
	BetPercent           float64         `mapstructure:"bet_percent"`
	ScalingFactor        float64         `mapstructure:"scaling_factor"`
	MaxSize              decimal.Decimal `mapstructure:"max_size"`
	MaxSizeMode          MaxSizeMode     `mapstructure:"max_size_mode"`
	MaxPortfolioExposure float64         `mapstructure:"max_portfolio_exposure"`
}

// PreSettlementConfig gates the confidence-driven early exit that may sell
// the losing leg inside [windowEnd-Start, windowEnd-Stop].
type PreSettlementConfig struct {
	Enable        bool          `mapstructure:"enable"`
	MinConfidence float64       `mapstructure:"min_confidence"`
	Start         time.Duration `mapstructure:"start"`
	Stop          time.Duration `mapstructure:"stop"`
	Interval      time.Duration `mapstructure:"interval"`
}

// EmergencyConfig tunes the progressive-price liquidation loop.
// WaitShort/Medium/Long are the per-step waits for the AGGRESSIVE, BALANCED
// and PATIENT urgency modes respectively.
type EmergencyConfig struct {
	WaitShort     time.Duration   `mapstructure:"wait_short"`
	WaitMedium    time.Duration   `mapstructure:"wait_medium"`
	WaitLong      time.Duration   `mapstructure:"wait_long"`
	FallbackPrice decimal.Decimal `mapstructure:"fallback_price"`
	HoldIfWinning bool            `mapstructure:"hold_if_winning"`
}

// StoreConfig sets where the SQLite trade database lives.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: POLY_PRIVATE_KEY, POLY_API_KEY, POLY_API_SECRET, POLY_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decimalDecodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("POLY_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if os.Getenv("POLY_DRY_RUN") == "true" || os.Getenv("POLY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// setDefaults registers the documented defaults so a minimal YAML file works.
func setDefaults(v *viper.Viper) {
	v.SetDefault("trading.min_edge", 0.35)
	v.SetDefault("trading.combined_cap", "0.99")
	v.SetDefault("trading.fill_timeout", "120s")
	v.SetDefault("trading.poll_interval", "5s")
	v.SetDefault("trading.settle_delay", "2s")
	v.SetDefault("trading.max_post_only_attempts", 3)
	v.SetDefault("trading.crossing_retry_budget", 3)
	v.SetDefault("trading.min_order_size", "5.0")

	v.SetDefault("sizing.bet_percent", 0.02)
	v.SetDefault("sizing.scaling_factor", 1.0)
	v.SetDefault("sizing.max_size", "100")
	v.SetDefault("sizing.max_size_mode", string(SizeCap))
	v.SetDefault("sizing.max_portfolio_exposure", 0.5)

	v.SetDefault("pre_settlement.enable", true)
	v.SetDefault("pre_settlement.min_confidence", 0.80)
	v.SetDefault("pre_settlement.start", "180s")
	v.SetDefault("pre_settlement.stop", "45s")
	v.SetDefault("pre_settlement.interval", "30s")

	v.SetDefault("emergency.wait_short", "5s")
	v.SetDefault("emergency.wait_medium", "8s")
	v.SetDefault("emergency.wait_long", "10s")
	v.SetDefault("emergency.fallback_price", "0.01")
	v.SetDefault("emergency.hold_if_winning", true)

	v.SetDefault("store.path", "data/trades.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// decimalDecodeHook parses YAML strings/numbers into decimal.Decimal fields.
func decimalDecodeHook() mapstructure.DecodeHookFuncType {
	decimalType := reflect.TypeOf(decimal.Decimal{})
	return func(_, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		switch val := data.(type) {
		case string:
			return decimal.NewFromString(val)
		case float64:
			return decimal.NewFromFloat(val), nil
		case int:
			return decimal.NewFromInt(int64(val)), nil
		}
		return data, nil
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set POLY_PRIVATE_KEY)")
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if len(c.Trading.Symbols) == 0 {
		return fmt.Errorf("trading.symbols must name at least one symbol")
	}
	if c.Trading.MinEdge < 0 || c.Trading.MinEdge > 1 {
		return fmt.Errorf("trading.min_edge must be in [0, 1]")
	}
	one := decimal.NewFromInt(1)
	if c.Trading.CombinedCap.LessThanOrEqual(decimal.Zero) || c.Trading.CombinedCap.GreaterThan(one) {
		return fmt.Errorf("trading.combined_cap must be in (0, 1]")
	}
	if c.Trading.FillTimeout <= 0 || c.Trading.PollInterval <= 0 {
		return fmt.Errorf("trading.fill_timeout and trading.poll_interval must be positive")
	}
	switch c.Sizing.MaxSizeMode {
	case SizeCap, SizeMaximize:
	default:
		return fmt.Errorf("sizing.max_size_mode must be CAP or MAXIMIZE")
	}
	if c.Sizing.BetPercent <= 0 || c.Sizing.BetPercent > 1 {
		return fmt.Errorf("sizing.bet_percent must be in (0, 1]")
	}
	if c.Sizing.MaxPortfolioExposure <= 0 || c.Sizing.MaxPortfolioExposure > 1 {
		return fmt.Errorf("sizing.max_portfolio_exposure must be in (0, 1]")
	}
	if c.PreSettlement.Enable && c.PreSettlement.Stop >= c.PreSettlement.Start {
		return fmt.Errorf("pre_settlement.stop must be smaller than pre_settlement.start")
	}
	return nil
}
