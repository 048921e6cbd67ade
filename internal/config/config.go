// Package config defines all configuration for the scalping engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via SCALP_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	TradingEnabled bool           `mapstructure:"trading_enabled"`
	Wallet         WalletConfig   `mapstructure:"wallet"`
	API            APIConfig      `mapstructure:"api"`
	Strategy       StrategyConfig `mapstructure:"strategy"`
	Risk           RiskConfig     `mapstructure:"risk"`
	Audit          AuditConfig    `mapstructure:"audit"`
	Logging        LoggingConfig  `mapstructure:"logging"`
}

// WalletConfig holds the venue signing credentials. PrivateKey signs L1
// (EIP-712) auth and derives L2 API keys. FunderAddress is the on-chain
// address that funds orders (may differ from signer if using a proxy).
// These fields are opaque to the engine core (§6) and are consumed only by
// internal/exchange.
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds venue API endpoints and optional pre-derived L2 credentials.
// If ApiKey/Secret/Passphrase are empty, the exchange client derives them via
// L1 auth on startup.
type APIConfig struct {
	RESTBaseURL string `mapstructure:"rest_base_url"`
	WSBookURL   string `mapstructure:"ws_book_url"`
	WSUserURL   string `mapstructure:"ws_user_url"`
	ApiKey      string `mapstructure:"api_key"`
	Secret      string `mapstructure:"secret"`
	Passphrase  string `mapstructure:"passphrase"`

	// SpotFeedURLs are the two independent streaming trade feeds the
	// Spot Price Tracker consumes (§4.1). Exactly two entries expected.
	SpotFeedURLs []string `mapstructure:"spot_feed_urls"`
}

// StrategyConfig carries the §4.4.1 parameter table for the DCA ladder
// evaluator, plus the engine's tick interval.
type StrategyConfig struct {
	EntryTrigger       string        `mapstructure:"entry_trigger"`
	DCADrop1           string        `mapstructure:"dca_drop_1"`
	DCADrop2           string        `mapstructure:"dca_drop_2"`
	ClipSize           string        `mapstructure:"clip_size"`
	UnwindTrigger      string        `mapstructure:"unwind_trigger"`
	TPPrice            string        `mapstructure:"tp_price"`
	HighScalpEntry     string        `mapstructure:"high_scalp_entry"`
	MaxCompletedCycles int           `mapstructure:"max_completed_cycles"`
	MaxHighScalps      int           `mapstructure:"max_high_scalps"`
	MinEntryTimeLeft   time.Duration `mapstructure:"min_entry_time_left"`
	ForceUnwindLeft    time.Duration `mapstructure:"force_unwind_time_left"`
	ForceExitLeft      time.Duration `mapstructure:"force_exit_time_left"`

	TickInterval     time.Duration `mapstructure:"tick_interval"`
	MarketUpdateRate time.Duration `mapstructure:"market_update_rate"`
}

// RiskConfig sets engine-wide risk limits.
//
//   - MaxConcurrentMarkets: upper bound on active markets; add_market
//     rejects beyond this (§6).
//   - DailyLossLimit: on realized PnL crossing -limit, the engine
//     transitions to "halted": refuses new entries, still honors exits.
type RiskConfig struct {
	MaxConcurrentMarkets int    `mapstructure:"max_concurrent_markets"`
	DailyLossLimit       string `mapstructure:"daily_loss_limit"`
}

// AuditConfig sets where error events are durably logged (§7).
type AuditConfig struct {
	LogDir string `mapstructure:"log_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: SCALP_PRIVATE_KEY, SCALP_API_KEY,
// SCALP_API_SECRET, SCALP_PASSPHRASE, SCALP_TRADING_ENABLED.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SCALP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("SCALP_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("SCALP_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("SCALP_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("SCALP_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if v := os.Getenv("SCALP_TRADING_ENABLED"); v == "true" || v == "1" {
		cfg.TradingEnabled = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set SCALP_PRIVATE_KEY)")
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
	}
	if c.API.RESTBaseURL == "" {
		return fmt.Errorf("api.rest_base_url is required")
	}
	if len(c.API.SpotFeedURLs) != 2 {
		return fmt.Errorf("api.spot_feed_urls must list exactly two feeds")
	}
	if c.Risk.MaxConcurrentMarkets <= 0 {
		return fmt.Errorf("risk.max_concurrent_markets must be > 0")
	}
	if c.Strategy.ClipSize == "" {
		return fmt.Errorf("strategy.clip_size is required")
	}
	if c.Strategy.EntryTrigger == "" {
		return fmt.Errorf("strategy.entry_trigger is required")
	}
	if c.Strategy.TickInterval <= 0 {
		return fmt.Errorf("strategy.tick_interval must be > 0")
	}
	return nil
}
