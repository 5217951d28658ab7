// Package config loads service configuration from an optional YAML file with
// environment-variable overrides. A missing file is not an error: the
// defaults plus environment carry a development instance, so `go run` works
// with nothing but an empty directory.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the root configuration for the settlement engine service.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Oracle   OracleConfig   `mapstructure:"oracle"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Bank     BankConfig     `mapstructure:"bank"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
}

type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type DatabaseConfig struct {
	// DSN is the PostgreSQL connection string. Empty selects the
	// in-memory store.
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	// URL is the redis connection URL. Empty disables the read-through
	// cache.
	URL string `mapstructure:"url"`
	TTL time.Duration `mapstructure:"ttl"`
}

type OracleConfig struct {
	// MaxAge is the freshness window for posted prices; quotes older than
	// this fail settlement instead of settling stale.
	MaxAge time.Duration `mapstructure:"max_age"`
}

// EngineConfig carries the economic parameters of the engine. Rates are in
// basis points so the math stays in integers.
type EngineConfig struct {
	Admin                string        `mapstructure:"admin"`
	AssetPool            string        `mapstructure:"asset_pool"`
	StablePool           string        `mapstructure:"stable_pool"`
	PremiumBps           int64         `mapstructure:"premium_bps"`
	MarginFeeBps         int64         `mapstructure:"margin_fee_bps"`
	LiquidationFeeBps    int64         `mapstructure:"liquidation_fee_bps"`
	MaxLeverage          int64         `mapstructure:"max_leverage"`
	MaintenanceMarginPct int64         `mapstructure:"maintenance_margin_pct"`
	SettlementWindow     time.Duration `mapstructure:"settlement_window"`
}

type LimitsConfig struct {
	// MaxActiveOptions caps simultaneously active options per owner; zero
	// disables.
	MaxActiveOptions int `mapstructure:"max_active_options"`

	// MaxCollateralShareBps caps one instance's collateral as a fraction
	// of pool value; zero disables.
	MaxCollateralShareBps int64 `mapstructure:"max_collateral_share_bps"`
}

// BankConfig configures the in-process value-transfer ledger used by dev
// deployments. A production custody adapter ignores it.
type BankConfig struct {
	// Seed maps asset -> account -> starting balance, credited once at
	// boot so a fresh instance can accept deposits and premiums without
	// out-of-band funding. Amounts are decimal strings.
	Seed map[string]map[string]string `mapstructure:"seed"`
}

// Load reads configuration from path (optional) and the environment. Env
// variables use underscores for nesting: ENGINE_MAX_LEVERAGE overrides
// engine.max_leverage.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("app.name", "settlement-engine")
	v.SetDefault("app.env", "development")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("database.dsn", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.ttl", "30s")
	v.SetDefault("oracle.max_age", "5m")
	v.SetDefault("engine.admin", "admin")
	v.SetDefault("engine.asset_pool", "ETH")
	v.SetDefault("engine.stable_pool", "USDC")
	v.SetDefault("engine.premium_bps", 200)
	v.SetDefault("engine.margin_fee_bps", 50)
	v.SetDefault("engine.liquidation_fee_bps", 500)
	v.SetDefault("engine.max_leverage", 5)
	v.SetDefault("engine.maintenance_margin_pct", 20)
	v.SetDefault("engine.settlement_window", "1h")
	v.SetDefault("limits.max_active_options", 0)
	v.SetDefault("limits.max_collateral_share_bps", 0)
	v.SetDefault("bank.seed", map[string]map[string]string{})

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run under.
func (c *Config) Validate() error {
	if c.Engine.MaxLeverage < 1 {
		return fmt.Errorf("config: max_leverage must be at least 1, got %d", c.Engine.MaxLeverage)
	}
	if c.Engine.MaintenanceMarginPct < 0 || c.Engine.MaintenanceMarginPct > 100 {
		return fmt.Errorf("config: maintenance_margin_pct must be within [0, 100], got %d", c.Engine.MaintenanceMarginPct)
	}
	for name, bps := range map[string]int64{
		"premium_bps":         c.Engine.PremiumBps,
		"margin_fee_bps":      c.Engine.MarginFeeBps,
		"liquidation_fee_bps": c.Engine.LiquidationFeeBps,
	} {
		if bps < 0 || bps > 10000 {
			return fmt.Errorf("config: %s must be within [0, 10000], got %d", name, bps)
		}
	}
	if c.Engine.AssetPool == "" || c.Engine.StablePool == "" || c.Engine.AssetPool == c.Engine.StablePool {
		return fmt.Errorf("config: asset_pool %q and stable_pool %q must be distinct non-empty units", c.Engine.AssetPool, c.Engine.StablePool)
	}
	for asset, accounts := range c.Bank.Seed {
		for account, raw := range accounts {
			amount, err := decimal.NewFromString(raw)
			if err != nil || !amount.IsPositive() {
				return fmt.Errorf("config: bank.seed %s/%s must be a positive decimal, got %q", asset, account, raw)
			}
		}
	}
	return nil
}
