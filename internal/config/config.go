// Package config defines all configuration for a backtest run. Config is
// loaded from a YAML file (default: configs/config.yaml) with overridable
// fields settable via BT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Run       RunConfig       `mapstructure:"run"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// RunConfig holds the knobs the engine itself needs for a single run.
type RunConfig struct {
	InitialCash      float64 `mapstructure:"initial_cash"`
	BaseSlippage     float64 `mapstructure:"base_slippage"`
	EMAAlpha         float64 `mapstructure:"ema_alpha"`
	AllowShort       bool    `mapstructure:"allow_short"`
	SnapshotInterval int     `mapstructure:"snapshot_interval"`
}

// FeedConfig points at the historical markets/trades tape to replay.
type FeedConfig struct {
	MarketsPath string `mapstructure:"markets_path"`
	TradesPath  string `mapstructure:"trades_path"`
}

// StrategyConfig tunes the bundled reference quoting strategy.
//
//   - Gamma: risk aversion parameter. Higher = tighter spread, less inventory risk.
//   - Sigma: estimated price volatility.
//   - K:     order arrival rate. Higher K = more aggressive quotes.
//   - T:     time horizon in years.
//   - DefaultSpreadBps: minimum spread floor in basis points.
//   - OrderSizeUSD: target notional size per order.
//
// Flow detection:
//   - FlowWindow: rolling time window for tracking fills.
//   - FlowToxicityThreshold: toxicity score above this triggers spread widening.
//   - FlowCooldownPeriod: stay wide for this duration after toxicity detected.
//   - FlowMaxSpreadMultiplier: maximum spread widening factor.
type StrategyConfig struct {
	Gamma            float64 `mapstructure:"gamma"`
	Sigma            float64 `mapstructure:"sigma"`
	K                float64 `mapstructure:"k"`
	T                float64 `mapstructure:"t"`
	DefaultSpreadBps int     `mapstructure:"default_spread_bps"`
	OrderSizeUSD     float64 `mapstructure:"order_size_usd"`

	FlowWindow              time.Duration `mapstructure:"flow_window"`
	FlowToxicityThreshold   float64       `mapstructure:"flow_toxicity_threshold"`
	FlowCooldownPeriod      time.Duration `mapstructure:"flow_cooldown_period"`
	FlowMaxSpreadMultiplier float64       `mapstructure:"flow_max_spread_multiplier"`
}

// RiskConfig tunes the synchronous portfolio risk limiter
// (internal/risk.Limiter). Disabled by default: a run with no risk section
// (or risk.enabled: false) never evaluates limits at all.
type RiskConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	MaxPositionPerMarket float64       `mapstructure:"max_position_per_market"`
	MaxGlobalExposure    float64       `mapstructure:"max_global_exposure"`
	MaxDailyLoss         float64       `mapstructure:"max_daily_loss"`
	MaxMarketsActive     int           `mapstructure:"max_markets_active"`
	KillSwitchDropPct    float64       `mapstructure:"kill_switch_drop_pct"`
	KillSwitchWindowSec  int           `mapstructure:"kill_switch_window_sec"`
	CooldownAfterKill    time.Duration `mapstructure:"cooldown_after_kill"`
}

// StoreConfig sets where run results are persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the replay/observability server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with BT_*-prefixed env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides lets a handful of frequently-scripted knobs be set
// without a YAML edit, mirroring the teacher's POLY_DRY_RUN /
// POLY_PRIVATE_KEY style direct-env overrides.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BT_INITIAL_CASH"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Run.InitialCash = f
		}
	}
	if v := os.Getenv("BT_ALLOW_SHORT"); v == "true" || v == "1" {
		cfg.Run.AllowShort = true
	}
	if v := os.Getenv("BT_MARKETS_PATH"); v != "" {
		cfg.Feed.MarketsPath = v
	}
	if v := os.Getenv("BT_TRADES_PATH"); v != "" {
		cfg.Feed.TradesPath = v
	}
	if v := os.Getenv("BT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Run.InitialCash <= 0 {
		return fmt.Errorf("run.initial_cash must be > 0")
	}
	if c.Run.BaseSlippage < 0 {
		return fmt.Errorf("run.base_slippage must be >= 0")
	}
	if c.Run.EMAAlpha <= 0 || c.Run.EMAAlpha > 1 {
		return fmt.Errorf("run.ema_alpha must be in (0, 1]")
	}
	if c.Run.SnapshotInterval < 0 {
		return fmt.Errorf("run.snapshot_interval must be >= 0")
	}
	if c.Feed.MarketsPath == "" {
		return fmt.Errorf("feed.markets_path is required")
	}
	if c.Feed.TradesPath == "" {
		return fmt.Errorf("feed.trades_path is required")
	}
	if c.Strategy.Gamma <= 0 {
		return fmt.Errorf("strategy.gamma must be > 0")
	}
	if c.Strategy.OrderSizeUSD <= 0 {
		return fmt.Errorf("strategy.order_size_usd must be > 0")
	}
	if c.Dashboard.Enabled && c.Dashboard.Port <= 0 {
		return fmt.Errorf("dashboard.port must be > 0 when dashboard.enabled is true")
	}
	if c.Risk.Enabled {
		if c.Risk.MaxGlobalExposure <= 0 {
			return fmt.Errorf("risk.max_global_exposure must be > 0 when risk.enabled is true")
		}
		if c.Risk.MaxPositionPerMarket <= 0 {
			return fmt.Errorf("risk.max_position_per_market must be > 0 when risk.enabled is true")
		}
		if c.Risk.MaxDailyLoss <= 0 {
			return fmt.Errorf("risk.max_daily_loss must be > 0 when risk.enabled is true")
		}
		if c.Risk.KillSwitchDropPct <= 0 {
			return fmt.Errorf("risk.kill_switch_drop_pct must be > 0 when risk.enabled is true")
		}
	}
	return nil
}
