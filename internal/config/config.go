package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"symmetry/internal/symbols"
)

// Config stores all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Feed      FeedConfig
	Provider  ProviderConfig
	Persist   PersistConfig
	Indices   map[string]IndexConfig
	Symbols   []symbols.Entry
	Strategy  StrategyConfig
	Execution ExecutionConfig
	Exits     ExitConfig
	Risk      RiskConfig
	Backtest  BacktestConfig
}

// AppConfig defines process level settings.
type AppConfig struct {
	LogLevel   string `mapstructure:"log_level"`
	HTTPAddr   string `mapstructure:"http_addr"`
	ConsumerID string `mapstructure:"consumer_id"`
}

// DatabaseConfig defines the database connection settings.
type DatabaseConfig struct {
	Host          string
	Port          int
	User          string
	Password      string
	DBName        string
	RetentionDays int `mapstructure:"retention_days"`
}

// DSN returns the postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", d.User, d.Password, d.Host, d.Port, d.DBName)
}

// RedisConfig defines the broadcast publisher connection.
type RedisConfig struct {
	Enabled  bool
	URL      string
	Password string
	Channel  string
}

// FeedConfig defines the upstream market data stream.
type FeedConfig struct {
	Name         string
	URL          string
	Token        string
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
	Intervals    []string
	BufferSize   int           `mapstructure:"buffer_size"`
	RawTickEvery time.Duration `mapstructure:"raw_tick_every"`
}

// ProviderConfig defines the historical data and option chain endpoints.
type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string
	Timeout time.Duration
}

// PersistConfig defines the tick batching behaviour.
type PersistConfig struct {
	BatchSize         int           `mapstructure:"batch_size"`
	FlushInterval     time.Duration `mapstructure:"flush_interval"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	MaintenanceDelay  time.Duration `mapstructure:"maintenance_delay"`
	MaintenancePeriod time.Duration `mapstructure:"maintenance_period"`
}

// IndexConfig defines an index and how its option legs are selected.
type IndexConfig struct {
	IndexKey           string `mapstructure:"index_key"`
	Underlying         string
	LotSize            float64 `mapstructure:"lot_size"`
	StrikeStep         float64 `mapstructure:"strike_step"`
	RefreshThreshold   float64 `mapstructure:"refresh_threshold"`
	ThresholdWithOI    int     `mapstructure:"threshold_with_oi"`
	ThresholdWithoutOI int     `mapstructure:"threshold_without_oi"`
	LegA               string  `mapstructure:"leg_a"`
	LegB               string  `mapstructure:"leg_b"`
}

// Weights are the per-factor contributions to the confluence score.
type Weights struct {
	Volume        int
	Trend         int
	Velocity      int
	Color         int
	OppositeBreak int `mapstructure:"opposite_break"`
	WriterPanic   int `mapstructure:"writer_panic"`
	Decay         int
}

// StrategyConfig defines swing detection and signal scoring.
type StrategyConfig struct {
	SwingWindow                int     `mapstructure:"swing_window"`
	ATRPeriod                  int     `mapstructure:"atr_period"`
	SwingATRMultiplier         float64 `mapstructure:"swing_atr_multiplier"`
	SwingFallbackThreshold     float64 `mapstructure:"swing_fallback_threshold"`
	VolumePeriod               int     `mapstructure:"volume_period"`
	VolumeMultiplier           float64 `mapstructure:"volume_multiplier"`
	FastEMAPeriod              int     `mapstructure:"fast_ema_period"`
	SlowEMAPeriod              int     `mapstructure:"slow_ema_period"`
	VelocityLookback           int     `mapstructure:"velocity_lookback"`
	OptionDelta                float64 `mapstructure:"option_delta"`
	VelocityRatio              float64 `mapstructure:"velocity_ratio"`
	ColorCandles               int     `mapstructure:"color_candles"`
	WriterPanicOIDelta         float64 `mapstructure:"writer_panic_oi_delta"`
	AssumeWriterPanicWithoutOI bool    `mapstructure:"assume_writer_panic_without_oi"`
	DecayTolerance             float64 `mapstructure:"decay_tolerance"`
	ProximityPct               float64 `mapstructure:"proximity_pct"`
	Cooldown                   time.Duration
	CooldownLookback           int `mapstructure:"cooldown_lookback"`
	ThresholdWithOI            int `mapstructure:"threshold_with_oi"`
	ThresholdWithoutOI         int `mapstructure:"threshold_without_oi"`
	Weights                    Weights
	StopMode                   string        `mapstructure:"stop_mode"`
	StopPremiumPct             float64       `mapstructure:"stop_premium_pct"`
	StopPoints                 float64       `mapstructure:"stop_points"`
	StopATRMultiplier          float64       `mapstructure:"stop_atr_multiplier"`
	RewardMultiple             float64       `mapstructure:"reward_multiple"`
	IndexSync                  bool          `mapstructure:"index_sync"`
	RefreshInterval            time.Duration `mapstructure:"refresh_interval"`
	WarmupCandles              int           `mapstructure:"warmup_candles"`
}

// ExecutionConfig defines the fill and cost model.
type ExecutionConfig struct {
	Lots           float64
	Slippage       float64
	CommissionRate float64 `mapstructure:"commission_rate"`
	FixedCharge    float64 `mapstructure:"fixed_charge"`
	InitialBalance float64 `mapstructure:"initial_balance"`
}

// ExitConfig defines the exit rules evaluated while a position is open.
type ExitConfig struct {
	Trailing           bool
	TrailingMultiplier float64 `mapstructure:"trailing_multiplier"`
	ProfitLockATR      float64 `mapstructure:"profit_lock_atr"`
	HardStopPct        float64 `mapstructure:"hard_stop_pct"`
	OppositeOIExit     bool    `mapstructure:"opposite_oi_exit"`
	SymmetryBreak      bool    `mapstructure:"symmetry_break"`
	Stagnation         bool
	StagnationAfter    time.Duration `mapstructure:"stagnation_after"`
	StagnationMinPnL   float64       `mapstructure:"stagnation_min_pnl"`
	DynamicTP          bool          `mapstructure:"dynamic_tp"`
	BounceCandles      int           `mapstructure:"bounce_candles"`
	Asymmetry          bool
	AsymmetryRun       int `mapstructure:"asymmetry_run"`
}

// RiskConfig caps exposure.
type RiskConfig struct {
	MaxPositions int     `mapstructure:"max_positions"`
	MaxDailyLoss float64 `mapstructure:"max_daily_loss"`
	// Timezone names the zone whose calendar day resets the loss cap.
	Timezone string
}

// Location resolves Timezone, falling back to UTC.
func (r RiskConfig) Location() *time.Location {
	if r.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// BacktestConfig defines offline replay inputs.
type BacktestConfig struct {
	Index   string
	DataDir string `mapstructure:"data_dir"`
	SQLite  string `mapstructure:"sqlite"`
}

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	// .env is optional; missing file is not an error.
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config, fmt.Errorf("read config: %w", err)
		}
	}

	if err = v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("unmarshal config: %w", err)
	}
	config.normalize()
	err = config.Validate()
	return
}

// SetDefaults registers every tunable with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.http_addr", ":8080")
	v.SetDefault("app.consumer_id", "engine")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.dbname", "symmetry")
	v.SetDefault("database.retention_days", 30)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.channel", "symmetry")

	v.SetDefault("feed.name", "websocket")
	v.SetDefault("feed.max_backoff", 16*time.Second)
	v.SetDefault("feed.intervals", []string{"1"})
	v.SetDefault("feed.buffer_size", 1024)
	v.SetDefault("feed.raw_tick_every", 50*time.Millisecond)

	v.SetDefault("provider.timeout", 10*time.Second)

	v.SetDefault("persist.batch_size", 100)
	v.SetDefault("persist.flush_interval", 10*time.Second)
	v.SetDefault("persist.max_retries", 3)
	v.SetDefault("persist.retry_delay", time.Second)
	v.SetDefault("persist.maintenance_delay", 60*time.Second)
	v.SetDefault("persist.maintenance_period", 24*time.Hour)

	v.SetDefault("strategy.swing_window", 15)
	v.SetDefault("strategy.atr_period", 14)
	v.SetDefault("strategy.swing_atr_multiplier", 1.2)
	v.SetDefault("strategy.swing_fallback_threshold", 5.0)
	v.SetDefault("strategy.volume_period", 20)
	v.SetDefault("strategy.volume_multiplier", 1.5)
	v.SetDefault("strategy.fast_ema_period", 9)
	v.SetDefault("strategy.slow_ema_period", 5)
	v.SetDefault("strategy.velocity_lookback", 3)
	v.SetDefault("strategy.option_delta", 0.5)
	v.SetDefault("strategy.velocity_ratio", 1.5)
	v.SetDefault("strategy.color_candles", 3)
	v.SetDefault("strategy.writer_panic_oi_delta", -500.0)
	v.SetDefault("strategy.assume_writer_panic_without_oi", true)
	v.SetDefault("strategy.decay_tolerance", 2.0)
	v.SetDefault("strategy.proximity_pct", 0.0005)
	v.SetDefault("strategy.cooldown", 900*time.Second)
	v.SetDefault("strategy.cooldown_lookback", 3)
	v.SetDefault("strategy.threshold_with_oi", 5)
	v.SetDefault("strategy.threshold_without_oi", 4)
	v.SetDefault("strategy.weights.volume", 1)
	v.SetDefault("strategy.weights.trend", 1)
	v.SetDefault("strategy.weights.velocity", 1)
	v.SetDefault("strategy.weights.color", 1)
	v.SetDefault("strategy.weights.opposite_break", 1)
	v.SetDefault("strategy.weights.writer_panic", 2)
	v.SetDefault("strategy.weights.decay", 1)
	v.SetDefault("strategy.stop_mode", StopModePremium)
	v.SetDefault("strategy.stop_premium_pct", 0.07)
	v.SetDefault("strategy.stop_points", 2.0)
	v.SetDefault("strategy.stop_atr_multiplier", 1.5)
	v.SetDefault("strategy.reward_multiple", 2.0)
	v.SetDefault("strategy.index_sync", true)
	v.SetDefault("strategy.refresh_interval", time.Minute)
	v.SetDefault("strategy.warmup_candles", 60)

	v.SetDefault("execution.lots", 1.0)
	v.SetDefault("execution.slippage", 0.001)
	v.SetDefault("execution.commission_rate", 0.0005)
	v.SetDefault("execution.fixed_charge", 20.0)
	v.SetDefault("execution.initial_balance", 1000000.0)

	v.SetDefault("exits.trailing", true)
	v.SetDefault("exits.trailing_multiplier", 2.0)
	v.SetDefault("exits.profit_lock_atr", 3.0)
	v.SetDefault("exits.hard_stop_pct", 0.2)
	v.SetDefault("exits.opposite_oi_exit", true)
	v.SetDefault("exits.symmetry_break", true)
	v.SetDefault("exits.stagnation", true)
	v.SetDefault("exits.stagnation_after", 15*time.Minute)
	v.SetDefault("exits.stagnation_min_pnl", 0.01)
	v.SetDefault("exits.dynamic_tp", true)
	v.SetDefault("exits.bounce_candles", 2)
	v.SetDefault("exits.asymmetry", true)
	v.SetDefault("exits.asymmetry_run", 3)

	v.SetDefault("risk.max_positions", 4)
	v.SetDefault("risk.max_daily_loss", 50000.0)
	v.SetDefault("risk.timezone", "Asia/Kolkata")

	v.SetDefault("backtest.data_dir", "data")
	v.SetDefault("backtest.sqlite", "file:backtest.db")
}

// Stop models for signal stop placement.
const (
	StopModePremium = "premium"
	StopModeATR     = "atr"
)

// Default returns a Config populated only with defaults.
func Default() Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Unmarshal of defaults only fails on a programming error in SetDefaults.
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	return cfg
}

// viper lowercases map keys; index names are upper case everywhere else.
func (c *Config) normalize() {
	indices := make(map[string]IndexConfig, len(c.Indices))
	for name, idx := range c.Indices {
		if idx.Underlying == "" {
			idx.Underlying = strings.ToUpper(name)
		}
		indices[strings.ToUpper(name)] = idx
	}
	c.Indices = indices
	c.App.LogLevel = strings.ToLower(c.App.LogLevel)
}

// Validate fails fast on settings the process cannot run without.
func (c Config) Validate() error {
	var problems []string
	switch strings.ToLower(c.App.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("unknown log level %q", c.App.LogLevel))
	}
	if len(c.Indices) == 0 {
		problems = append(problems, "no indices configured")
	}
	for name, idx := range c.Indices {
		if idx.IndexKey == "" {
			problems = append(problems, fmt.Sprintf("index %s: index_key is required", name))
		}
		if idx.LotSize <= 0 {
			problems = append(problems, fmt.Sprintf("index %s: lot_size must be positive", name))
		}
	}
	if c.Strategy.SwingWindow < 5 {
		problems = append(problems, "strategy.swing_window must be at least 5")
	}
	if c.Strategy.StopMode != StopModePremium && c.Strategy.StopMode != StopModeATR {
		problems = append(problems, fmt.Sprintf("unknown stop mode %q", c.Strategy.StopMode))
	}
	if c.Persist.BatchSize <= 0 || c.Persist.MaxRetries <= 0 {
		problems = append(problems, "persist.batch_size and persist.max_retries must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Thresholds returns the acceptance scores for index, applying overrides.
func (c Config) Thresholds(index string) (withOI, withoutOI int) {
	withOI, withoutOI = c.Strategy.ThresholdWithOI, c.Strategy.ThresholdWithoutOI
	if idx, ok := c.Indices[index]; ok {
		if idx.ThresholdWithOI > 0 {
			withOI = idx.ThresholdWithOI
		}
		if idx.ThresholdWithoutOI > 0 {
			withoutOI = idx.ThresholdWithoutOI
		}
	}
	return withOI, withoutOI
}
