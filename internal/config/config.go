package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rewired-gh/quantflow/internal/models"
	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Symbols    []string         `mapstructure:"symbols"`
	Pairs      []string         `mapstructure:"pairs"`
	Timeframes []string         `mapstructure:"timeframes"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Analytics  AnalyticsConfig  `mapstructure:"analytics"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	Backtest   BacktestConfig   `mapstructure:"backtest"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Replay     ReplayConfig     `mapstructure:"replay"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// IngestConfig controls the buffered producer queue and tick batching.
type IngestConfig struct {
	BufferSize   int           `mapstructure:"buffer_size"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// KalmanConfig holds the dynamic hedge ratio filter noise parameters.
type KalmanConfig struct {
	Delta            float64 `mapstructure:"delta"`
	ObservationNoise float64 `mapstructure:"observation_noise"`
}

// AnalyticsConfig holds defaults for on-demand statistics.
type AnalyticsConfig struct {
	Window              int          `mapstructure:"window"`
	PeriodsPerYear      float64      `mapstructure:"periods_per_year"` // 0 = derive from timeframe
	MinRegressionPoints int          `mapstructure:"min_regression_points"`
	MinADFPoints        int          `mapstructure:"min_adf_points"`
	Lookback            int          `mapstructure:"lookback"` // bars loaded when a query sets no limit
	Kalman              KalmanConfig `mapstructure:"kalman"`
}

// RuleConfig is an alert rule seeded at startup.
type RuleConfig struct {
	Name      string `mapstructure:"name"`
	Condition string `mapstructure:"condition"`
	Symbol    string `mapstructure:"symbol"`
	Enabled   bool   `mapstructure:"enabled"`
}

// AlertsConfig holds alert evaluation configuration
type AlertsConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
	HistorySize   int           `mapstructure:"history_size"`
	Timeframe     string        `mapstructure:"timeframe"`
	StaleAfter    time.Duration `mapstructure:"stale_after"` // 0 = never skip stale subjects
	Rules         []RuleConfig  `mapstructure:"rules"`
}

// BacktestConfig holds default mean-reversion backtest parameters.
type BacktestConfig struct {
	EntryZ         float64 `mapstructure:"entry_z"`
	ExitZ          float64 `mapstructure:"exit_z"`
	Window         int     `mapstructure:"window"`
	UnitSize       float64 `mapstructure:"unit_size"`
	StartingEquity float64 `mapstructure:"starting_equity"`
}

// HTTPConfig holds query API server configuration
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// ReplayConfig points the pipeline at a historical CSV instead of a live feed.
type ReplayConfig struct {
	Path  string  `mapstructure:"path"`
	Speed float64 `mapstructure:"speed"` // 0 = as fast as possible
}

// Load reads configuration from file and environment variables.
// An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("QUANTFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("symbols", []string{"btcusdt", "ethusdt"})
	v.SetDefault("pairs", []string{"btcusdt/ethusdt"})
	v.SetDefault("timeframes", []string{"1s", "1m", "5m"})

	v.SetDefault("storage.db_path", "./data/ticks.db")

	v.SetDefault("ingest.buffer_size", 10000)
	v.SetDefault("ingest.batch_size", 200)
	v.SetDefault("ingest.batch_timeout", "250ms")

	v.SetDefault("analytics.window", 100)
	v.SetDefault("analytics.periods_per_year", 0.0)
	v.SetDefault("analytics.min_regression_points", 50)
	v.SetDefault("analytics.min_adf_points", 30)
	v.SetDefault("analytics.lookback", 1000)
	v.SetDefault("analytics.kalman.delta", 1e-4)
	v.SetDefault("analytics.kalman.observation_noise", 1e-3)

	v.SetDefault("alerts.enabled", true)
	v.SetDefault("alerts.check_interval", "500ms")
	v.SetDefault("alerts.history_size", 100)
	v.SetDefault("alerts.timeframe", "1m")
	v.SetDefault("alerts.stale_after", "5m")
	v.SetDefault("alerts.rules", []map[string]any{
		{"name": "Z-Score High", "condition": "zscore > 2", "symbol": "all", "enabled": true},
		{"name": "Z-Score Low", "condition": "zscore < -2", "symbol": "all", "enabled": true},
	})

	v.SetDefault("backtest.entry_z", 2.0)
	v.SetDefault("backtest.exit_z", 0.0)
	v.SetDefault("backtest.window", 100)
	v.SetDefault("backtest.unit_size", 100.0)
	v.SetDefault("backtest.starting_equity", 100000.0)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 7)

	v.SetDefault("replay.speed", 0.0)
}

// Validate checks that all configuration values are valid. Every failure is a
// *models.ConfigurationError naming the offending key.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return models.Configf("symbols", "must contain at least one symbol")
	}
	known := make(map[string]bool, len(c.Symbols))
	for _, s := range c.Symbols {
		if strings.TrimSpace(s) == "" {
			return models.Configf("symbols", "must not contain empty entries")
		}
		known[strings.ToLower(s)] = true
	}
	for _, p := range c.Pairs {
		a, b, err := ParsePair(p)
		if err != nil {
			return err
		}
		if !known[a] || !known[b] {
			return models.Configf("pairs", "%q references a symbol not listed in symbols", p)
		}
	}
	if _, err := c.ParsedTimeframes(); err != nil {
		return err
	}

	if c.Storage.DBPath == "" {
		return models.Configf("storage.db_path", "is required")
	}

	if c.Ingest.BufferSize < 1 {
		return models.Configf("ingest.buffer_size", "must be at least 1")
	}
	if c.Ingest.BatchSize < 1 {
		return models.Configf("ingest.batch_size", "must be at least 1")
	}
	if c.Ingest.BatchTimeout <= 0 {
		return models.Configf("ingest.batch_timeout", "must be positive")
	}

	if c.Analytics.Window < 2 {
		return models.Configf("analytics.window", "must be at least 2")
	}
	if c.Analytics.Lookback < c.Analytics.Window {
		return models.Configf("analytics.lookback", "must be at least analytics.window")
	}
	if c.Analytics.PeriodsPerYear < 0 {
		return models.Configf("analytics.periods_per_year", "must not be negative")
	}
	if c.Analytics.MinRegressionPoints < 2 {
		return models.Configf("analytics.min_regression_points", "must be at least 2")
	}
	if c.Analytics.MinADFPoints < 10 {
		return models.Configf("analytics.min_adf_points", "must be at least 10")
	}
	if c.Analytics.Kalman.Delta <= 0 || c.Analytics.Kalman.Delta >= 1 {
		return models.Configf("analytics.kalman.delta", "must be in (0, 1)")
	}
	if c.Analytics.Kalman.ObservationNoise <= 0 {
		return models.Configf("analytics.kalman.observation_noise", "must be positive")
	}

	if c.Alerts.Enabled {
		if c.Alerts.CheckInterval < 10*time.Millisecond {
			return models.Configf("alerts.check_interval", "must be at least 10ms")
		}
		if c.Alerts.HistorySize < 1 {
			return models.Configf("alerts.history_size", "must be at least 1")
		}
		tf, err := models.ParseTimeframe(c.Alerts.Timeframe)
		if err != nil {
			return models.Configf("alerts.timeframe", "%q is not supported", c.Alerts.Timeframe)
		}
		tfs, _ := c.ParsedTimeframes()
		if !slices.Contains(tfs, tf) {
			return models.Configf("alerts.timeframe", "%q is not one of the resampled timeframes", c.Alerts.Timeframe)
		}
		if c.Alerts.StaleAfter < 0 {
			return models.Configf("alerts.stale_after", "must not be negative")
		}
	}
	for i, r := range c.Alerts.Rules {
		if strings.TrimSpace(r.Condition) == "" {
			return models.Configf(fmt.Sprintf("alerts.rules[%d].condition", i), "is required")
		}
	}

	if c.Backtest.EntryZ <= 0 {
		return models.Configf("backtest.entry_z", "must be positive")
	}
	if c.Backtest.ExitZ >= c.Backtest.EntryZ {
		return models.Configf("backtest.exit_z", "must be less than entry_z")
	}
	if c.Backtest.Window < 2 {
		return models.Configf("backtest.window", "must be at least 2")
	}
	if c.Backtest.UnitSize <= 0 {
		return models.Configf("backtest.unit_size", "must be positive")
	}
	if c.Backtest.StartingEquity <= 0 {
		return models.Configf("backtest.starting_equity", "must be positive")
	}

	if c.HTTP.Addr == "" {
		return models.Configf("http.addr", "is required")
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return models.Configf("telegram.bot_token", "is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return models.Configf("telegram.chat_id", "is required when telegram is enabled")
		}
	}
	if c.Telegram.MaxRetries < 0 {
		return models.Configf("telegram.max_retries", "must not be negative")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return models.Configf("logging.level", "must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return models.Configf("logging.format", "must be one of: json, text")
	}

	if c.Replay.Speed < 0 {
		return models.Configf("replay.speed", "must not be negative")
	}

	return nil
}

// ParsedTimeframes returns the configured timeframes as typed values.
func (c *Config) ParsedTimeframes() ([]models.Timeframe, error) {
	if len(c.Timeframes) == 0 {
		return nil, models.Configf("timeframes", "must contain at least one timeframe")
	}
	out := make([]models.Timeframe, 0, len(c.Timeframes))
	seen := make(map[models.Timeframe]bool)
	for _, raw := range c.Timeframes {
		tf, err := models.ParseTimeframe(raw)
		if err != nil {
			return nil, models.Configf("timeframes", "%q is not supported", raw)
		}
		if seen[tf] {
			continue
		}
		seen[tf] = true
		out = append(out, tf)
	}
	return out, nil
}

// ParsePair splits an "A/B" pair into its lower-cased legs.
func ParsePair(pair string) (string, string, error) {
	a, b, ok := strings.Cut(pair, "/")
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if !ok || a == "" || b == "" || a == b {
		return "", "", models.Configf("pairs", "%q must have the form A/B with distinct symbols", pair)
	}
	return a, b, nil
}
