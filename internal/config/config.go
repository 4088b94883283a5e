// Package config defines the top-level configuration for the liquidity keeper
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by LPKEEPER_* environment variables.
type Config struct {
	Store     string          `toml:"store"`
	Supabase  SupabaseConfig  `toml:"supabase"`
	SQLite    SQLiteConfig    `toml:"sqlite"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Curve     CurveConfig     `toml:"curve"`
	Keeper    KeeperConfig    `toml:"keeper"`
	PriceFeed PriceFeedConfig `toml:"price_feed"`
	Signals   SignalsConfig   `toml:"signals"`
	Archive   ArchiveConfig   `toml:"archive"`
	Notify    NotifyConfig    `toml:"notify"`
	Log       LogConfig       `toml:"log"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters.
type SupabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// SQLiteConfig holds the local database used when store = "sqlite".
type SQLiteConfig struct {
	Path string `toml:"path"`
}

// RedisConfig holds Redis connection parameters. Redis is optional; without
// it the keeper uses an in-process price cache and no distributed lock.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// CurveConfig holds the precision-curve tunables.
type CurveConfig struct {
	TotalBins              int     `toml:"total_bins"`
	ConcentrationFactor    float64 `toml:"concentration_factor"`
	DefaultRangeMultiplier float64 `toml:"default_range_multiplier"`
	MCUBiasFactor          float64 `toml:"mcu_bias_factor"`
}

// KeeperConfig holds cycle and scheduler parameters.
type KeeperConfig struct {
	Interval           duration `toml:"interval"`
	BatchSize          int      `toml:"batch_size"`
	MaxRetries         int      `toml:"max_retries"`
	MonitorConcurrency int      `toml:"monitor_concurrency"`
	SignalConcurrency  int      `toml:"signal_concurrency"`
	ExecuteConcurrency int      `toml:"execute_concurrency"`
	PriceTimeout       duration `toml:"price_timeout"`
	SignalTimeout      duration `toml:"signal_timeout"`
	JobTimeout         duration `toml:"job_timeout"`
	// StuckJobAfter is how long a job may stay processing before the next
	// cycle fails it.
	StuckJobAfter duration `toml:"stuck_job_after"`
	AutoResubmit  bool     `toml:"auto_resubmit"`
	RefreshPrices bool     `toml:"refresh_prices"`
	LockTTL       duration `toml:"lock_ttl"`
	DryRun        bool     `toml:"dry_run"`
}

// PriceFeedConfig holds the Binance market-data endpoints.
type PriceFeedConfig struct {
	BaseURL       string   `toml:"base_url"`
	WsURL         string   `toml:"ws_url"`
	CacheTTL      duration `toml:"cache_ttl"`
	StaleAfter    duration `toml:"stale_after"`
	RatePerSec    float64  `toml:"rate_per_sec"`
	StreamEnabled bool     `toml:"stream_enabled"`
	// StreamSymbols lists the pair symbols to subscribe to, e.g. "SOLUSDC".
	StreamSymbols []string `toml:"stream_symbols"`
}

// SignalsConfig holds the advisory signal source settings.
type SignalsConfig struct {
	Enabled         bool    `toml:"enabled"`
	BaseURL         string  `toml:"base_url"`
	APIKey          string  `toml:"api_key"`
	PrimaryModel    string  `toml:"primary_model"`
	FallbackModel   string  `toml:"fallback_model"`
	ConfidenceFloor float64 `toml:"confidence_floor"`
	MinHistory      int     `toml:"min_history"`
	HistoryLimit    int     `toml:"history_limit"`
	RatePerSec      float64 `toml:"rate_per_sec"`
	// PoolCooldown is the minimum gap between advisory requests for one
	// pool, shared across keeper instances when Redis is enabled.
	PoolCooldown duration `toml:"pool_cooldown"`
}

// ArchiveConfig controls copying settled history to S3.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	Cron          string `toml:"cron"`
	RetentionDays int    `toml:"retention_days"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	// RepeatAfter suppresses an identical alert (same event and title)
	// until this much time has passed.
	RepeatAfter duration `toml:"repeat_after"`
}

// LogConfig selects where logs go. Output is "stdout" or a file path, in
// which case the file is rotated.
type LogConfig struct {
	Output     string `toml:"output"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Store: "postgres",
		Supabase: SupabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		SQLite: SQLiteConfig{
			Path: "lpkeeper.db",
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "lpkeeper-archive",
			ForcePathStyle: true,
		},
		Curve: CurveConfig{
			TotalBins:              69,
			ConcentrationFactor:    2.5,
			DefaultRangeMultiplier: 2.0,
			MCUBiasFactor:          1.3,
		},
		Keeper: KeeperConfig{
			Interval:           duration{time.Minute},
			BatchSize:          10,
			MaxRetries:         3,
			MonitorConcurrency: 8,
			SignalConcurrency:  2,
			ExecuteConcurrency: 4,
			PriceTimeout:       duration{10 * time.Second},
			SignalTimeout:      duration{45 * time.Second},
			JobTimeout:         duration{2 * time.Minute},
			StuckJobAfter:      duration{10 * time.Minute},
			AutoResubmit:       true,
			RefreshPrices:      true,
			LockTTL:            duration{10 * time.Minute},
			DryRun:             true,
		},
		PriceFeed: PriceFeedConfig{
			BaseURL:    "https://api.binance.com/api/v3",
			WsURL:      "wss://stream.binance.com:9443/stream",
			CacheTTL:   duration{30 * time.Second},
			StaleAfter: duration{10 * time.Minute},
			RatePerSec: 10,
		},
		Signals: SignalsConfig{
			Enabled:         false,
			BaseURL:         "https://openrouter.ai/api/v1",
			PrimaryModel:    "minimax/minimax-m2.5",
			FallbackModel:   "deepseek/deepseek-chat-v3.1",
			ConfidenceFloor: 90,
			MinHistory:      20,
			HistoryLimit:    100,
			RatePerSec:      1,
			PoolCooldown:    duration{5 * time.Minute},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Cron:          "0 3 1 * *",
			RetentionDays: 90,
		},
		Notify: NotifyConfig{
			Events:      []string{"cycle_failed", "cycle_summary", "stop_loss"},
			RepeatAfter: duration{time.Hour},
		},
		Log: LogConfig{
			Output:     "stdout",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Mode:     "daemon",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"once":   true,
	"daemon": true,
}

// validStores enumerates the accepted values for Config.Store.
var validStores = map[string]bool{
	"postgres": true,
	"sqlite":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: once, daemon)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if !validStores[strings.ToLower(c.Store)] {
		errs = append(errs, fmt.Sprintf("unknown store %q (valid: postgres, sqlite)", c.Store))
	}

	// Store
	switch strings.ToLower(c.Store) {
	case "postgres":
		if strings.TrimSpace(c.Supabase.DSN) == "" {
			if c.Supabase.Host == "" {
				errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
			}
			if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
				errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
			}
			if c.Supabase.Database == "" {
				errs = append(errs, "supabase: database must not be empty")
			}
		}
		if c.Supabase.PoolMaxConns < 1 {
			errs = append(errs, "supabase: pool_max_conns must be >= 1")
		}
		if c.Supabase.PoolMinConns < 0 {
			errs = append(errs, "supabase: pool_min_conns must be >= 0")
		}
		if c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
			errs = append(errs, "supabase: pool_min_conns must not exceed pool_max_conns")
		}
	case "sqlite":
		if strings.TrimSpace(c.SQLite.Path) == "" {
			errs = append(errs, "sqlite: path must not be empty")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Curve
	if c.Curve.TotalBins < 2 {
		errs = append(errs, fmt.Sprintf("curve: total_bins must be >= 2, got %d", c.Curve.TotalBins))
	}
	if c.Curve.ConcentrationFactor < 0 {
		errs = append(errs, "curve: concentration_factor must be >= 0")
	}
	if c.Curve.DefaultRangeMultiplier <= 1 {
		errs = append(errs, "curve: default_range_multiplier must be > 1")
	}
	if c.Curve.MCUBiasFactor < 1 {
		errs = append(errs, "curve: mcu_bias_factor must be >= 1")
	}

	// Keeper
	if c.Keeper.Interval.Duration <= 0 {
		errs = append(errs, "keeper: interval must be > 0")
	}
	if c.Keeper.BatchSize < 1 {
		errs = append(errs, "keeper: batch_size must be >= 1")
	}
	if c.Keeper.MaxRetries < 0 {
		errs = append(errs, "keeper: max_retries must be >= 0")
	}
	if c.Keeper.MonitorConcurrency < 1 || c.Keeper.SignalConcurrency < 1 || c.Keeper.ExecuteConcurrency < 1 {
		errs = append(errs, "keeper: concurrency limits must be >= 1")
	}
	if c.Keeper.PriceTimeout.Duration <= 0 || c.Keeper.SignalTimeout.Duration <= 0 || c.Keeper.JobTimeout.Duration <= 0 {
		errs = append(errs, "keeper: price_timeout, signal_timeout and job_timeout must be > 0")
	}
	if c.Keeper.StuckJobAfter.Duration <= c.Keeper.JobTimeout.Duration {
		errs = append(errs, "keeper: stuck_job_after must exceed job_timeout")
	}
	if c.Keeper.BatchSize >= 1 && c.Keeper.ExecuteConcurrency >= 1 {
		// One batch runs in ceil(batch_size/execute_concurrency) rounds of at most job_timeout.
		rounds := (c.Keeper.BatchSize + c.Keeper.ExecuteConcurrency - 1) / c.Keeper.ExecuteConcurrency
		if batchMax := time.Duration(rounds) * c.Keeper.JobTimeout.Duration; c.Keeper.LockTTL.Duration <= batchMax {
			errs = append(errs, fmt.Sprintf("keeper: lock_ttl %s must exceed the longest batch (%d rounds of job_timeout = %s)",
				c.Keeper.LockTTL.Duration, rounds, batchMax))
		}
	}
	if !c.Keeper.DryRun {
		errs = append(errs, "keeper: dry_run=false needs an on-chain execution adapter, and none is built in")
	}

	// Price feed
	if c.PriceFeed.BaseURL == "" {
		errs = append(errs, "price_feed: base_url must not be empty")
	}
	if c.PriceFeed.CacheTTL.Duration <= 0 {
		errs = append(errs, "price_feed: cache_ttl must be > 0")
	}
	if c.PriceFeed.StaleAfter.Duration < c.PriceFeed.CacheTTL.Duration {
		errs = append(errs, "price_feed: stale_after must not be shorter than cache_ttl")
	}
	if c.PriceFeed.RatePerSec <= 0 {
		errs = append(errs, "price_feed: rate_per_sec must be > 0")
	}
	if c.PriceFeed.StreamEnabled && c.PriceFeed.WsURL == "" {
		errs = append(errs, "price_feed: ws_url is required when stream_enabled")
	}

	// Signals
	if c.Signals.Enabled {
		if c.Signals.APIKey == "" {
			errs = append(errs, "signals: api_key is required when enabled")
		}
		if c.Signals.PrimaryModel == "" {
			errs = append(errs, "signals: primary_model must not be empty")
		}
		if c.Signals.ConfidenceFloor < 0 || c.Signals.ConfidenceFloor > 100 {
			errs = append(errs, "signals: confidence_floor must be within 0-100")
		}
		if c.Signals.MinHistory < 1 || c.Signals.HistoryLimit < c.Signals.MinHistory {
			errs = append(errs, "signals: history_limit must be >= min_history >= 1")
		}
		if c.Signals.PoolCooldown.Duration < 0 {
			errs = append(errs, "signals: pool_cooldown must not be negative")
		}
	}

	// Archive
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if len(strings.Fields(c.Archive.Cron)) != 5 {
			errs = append(errs, fmt.Sprintf("archive: cron must have 5 fields, got %q", c.Archive.Cron))
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
