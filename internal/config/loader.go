package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LPKEEPER_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LPKEEPER_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Store, "LPKEEPER_STORE")

	// ── Supabase ──
	setStr(&cfg.Supabase.DSN, "LPKEEPER_SUPABASE_DSN")
	setStr(&cfg.Supabase.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Supabase.Host, "LPKEEPER_SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "LPKEEPER_SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "LPKEEPER_SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "LPKEEPER_SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "LPKEEPER_SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "LPKEEPER_SUPABASE_SSL_MODE")
	setInt(&cfg.Supabase.PoolMaxConns, "LPKEEPER_SUPABASE_POOL_MAX_CONNS")
	setInt(&cfg.Supabase.PoolMinConns, "LPKEEPER_SUPABASE_POOL_MIN_CONNS")
	setBool(&cfg.Supabase.RunMigrations, "LPKEEPER_SUPABASE_RUN_MIGRATIONS")

	setStr(&cfg.SQLite.Path, "LPKEEPER_SQLITE_PATH")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "LPKEEPER_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "LPKEEPER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LPKEEPER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LPKEEPER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LPKEEPER_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "LPKEEPER_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "LPKEEPER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LPKEEPER_S3_REGION")
	setStr(&cfg.S3.Bucket, "LPKEEPER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LPKEEPER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LPKEEPER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LPKEEPER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LPKEEPER_S3_FORCE_PATH_STYLE")

	// ── Curve ──
	setInt(&cfg.Curve.TotalBins, "LPKEEPER_CURVE_TOTAL_BINS")
	setFloat64(&cfg.Curve.ConcentrationFactor, "LPKEEPER_CURVE_CONCENTRATION_FACTOR")
	setFloat64(&cfg.Curve.DefaultRangeMultiplier, "LPKEEPER_CURVE_DEFAULT_RANGE_MULTIPLIER")
	setFloat64(&cfg.Curve.MCUBiasFactor, "LPKEEPER_CURVE_MCU_BIAS_FACTOR")

	// ── Keeper ──
	setDuration(&cfg.Keeper.Interval, "LPKEEPER_KEEPER_INTERVAL")
	setInt(&cfg.Keeper.BatchSize, "LPKEEPER_KEEPER_BATCH_SIZE")
	setInt(&cfg.Keeper.MaxRetries, "LPKEEPER_KEEPER_MAX_RETRIES")
	setInt(&cfg.Keeper.MonitorConcurrency, "LPKEEPER_KEEPER_MONITOR_CONCURRENCY")
	setInt(&cfg.Keeper.SignalConcurrency, "LPKEEPER_KEEPER_SIGNAL_CONCURRENCY")
	setInt(&cfg.Keeper.ExecuteConcurrency, "LPKEEPER_KEEPER_EXECUTE_CONCURRENCY")
	setDuration(&cfg.Keeper.PriceTimeout, "LPKEEPER_KEEPER_PRICE_TIMEOUT")
	setDuration(&cfg.Keeper.SignalTimeout, "LPKEEPER_KEEPER_SIGNAL_TIMEOUT")
	setDuration(&cfg.Keeper.JobTimeout, "LPKEEPER_KEEPER_JOB_TIMEOUT")
	setDuration(&cfg.Keeper.StuckJobAfter, "LPKEEPER_KEEPER_STUCK_JOB_AFTER")
	setBool(&cfg.Keeper.AutoResubmit, "LPKEEPER_KEEPER_AUTO_RESUBMIT")
	setBool(&cfg.Keeper.RefreshPrices, "LPKEEPER_KEEPER_REFRESH_PRICES")
	setDuration(&cfg.Keeper.LockTTL, "LPKEEPER_KEEPER_LOCK_TTL")
	setBool(&cfg.Keeper.DryRun, "LPKEEPER_KEEPER_DRY_RUN")

	// ── Price feed ──
	setStr(&cfg.PriceFeed.BaseURL, "LPKEEPER_PRICE_FEED_BASE_URL")
	setStr(&cfg.PriceFeed.WsURL, "LPKEEPER_PRICE_FEED_WS_URL")
	setDuration(&cfg.PriceFeed.CacheTTL, "LPKEEPER_PRICE_FEED_CACHE_TTL")
	setDuration(&cfg.PriceFeed.StaleAfter, "LPKEEPER_PRICE_FEED_STALE_AFTER")
	setFloat64(&cfg.PriceFeed.RatePerSec, "LPKEEPER_PRICE_FEED_RATE_PER_SEC")
	setBool(&cfg.PriceFeed.StreamEnabled, "LPKEEPER_PRICE_FEED_STREAM_ENABLED")
	setStringSlice(&cfg.PriceFeed.StreamSymbols, "LPKEEPER_PRICE_FEED_STREAM_SYMBOLS")

	// ── Signals ──
	setBool(&cfg.Signals.Enabled, "LPKEEPER_SIGNALS_ENABLED")
	setStr(&cfg.Signals.BaseURL, "LPKEEPER_SIGNALS_BASE_URL")
	setStr(&cfg.Signals.APIKey, "LPKEEPER_SIGNALS_API_KEY")
	setStr(&cfg.Signals.APIKey, "OPENROUTER_API_KEY") // compatibility alias
	setStr(&cfg.Signals.PrimaryModel, "LPKEEPER_SIGNALS_PRIMARY_MODEL")
	setStr(&cfg.Signals.FallbackModel, "LPKEEPER_SIGNALS_FALLBACK_MODEL")
	setFloat64(&cfg.Signals.ConfidenceFloor, "LPKEEPER_SIGNALS_CONFIDENCE_FLOOR")
	setInt(&cfg.Signals.MinHistory, "LPKEEPER_SIGNALS_MIN_HISTORY")
	setInt(&cfg.Signals.HistoryLimit, "LPKEEPER_SIGNALS_HISTORY_LIMIT")
	setDuration(&cfg.Signals.PoolCooldown, "LPKEEPER_SIGNALS_POOL_COOLDOWN")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "LPKEEPER_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "LPKEEPER_ARCHIVE_CRON")
	setInt(&cfg.Archive.RetentionDays, "LPKEEPER_ARCHIVE_RETENTION_DAYS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "LPKEEPER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LPKEEPER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LPKEEPER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "LPKEEPER_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.RepeatAfter, "LPKEEPER_NOTIFY_REPEAT_AFTER")

	// ── Log ──
	setStr(&cfg.Log.Output, "LPKEEPER_LOG_OUTPUT")
	setInt(&cfg.Log.MaxSizeMB, "LPKEEPER_LOG_MAX_SIZE_MB")
	setInt(&cfg.Log.MaxBackups, "LPKEEPER_LOG_MAX_BACKUPS")
	setInt(&cfg.Log.MaxAgeDays, "LPKEEPER_LOG_MAX_AGE_DAYS")
	setBool(&cfg.Log.Compress, "LPKEEPER_LOG_COMPRESS")

	// ── Top-level ──
	setStr(&cfg.Mode, "LPKEEPER_MODE")
	setStr(&cfg.LogLevel, "LPKEEPER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
