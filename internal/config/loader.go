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
// built-in defaults, applies ORDERFLOW_* environment variable overrides, and
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

// applyEnvOverrides reads well-known ORDERFLOW_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Feed ──
	setStr(&cfg.Feed.URLTemplate, "ORDERFLOW_FEED_URL_TEMPLATE")
	setDuration(&cfg.Feed.BaseInterval, "ORDERFLOW_FEED_BASE_INTERVAL")
	setInt(&cfg.Feed.CapMultiplier, "ORDERFLOW_FEED_CAP_MULTIPLIER")
	setInt(&cfg.Feed.MaxAttempts, "ORDERFLOW_FEED_MAX_ATTEMPTS")
	setDuration(&cfg.Feed.HeartbeatInterval, "ORDERFLOW_FEED_HEARTBEAT_INTERVAL")
	setDuration(&cfg.Feed.HandshakeTimeout, "ORDERFLOW_FEED_HANDSHAKE_TIMEOUT")
	setStr(&cfg.Feed.DedupKey, "ORDERFLOW_FEED_DEDUP_KEY")
	setDuration(&cfg.Feed.DedupTTL, "ORDERFLOW_FEED_DEDUP_TTL")

	// ── Aggregation ──
	setFloat64(&cfg.Aggregation.TickSize, "ORDERFLOW_AGGREGATION_TICK_SIZE")
	setStr(&cfg.Aggregation.Timeframe, "ORDERFLOW_AGGREGATION_TIMEFRAME")
	setStr(&cfg.Aggregation.Boundary, "ORDERFLOW_AGGREGATION_BOUNDARY")
	setFloat64(&cfg.Aggregation.VolumeThreshold, "ORDERFLOW_AGGREGATION_VOLUME_THRESHOLD")
	setFloat64(&cfg.Aggregation.ImbalanceRatio, "ORDERFLOW_AGGREGATION_IMBALANCE_RATIO")
	setBool(&cfg.Aggregation.ResetBarsOnSwitch, "ORDERFLOW_AGGREGATION_RESET_BARS_ON_SWITCH")
	setDuration(&cfg.Aggregation.ClockInterval, "ORDERFLOW_AGGREGATION_CLOCK_INTERVAL")
	setDuration(&cfg.Aggregation.ClockGrace, "ORDERFLOW_AGGREGATION_CLOCK_GRACE")
	setInt(&cfg.Aggregation.SinkQueue, "ORDERFLOW_AGGREGATION_SINK_QUEUE")

	// ── Instruments ──
	setInstruments(&cfg.Instruments, "ORDERFLOW_INSTRUMENTS")

	// ── Store ──
	setInt(&cfg.Store.TradeCapacity, "ORDERFLOW_STORE_TRADE_CAPACITY")
	setInt(&cfg.Store.BarCapacity, "ORDERFLOW_STORE_BAR_CAPACITY")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ORDERFLOW_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ORDERFLOW_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ORDERFLOW_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ORDERFLOW_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ORDERFLOW_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ORDERFLOW_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ORDERFLOW_REDIS_TLS_ENABLED")
	setInt(&cfg.Redis.BarListLen, "ORDERFLOW_REDIS_BAR_LIST_LEN")
	setDuration(&cfg.Redis.BookTTL, "ORDERFLOW_REDIS_BOOK_TTL")
	setInt64(&cfg.Redis.StreamMaxLen, "ORDERFLOW_REDIS_STREAM_MAX_LEN")
	setStringSlice(&cfg.Redis.Addrs, "ORDERFLOW_REDIS_ADDRS")
	setDuration(&cfg.Redis.DialTimeout, "ORDERFLOW_REDIS_DIAL_TIMEOUT")
	setDuration(&cfg.Redis.IOTimeout, "ORDERFLOW_REDIS_IO_TIMEOUT")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "ORDERFLOW_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "ORDERFLOW_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "ORDERFLOW_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ORDERFLOW_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ORDERFLOW_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ORDERFLOW_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ORDERFLOW_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ORDERFLOW_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ORDERFLOW_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ORDERFLOW_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ORDERFLOW_POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ORDERFLOW_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ORDERFLOW_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ORDERFLOW_S3_REGION")
	setStr(&cfg.S3.Bucket, "ORDERFLOW_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ORDERFLOW_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ORDERFLOW_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ORDERFLOW_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ORDERFLOW_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setInt(&cfg.Archive.RetentionDays, "ORDERFLOW_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "ORDERFLOW_ARCHIVE_CRON")
	setStr(&cfg.Archive.Prefix, "ORDERFLOW_ARCHIVE_PREFIX")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ORDERFLOW_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ORDERFLOW_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ORDERFLOW_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "ORDERFLOW_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "ORDERFLOW_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "ORDERFLOW_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ORDERFLOW_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ORDERFLOW_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ORDERFLOW_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ORDERFLOW_NOTIFY_EVENTS")

	// ── Metrics ──
	setBool(&cfg.Metrics.Enabled, "ORDERFLOW_METRICS_ENABLED")
	setStr(&cfg.Metrics.Namespace, "ORDERFLOW_METRICS_NAMESPACE")

	// ── Top-level ──
	setStr(&cfg.Mode, "ORDERFLOW_MODE")
	setStr(&cfg.LogLevel, "ORDERFLOW_LOG_LEVEL")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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

// setInstruments replaces the instrument list with a comma-separated list of
// symbols. Per-instrument overrides from the file are kept for symbols that
// remain.
func setInstruments(dst *[]InstrumentConfig, key string) {
	var symbols []string
	setStringSlice(&symbols, key)
	if len(symbols) == 0 {
		return
	}
	existing := make(map[string]InstrumentConfig, len(*dst))
	for _, ic := range *dst {
		existing[strings.ToUpper(ic.Symbol)] = ic
	}
	out := make([]InstrumentConfig, 0, len(symbols))
	for _, sym := range symbols {
		if ic, ok := existing[strings.ToUpper(sym)]; ok {
			out = append(out, ic)
			continue
		}
		out = append(out, InstrumentConfig{Symbol: sym})
	}
	*dst = out
}
