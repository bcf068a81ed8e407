// Package config defines the top-level configuration for the order-flow
// engine and provides validation helpers.
package config

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ORDERFLOW_* environment variables.
type Config struct {
	Feed        FeedConfig         `toml:"feed"`
	Aggregation AggregationConfig  `toml:"aggregation"`
	Instruments []InstrumentConfig `toml:"instruments"`
	Store       StoreConfig        `toml:"store"`
	Redis       RedisConfig        `toml:"redis"`
	Postgres    PostgresConfig     `toml:"postgres"`
	S3          S3Config           `toml:"s3"`
	Archive     ArchiveConfig      `toml:"archive"`
	Server      ServerConfig       `toml:"server"`
	Notify      NotifyConfig       `toml:"notify"`
	Metrics     MetricsConfig      `toml:"metrics"`
	Mode        string             `toml:"mode"`
	LogLevel    string             `toml:"log_level"`
}

// FeedConfig controls the streaming connection.
type FeedConfig struct {
	// URLTemplate is the stream endpoint; {symbol} is replaced by the instrument.
	URLTemplate       string   `toml:"url_template"`
	BaseInterval      duration `toml:"base_interval"`
	CapMultiplier     int      `toml:"cap_multiplier"`
	MaxAttempts       int      `toml:"max_attempts"`
	HeartbeatInterval duration `toml:"heartbeat_interval"`
	HandshakeTimeout  duration `toml:"handshake_timeout"`
	// DedupKey is one of "id", "timestamp_price" or "off".
	DedupKey string   `toml:"dedup_key"`
	DedupTTL duration `toml:"dedup_ttl"`
}

// AggregationConfig holds the default bar parameters applied to every
// instrument unless overridden.
type AggregationConfig struct {
	TickSize          float64  `toml:"tick_size"`
	Timeframe         string   `toml:"timeframe"`
	Boundary          string   `toml:"boundary"`
	VolumeThreshold   float64  `toml:"volume_threshold"`
	ImbalanceRatio    float64  `toml:"imbalance_ratio"`
	ResetBarsOnSwitch bool     `toml:"reset_bars_on_switch"`
	ClockInterval     duration `toml:"clock_interval"`
	ClockGrace        duration `toml:"clock_grace"`
	SinkQueue         int      `toml:"sink_queue"`
}

// InstrumentConfig declares one streamed instrument. Zero fields inherit
// from AggregationConfig.
type InstrumentConfig struct {
	Symbol          string  `toml:"symbol"`
	TickSize        float64 `toml:"tick_size"`
	Timeframe       string  `toml:"timeframe"`
	Boundary        string  `toml:"boundary"`
	VolumeThreshold float64 `toml:"volume_threshold"`
	ImbalanceRatio  float64 `toml:"imbalance_ratio"`
}

// StoreConfig sizes the in-memory state store.
type StoreConfig struct {
	TradeCapacity int `toml:"trade_capacity"`
	BarCapacity   int `toml:"bar_capacity"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	BarListLen   int      `toml:"bar_list_len"`
	BookTTL      duration `toml:"book_ttl"`
	StreamMaxLen int64    `toml:"stream_max_len"`
	Addrs        []string `toml:"addrs"`
	DialTimeout  duration `toml:"dial_timeout"`
	IOTimeout    duration `toml:"io_timeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
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

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls moving old bars from Postgres to S3.
type ArchiveConfig struct {
	RetentionDays int    `toml:"retention_days"`
	Cron          string `toml:"cron"`
	Prefix        string `toml:"prefix"`
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

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey guards the control endpoints; empty disables auth.
	APIKey string `toml:"api_key"`
	// RateLimit caps control requests per client per RateWindow. It needs
	// Redis; zero disables limiting.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled"`
	Namespace string `toml:"namespace"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Feed: FeedConfig{
			URLTemplate:       "ws://localhost:8000/ws/{symbol}",
			BaseInterval:      duration{time.Second},
			CapMultiplier:     5,
			MaxAttempts:       10,
			HeartbeatInterval: duration{15 * time.Second},
			HandshakeTimeout:  duration{10 * time.Second},
			DedupKey:          "id",
			DedupTTL:          duration{5 * time.Minute},
		},
		Aggregation: AggregationConfig{
			TickSize:          0.25,
			Timeframe:         "1m",
			Boundary:          "time",
			ImbalanceRatio:    3.0,
			ResetBarsOnSwitch: true,
			ClockInterval:     duration{250 * time.Millisecond},
			ClockGrace:        duration{time.Second},
			SinkQueue:         1024,
		},
		Store: StoreConfig{
			TradeCapacity: 100,
			BarCapacity:   500,
		},
		Redis: RedisConfig{
			Enabled:      false,
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     20,
			MaxRetries:   3,
			BarListLen:   500,
			BookTTL:      duration{time.Minute},
			StreamMaxLen: 10000,
			DialTimeout:  duration{5 * time.Second},
			IOTimeout:    duration{3 * time.Second},
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "orderflow",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "orderflow-data",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			RetentionDays: 30,
			Cron:          "0 3 * * *",
			Prefix:        "archive/bars",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   30,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"connection_failed", "connection_restored", "archive_failed"},
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "orderflow",
		},
		Mode:     "serve",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"stream":  true,
	"serve":   true,
	"archive": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validBoundaries = map[string]bool{"time": true, "volume": true}

var validDedupKeys = map[string]bool{"id": true, "timestamp_price": true, "off": true}

// validTimeframes mirrors the footprint timeframe table.
var validTimeframes = map[string]bool{
	"5s": true, "15s": true, "30s": true, "1m": true,
	"5m": true, "15m": true, "30m": true, "1h": true,
}

// Instrument returns the effective settings for one instrument, with zero
// fields filled from the aggregation defaults.
func (c *Config) Instrument(symbol string) InstrumentConfig {
	out := InstrumentConfig{Symbol: symbol}
	for _, ic := range c.Instruments {
		if strings.EqualFold(ic.Symbol, symbol) {
			out = ic
			break
		}
	}
	if out.TickSize == 0 {
		out.TickSize = c.Aggregation.TickSize
	}
	if out.Timeframe == "" {
		out.Timeframe = c.Aggregation.Timeframe
	}
	if out.Boundary == "" {
		out.Boundary = c.Aggregation.Boundary
	}
	if out.VolumeThreshold == 0 {
		out.VolumeThreshold = c.Aggregation.VolumeThreshold
	}
	if out.ImbalanceRatio == 0 {
		out.ImbalanceRatio = c.Aggregation.ImbalanceRatio
	}
	return out
}

// Symbols lists the configured instrument symbols in declaration order.
func (c *Config) Symbols() []string {
	out := make([]string, 0, len(c.Instruments))
	for _, ic := range c.Instruments {
		out = append(out, ic.Symbol)
	}
	return out
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: stream, serve, archive, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Feed
	if !strings.Contains(c.Feed.URLTemplate, "{symbol}") {
		errs = append(errs, "feed: url_template must contain {symbol}")
	}
	if c.Feed.BaseInterval.Duration <= 0 {
		errs = append(errs, "feed: base_interval must be > 0")
	}
	if c.Feed.CapMultiplier < 1 {
		errs = append(errs, "feed: cap_multiplier must be >= 1")
	}
	if c.Feed.MaxAttempts < 0 {
		errs = append(errs, "feed: max_attempts must be >= 0")
	}
	if !validDedupKeys[c.Feed.DedupKey] {
		errs = append(errs, fmt.Sprintf("feed: unknown dedup_key %q (valid: id, timestamp_price, off)", c.Feed.DedupKey))
	}
	if c.Feed.DedupKey != "off" && c.Feed.DedupTTL.Duration <= 0 {
		errs = append(errs, "feed: dedup_ttl must be > 0")
	}

	// Aggregation
	errs = append(errs, validateBarParams("aggregation", InstrumentConfig{
		TickSize:        c.Aggregation.TickSize,
		Timeframe:       c.Aggregation.Timeframe,
		Boundary:        c.Aggregation.Boundary,
		VolumeThreshold: c.Aggregation.VolumeThreshold,
		ImbalanceRatio:  c.Aggregation.ImbalanceRatio,
	})...)
	if c.Aggregation.ClockInterval.Duration <= 0 {
		errs = append(errs, "aggregation: clock_interval must be > 0")
	}
	if c.Aggregation.ClockGrace.Duration < 0 {
		errs = append(errs, "aggregation: clock_grace must be >= 0")
	}
	if c.Aggregation.SinkQueue < 1 {
		errs = append(errs, "aggregation: sink_queue must be >= 1")
	}

	// Instruments
	needsInstruments := c.Mode == "stream" || c.Mode == "serve" || c.Mode == "full"
	if needsInstruments && len(c.Instruments) == 0 {
		errs = append(errs, "instruments: at least one instrument is required for mode "+c.Mode)
	}
	seen := make(map[string]bool, len(c.Instruments))
	for i, ic := range c.Instruments {
		sym := strings.ToUpper(strings.TrimSpace(ic.Symbol))
		if sym == "" {
			errs = append(errs, fmt.Sprintf("instruments[%d]: symbol must not be empty", i))
			continue
		}
		if seen[sym] {
			errs = append(errs, fmt.Sprintf("instruments[%d]: duplicate symbol %q", i, ic.Symbol))
		}
		seen[sym] = true
		errs = append(errs, validateBarParams("instruments."+ic.Symbol, c.Instrument(ic.Symbol))...)
	}

	// Store
	if c.Store.TradeCapacity < 1 {
		errs = append(errs, "store: trade_capacity must be >= 1")
	}
	if c.Store.BarCapacity < 1 {
		errs = append(errs, "store: bar_capacity must be >= 1")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.BarListLen < 1 {
			errs = append(errs, "redis: bar_list_len must be >= 1")
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Archive
	if c.Mode == "archive" || c.Mode == "full" {
		if c.Mode == "archive" && (!c.Postgres.Enabled || !c.S3.Enabled) {
			errs = append(errs, "archive: postgres and s3 must both be enabled for mode archive")
		}
		if len(strings.Fields(c.Archive.Cron)) != 5 {
			errs = append(errs, fmt.Sprintf("archive: cron must have 5 fields, got %q", c.Archive.Cron))
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateBarParams(section string, p InstrumentConfig) []string {
	var errs []string
	if !(p.TickSize > 0) || math.IsInf(p.TickSize, 0) {
		errs = append(errs, fmt.Sprintf("%s: tick_size must be > 0", section))
	}
	if !validTimeframes[p.Timeframe] {
		errs = append(errs, fmt.Sprintf("%s: unknown timeframe %q", section, p.Timeframe))
	}
	if !validBoundaries[p.Boundary] {
		errs = append(errs, fmt.Sprintf("%s: unknown boundary %q (valid: time, volume)", section, p.Boundary))
	}
	if p.VolumeThreshold < 0 {
		errs = append(errs, fmt.Sprintf("%s: volume_threshold must be >= 0", section))
	}
	if !(p.ImbalanceRatio > 0) || math.IsInf(p.ImbalanceRatio, 0) {
		errs = append(errs, fmt.Sprintf("%s: imbalance_ratio must be > 0", section))
	}
	return errs
}
