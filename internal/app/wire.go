package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/orderflow/internal/blob/s3"
	"github.com/alanyoungcy/orderflow/internal/cache/redis"
	"github.com/alanyoungcy/orderflow/internal/config"
	"github.com/alanyoungcy/orderflow/internal/domain"
	"github.com/alanyoungcy/orderflow/internal/instrumentation"
	"github.com/alanyoungcy/orderflow/internal/notify"
	"github.com/alanyoungcy/orderflow/internal/server/handler"
	"github.com/alanyoungcy/orderflow/internal/store/postgres"
)

// Dependencies bundles every backing service the application modes use.
// Fields stay nil when the corresponding backend is disabled. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	BarStore   domain.BarStore
	EventStore domain.ConnectionEventStore

	// Caches
	BarCache    domain.BarCache
	BookCache   domain.BookCache
	SignalBus   domain.SignalBus
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	Notifier *notify.Notifier
	Metrics  *instrumentation.Metrics

	// HealthChecks probes every connected backend.
	HealthChecks map[string]handler.HealthCheck
}

// needsPostgres returns true when the mode or the config asks for the
// database.
func needsPostgres(cfg *config.Config) bool {
	return cfg.Postgres.Enabled || cfg.Mode == "archive"
}

// needsS3 returns true when the mode or the config asks for object storage.
func needsS3(cfg *config.Config) bool {
	return cfg.S3.Enabled || cfg.Mode == "archive"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{HealthChecks: make(map[string]handler.HealthCheck)}

	if cfg.Metrics.Enabled {
		deps.Metrics = instrumentation.NewMetrics(cfg.Metrics.Namespace)
	}

	// --- PostgreSQL ---
	if needsPostgres(cfg) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.BarStore = postgres.NewBarStore(pool)
		deps.EventStore = postgres.NewConnectionEventStore(pool)
		deps.HealthChecks["postgres"] = pgClient.Ping
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:        cfg.Redis.Addr,
			Addrs:       cfg.Redis.Addrs,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			MaxRetries:  cfg.Redis.MaxRetries,
			TLSEnabled:  cfg.Redis.TLSEnabled,
			DialTimeout: cfg.Redis.DialTimeout.Duration,
			IOTimeout:   cfg.Redis.IOTimeout.Duration,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.BarCache = redis.NewBarCache(redisClient, int64(cfg.Redis.BarListLen))
		deps.BookCache = redis.NewBookCache(redisClient, cfg.Redis.BookTTL.Duration)
		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.HealthChecks["redis"] = redisClient.Ping
	}

	// --- S3 blob storage ---
	if needsS3(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.HealthChecks["s3"] = s3Client.Health
		// The archiver reads finished bars back out of Postgres.
		if deps.BarStore != nil {
			deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.BarStore, cfg.Archive.Prefix)
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
