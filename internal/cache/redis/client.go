// Package redis backs the engine's caches, live bus, locks and rate limits
// with go-redis/v9. Every key lives under the orderflow: prefix (keys.go).
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClientConfig holds connection parameters. Setting Addrs to several nodes
// gives a cluster client; otherwise Addr is used for a single node.
type ClientConfig struct {
	Addr         string
	Addrs        []string
	Password     string
	DB           int
	PoolSize     int
	MaxRetries   int
	TLSEnabled   bool
	DialTimeout  time.Duration
	// IOTimeout bounds each read and write; zero keeps the driver default.
	IOTimeout time.Duration
}

const clientName = "orderflow"

// Client owns the connection pool shared by the caches, the bus and the
// lock manager.
type Client struct {
	rdb redis.UniversalClient
}

func (cfg ClientConfig) options() *redis.UniversalOptions {
	addrs := cfg.Addrs
	if len(addrs) == 0 {
		addrs = []string{cfg.Addr}
	}
	opts := &redis.UniversalOptions{
		Addrs:        addrs,
		ClientName:   clientName,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.IOTimeout,
		WriteTimeout: cfg.IOTimeout,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// New connects and pings. A failed ping closes the pool and returns the
// error.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	rdb := redis.NewUniversalClient(cfg.options())
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: connect %v: %w", cfg.options().Addrs, err)
	}
	return &Client{rdb: rdb}, nil
}

// Ping is the health probe.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close releases the pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
