// Copyright 2025 James Ross

// Package redisclient implements C2: the store driver. It owns the primary
// connection pool used for scripts and typed commands, a dedicated
// connection for pub/sub (spec §4.2: "publish vs. subscribe multiplex not
// permitted on the primary pool"), a capped-exponential-backoff connect
// routine, and a periodic health probe.
package redisclient

import (
	"context"
	"time"

	"github.com/bridgemq/bridgemq/internal/config"
	"github.com/bridgemq/bridgemq/internal/obslog"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Driver wraps the primary pool and the dedicated pub/sub connection.
type Driver struct {
	cfg    *config.Config
	log    *zap.Logger
	rdb    *redis.Client
	pubsub *redis.Client

	stopHealth chan struct{}
}

// Primary returns the client used for typed commands and scripts.
func (d *Driver) Primary() *redis.Client { return d.rdb }

// PubSub returns the client reserved for Subscribe/PSubscribe/Publish.
func (d *Driver) PubSub() *redis.Client { return d.pubsub }

// Connect dials the primary and pub/sub clients, retrying the initial
// Ping with capped exponential backoff and ±20% jitter (spec §4.2), and
// starts the background health probe. It gives up after
// cfg.Redis.ReconnectMaxTries failed attempts.
func Connect(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Driver, error) {
	opts := &redis.Options{
		Addr:         cfg.Redis.Addr,
		Username:     cfg.Redis.Username,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.MaxPoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		PoolTimeout:  cfg.Redis.AcquireTimeout,
	}

	rdb := redis.NewClient(opts)
	if err := dialWithBackoff(ctx, cfg, log, rdb); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	pubsubOpts := *opts
	pubsubOpts.PoolSize = 1
	pubsubOpts.MinIdleConns = 1
	pubsub := redis.NewClient(&pubsubOpts)
	if err := dialWithBackoff(ctx, cfg, log, pubsub); err != nil {
		_ = rdb.Close()
		_ = pubsub.Close()
		return nil, err
	}

	d := &Driver{cfg: cfg, log: log, rdb: rdb, pubsub: pubsub, stopHealth: make(chan struct{})}
	go d.healthLoop()
	return d, nil
}

// dialWithBackoff retries Ping with the capped-exponential + jitter
// schedule computed by ReconnectDelay, matching the backoff shape used
// elsewhere in the core (retry-job, C7) but applied to the transport
// layer instead of job scheduling.
func dialWithBackoff(ctx context.Context, cfg *config.Config, log *zap.Logger, c *redis.Client) error {
	var lastErr error
	for attempt := 1; attempt <= cfg.Redis.ReconnectMaxTries; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout)
		err := c.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		log.Warn("redis connect attempt failed", obslog.Int("attempt", attempt), obslog.Err(err))
		delay := ReconnectDelay(attempt, cfg.Redis.ReconnectBaseDelay, cfg.Redis.ReconnectMaxDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

func (d *Driver) healthLoop() {
	ticker := time.NewTicker(d.cfg.Redis.HealthCheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopHealth:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Redis.DialTimeout)
			if err := d.rdb.Ping(ctx).Err(); err != nil {
				d.log.Warn("redis health probe failed", obslog.Err(err))
			}
			cancel()
		}
	}
}

// Close releases both connections and stops the health probe.
func (d *Driver) Close() error {
	close(d.stopHealth)
	err1 := d.rdb.Close()
	err2 := d.pubsub.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
