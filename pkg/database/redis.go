package database

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/utafrali/saga-orchestrator/pkg/retry"
)

// RedisConfig configures the client backing event deduplication.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int

	// Zero values use the defaults below.
	PoolSize    int
	DialTimeout time.Duration
	IOTimeout   time.Duration
}

// DefaultRedisConfig returns the local development settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{Host: "localhost", Port: 6379}
}

// Addr returns host:port.
func (c RedisConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c RedisConfig) options() *redis.Options {
	opts := &redis.Options{
		Addr:         c.Addr(),
		Password:     c.Password,
		DB:           c.DB,
		ClientName:   "saga-orchestrator",
		PoolSize:     c.PoolSize,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	}
	if c.DialTimeout > 0 {
		opts.DialTimeout = c.DialTimeout
	}
	if c.IOTimeout > 0 {
		opts.ReadTimeout, opts.WriteTimeout = c.IOTimeout, c.IOTimeout
	}
	return opts
}

// NewRedisClient connects and waits until the server answers PING.
func NewRedisClient(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	client := redis.NewClient(cfg.options())

	err := retry.WaitFor(ctx, "redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, startupRetry(), logger)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr(), err)
	}
	logger.Info("connected to redis", slog.String("addr", cfg.Addr()), slog.Int("db", cfg.DB))
	return client, nil
}
