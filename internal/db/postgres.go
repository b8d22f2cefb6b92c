package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type DB struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// PoolOptions tunes the connection pool. Zero fields keep the defaults below.
type PoolOptions struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// New opens a pool from a Postgres URL and pings it once.
func New(ctx context.Context, databaseURL string, opts PoolOptions, logger *zap.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	// Pool sizing:
	//
	// MaxConns (25): every ingest and merge holds one connection for its
	//   whole transaction, including time spent waiting on a row or pair
	//   lock. Waiters are bounded by LOCK_TIMEOUT, so 25 covers bursts of
	//   redelivered webhooks without exhausting a small Postgres.
	//
	// MinConns (5): adapters deliver in bursts; warm connections keep the
	//   first messages of a burst off the connect path.
	//
	// MaxConnLifetime / MaxConnIdleTime: recycle connections so failovers
	//   and DNS changes are picked up without a restart.
	poolConfig.MaxConns = orDefault(opts.MaxConns, 25)
	poolConfig.MinConns = orDefault(opts.MinConns, 5)
	poolConfig.MaxConnLifetime = orDefault(opts.MaxConnLifetime, time.Hour)
	poolConfig.MaxConnIdleTime = orDefault(opts.MaxConnIdleTime, 20*time.Minute)
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping DB: %w", err)
	}

	logger.Info("DB connection established",
		zap.String("host", poolConfig.ConnConfig.Host),
		zap.String("database", poolConfig.ConnConfig.Database),
		zap.Int32("max_conns", poolConfig.MaxConns),
	)
	return &DB{
		pool:   pool,
		logger: logger,
	}, nil
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

func (db *DB) Close() {
	db.logger.Info("closing database connection pool")
	db.pool.Close()
}

func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

func (db *DB) Health(ctx context.Context) error {
	return db.pool.Ping(ctx)
}
