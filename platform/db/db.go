// Package db provides database connection infrastructure.
// This is part of the platform layer and contains no business logic.
package db

import (
	"context"
	"time"

	"portal_intelligence/platform/config"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultMaxConns = 25
	connHeadroom    = 5
)

// workerSizing is satisfied by configs that know the queue worker ceilings.
type workerSizing interface {
	GetActivityConcurrency() int
	GetBatchConcurrency() int
}

// NewPool creates a new database connection pool with production-ready settings.
// When the config carries worker ceilings, the pool grows so every worker
// can hold a connection alongside the monitoring API.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.GetDatabaseURL())
	if err != nil {
		return nil, err
	}

	poolConfig.MaxConns = defaultMaxConns
	if sizing, ok := cfg.(workerSizing); ok {
		needed := int32(sizing.GetActivityConcurrency() + sizing.GetBatchConcurrency() + connHeadroom)
		if needed > poolConfig.MaxConns {
			poolConfig.MaxConns = needed
		}
	}
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}
