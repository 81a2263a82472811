package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolOptions tune a connection pool. Zero values keep the pgx defaults.
type PoolOptions struct {
	MaxConns int32
	// ReadOnly marks every session read only, used for operational sources.
	ReadOnly bool
	// ApplicationName is reported to the server in pg_stat_activity.
	ApplicationName string
}

// New creates a PostgreSQL connection pool and verifies it with a ping.
func New(ctx context.Context, dsn string, opts ...PoolOptions) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("platform/db: parse config: %w", err)
	}
	if len(opts) > 0 {
		o := opts[0]
		if o.MaxConns > 0 {
			config.MaxConns = o.MaxConns
		}
		if o.ApplicationName != "" {
			config.ConnConfig.RuntimeParams["application_name"] = o.ApplicationName
		}
		if o.ReadOnly {
			config.ConnConfig.RuntimeParams["default_transaction_read_only"] = "on"
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("platform/db: new pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("platform/db: ping: %w", err)
	}

	return pool, nil
}
