package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/civiclens/capitol-ingest/internal/infrastructure/config"
)

// ConnectionPool wraps the pgx pool the postprocess phase writes through.
type ConnectionPool struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewConnectionPool parses cfg.URL, applies pool and session settings, and
// verifies the database is reachable before returning.
func NewConnectionPool(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*ConnectionPool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	} else {
		poolConfig.MaxConns = 4
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 10 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute
	poolConfig.ConnConfig.ConnectTimeout = 5 * time.Second

	poolConfig.ConnConfig.RuntimeParams = map[string]string{
		"application_name":  "capitol_ingest",
		"timezone":          "UTC",
		"lock_timeout":      "10s",
		"statement_timeout": "30s",
	}

	poolConfig.BeforeConnect = func(ctx context.Context, cc *pgx.ConnConfig) error {
		logger.Debug("establishing database connection",
			zap.String("host", cc.Host),
			zap.Uint16("port", cc.Port))
		return nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection pool initialized",
		zap.Int("max_connections", int(poolConfig.MaxConns)))

	return &ConnectionPool{pool: pool, logger: logger}, nil
}

// Pool returns the underlying pgx pool.
func (p *ConnectionPool) Pool() *pgxpool.Pool {
	return p.pool
}

// Transaction executes fn inside a transaction, committing on nil return.
func (p *ConnectionPool) Transaction(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, fn)
}

// DB exposes the pool through database/sql for code that needs it, such as
// the migrator.
func (p *ConnectionPool) DB() *sql.DB {
	return stdlib.OpenDBFromPool(p.pool)
}

// Ping checks liveness.
func (p *ConnectionPool) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close closes the pool.
func (p *ConnectionPool) Close() {
	p.pool.Close()
	p.logger.Info("database connection pool closed")
}
