// Package database persists lots, ledger trades, regime state and sync
// cursors in PostgreSQL. MemoryStore implements the same contracts in-process.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"krakenbot/config"
	"krakenbot/internal/logging"
)

// ErrNotConfigured is returned by repository calls on a DB without a pool.
var ErrNotConfigured = errors.New("database not configured")

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger *logging.Logger
}

// DSN builds the pgx connection string for cfg.
func DSN(cfg config.DatabaseConfig) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
}

// NewDB creates a new database connection
func NewDB(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	if poolConfig.MaxConns <= 0 {
		poolConfig.MaxConns = 10
	}
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger := logging.WithComponent("database")
	logger.Info("Connected to PostgreSQL", "database", cfg.Database, "host", cfg.Host)
	return &DB{Pool: pool, logger: logger}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info("Database connection closed")
	}
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	if db.Pool == nil {
		return ErrNotConfigured
	}
	return db.Pool.Ping(ctx)
}

// migrations are idempotent DDL statements applied in order at startup.
var migrations = []string{
	// Open lots. Rows are deleted when a lot is fully closed.
	`CREATE TABLE IF NOT EXISTS positions (
		lot_id VARCHAR(64) PRIMARY KEY,
		pair VARCHAR(20) NOT NULL,
		exchange VARCHAR(20) NOT NULL,
		entry_price DOUBLE PRECISION NOT NULL,
		amount DOUBLE PRECISION NOT NULL,
		qty_remaining DOUBLE PRECISION NOT NULL,
		highest_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		entry_fee DOUBLE PRECISION NOT NULL DEFAULT 0,
		entry_order_id VARCHAR(100),
		entry_regime VARCHAR(20),
		sg_break_even_activated BOOLEAN NOT NULL DEFAULT FALSE,
		sg_trailing_activated BOOLEAN NOT NULL DEFAULT FALSE,
		sg_current_stop_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		sg_scale_out_done BOOLEAN NOT NULL DEFAULT FALSE,
		config_snapshot JSONB,
		time_stop_disabled BOOLEAN NOT NULL DEFAULT FALSE,
		time_stop_expired_at TIMESTAMPTZ,
		opened_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT positions_qty_range CHECK (qty_remaining >= 0 AND qty_remaining <= amount)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_pair ON positions(pair)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_exchange ON positions(exchange)`,

	// Ledger. trade_id is the deterministic idempotency key.
	`CREATE TABLE IF NOT EXISTS trades (
		trade_id CHAR(64) PRIMARY KEY,
		exchange VARCHAR(20) NOT NULL,
		pair VARCHAR(20) NOT NULL,
		type VARCHAR(4) NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		amount DOUBLE PRECISION NOT NULL,
		fee DOUBLE PRECISION NOT NULL DEFAULT 0,
		status VARCHAR(20) NOT NULL DEFAULT 'filled',
		executed_at TIMESTAMPTZ NOT NULL,
		external_id VARCHAR(100),
		order_id VARCHAR(100),
		fill_id VARCHAR(100),
		source VARCHAR(20),
		lot_id VARCHAR(64),
		realized_pnl_usd DOUBLE PRECISION,
		realized_pnl_pct DOUBLE PRECISION,
		entry_price DOUBLE PRECISION,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_exchange_pair_time ON trades(exchange, pair, executed_at)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_order_id ON trades(exchange, order_id) WHERE order_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_trades_fill_id ON trades(exchange, fill_id) WHERE fill_id IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS regime_state (
		pair VARCHAR(20) PRIMARY KEY,
		current_regime VARCHAR(20) NOT NULL,
		candidate_regime VARCHAR(20),
		candidate_count INT NOT NULL DEFAULT 0,
		confirmed_at TIMESTAMPTZ,
		hold_until TIMESTAMPTZ,
		transition_since TIMESTAMPTZ,
		last_notified_at TIMESTAMPTZ,
		last_params_hash VARCHAR(64),
		last_reason_hash VARCHAR(64),
		last_adx DOUBLE PRECISION NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS sync_cursors (
		exchange VARCHAR(20) NOT NULL,
		scope VARCHAR(50) NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL,
		last_run_at TIMESTAMPTZ,
		last_error TEXT,
		last_error_at TIMESTAMPTZ,
		imported BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (exchange, scope)
	)`,
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	if db.Pool == nil {
		return ErrNotConfigured
	}
	db.logger.Info("Running database migrations", "count", len(migrations))
	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	db.logger.Info("Database migrations completed")
	return nil
}
