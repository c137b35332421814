// Package db owns the PostgreSQL connection pool used by every repository.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/opengisch/fieldq/internal/config"
)

type DB struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context) (*DB, error) {
	pgCfg, err := config.GetPostgres()
	if err != nil {
		return nil, err
	}

	cfg, err := pgxpool.ParseConfig(pgCfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pg config: %w", err)
	}

	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// AssertPrimary fails when the connection points at a hot-standby replica.
// The dequeue loop must never claim jobs through a read-only node.
func (d *DB) AssertPrimary(ctx context.Context) error {
	var inRecovery bool
	if err := d.Pool.QueryRow(ctx, "SELECT pg_is_in_recovery()").Scan(&inRecovery); err != nil {
		return fmt.Errorf("failed to check recovery state: %w", err)
	}
	if inRecovery {
		return fmt.Errorf("connected to a hot-standby node, expected the primary")
	}
	return nil
}

func (d *DB) Close() {
	d.Pool.Close()
}
