// Package repository provides database access layer.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrPersistence marks every failure that originates in the database or the
// driver. Callers on the redirect path log it and carry on.
var ErrPersistence = errors.New("persistence failure")

// Pool settings. The redirect path only issues short single-row statements,
// so a small pool is enough.
const (
	maxConns          = 10
	minConns          = 2
	connectTimeout    = 10 * time.Second
	maxConnLifetime   = time.Hour
	healthCheckPeriod = 30 * time.Second
	applicationName   = "clicktrack"

	// queryTimeout bounds a click query including the wait for a pooled
	// connection. Expiry surfaces as ErrPersistence.
	queryTimeout = 5 * time.Second
)

// Repository owns the PostgreSQL connection pool shared by the stores.
type Repository struct {
	pool *pgxpool.Pool
}

// New connects to databaseURL and verifies the connection before returning.
func New(ctx context.Context, databaseURL string) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	applyPoolSettings(cfg)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Repository{pool: pool}, nil
}

func applyPoolSettings(cfg *pgxpool.Config) {
	cfg.MaxConns = maxConns
	cfg.MinConns = minConns
	cfg.MaxConnLifetime = maxConnLifetime
	cfg.HealthCheckPeriod = healthCheckPeriod
	cfg.ConnConfig.ConnectTimeout = connectTimeout
	if _, ok := cfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		cfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	}
}

// Ping checks database connectivity. It backs the readiness probe.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close closes the pool.
func (r *Repository) Close() {
	r.pool.Close()
}

// Pool exposes the pool to tests that manage the schema.
func (r *Repository) Pool() *pgxpool.Pool {
	return r.pool
}

// persistenceError tags err as ErrPersistence while keeping the driver error
// reachable through errors.As.
func persistenceError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}
