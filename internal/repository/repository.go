// Package repository is the Postgres access layer backing runs, partitions,
// raw feed rows, canonical diamonds, dataset versions and the rate-limit
// window. It's plain pgx-over-pgxpool: no ORM, no query builder, SQL
// written out in each method.
package repository

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository wraps a pgxpool.Pool. All methods are safe for concurrent use
// by multiple goroutines, matching pgxpool's own concurrency guarantees.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository parses dbURL, applies the DB_MAX_OPEN_CONNS/DB_MAX_IDLE_CONNS
// env overrides to tune pool size per deployment, and opens the pool.
func NewRepository(dbURL string) (*Repository, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse db url: %w", err)
	}

	if maxConnStr := os.Getenv("DB_MAX_OPEN_CONNS"); maxConnStr != "" {
		if maxConn, err := strconv.Atoi(maxConnStr); err == nil {
			config.MaxConns = int32(maxConn)
		}
	}
	if minConnStr := os.Getenv("DB_MAX_IDLE_CONNS"); minConnStr != "" {
		if minConn, err := strconv.Atoi(minConnStr); err == nil {
			config.MinConns = int32(minConn)
		}
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	return &Repository{db: pool}, nil
}

// Migrate executes a schema file wholesale, a one-shot approach rather
// than a migration-framework dependency.
func (r *Repository) Migrate(schemaPath string) error {
	content, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}
	if _, err := r.db.Exec(context.Background(), string(content)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

func (r *Repository) Close() {
	r.db.Close()
}

// TerminateIdleConnections kills non-active connections from a previous
// process instance that may still hold locks and block DDL, run once before
// Migrate. Returns the number of connections terminated.
func (r *Repository) TerminateIdleConnections(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT count(*) FROM (
			SELECT pg_terminate_backend(pid)
			FROM pg_stat_activity
			WHERE datname = current_database()
			  AND pid <> pg_backend_pid()
			  AND state != 'active'
		) t
	`).Scan(&count)
	return count, err
}
