// Package postgres implements the registration record store on PostgreSQL for
// deployments where several regq workers share one queue.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/simreg/regq/internal/log"
	"github.com/simreg/regq/internal/registrations/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB owns the connection pool.
type DB struct {
	pool *pgxpool.Pool
}

// Options tunes the pool.
type Options struct {
	MaxConns int32
}

// NewDB connects to dsn, migrates the schema, and returns the pool wrapper.
func NewDB(ctx context.Context, dsn string, opts Options) (*DB, error) {
	if err := runMigrations(dsn); err != nil {
		return nil, err
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &DB{pool: pool}, nil
}

// RecordRepository returns the PostgreSQL-backed domain.RecordRepository.
func (db *DB) RecordRepository() domain.RecordRepository {
	return newRecordRepository(db.pool)
}

// Pool returns the underlying pgx pool.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Close closes the pool.
func (db *DB) Close() error {
	db.pool.Close()
	return nil
}

func runMigrations(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	driver, err := migratepgx.WithInstance(conn, &migratepgx.Config{})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if err == nil {
		log.Info(log.CatDB, "postgres schema ready", "version", version, "dirty", dirty)
	}
	return nil
}
