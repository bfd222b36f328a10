// Package sqlite implements the registration record store on an embedded SQLite
// database. The schema is versioned with embedded migrations applied on open.
package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/simreg/regq/internal/log"
	"github.com/simreg/regq/internal/registrations/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the SQLite connection and exposes the repositories built on it.
type DB struct {
	conn *sql.DB
	path string
}

// NewDB opens (or creates) the database at path, configures WAL mode, a 5s busy
// timeout and foreign keys, and applies pending migrations. An existing file is
// copied to path+".bak" before migrations run.
func NewDB(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	existed := false
	if info, err := os.Stat(path); err == nil && !info.IsDir() && info.Size() > 0 {
		existed = true
	}

	dsn := "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(wal)" +
		"&_pragma=foreign_keys(1)" +
		"&_txlock=immediate"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if existed {
		if err := backupFile(path, path+".bak"); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to back up database before migration: %w", err)
		}
	}

	applied, err := runMigrations(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if applied > 0 {
		log.Info(log.CatDB, "applied migrations", "path", path, "count", applied)
	}

	return &DB{conn: conn, path: path}, nil
}

// RecordRepository returns the SQLite-backed domain.RecordRepository.
func (db *DB) RecordRepository() domain.RecordRepository {
	return newRecordRepository(db.conn)
}

// Connection returns the underlying *sql.DB.
func (db *DB) Connection() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// runMigrations applies every embedded up-migration newer than the recorded
// schema version, each in its own transaction. Returns how many ran.
func runMigrations(conn *sql.DB) (int, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("failed to load migrations: %w", err)
	}
	defer func() { _ = src.Close() }()

	if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return 0, fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	var current uint
	if err := conn.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}

	applied := 0
	version, err := src.First()
	for err == nil {
		if version > current {
			if err := applyMigration(conn, src, version); err != nil {
				return applied, err
			}
			applied++
		}
		version, err = src.Next(version)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return applied, fmt.Errorf("failed to enumerate migrations: %w", err)
	}
	return applied, nil
}

func applyMigration(conn *sql.DB, src source.Driver, version uint) error {
	body, identifier, err := src.ReadUp(version)
	if err != nil {
		return fmt.Errorf("failed to read migration %d: %w", version, err)
	}
	defer func() { _ = body.Close() }()

	script, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("failed to read migration %d: %w", version, err)
	}

	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration %d: %w", version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(string(script)); err != nil {
		return fmt.Errorf("failed to apply migration %d (%s): %w", version, identifier, err)
	}
	if _, err := tx.Exec(
		`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		version, time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to record migration %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", version, err)
	}
	log.Debug(log.CatDB, "migration applied", "version", version, "name", identifier)
	return nil
}

func backupFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // G304: database path comes from config
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600) //nolint:gosec // G304: derived from database path
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
