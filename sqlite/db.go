// Package sqlite opens and manages the single-file databases the rest of the
// module normalizes records into.
//
// Two database/sql drivers are registered: mattn/go-sqlite3 under "sqlite3"
// (the default) and modernc.org/sqlite under "sqlite". Everything above this
// package talks to a Conn and never names a driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const (
	DriverCGO  = "sqlite3"
	DriverPure = "sqlite"
)

// Conn is the statement surface shared by *sql.DB, *sql.Tx and *DB.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// Config describes how a database file is opened.
type Config struct {
	Driver      string        `yaml:"driver"`
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busyTimeout"`
	ForeignKeys bool          `yaml:"foreignKeys"`
	JournalMode string        `yaml:"journalMode"`
	Synchronous string        `yaml:"synchronous"`
	CacheSize   int           `yaml:"cacheSize"`
}

func DefaultConfig() Config {
	return Config{
		Driver:      DriverCGO,
		BusyTimeout: 5 * time.Second,
	}
}

// Mode controls what Create does with an existing file.
type Mode int

const (
	// Incremental keeps an existing database and its rows.
	Incremental Mode = iota
	// Overwrite deletes the database file and its -shm/-wal siblings first.
	Overwrite
)

// DB is an open database restricted to a single connection, so every
// statement is serialized the way the engine serializes writers.
type DB struct {
	*sql.DB
	path   string
	driver string
}

// Open opens the database described by cfg, creating the file if needed.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite: empty database path")
	}
	driver := cfg.Driver
	if driver == "" {
		driver = DriverCGO
	}
	if dir := filepath.Dir(cfg.Path); dir != "." && !strings.HasPrefix(cfg.Path, "file:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create dir: %w", err)
		}
	}

	db, err := sql.Open(driver, cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Path, err)
	}

	out := &DB{DB: db, path: cfg.Path, driver: driver}
	if err := out.applyConfig(ctx, cfg); err != nil {
		db.Close()
		return nil, err
	}
	slog.Debug("opened database",
		slog.String("path", cfg.Path),
		slog.String("driver", driver))
	return out, nil
}

// Create opens cfg.Path, first removing any previous database when mode is
// Overwrite.
func Create(ctx context.Context, cfg Config, mode Mode) (*DB, error) {
	if mode == Overwrite {
		if err := DeleteFiles(cfg.Path); err != nil {
			return nil, err
		}
	}
	return Open(ctx, cfg)
}

// DeleteFiles removes a database file together with its -shm and -wal files.
// Missing files are ignored.
func DeleteFiles(path string) error {
	for _, p := range []string{path, path + "-shm", path + "-wal"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}

func (db *DB) applyConfig(ctx context.Context, cfg Config) error {
	var pragmas []string
	if cfg.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	if cfg.ForeignKeys {
		pragmas = append(pragmas, "PRAGMA foreign_keys = ON")
	}
	if cfg.JournalMode != "" {
		pragmas = append(pragmas, "PRAGMA journal_mode = "+cfg.JournalMode)
	}
	if cfg.Synchronous != "" {
		pragmas = append(pragmas, "PRAGMA synchronous = "+cfg.Synchronous)
	}
	if cfg.CacheSize != 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA cache_size = %d", cfg.CacheSize))
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (db *DB) Path() string {
	return db.path
}

func (db *DB) Driver() string {
	return db.driver
}

// Transaction runs fn inside a transaction, rolling back when fn fails.
// While fn runs the single connection belongs to tx; fn must not use db.
func (db *DB) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

// ExportMode trades durability for write speed during bulk loads.
// A cacheSize of zero leaves the page cache alone.
func (db *DB) ExportMode(ctx context.Context, cacheSize int) error {
	return db.pragmas(ctx, cacheSize, "PRAGMA synchronous = OFF", "PRAGMA journal_mode = MEMORY")
}

// SafeMode switches back to WAL journaling with normal syncing.
func (db *DB) SafeMode(ctx context.Context, cacheSize int) error {
	return db.pragmas(ctx, cacheSize, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
}

func (db *DB) pragmas(ctx context.Context, cacheSize int, stmts ...string) error {
	if cacheSize != 0 {
		stmts = append([]string{fmt.Sprintf("PRAGMA cache_size = %d", cacheSize)}, stmts...)
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("%s: %w", s, err)
		}
	}
	return nil
}

func (db *DB) Vacuum(ctx context.Context) error {
	_, err := db.ExecContext(ctx, "VACUUM")
	return err
}

func (db *DB) IntegrityCheck(ctx context.Context) error {
	var result string
	err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result)
	if err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}
