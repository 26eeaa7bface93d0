// Package migrate applies named up/down scripts and records which ones ran in
// a bookkeeping table.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tomberek/sqlnorm/sqlite"
)

// DefaultTable holds the applied migrations.
const DefaultTable = "migrations"

// ErrNotFound is returned by strict rollbacks of a name that was never
// applied.
var ErrNotFound = errors.New("migration not found")

// Item is one named migration. With MultipleStatements set, Up and Down are
// split on ";" and every non-empty statement runs on its own.
type Item struct {
	Name               string `yaml:"name"`
	Up                 string `yaml:"up"`
	Down               string `yaml:"down"`
	MultipleStatements bool   `yaml:"multipleStatements,omitempty"`
}

type Runner struct {
	db     *sqlite.DB
	table  string
	logger *slog.Logger
}

type Option func(*Runner)

func WithTable(name string) Option {
	return func(r *Runner) { r.table = name }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

func New(db *sqlite.DB, opts ...Option) *Runner {
	r := &Runner{db: db, table: DefaultTable, logger: slog.Default()}
	for _, fn := range opts {
		fn(r)
	}
	return r
}

func (r *Runner) ensureTable(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `create table if not exists `+sqlite.Quote(r.table)+` (
  id integer primary key
, name text not null unique
, up text not null
, down text not null
, is_multiple_statements integer not null default 0
)`)
	if err != nil {
		return fmt.Errorf("create %s: %w", r.table, err)
	}
	return nil
}

// Up applies every item not applied yet, in order. Each item runs in its own
// transaction together with its bookkeeping row. It returns the names it
// applied.
func (r *Runner) Up(ctx context.Context, items []Item) ([]string, error) {
	if err := r.ensureTable(ctx); err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, it := range items {
		if it.Name == "" {
			return nil, errors.New("migration without a name")
		}
		if seen[it.Name] {
			return nil, fmt.Errorf("duplicate migration %q", it.Name)
		}
		seen[it.Name] = true
	}

	var applied []string
	for _, it := range items {
		ran := false
		err := r.db.Transaction(ctx, func(tx *sql.Tx) error {
			var id int64
			err := tx.QueryRowContext(ctx, "select id from "+sqlite.Quote(r.table)+" where name = ? limit 1", it.Name).Scan(&id)
			if err == nil {
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			if err := run(ctx, tx, it.Up, it.MultipleStatements); err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				"insert into "+sqlite.Quote(r.table)+" (name, up, down, is_multiple_statements) values (?, ?, ?, ?)",
				it.Name, it.Up, it.Down, it.MultipleStatements)
			ran = err == nil
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("migrate up %s: %w", it.Name, err)
		}
		if ran {
			r.logger.Info("applied migration", slog.String("name", it.Name))
			applied = append(applied, it.Name)
		}
	}
	return applied, nil
}

// Down rolls back the migration called name. An unknown name is ignored
// unless strict is set.
func (r *Runner) Down(ctx context.Context, name string, strict bool) error {
	if err := r.ensureTable(ctx); err != nil {
		return err
	}
	rows, err := r.rowsFrom(ctx, name, false)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return r.notFound(name, strict)
	}
	return r.rollback(ctx, rows[0])
}

// DownUntil rolls back name and every migration applied after it, newest
// first, one transaction each.
func (r *Runner) DownUntil(ctx context.Context, name string, strict bool) error {
	if err := r.ensureTable(ctx); err != nil {
		return err
	}
	rows, err := r.rowsFrom(ctx, name, true)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return r.notFound(name, strict)
	}
	for _, row := range rows {
		if err := r.rollback(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) notFound(name string, strict bool) error {
	if strict {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	r.logger.Debug("no migration to roll back", slog.String("name", name))
	return nil
}

type appliedRow struct {
	id int64
	Item
}

// rowsFrom returns the row of name, and with after set every later row too,
// newest first. All rows are read before any rollback runs.
func (r *Runner) rowsFrom(ctx context.Context, name string, after bool) ([]appliedRow, error) {
	var first int64
	err := r.db.QueryRowContext(ctx, "select id from "+sqlite.Quote(r.table)+" where name = ?", name).Scan(&first)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	q := "select id, name, up, down, is_multiple_statements from " + sqlite.Quote(r.table) + " where id = ?"
	if after {
		q = "select id, name, up, down, is_multiple_statements from " + sqlite.Quote(r.table) + " where id >= ? order by id desc"
	}
	rows, err := r.db.QueryContext(ctx, q, first)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []appliedRow
	for rows.Next() {
		var a appliedRow
		if err := rows.Scan(&a.id, &a.Name, &a.Up, &a.Down, &a.MultipleStatements); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Runner) rollback(ctx context.Context, row appliedRow) error {
	err := r.db.Transaction(ctx, func(tx *sql.Tx) error {
		if err := run(ctx, tx, row.Down, row.MultipleStatements); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "delete from "+sqlite.Quote(r.table)+" where id = ?", row.id)
		return err
	})
	if err != nil {
		return fmt.Errorf("migrate down %s: %w", row.Name, err)
	}
	r.logger.Info("rolled back migration", slog.String("name", row.Name))
	return nil
}

// Applied lists the applied migrations in application order.
func (r *Runner) Applied(ctx context.Context) ([]Item, error) {
	if err := r.ensureTable(ctx); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx,
		"select name, up, down, is_multiple_statements from "+sqlite.Quote(r.table)+" order by id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.Name, &it.Up, &it.Down, &it.MultipleStatements); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func run(ctx context.Context, tx *sql.Tx, script string, multiple bool) error {
	if !multiple {
		if strings.TrimSpace(script) == "" {
			return nil
		}
		_, err := tx.ExecContext(ctx, script)
		return err
	}
	for _, stmt := range strings.Split(script, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return nil
}
