// Package ref normalizes scalar fields into satellite lookup tables.
//
// A Field owns one satellite table "<field>"("<idField>", "<field>"): it hands
// out the surrogate id for a value, inserting the value the first time it is
// seen, and turns an id back into its value.
package ref

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tomberek/sqlnorm/cache"
	"github.com/tomberek/sqlnorm/schema"
	"github.com/tomberek/sqlnorm/sqlite"
	"github.com/tomberek/sqlnorm/value"
)

// ErrMissingReference is returned when an id has no row in the satellite
// table.
var ErrMissingReference = errors.New("missing reference")

// Field resolves values of one reference field. It is not safe for
// concurrent use.
type Field struct {
	schema schema.RefFieldSchema
	conn   sqlite.Conn
	logger *slog.Logger

	selectID    *sql.Stmt
	selectValue *sql.Stmt
	insert      *sql.Stmt

	// ids is keyed by value.Key of the value, values by value.Key of the id.
	ids    *cache.Cache[value.Value]
	values *cache.Cache[value.Value]
}

type Option func(*Field)

func WithLogger(l *slog.Logger) Option {
	return func(f *Field) { f.logger = l }
}

// WithCache overrides the schema's cache size.
func WithCache(resetSize int) Option {
	return func(f *Field) { f.schema.CacheSize = resetSize }
}

// Prepare binds a reference field to conn, creating its satellite table and
// unique index when the schema asks for them. Statements are prepared on
// first use.
func Prepare(ctx context.Context, conn sqlite.Conn, s schema.RefFieldSchema, opts ...Option) (*Field, error) {
	if s.Field == "" {
		return nil, fmt.Errorf("%w: reference field without a name", schema.ErrInvalidSchema)
	}
	if s.IDField == "" {
		s.IDField = s.Field + schema.DefaultIDFieldSuffix
	}
	f := &Field{schema: s, conn: conn, logger: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}
	if f.schema.AutoCreateTable {
		if _, err := conn.ExecContext(ctx, schema.RefTableStatement(f.schema)); err != nil {
			return nil, fmt.Errorf("create reference table %s: %w", s.Table(), err)
		}
	}
	if f.schema.AutoCreateIndex {
		if _, err := conn.ExecContext(ctx, schema.UniqueIndexStatement(s.Table(), []string{s.Field})); err != nil {
			return nil, fmt.Errorf("create reference index %s: %w", s.Table(), err)
		}
	}
	if f.schema.CacheSize > 0 {
		f.ids = cache.New[value.Value](f.schema.CacheSize)
		f.values = cache.New[value.Value](f.schema.CacheSize)
	}
	return f, nil
}

func (f *Field) Schema() schema.RefFieldSchema {
	return f.schema
}

func (f *Field) Name() string {
	return f.schema.Field
}

func (f *Field) IDField() string {
	return f.schema.IDField
}

// GetOrCreateID returns the id of v, inserting v into the satellite table
// when it is not there yet. A null value has a null id and touches nothing.
func (f *Field) GetOrCreateID(ctx context.Context, v value.Value) (value.Value, error) {
	if v.IsNull() {
		return value.Null, nil
	}
	if f.ids == nil {
		return f.getOrCreateID(ctx, v)
	}
	return f.ids.Get(v.Key(), func(string) (value.Value, error) {
		return f.getOrCreateID(ctx, v)
	})
}

func (f *Field) getOrCreateID(ctx context.Context, v value.Value) (value.Value, error) {
	arg, err := v.Value()
	if err != nil {
		return value.Null, err
	}
	if f.selectID == nil {
		q := "select " + sqlite.Quote(f.schema.IDField) + " from " + sqlite.Quote(f.schema.Table()) +
			" where " + sqlite.Quote(f.schema.Field) + " = ? limit 1"
		if f.selectID, err = f.conn.PrepareContext(ctx, q); err != nil {
			return value.Null, fmt.Errorf("prepare %s id lookup: %w", f.schema.Field, err)
		}
	}
	var id any
	err = f.selectID.QueryRowContext(ctx, arg).Scan(&id)
	switch {
	case err == nil:
		return value.FromSQL(id)
	case !errors.Is(err, sql.ErrNoRows):
		return value.Null, fmt.Errorf("lookup %s %s: %w", f.schema.Field, v, err)
	}

	if f.insert == nil {
		q := "insert into " + sqlite.Quote(f.schema.Table()) + " (" + sqlite.Quote(f.schema.Field) + ") values (?)"
		if f.insert, err = f.conn.PrepareContext(ctx, q); err != nil {
			return value.Null, fmt.Errorf("prepare %s insert: %w", f.schema.Field, err)
		}
	}
	res, err := f.insert.ExecContext(ctx, arg)
	if err != nil {
		return value.Null, fmt.Errorf("insert %s %s: %w", f.schema.Field, v, err)
	}
	n, err := res.LastInsertId()
	if err != nil {
		return value.Null, err
	}
	return value.Int(n), nil
}

// Value returns the value stored under id. A null id has a null value.
func (f *Field) Value(ctx context.Context, id value.Value) (value.Value, error) {
	if id.IsNull() {
		return value.Null, nil
	}
	if f.values == nil {
		return f.value(ctx, id)
	}
	return f.values.Get(id.Key(), func(string) (value.Value, error) {
		return f.value(ctx, id)
	})
}

func (f *Field) value(ctx context.Context, id value.Value) (value.Value, error) {
	arg, err := id.Value()
	if err != nil {
		return value.Null, err
	}
	if f.selectValue == nil {
		q := "select " + sqlite.Quote(f.schema.Field) + " from " + sqlite.Quote(f.schema.Table()) +
			" where " + sqlite.Quote(f.schema.IDField) + " = ?"
		if f.selectValue, err = f.conn.PrepareContext(ctx, q); err != nil {
			return value.Null, fmt.Errorf("prepare %s value lookup: %w", f.schema.Field, err)
		}
	}
	var raw any
	err = f.selectValue.QueryRowContext(ctx, arg).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		f.logger.Warn("unknown reference id",
			slog.String("field", f.schema.Field),
			slog.String("id", id.String()))
		return value.Null, fmt.Errorf("%w: %s id %s", ErrMissingReference, f.schema.Field, id)
	}
	if err != nil {
		return value.Null, fmt.Errorf("lookup %s id %s: %w", f.schema.Field, id, err)
	}
	return f.decode(raw)
}

// decode turns a stored cell back into a value. Columns declared json hold
// arrays and objects as text.
func (f *Field) decode(raw any) (value.Value, error) {
	v, err := value.FromSQL(raw)
	if err != nil {
		return value.Null, err
	}
	if strings.EqualFold(f.schema.Type, value.TypeJSON) {
		if text, ok := v.AsText(); ok {
			return value.Parse([]byte(text))
		}
	}
	return v, nil
}

// Populate loads the whole satellite table into both caches. A field without
// a cache gets unbounded ones.
func (f *Field) Populate(ctx context.Context) error {
	q := "select " + sqlite.Quote(f.schema.IDField) + ", " + sqlite.Quote(f.schema.Field) +
		" from " + sqlite.Quote(f.schema.Table())
	rows, err := f.conn.QueryContext(ctx, q)
	if err != nil {
		return fmt.Errorf("load %s: %w", f.schema.Field, err)
	}
	type pair struct{ id, val any }
	var pairs []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.id, &p.val); err != nil {
			rows.Close()
			return err
		}
		pairs = append(pairs, p)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if f.ids == nil {
		f.ids = cache.New[value.Value](0)
		f.values = cache.New[value.Value](0)
	}
	for _, p := range pairs {
		id, err := value.FromSQL(p.id)
		if err != nil {
			return err
		}
		v, err := f.decode(p.val)
		if err != nil {
			return err
		}
		f.ids.Put(v.Key(), id)
		f.values.Put(id.Key(), v)
	}
	f.logger.Debug("populated reference cache",
		slog.String("field", f.schema.Field),
		slog.Int("rows", len(pairs)))
	return nil
}

// ClearCache empties both caches. Lookups fall back to the table.
func (f *Field) ClearCache() {
	if f.ids != nil {
		f.ids.Clear()
		f.values.Clear()
	}
}

// Close releases the prepared statements.
func (f *Field) Close() error {
	var errs []error
	for _, st := range []*sql.Stmt{f.selectID, f.selectValue, f.insert} {
		if st != nil {
			errs = append(errs, st.Close())
		}
	}
	f.selectID, f.selectValue, f.insert = nil, nil, nil
	return errors.Join(errs...)
}
