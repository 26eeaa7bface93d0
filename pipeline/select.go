package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tomberek/sqlnorm/ref"
	"github.com/tomberek/sqlnorm/schema"
	"github.com/tomberek/sqlnorm/sqlite"
	"github.com/tomberek/sqlnorm/value"
)

// ErrOutOfRange is returned by Select when the offset is past the last row.
var ErrOutOfRange = errors.New("offset out of range")

// Selector reads rows of one table by offset and turns them back into
// records: reference ids become values again, json columns are parsed and
// NULL cells are left out.
//
// Rows are read in the engine's default order. Offsets are stable only while
// the table is not written to.
type Selector struct {
	conn sqlite.Conn
	dec  *decoder
	stmt *sql.Stmt
}

func NewSelector(ctx context.Context, conn sqlite.Conn, s schema.TableSchema, opts ...Option) (*Selector, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	dec, err := newDecoder(ctx, conn, s, []ref.Option{ref.WithLogger(o.logger)})
	if err != nil {
		return nil, err
	}
	return &Selector{conn: conn, dec: dec}, nil
}

// Select returns the (offset+1)-th row.
func (sel *Selector) Select(ctx context.Context, offset int64) (value.Record, error) {
	if sel.stmt == nil {
		st, err := sel.conn.PrepareContext(ctx, "select * from "+sqlite.Quote(sel.dec.table)+" limit 1 offset ?")
		if err != nil {
			return nil, fmt.Errorf("prepare select %s: %w", sel.dec.table, err)
		}
		sel.stmt = st
	}
	rows, err := sel.stmt.QueryContext(ctx, offset)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", sel.dec.table, err)
	}
	cols, vals, err := scanAll(rows)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", sel.dec.table, err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("%w: %s offset %d", ErrOutOfRange, sel.dec.table, offset)
	}
	return sel.dec.decode(ctx, cols, vals[0])
}

func (sel *Selector) Count(ctx context.Context) (int64, error) {
	return sqlite.CountRows(ctx, sel.conn, sel.dec.table)
}

// Each calls fn with every row in offset order. The row count is taken once
// up front.
func (sel *Selector) Each(ctx context.Context, fn func(offset int64, rec value.Record) error) error {
	n, err := sel.Count(ctx)
	if err != nil {
		return err
	}
	for i := int64(0); i < n; i++ {
		rec, err := sel.Select(ctx, i)
		if err != nil {
			return err
		}
		if err := fn(i, rec); err != nil {
			return err
		}
	}
	return nil
}

// Refs returns the reference fields the selector resolves.
func (sel *Selector) Refs() []*ref.Field {
	return sel.dec.refs
}

func (sel *Selector) Close() error {
	err := sel.dec.close()
	if sel.stmt != nil {
		err = errors.Join(err, sel.stmt.Close())
		sel.stmt = nil
	}
	return err
}

// Finder reads every row of a table whose key column holds a given value, in
// insertion order. Child rows of a record are read this way.
type Finder struct {
	conn sqlite.Conn
	dec  *decoder
	key  string
	stmt *sql.Stmt
}

func NewFinder(ctx context.Context, conn sqlite.Conn, s schema.TableSchema, key string, opts ...Option) (*Finder, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	dec, err := newDecoder(ctx, conn, s, []ref.Option{ref.WithLogger(o.logger)})
	if err != nil {
		return nil, err
	}
	return &Finder{conn: conn, dec: dec, key: key}, nil
}

func (f *Finder) All(ctx context.Context, key value.Value) ([]value.Record, error) {
	if f.stmt == nil {
		q := "select * from " + sqlite.Quote(f.dec.table) + " where " + sqlite.Quote(f.key) + " = ? order by rowid"
		st, err := f.conn.PrepareContext(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("prepare find %s: %w", f.dec.table, err)
		}
		f.stmt = st
	}
	arg, err := key.Value()
	if err != nil {
		return nil, err
	}
	rows, err := f.stmt.QueryContext(ctx, arg)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", f.dec.table, err)
	}
	cols, vals, err := scanAll(rows)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", f.dec.table, err)
	}
	out := make([]value.Record, 0, len(vals))
	for _, raw := range vals {
		rec, err := f.dec.decode(ctx, cols, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (f *Finder) Close() error {
	err := f.dec.close()
	if f.stmt != nil {
		err = errors.Join(err, f.stmt.Close())
		f.stmt = nil
	}
	return err
}
