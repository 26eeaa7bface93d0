package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/tomberek/sqlnorm/ref"
	"github.com/tomberek/sqlnorm/schema"
	"github.com/tomberek/sqlnorm/sqlite"
	"github.com/tomberek/sqlnorm/value"
)

// scanAll reads every row of rows and closes it. Callers get plain slices so
// no result set stays open while the next statement runs on the single
// connection.
func scanAll(rows *sql.Rows) ([]string, [][]any, error) {
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}
	var out [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return cols, out, rows.Close()
}

// decoder turns selected rows of one table back into records: NULL cells
// are left out, json columns are parsed and reference ids are swapped for
// their values.
type decoder struct {
	conn  sqlite.Conn
	table string
	refs  []*ref.Field
	types map[string]string
}

func newDecoder(ctx context.Context, conn sqlite.Conn, s schema.TableSchema, opts []ref.Option) (*decoder, error) {
	d := &decoder{conn: conn, table: s.Table, types: map[string]string{}}
	for _, col := range s.Fields {
		d.types[col.Name] = baseType(col.Type)
	}
	for _, r := range s.RefSchemas() {
		// reading never creates tables
		r.AutoCreateTable = false
		r.AutoCreateIndex = false
		f, err := ref.Prepare(ctx, conn, r, opts...)
		if err != nil {
			return nil, err
		}
		d.refs = append(d.refs, f)
	}
	return d, d.loadTypes(ctx)
}

func (d *decoder) loadTypes(ctx context.Context) error {
	cols, err := sqlite.TableColumns(ctx, d.conn, d.table)
	if err != nil {
		return err
	}
	for _, c := range cols {
		if _, ok := d.types[c.Name]; !ok {
			d.types[c.Name] = baseType(c.Type)
		}
	}
	return nil
}

// baseType reduces a declared type such as "JSON not null" to "json".
func baseType(decl string) string {
	f := strings.Fields(strings.ToLower(decl))
	if len(f) == 0 {
		return ""
	}
	return f[0]
}

func (d *decoder) decode(ctx context.Context, cols []string, raw []any) (value.Record, error) {
	rec := make(value.Record, len(cols))
	for i, col := range cols {
		if raw[i] == nil {
			continue
		}
		v, err := value.FromSQL(raw[i])
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", d.table, col, err)
		}
		typ, ok := d.types[col]
		if !ok {
			// a column added after the decoder was built
			if err := d.loadTypes(ctx); err != nil {
				return nil, err
			}
			typ = d.types[col]
			d.types[col] = typ
		}
		if typ == value.TypeJSON {
			v = parseStructured(v)
		}
		rec[col] = v
	}
	for _, f := range d.refs {
		id, ok := rec[f.IDField()]
		if !ok {
			continue
		}
		v, err := f.Value(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.table, err)
		}
		delete(rec, f.IDField())
		rec[f.Name()] = v
	}
	return rec, nil
}

// parseStructured decodes a json column cell holding an array or object.
// Records may store plain text in the same column, so anything else, and
// text that only looks structured, stays text.
func parseStructured(v value.Value) value.Value {
	text, ok := v.AsText()
	if !ok {
		return v
	}
	trimmed := strings.TrimLeft(text, " \t\r\n")
	if trimmed == "" || (trimmed[0] != '[' && trimmed[0] != '{') {
		return v
	}
	parsed, err := value.Parse([]byte(text))
	if err != nil {
		return v
	}
	return parsed
}

func (d *decoder) close() error {
	var first error
	for _, f := range d.refs {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
