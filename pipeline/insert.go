// Package pipeline turns schema declarations into insert and select
// operations over records.
//
// An Inserter is compiled once from a TableSchema and then applies, for every
// record, the stages the schema asks for before writing the row:
//
//	clone -> skip fields -> resolve references -> whitelist -> add columns -> insert
//
// Stages after clone mutate the record they are handed. Without the clone
// stage (InplaceUpdate) that is the caller's record.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/tomberek/sqlnorm/cache"
	"github.com/tomberek/sqlnorm/ref"
	"github.com/tomberek/sqlnorm/schema"
	"github.com/tomberek/sqlnorm/sqlite"
	"github.com/tomberek/sqlnorm/value"
)

type options struct {
	logger *slog.Logger
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Inserter writes records into one table. It is not safe for concurrent use.
type Inserter struct {
	conn   sqlite.Conn
	schema schema.TableSchema
	logger *slog.Logger

	refs      []*ref.Field
	whitelist []string
	project   bool
	// order is the binding order of known columns; other keys follow sorted.
	order []string
	// known holds the table's columns when columns are added on the fly.
	known map[string]bool
	stmts map[string]*sql.Stmt
	dedup *dedup
}

// dedup finds the existing row of a deduplicated table. A row matches only
// when every dedup field is equal; agreeing on one field of several is not
// a match. A record missing a dedup field never matches and is always
// inserted.
type dedup struct {
	fields  []string
	idField string
	query   string
	stmt    *sql.Stmt
	cache   *cache.Cache[value.Value]
}

// NewInserter compiles s against conn. Tables, satellite tables and indices
// the schema asks for are created here; s itself is copied and never
// modified.
func NewInserter(ctx context.Context, conn sqlite.Conn, s schema.TableSchema, opts ...Option) (*Inserter, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	for _, f := range s.DeduplicateFields {
		if slices.Contains(s.RefFieldNames(), f) {
			return nil, fmt.Errorf("%w: table %s: deduplicate field %q is a reference field", schema.ErrInvalidSchema, s.Table, f)
		}
	}
	o := buildOptions(opts)
	s = s.Clone()
	ins := &Inserter{
		conn:   conn,
		schema: s,
		logger: o.logger,
		stmts:  map[string]*sql.Stmt{},
	}

	switch {
	case s.CreateTableSQL != "":
		if _, err := conn.ExecContext(ctx, s.CreateTableSQL); err != nil {
			return nil, fmt.Errorf("create table %s: %w", s.Table, err)
		}
	case s.AutoCreateTable:
		if _, err := conn.ExecContext(ctx, s.CreateTableStatement()); err != nil {
			return nil, fmt.Errorf("create table %s: %w", s.Table, err)
		}
	}
	if s.CreateIndexSQL != "" {
		if _, err := conn.ExecContext(ctx, s.CreateIndexSQL); err != nil {
			return nil, fmt.Errorf("create index %s: %w", s.Table, err)
		}
	}

	for _, r := range s.RefSchemas() {
		f, err := ref.Prepare(ctx, conn, r, ref.WithLogger(o.logger))
		if err != nil {
			ins.Close()
			return nil, err
		}
		ins.refs = append(ins.refs, f)
	}
	ins.whitelist, ins.project = s.WhitelistColumns()
	ins.order = append(s.Fields.Names(), s.RefIDFieldNames()...)

	if s.AutoAddField {
		cols, err := sqlite.TableColumns(ctx, conn, s.Table)
		if err != nil {
			ins.Close()
			return nil, err
		}
		ins.known = map[string]bool{}
		for _, c := range cols {
			ins.known[c.Name] = true
		}
	}

	if s.IsDeduplicated() {
		if s.AutoCreateIndex {
			if _, err := conn.ExecContext(ctx, schema.UniqueIndexStatement(s.Table, s.DeduplicateFields)); err != nil {
				ins.Close()
				return nil, fmt.Errorf("create unique index %s: %w", s.Table, err)
			}
		}
		where := make([]string, len(s.DeduplicateFields))
		for i, f := range s.DeduplicateFields {
			where[i] = sqlite.Quote(f) + " = ?"
		}
		ins.dedup = &dedup{
			fields:  s.DeduplicateFields,
			idField: s.IDField,
			query: "select " + sqlite.Quote(s.IDField) + " from " + sqlite.Quote(s.Table) +
				" where " + strings.Join(where, " and ") + " limit 1",
		}
		if s.CacheSize > 0 {
			ins.dedup.cache = cache.New[value.Value](s.CacheSize)
		}
	}
	return ins, nil
}

func (ins *Inserter) Table() string {
	return ins.schema.Table
}

func (ins *Inserter) Schema() schema.TableSchema {
	return ins.schema.Clone()
}

// Refs returns the reference fields the inserter resolves.
func (ins *Inserter) Refs() []*ref.Field {
	return ins.refs
}

// Insert writes rec and returns the id of the row that now represents it.
// For deduplicated tables that is the IDField value of the existing or
// supplied row, falling back to the row id.
func (ins *Inserter) Insert(ctx context.Context, rec value.Record) (value.Value, error) {
	row := rec
	if !ins.schema.InplaceUpdate {
		row = rec.Clone()
	}
	if ins.dedup == nil {
		return ins.transformAndInsert(ctx, row)
	}

	d := ins.dedup
	keyVals := make([]value.Value, len(d.fields))
	for i, f := range d.fields {
		keyVals[i] = row[f]
	}
	if slices.ContainsFunc(keyVals, value.Value.IsNull) {
		return ins.insertNew(ctx, row)
	}
	if d.cache == nil {
		return ins.dedupInsert(ctx, row, keyVals)
	}
	key, err := json.Marshal(keyVals)
	if err != nil {
		return value.Null, err
	}
	return d.cache.Get(string(key), func(string) (value.Value, error) {
		return ins.dedupInsert(ctx, row, keyVals)
	})
}

func (ins *Inserter) dedupInsert(ctx context.Context, row value.Record, keyVals []value.Value) (value.Value, error) {
	d := ins.dedup
	args, err := value.Args(keyVals)
	if err != nil {
		return value.Null, err
	}
	if d.stmt == nil {
		if d.stmt, err = ins.conn.PrepareContext(ctx, d.query); err != nil {
			return value.Null, fmt.Errorf("prepare %s dedup lookup: %w", ins.schema.Table, err)
		}
	}
	var existing any
	err = d.stmt.QueryRowContext(ctx, args...).Scan(&existing)
	if err == nil {
		return value.FromSQL(existing)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return value.Null, fmt.Errorf("dedup lookup %s: %w", ins.schema.Table, err)
	}
	return ins.insertNew(ctx, row)
}

// insertNew inserts a row of a deduplicated table and returns its supplied
// id field, or the row id.
func (ins *Inserter) insertNew(ctx context.Context, row value.Record) (value.Value, error) {
	supplied := row[ins.dedup.idField]
	id, err := ins.transformAndInsert(ctx, row)
	if err != nil {
		return value.Null, err
	}
	if !supplied.IsNull() {
		return supplied, nil
	}
	return id, nil
}

func (ins *Inserter) transformAndInsert(ctx context.Context, row value.Record) (value.Value, error) {
	ins.skipFields(row)
	if err := ins.resolveRefs(ctx, row); err != nil {
		return value.Null, err
	}
	row = ins.projectWhitelist(row)
	if err := ins.addColumns(ctx, row); err != nil {
		return value.Null, err
	}
	return ins.insertRow(ctx, row)
}

// skipFields deletes the configured fields from row.
func (ins *Inserter) skipFields(row value.Record) {
	for _, f := range ins.schema.SkipFields {
		delete(row, f)
	}
}

// resolveRefs replaces every present reference field of row by its id column.
func (ins *Inserter) resolveRefs(ctx context.Context, row value.Record) error {
	for _, f := range ins.refs {
		v, ok := row[f.Name()]
		if !ok {
			continue
		}
		id, err := f.GetOrCreateID(ctx, v)
		if err != nil {
			return fmt.Errorf("%s: %w", ins.schema.Table, err)
		}
		delete(row, f.Name())
		row[f.IDField()] = id
	}
	return nil
}

// projectWhitelist returns a new record holding only whitelisted fields, or
// row itself when the table does not project.
func (ins *Inserter) projectWhitelist(row value.Record) value.Record {
	if !ins.project {
		return row
	}
	out := make(value.Record, len(ins.whitelist))
	for _, f := range ins.whitelist {
		if v, ok := row[f]; ok {
			out[f] = v
		}
	}
	return out
}

// addColumns adds a column for every key of row the table does not have yet,
// typed after the key's value.
func (ins *Inserter) addColumns(ctx context.Context, row value.Record) error {
	if ins.known == nil {
		return nil
	}
	for _, k := range row.Keys() {
		if ins.known[k] {
			continue
		}
		typ := row[k].ColumnType()
		q := "alter table " + sqlite.Quote(ins.schema.Table) + " add column " + sqlite.Quote(k) + " " + value.Declaration(typ)
		if _, err := ins.conn.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("add column %s.%s: %w", ins.schema.Table, k, err)
		}
		ins.known[k] = true
		ins.logger.Debug("added column",
			slog.String("table", ins.schema.Table),
			slog.String("column", k),
			slog.String("type", typ))
	}
	return nil
}

// columnsOf orders the keys of row: known columns in declaration order, then
// the rest sorted.
func (ins *Inserter) columnsOf(row value.Record) []string {
	cols := make([]string, 0, len(row))
	seen := make(map[string]bool, len(row))
	for _, c := range ins.order {
		if _, ok := row[c]; ok && !seen[c] {
			cols = append(cols, c)
			seen[c] = true
		}
	}
	var rest []string
	for k := range row {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(cols, rest...)
}

func (ins *Inserter) insertRow(ctx context.Context, row value.Record) (value.Value, error) {
	cols := ins.columnsOf(row)
	key := strings.Join(cols, "\x00")
	stmt, ok := ins.stmts[key]
	if !ok {
		var q string
		if len(cols) == 0 {
			q = "insert into " + sqlite.Quote(ins.schema.Table) + " default values"
		} else {
			quoted := make([]string, len(cols))
			for i, c := range cols {
				quoted[i] = sqlite.Quote(c)
			}
			q = "insert into " + sqlite.Quote(ins.schema.Table) + " (" + strings.Join(quoted, ", ") +
				") values (" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
		}
		var err error
		if stmt, err = ins.conn.PrepareContext(ctx, q); err != nil {
			return value.Null, fmt.Errorf("prepare insert %s: %w", ins.schema.Table, err)
		}
		ins.stmts[key] = stmt
	}

	vals := make([]value.Value, len(cols))
	for i, c := range cols {
		vals[i] = row[c]
	}
	args, err := value.Args(vals)
	if err != nil {
		return value.Null, fmt.Errorf("insert %s: %w", ins.schema.Table, err)
	}
	res, err := stmt.ExecContext(ctx, args...)
	if err != nil {
		return value.Null, fmt.Errorf("insert %s (cols=%v): %w", ins.schema.Table, cols, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return value.Null, err
	}
	return value.Int(id), nil
}

// Close releases prepared statements, including those of the reference
// fields.
func (ins *Inserter) Close() error {
	var errs []error
	for k, st := range ins.stmts {
		errs = append(errs, st.Close())
		delete(ins.stmts, k)
	}
	if ins.dedup != nil && ins.dedup.stmt != nil {
		errs = append(errs, ins.dedup.stmt.Close())
		ins.dedup.stmt = nil
	}
	for _, f := range ins.refs {
		errs = append(errs, f.Close())
	}
	return errors.Join(errs...)
}

// InsertArray injects fields into every row and inserts it. The rows are
// updated in place.
func InsertArray(ctx context.Context, ins *Inserter, rows []value.Record, fields value.Record) error {
	for i, row := range rows {
		for k, v := range fields {
			row[k] = v
		}
		if _, err := ins.Insert(ctx, row); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
	}
	return nil
}
