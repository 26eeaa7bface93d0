package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// MasterRow is one entry of sqlite_master.
type MasterRow struct {
	Type      string
	Name      string
	TableName string
	// SQL is empty for indices the engine creates for primary keys and
	// unique constraints.
	SQL string
}

// Column is one row of PRAGMA table_info.
type Column struct {
	CID        int
	Name       string
	Type       string
	NotNull    bool
	PrimaryKey int
}

// Quote renders an identifier as a double-quoted SQL name.
func Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// Tables lists every table in catalog order, engine-internal ones included.
func Tables(ctx context.Context, conn Conn) ([]MasterRow, error) {
	return queryMaster(ctx, conn, `select type, name, tbl_name, sql from sqlite_master where type = 'table'`)
}

// Indices lists the indices defined on table.
func Indices(ctx context.Context, conn Conn, table string) ([]MasterRow, error) {
	return queryMaster(ctx, conn, `select type, name, tbl_name, sql from sqlite_master where type = 'index' and tbl_name = ?`, table)
}

func AllIndices(ctx context.Context, conn Conn) ([]MasterRow, error) {
	return queryMaster(ctx, conn, `select type, name, tbl_name, sql from sqlite_master where type = 'index'`)
}

func queryMaster(ctx context.Context, conn Conn, query string, args ...any) ([]MasterRow, error) {
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sqlite_master: %w", err)
	}
	defer rows.Close()

	var out []MasterRow
	for rows.Next() {
		var r MasterRow
		var ddl sql.NullString
		if err := rows.Scan(&r.Type, &r.Name, &r.TableName, &ddl); err != nil {
			return nil, err
		}
		r.SQL = ddl.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// IsInternal reports whether a table belongs to the engine itself.
func IsInternal(table string) bool {
	return strings.HasPrefix(strings.ToLower(table), "sqlite_")
}

// TableColumns returns the declared columns of table in order. A table that
// does not exist has no columns.
func TableColumns(ctx context.Context, conn Conn, table string) ([]Column, error) {
	rows, err := conn.QueryContext(ctx, "PRAGMA table_info("+Quote(table)+")")
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var c Column
		var typ sql.NullString
		var notNull int
		var dflt any
		if err := rows.Scan(&c.CID, &c.Name, &typ, &notNull, &dflt, &c.PrimaryKey); err != nil {
			return nil, err
		}
		c.Type = typ.String
		c.NotNull = notNull != 0
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// SelectStored returns a query over every column of table, aliased to the
// column names, that yields cells in their storage class. Drivers convert
// cells of columns declared as dates or booleans; the unary plus leaves the
// value alone but has no declared type.
func SelectStored(ctx context.Context, conn Conn, table string) (string, []string, error) {
	cols, err := TableColumns(ctx, conn, table)
	if err != nil {
		return "", nil, err
	}
	if len(cols) == 0 {
		return "", nil, fmt.Errorf("table %s has no columns", table)
	}
	names := make([]string, len(cols))
	exprs := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
		exprs[i] = "+" + Quote(c.Name) + " as " + Quote(c.Name)
	}
	return "select " + strings.Join(exprs, ", ") + " from " + Quote(table), names, nil
}

// HasTable reports whether table exists.
func HasTable(ctx context.Context, conn Conn, table string) (bool, error) {
	var n int
	err := conn.QueryRowContext(ctx,
		`select count(*) from sqlite_master where type = 'table' and name = ?`, table).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func CountRows(ctx context.Context, conn Conn, table string) (int64, error) {
	var n int64
	err := conn.QueryRowContext(ctx, "select count(*) from "+Quote(table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// RemoveTableIndices drops every explicitly created index on table.
func RemoveTableIndices(ctx context.Context, conn Conn, table string) error {
	idx, err := Indices(ctx, conn, table)
	if err != nil {
		return err
	}
	return dropIndices(ctx, conn, idx)
}

// RemoveAllIndices drops every explicitly created index. Indices backing
// primary keys and unique constraints cannot be dropped and are kept.
func RemoveAllIndices(ctx context.Context, conn Conn) error {
	idx, err := AllIndices(ctx, conn)
	if err != nil {
		return err
	}
	return dropIndices(ctx, conn, idx)
}

func dropIndices(ctx context.Context, conn Conn, idx []MasterRow) error {
	for _, row := range idx {
		if row.SQL == "" {
			continue
		}
		if _, err := conn.ExecContext(ctx, "drop index if exists "+Quote(row.Name)); err != nil {
			return fmt.Errorf("drop index %s: %w", row.Name, err)
		}
	}
	return nil
}

// RemoveAllTables drops every user table.
func RemoveAllTables(ctx context.Context, conn Conn) error {
	tables, err := Tables(ctx, conn)
	if err != nil {
		return err
	}
	for _, t := range tables {
		if IsInternal(t.Name) {
			continue
		}
		if _, err := conn.ExecContext(ctx, "drop table if exists "+Quote(t.Name)); err != nil {
			return fmt.Errorf("drop table %s: %w", t.Name, err)
		}
	}
	return nil
}

// RecreateTable copies table into a plain table of the same name, which drops
// every index including the ones behind primary keys and unique constraints.
func RecreateTable(ctx context.Context, conn Conn, table string) error {
	tmp := Quote("tmp_" + table)
	stmts := []string{
		"create table " + tmp + " as select * from " + Quote(table),
		"drop table " + Quote(table),
		"alter table " + tmp + " rename to " + Quote(table),
	}
	for _, s := range stmts {
		if _, err := conn.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("recreate %s: %w", table, err)
		}
	}
	return nil
}

// RecreateAllTables runs RecreateTable for every user table in a single
// transaction.
func (db *DB) RecreateAllTables(ctx context.Context) error {
	return db.Transaction(ctx, func(tx *sql.Tx) error {
		tables, err := Tables(ctx, tx)
		if err != nil {
			return err
		}
		for _, t := range tables {
			if IsInternal(t.Name) {
				continue
			}
			if err := RecreateTable(ctx, tx, t.Name); err != nil {
				return err
			}
		}
		return nil
	})
}
