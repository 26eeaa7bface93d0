package schema

import (
	"strings"

	"github.com/tomberek/sqlnorm/sqlite"
	"github.com/tomberek/sqlnorm/value"
)

// DefaultFields are the columns of an auto-created table that declares none.
var DefaultFields = Columns{{Name: "id", Type: "integer primary key"}}

// CreateTableStatement builds the create statement used when AutoCreateTable
// is set: the declared columns (or DefaultFields), an integer column per
// reference id not declared already, and the composite primary key.
func (s TableSchema) CreateTableStatement() string {
	fields := s.Fields
	if len(fields) == 0 {
		fields = DefaultFields
	}
	var body []string
	for _, col := range fields {
		body = append(body, columnDef(col.Name, col.Type))
	}
	for _, id := range s.RefIDFieldNames() {
		if _, ok := fields.Lookup(id); ok {
			continue
		}
		body = append(body, columnDef(id, "integer"))
	}
	if len(s.PrimaryKeys) > 0 {
		body = append(body, "primary key ("+quoteAll(s.PrimaryKeys)+")")
	}
	return "create table if not exists " + sqlite.Quote(s.Table) + " (" + strings.Join(body, ", ") + ")"
}

// RefTableStatement builds the satellite table of r. The value column is
// unique so a value maps to at most one id.
func RefTableStatement(r RefFieldSchema) string {
	typ := ""
	if r.Type != "" {
		typ = " " + r.Type
	}
	return "create table if not exists " + sqlite.Quote(r.Table()) + " (" +
		sqlite.Quote(r.IDField) + " integer primary key, " +
		sqlite.Quote(r.Field) + typ + " unique)"
}

// UniqueIndexStatement builds a unique index over fields of table.
func UniqueIndexStatement(table string, fields []string) string {
	name := table + "_" + strings.Join(fields, "_") + "_unique_idx"
	return "create unique index if not exists " + sqlite.Quote(name) +
		" on " + sqlite.Quote(table) + " (" + quoteAll(fields) + ")"
}

func columnDef(name, typ string) string {
	if typ == "" {
		return sqlite.Quote(name)
	}
	return sqlite.Quote(name) + " " + value.Declaration(typ)
}

func quoteAll(names []string) string {
	q := make([]string, len(names))
	for i, n := range names {
		q[i] = sqlite.Quote(n)
	}
	return strings.Join(q, ", ")
}
