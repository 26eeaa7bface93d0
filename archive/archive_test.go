package archive

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomberek/sqlnorm/sqlite"
	"github.com/tomberek/sqlnorm/sqlite/sqlitetest"
)

var fixture = []string{
	`create table tag (tag_id integer primary key, tag text unique)`,
	`create table thread_tag (tid integer, tag_id integer)`,
	`create table empty (a text)`,
	`create table cell (i integer, r real, t text, b blob, n text)`,
	`create table migrations (id integer primary key, name text)`,
	`create table ev (d datetime, b boolean)`,
	`insert into tag (tag) values ('news'), ('go')`,
	`insert into thread_tag values (1, 1), (2, 1), (2, 2)`,
	`insert into cell values (3, 2.0, 'x', x'00ff', null), (-1, 0.25, '', x'01', null)`,
	`insert into migrations (name) values ('init')`,
	`insert into ev values ('2020-01-02', 5), ('2020-01-02 03:04:05', 0)`,
}

func dump(t *testing.T, conn sqlite.Conn, table string) [][]any {
	t.Helper()
	ctx := context.Background()
	query, cols, err := sqlite.SelectStored(ctx, conn, table)
	require.NoError(t, err)
	rows, err := conn.QueryContext(ctx, query+" order by rowid")
	require.NoError(t, err)
	defer rows.Close()
	var out [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		require.NoError(t, rows.Scan(ptrs...))
		out = append(out, vals)
	}
	require.NoError(t, rows.Err())
	return out
}

func TestExportFormat(t *testing.T) {
	ctx := context.Background()
	db := sqlitetest.Open(t)
	sqlitetest.Exec(t, db, fixture...)

	var metas []TableMeta
	var buf bytes.Buffer
	require.NoError(t, Export(ctx, db, &buf, WithOnTable(func(m TableMeta) { metas = append(metas, m) })))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 14)
	assert.True(t, strings.HasPrefix(lines[0], `{"tableName":"tag","createTable":"`), lines[0])
	assert.True(t, strings.HasSuffix(lines[0], `,"keys":["tag_id","tag"],"count":2}`), lines[0])
	assert.Equal(t, []string{`[1,"news"]`, `[2,"go"]`}, lines[1:3])
	assert.Equal(t, `[3,2.0,"x",{"$blob":"AP8="},null]`, lines[9])
	assert.Equal(t, `[-1,0.25,"",{"$blob":"AQ=="},null]`, lines[10])
	assert.Equal(t, []string{`["2020-01-02",5]`, `["2020-01-02 03:04:05",0]`}, lines[12:14], "cells keep their storage class")

	var names []string
	for _, m := range metas {
		names = append(names, m.TableName)
	}
	assert.Equal(t, []string{"tag", "thread_tag", "empty", "cell", "ev"}, names, "migrations skipped")
	assert.Equal(t, int64(0), metas[2].Count)
	assert.Equal(t, []string{"a"}, metas[2].Keys)
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, driver := range []string{sqlite.DriverCGO, sqlite.DriverPure} {
		t.Run(driver, func(t *testing.T) {
			src := sqlitetest.OpenDriver(t, driver)
			sqlitetest.Exec(t, src, fixture...)
			var buf bytes.Buffer
			require.NoError(t, Export(ctx, src, &buf))

			dst := sqlitetest.OpenDriver(t, driver)
			sqlitetest.Exec(t, dst, `create table migrations (id integer primary key, name text)`)
			im, err := Import(ctx, dst, &buf, WithCreateTables(true))
			require.NoError(t, err)
			assert.Equal(t, 5, im.Tables())
			assert.Equal(t, int64(9), im.Rows())

			for _, table := range []string{"tag", "thread_tag", "empty", "cell", "ev"} {
				assert.Equal(t, dump(t, src, table), dump(t, dst, table), table)
			}
			assert.Equal(t, int64(0), sqlitetest.Count(t, dst, "migrations"))
			assert.Equal(t, [][]any{{"2020-01-02", int64(5)}, {"2020-01-02 03:04:05", int64(0)}}, dump(t, dst, "ev"))
		})
	}
}

func TestImportIntoExistingSchema(t *testing.T) {
	ctx := context.Background()
	src := sqlitetest.Open(t)
	sqlitetest.Exec(t, src, fixture...)
	var buf bytes.Buffer
	require.NoError(t, Export(ctx, src, &buf))

	dst := sqlitetest.Open(t)
	sqlitetest.Exec(t, dst, fixture[:6]...)
	_, err := Import(ctx, dst, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(3), sqlitetest.Count(t, dst, "thread_tag"))

	// without createTables a missing table fails the import
	_, err = Import(ctx, sqlitetest.Open(t), strings.NewReader(buf.String()))
	assert.Error(t, err)
}

func TestImporterStates(t *testing.T) {
	ctx := context.Background()
	db := sqlitetest.Open(t)
	sqlitetest.Exec(t, db, `create table kv (k text, v integer)`)

	var seen []string
	im := NewImporter(db, WithSkipTables("skipped"), WithOnTable(func(m TableMeta) { seen = append(seen, m.TableName) }))
	defer im.Close()

	feed := func(line string) {
		t.Helper()
		require.NoError(t, im.Feed(ctx, []byte(line)))
	}
	feed(`{"tableName":"skipped","createTable":"","keys":["x"],"count":2}`)
	meta, left, ok := im.Pending()
	assert.True(t, ok)
	assert.Equal(t, "skipped", meta.TableName)
	assert.Equal(t, int64(2), left)
	feed(`["dropped"]`)
	feed(``)
	feed(`["dropped"]`)
	_, _, ok = im.Pending()
	assert.False(t, ok)

	feed(`{"tableName":"none","createTable":"","keys":[],"count":0}`)
	_, _, ok = im.Pending()
	assert.False(t, ok, "empty table stays awaiting meta")

	feed(`{"tableName":"kv","createTable":"","keys":["k","v"],"count":2}`)
	feed(`["a",1]`)
	_, left, ok = im.Pending()
	assert.True(t, ok)
	assert.Equal(t, int64(1), left)

	assert.ErrorIs(t, im.Feed(ctx, []byte(`["b"]`)), ErrMalformedLine)
	assert.ErrorIs(t, im.Feed(ctx, []byte(`{"k":"b"}`)), ErrMalformedLine)
	assert.ErrorIs(t, im.Feed(ctx, []byte(`["b",2] junk`)), ErrMalformedLine)
	feed(`["b",2]`)

	assert.ErrorIs(t, im.Feed(ctx, []byte(`["c",3]`)), ErrMalformedLine, "row where meta is expected")
	assert.Equal(t, []string{"skipped", "none", "kv"}, seen)
	assert.Equal(t, int64(2), sqlitetest.Count(t, db, "kv"))
	assert.Equal(t, int64(2), im.Rows())
}

func TestImportTruncated(t *testing.T) {
	ctx := context.Background()
	db := sqlitetest.Open(t)
	sqlitetest.Exec(t, db, `create table kv (k text, v integer)`)

	im, err := Import(ctx, db, strings.NewReader(
		`{"tableName":"kv","createTable":"","keys":["k","v"],"count":3}`+"\n"+`["a",1]`+"\n"+`["b",2]`))
	require.NoError(t, err)
	_, left, ok := im.Pending()
	assert.True(t, ok)
	assert.Equal(t, int64(1), left)
	assert.Equal(t, int64(2), sqlitetest.Count(t, db, "kv"))
}

func TestReportTable(t *testing.T) {
	var buf bytes.Buffer
	ReportTable(&buf)(TableMeta{TableName: "post", Keys: []string{"pid", "content"}, Count: 1234567})
	assert.Equal(t, "import table: post keys=[pid content] count=1,234,567\n", buf.String())
}
