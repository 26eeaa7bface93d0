package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomberek/sqlnorm/schema"
	"github.com/tomberek/sqlnorm/sqlite"
	"github.com/tomberek/sqlnorm/sqlite/sqlitetest"
	"github.com/tomberek/sqlnorm/value"
)

var threadTagSchema = schema.TableSchema{
	Table:           "thread_tag",
	Fields:          schema.Columns{{Name: "tid", Type: "integer"}},
	RefFields:       []schema.RefField{schema.Ref("tag")},
	AutoCreateTable: true,
}

func TestInsertThreadTag(t *testing.T) {
	ctx := context.Background()
	for _, driver := range []string{sqlite.DriverCGO, sqlite.DriverPure} {
		t.Run(driver, func(t *testing.T) {
			db := sqlitetest.OpenDriver(t, driver)
			ins, err := NewInserter(ctx, db, threadTagSchema)
			require.NoError(t, err)
			defer ins.Close()

			_, err = ins.Insert(ctx, value.Record{"tid": value.Int(1), "tag": value.Text("news")})
			require.NoError(t, err)
			_, err = ins.Insert(ctx, value.Record{"tid": value.Int(2), "tag": value.Text("news")})
			require.NoError(t, err)

			assert.Equal(t, int64(1), sqlitetest.Count(t, db, "tag"))
			assert.Equal(t, int64(2), sqlitetest.Count(t, db, "thread_tag"))

			var tag string
			require.NoError(t, db.QueryRowContext(ctx, `select tag from tag`).Scan(&tag))
			assert.Equal(t, "news", tag)

			var distinct, tagID int64
			require.NoError(t, db.QueryRowContext(ctx,
				`select count(distinct tag_id), max(tag_id) from thread_tag`).Scan(&distinct, &tagID))
			assert.Equal(t, int64(1), distinct)
			require.NoError(t, db.QueryRowContext(ctx, `select tag_id from tag where tag = 'news'`).Scan(&distinct))
			assert.Equal(t, distinct, tagID)
		})
	}
}

func TestInsertLeavesCallerRecord(t *testing.T) {
	ctx := context.Background()
	db := sqlitetest.Open(t)
	ins, err := NewInserter(ctx, db, threadTagSchema)
	require.NoError(t, err)

	rec := value.Record{"tid": value.Int(1), "tag": value.Text("news")}
	_, err = ins.Insert(ctx, rec)
	require.NoError(t, err)
	assert.True(t, rec.Equal(value.Record{"tid": value.Int(1), "tag": value.Text("news")}))

	inplace := threadTagSchema
	inplace.InplaceUpdate = true
	ins2, err := NewInserter(ctx, db, inplace)
	require.NoError(t, err)
	_, err = ins2.Insert(ctx, rec)
	require.NoError(t, err)
	assert.False(t, rec.Has("tag"))
	assert.True(t, rec["tag_id"].Equal(value.Int(1)))
	assert.False(t, threadTagSchema.InplaceUpdate, "schema value untouched")
}

func TestInsertSkipAndWhitelist(t *testing.T) {
	ctx := context.Background()
	db := sqlitetest.Open(t)

	skipped, err := NewInserter(ctx, db, schema.TableSchema{
		Table:           "skipped_thread",
		Fields:          schema.Columns{{Name: "tid", Type: "integer"}},
		SkipFields:      []string{"type"},
		RefFields:       []schema.RefField{schema.Ref("reason")},
		AutoCreateTable: true,
	})
	require.NoError(t, err)
	_, err = skipped.Insert(ctx, value.Record{"tid": value.Int(3), "type": value.Text("skip"), "reason": value.Text("spam")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), sqlitetest.Count(t, db, "reason"))

	listed, err := NewInserter(ctx, db, schema.TableSchema{
		Table:           "listed",
		Fields:          schema.Columns{{Name: "a", Type: "text"}},
		RefFields:       []schema.RefField{schema.Ref("tag")},
		WhitelistFields: schema.Whitelist{All: true},
		AutoCreateTable: true,
	})
	require.NoError(t, err)
	_, err = listed.Insert(ctx, value.Record{"a": value.Text("x"), "tag": value.Text("news"), "junk": value.Int(1)})
	require.NoError(t, err)

	var a string
	var tagID int64
	require.NoError(t, db.QueryRowContext(ctx, `select a, tag_id from listed`).Scan(&a, &tagID))
	assert.Equal(t, "x", a)
	assert.Equal(t, int64(1), tagID)
}

func TestInsertAutoAddField(t *testing.T) {
	ctx := context.Background()
	db := sqlitetest.Open(t)
	ins, err := NewInserter(ctx, db, schema.TableSchema{Table: "event", AutoCreateTable: true, AutoAddField: true})
	require.NoError(t, err)

	_, err = ins.Insert(ctx, value.Record{
		"name":  value.Text("x"),
		"ok":    value.Bool(true),
		"meta":  value.Object(value.Record{"city": value.Text("y")}),
		"whole": value.Real(3),
		"score": value.Real(2.5),
		"gone":  value.Null,
		"tags":  value.Strings("a"),
	})
	require.NoError(t, err)

	cols, err := sqlite.TableColumns(ctx, db, "event")
	require.NoError(t, err)
	types := map[string]string{}
	for _, c := range cols {
		types[c.Name] = c.Type
	}
	assert.Equal(t, map[string]string{
		"id":    "integer",
		"name":  "text",
		"ok":    "integer",
		"meta":  "json blob",
		"whole": "integer",
		"score": "real",
		"gone":  "blob",
		"tags":  "json blob",
	}, types)

	sel, err := NewSelector(ctx, db, schema.TableSchema{Table: "event"})
	require.NoError(t, err)
	rec, err := sel.Select(ctx, 0)
	require.NoError(t, err)
	assert.True(t, rec["meta"].Equal(value.Object(value.Record{"city": value.Text("y")})))
	assert.True(t, rec["tags"].Equal(value.Strings("a")))
	assert.True(t, rec["whole"].Equal(value.Int(3)))
	assert.True(t, rec["score"].Equal(value.Real(2.5)))
	assert.False(t, rec.Has("gone"))

	// a second record reuses the known columns and adds only the new one
	_, err = ins.Insert(ctx, value.Record{"name": value.Text("z"), "extra": value.Int(1)})
	require.NoError(t, err)
	cols, err = sqlite.TableColumns(ctx, db, "event")
	require.NoError(t, err)
	assert.Len(t, cols, 9)
}

var authorSchema = schema.TableSchema{
	Table: "author",
	Fields: schema.Columns{
		{Name: "uid", Type: "integer"},
		{Name: "author", Type: "text"},
	},
	DeduplicateFields: []string{"author"},
	IDField:           "uid",
	AutoCreateTable:   true,
	AutoCreateIndex:   true,
}

func TestInsertDeduplicated(t *testing.T) {
	ctx := context.Background()
	for _, cacheSize := range []int{0, 1 << 10} {
		db := sqlitetest.Open(t)
		s := authorSchema
		s.CacheSize = cacheSize
		ins, err := NewInserter(ctx, db, s)
		require.NoError(t, err)

		first, err := ins.Insert(ctx, value.Record{"uid": value.Int(7), "author": value.Text("bob")})
		require.NoError(t, err)
		second, err := ins.Insert(ctx, value.Record{"uid": value.Int(7), "author": value.Text("bob")})
		require.NoError(t, err)
		other, err := ins.Insert(ctx, value.Record{"uid": value.Int(8), "author": value.Text("bob")})
		require.NoError(t, err)
		alice, err := ins.Insert(ctx, value.Record{"uid": value.Int(9), "author": value.Text("alice")})
		require.NoError(t, err)

		assert.True(t, first.Equal(value.Int(7)))
		assert.True(t, second.Equal(first))
		assert.True(t, other.Equal(first), "natural key wins over the supplied id")
		assert.True(t, alice.Equal(value.Int(9)))
		assert.Equal(t, int64(2), sqlitetest.Count(t, db, "author"))

		idx, err := sqlite.Indices(ctx, db, "author")
		require.NoError(t, err)
		assert.Len(t, idx, 1)
		require.NoError(t, ins.Close())
	}
}

func TestInsertDeduplicatedWithoutNaturalKey(t *testing.T) {
	ctx := context.Background()
	for _, cacheSize := range []int{0, 1 << 10} {
		db := sqlitetest.Open(t)
		s := authorSchema
		s.CacheSize = cacheSize
		ins, err := NewInserter(ctx, db, s)
		require.NoError(t, err)

		first, err := ins.Insert(ctx, value.Record{"uid": value.Int(1)})
		require.NoError(t, err)
		second, err := ins.Insert(ctx, value.Record{"uid": value.Int(2), "author": value.Null})
		require.NoError(t, err)

		assert.True(t, first.Equal(value.Int(1)))
		assert.True(t, second.Equal(value.Int(2)), "a missing key matches no earlier row")
		assert.Equal(t, int64(2), sqlitetest.Count(t, db, "author"))
		require.NoError(t, ins.Close())
	}
}

func TestInsertDeduplicatedMatchesAllFields(t *testing.T) {
	ctx := context.Background()
	db := sqlitetest.Open(t)
	s := schema.TableSchema{
		Table: "person",
		Fields: schema.Columns{
			{Name: "pid", Type: "integer"},
			{Name: "first", Type: "text"},
			{Name: "last", Type: "text"},
		},
		DeduplicateFields: []string{"first", "last"},
		IDField:           "pid",
		AutoCreateTable:   true,
	}
	ins, err := NewInserter(ctx, db, s)
	require.NoError(t, err)
	defer ins.Close()

	ada, err := ins.Insert(ctx, value.Record{"pid": value.Int(1), "first": value.Text("ada"), "last": value.Text("lovelace")})
	require.NoError(t, err)
	byron, err := ins.Insert(ctx, value.Record{"pid": value.Int(2), "first": value.Text("ada"), "last": value.Text("byron")})
	require.NoError(t, err)
	again, err := ins.Insert(ctx, value.Record{"pid": value.Int(3), "first": value.Text("ada"), "last": value.Text("lovelace")})
	require.NoError(t, err)

	assert.True(t, byron.Equal(value.Int(2)), "one equal field is not a match")
	assert.True(t, again.Equal(ada))
	assert.Equal(t, int64(2), sqlitetest.Count(t, db, "person"))
}

func TestInsertDeduplicatedRejectsRefKey(t *testing.T) {
	s := authorSchema
	s.RefFields = []schema.RefField{schema.Ref("author")}
	_, err := NewInserter(context.Background(), sqlitetest.Open(t), s)
	assert.ErrorIs(t, err, schema.ErrInvalidSchema)
}

func TestInsertArray(t *testing.T) {
	ctx := context.Background()
	db := sqlitetest.Open(t)
	ins, err := NewInserter(ctx, db, threadTagSchema)
	require.NoError(t, err)

	rows := []value.Record{{"tag": value.Text("a")}, {"tag": value.Text("b")}}
	require.NoError(t, InsertArray(ctx, ins, rows, value.Record{"tid": value.Int(5)}))
	assert.True(t, rows[1]["tid"].Equal(value.Int(5)))

	var n int64
	require.NoError(t, db.QueryRowContext(ctx, `select count(*) from thread_tag where tid = 5`).Scan(&n))
	assert.Equal(t, int64(2), n)
}

func TestInsertCustomCreateSQL(t *testing.T) {
	ctx := context.Background()
	db := sqlitetest.Open(t)
	ins, err := NewInserter(ctx, db, schema.TableSchema{
		Table:          "image",
		CreateTableSQL: `create table if not exists image (id integer primary key, url text not null unique)`,
		CreateIndexSQL: `create index if not exists image_url_idx on image (url)`,
	})
	require.NoError(t, err)

	id, err := ins.Insert(ctx, value.Record{"url": value.Text("a.png")})
	require.NoError(t, err)
	assert.True(t, id.Equal(value.Int(1)))

	_, err = ins.Insert(ctx, value.Record{"url": value.Text("a.png")})
	assert.Error(t, err, "unique constraint")

	_, err = ins.Insert(ctx, value.Record{"nope": value.Int(1)})
	assert.Error(t, err, "unknown column without autoAddField")
}
