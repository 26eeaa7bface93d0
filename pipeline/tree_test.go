package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tomberek/sqlnorm/schema"
	"github.com/tomberek/sqlnorm/sqlite/sqlitetest"
	"github.com/tomberek/sqlnorm/value"
)

const forumYAML = `
tables:
  - table: thread
    fields:
      tid: integer
      subject: text
      uid: integer
    refFields: [type]
    autoCreateTable: true
  - table: thread_tag
    fields:
      tid: integer
    refFields: [tag]
    autoCreateTable: true
  - table: author
    fields:
      uid: integer
      author: text
    deduplicateFields: [author]
    idField: uid
    autoCreateTable: true
    autoCreateIndex: true
  - table: post
    fields:
      pid: integer
      tid: integer
      uid: integer
      content: text
    autoCreateTable: true
  - table: post_img
    fields:
      pid: integer
    refFields: [img]
    autoCreateTable: true
record:
  table: thread
  key: tid
  children:
    - {field: tags, table: thread_tag, element: tag, foreignKey: tid}
    - {field: author, table: author, element: author, single: true, parentKey: uid, foreignKey: uid}
    - field: posts
      table: post
      key: pid
      foreignKey: tid
      children:
        - {field: imgs, table: post_img, element: img, foreignKey: pid}
        - {field: author, table: author, element: author, single: true, parentKey: uid, foreignKey: uid}
`

type forum struct {
	Tables []schema.TableSchema `yaml:"tables"`
	Record TreeSpec             `yaml:"record"`
}

func loadForum(t *testing.T) forum {
	t.Helper()
	var f forum
	require.NoError(t, yaml.Unmarshal([]byte(forumYAML), &f))
	return f
}

func forumRecords(t *testing.T) []value.Record {
	t.Helper()
	var out []value.Record
	for _, line := range []string{
		`{"tid":1,"type":"normal","subject":"hello","uid":10,"author":"alice","tags":["news","go"],` +
			`"posts":[{"pid":100,"uid":11,"author":"bob","content":"hi","imgs":["a.png"]},` +
			`{"pid":101,"uid":10,"author":"alice","content":"yo"}]}`,
		`{"tid":2,"type":"normal","subject":"again","uid":11,"author":"bob","tags":["news"]}`,
	} {
		rec, err := value.ParseRecord([]byte(line))
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func TestTreeRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := loadForum(t)

	for name, tables := range map[string][]schema.TableSchema{
		"uncached": f.Tables,
		"cached":   withDefaults(f.Tables, schema.Defaults{CacheAllRefFields: true, CacheSize: 64}),
		"tiny":     withDefaults(f.Tables, schema.Defaults{CacheAllRefFields: true, CacheSize: 4}),
	} {
		t.Run(name, func(t *testing.T) {
			db := sqlitetest.Open(t)
			w, err := NewWriter(ctx, db, tables, f.Record)
			require.NoError(t, err)
			want := forumRecords(t)
			for i, rec := range want {
				key, err := w.Insert(ctx, rec)
				require.NoError(t, err)
				assert.True(t, key.Equal(rec["tid"]), "record %d", i)
			}
			require.NoError(t, w.Close())

			assert.Equal(t, int64(2), sqlitetest.Count(t, db, "tag"))
			assert.Equal(t, int64(3), sqlitetest.Count(t, db, "thread_tag"))
			assert.Equal(t, int64(2), sqlitetest.Count(t, db, "author"))
			assert.Equal(t, int64(1), sqlitetest.Count(t, db, "type"))

			r, err := NewReader(ctx, db, tables, f.Record)
			require.NoError(t, err)
			defer r.Close()

			var got []value.Record
			require.NoError(t, r.Each(ctx, func(_ int64, rec value.Record) error {
				got = append(got, rec)
				return nil
			}))
			require.Len(t, got, len(want))
			for i := range want {
				assert.True(t, got[i].Equal(want[i]), "record %d\nwant %v\ngot  %v", i, want[i], got[i])
			}
		})
	}
}

func withDefaults(tables []schema.TableSchema, d schema.Defaults) []schema.TableSchema {
	out := make([]schema.TableSchema, len(tables))
	for i, ts := range tables {
		out[i] = ts.WithDefaults(d)
	}
	return out
}

func TestTreeSurrogateKey(t *testing.T) {
	ctx := context.Background()
	db := sqlitetest.Open(t)
	tables := []schema.TableSchema{
		{Table: "note", AutoCreateTable: true, AutoAddField: true},
		{Table: "note_word", Fields: schema.Columns{{Name: "note", Type: "integer"}}, RefFields: []schema.RefField{schema.Ref("word")}, AutoCreateTable: true},
	}
	spec := TreeSpec{
		Table:    "note",
		Children: []TreeSpec{{Field: "words", Table: "note_word", Element: "word", ForeignKey: "note"}},
	}

	w, err := NewWriter(ctx, db, tables, spec)
	require.NoError(t, err)
	want := value.Record{"title": value.Text("x"), "words": value.Strings("a", "b")}
	id, err := w.Insert(ctx, want)
	require.NoError(t, err)
	assert.True(t, id.Equal(value.Int(1)))
	_, err = w.Insert(ctx, value.Record{"title": value.Text("empty"), "words": value.Array()})
	require.NoError(t, err)

	r, err := NewReader(ctx, db, tables, spec)
	require.NoError(t, err)
	got, err := r.Select(ctx, 0)
	require.NoError(t, err)
	assert.True(t, got.Equal(want), "surrogate id hidden: %v", got)

	got, err = r.Select(ctx, 1)
	require.NoError(t, err)
	assert.True(t, got.Equal(value.Record{"title": value.Text("empty")}), "empty children left out")
}

func TestTreeValidate(t *testing.T) {
	tables := ByTable([]schema.TableSchema{{Table: "a"}, {Table: "b"}})

	assert.NoError(t, TreeSpec{Table: "a", Children: []TreeSpec{{Table: "b", Field: "bs", ForeignKey: "a_id"}}}.Validate(tables))
	assert.ErrorIs(t, TreeSpec{Table: "c"}.Validate(tables), schema.ErrInvalidSchema)
	assert.ErrorIs(t, TreeSpec{Table: "a", Children: []TreeSpec{{Table: "b", Field: "bs"}}}.Validate(tables), schema.ErrInvalidSchema)
	assert.Equal(t, []string{"a", "b"},
		TreeSpec{Table: "a", Children: []TreeSpec{{Table: "b", Field: "x", ForeignKey: "k"}, {Table: "a", Field: "y", ForeignKey: "k"}}}.Tables())
}

func TestTreeRejectsScalarForArray(t *testing.T) {
	ctx := context.Background()
	f := loadForum(t)
	w, err := NewWriter(ctx, sqlitetest.Open(t), f.Tables, f.Record)
	require.NoError(t, err)
	_, err = w.Insert(ctx, value.Record{"tid": value.Int(1), "tags": value.Text("news")})
	assert.Error(t, err)
}
