package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColumnType(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		want string
	}{
		{"text", Text("a"), TypeText},
		{"bool", Bool(true), TypeInteger},
		{"integer", Int(3), TypeInteger},
		{"integral real", Real(4), TypeInteger},
		{"real", Real(4.5), TypeReal},
		{"array", Strings("a", "b"), TypeJSON},
		{"object", Object(Record{"a": Int(1)}), TypeJSON},
		{"blob", Blob([]byte{1}), TypeBlob},
		{"null", Null, TypeBlob},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.v.ColumnType())
		})
	}
}

func TestKeyDistinguishesKinds(t *testing.T) {
	keys := map[string]bool{}
	for _, v := range []Value{Null, Int(1), Real(1.5), Text("1"), Blob([]byte("1")), Bool(true), Strings("1"), Object(Record{"1": Int(1)})} {
		k := v.Key()
		assert.False(t, keys[k], "duplicate key %q for %s", k, v.Kind())
		keys[k] = true
	}
	assert.Equal(t, Text("news").Key(), Text("news").Key())
}

func TestParseRecord(t *testing.T) {
	rec, err := ParseRecord([]byte(`{"tid": 1, "score": 2.5, "whole": 3.0, "tag": "news", "ok": true, "gone": null, "tags": ["a", "b"], "meta": {"city": "x"}}`))
	require.NoError(t, err)

	assert.Equal(t, KindInteger, rec["tid"].Kind())
	assert.Equal(t, KindReal, rec["score"].Kind())
	assert.Equal(t, KindReal, rec["whole"].Kind())
	assert.Equal(t, KindText, rec["tag"].Kind())
	assert.Equal(t, KindBool, rec["ok"].Kind())
	assert.True(t, rec["gone"].IsNull())
	assert.True(t, rec["tags"].Equal(Strings("a", "b")))
	assert.True(t, rec["meta"].Fields()["city"].Equal(Text("x")))

	_, err = ParseRecord([]byte(`[1, 2]`))
	assert.ErrorIs(t, err, ErrNotObject)

	_, err = ParseRecord([]byte(`{"a": 1} junk`))
	assert.ErrorIs(t, err, ErrTrailingData)
	_, err = Parse([]byte(`[1,2] [3]`))
	assert.ErrorIs(t, err, ErrTrailingData)
	v, err := Parse([]byte("[1,2]  \n"))
	require.NoError(t, err)
	assert.True(t, v.Equal(Array(Int(1), Int(2))))
}

func TestMarshalKeepsReals(t *testing.T) {
	js, err := Real(2).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "2.0", string(js))

	back, err := Parse(js)
	require.NoError(t, err)
	assert.Equal(t, KindReal, back.Kind())
}

func TestJSONRoundTrip(t *testing.T) {
	in := Object(Record{
		"name": Text("Alice"),
		"age":  Int(30),
		"tags": Strings("x", "y"),
		"sub":  Object(Record{"val": Real(5.5)}),
	})
	js, err := in.MarshalJSON()
	require.NoError(t, err)

	out, err := Parse(js)
	require.NoError(t, err)
	assert.True(t, in.Equal(out), "got %s", out)
}

func TestSQLConversion(t *testing.T) {
	dv, err := Bool(true).Value()
	require.NoError(t, err)
	assert.Equal(t, int64(1), dv)

	dv, err = Strings("a").Value()
	require.NoError(t, err)
	assert.Equal(t, `["a"]`, dv)

	v, err := FromSQL([]byte("raw"))
	require.NoError(t, err)
	assert.Equal(t, KindBlob, v.Kind())

	var scanned Value
	require.NoError(t, scanned.Scan("news"))
	assert.True(t, scanned.Equal(Text("news")))

	_, err = FromSQL(struct{}{})
	assert.Error(t, err)
}

func TestArgs(t *testing.T) {
	args, err := Args([]Value{Int(1), Null, Text("x")})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), nil, "x"}, args)
}
