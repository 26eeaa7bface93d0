// Package value defines the closed set of cell values a normalized row can
// carry and the conversions between that set, SQL drivers and JSON.
//
// A Record is a nested, JSON-shaped row: every field holds a Value, and a
// Value is exactly one of null, integer, real, text, blob, bool, array or
// object. Keeping the variant closed makes column type inference a total
// function.
package value

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindInteger
	KindReal
	KindText
	KindBlob
	KindBool
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInteger:
		return "integer"
	case KindReal:
		return "real"
	case KindText:
		return "text"
	case KindBlob:
		return "blob"
	case KindBool:
		return "bool"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Column types inferred for values seen at runtime.
const (
	TypeText    = "text"
	TypeInteger = "integer"
	TypeReal    = "real"
	TypeJSON    = "json"
	TypeBlob    = "blob"
)

// Declaration returns the column declaration for an inferred type. A bare
// json declaration has numeric affinity, which would store text like "123"
// as a number; the blob suffix keeps every cell as it was bound.
func Declaration(typ string) string {
	if typ == TypeJSON {
		return TypeJSON + " blob"
	}
	return typ
}

// Value is a single cell. The zero Value is null.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
	b    []byte
	arr  []Value
	obj  Record
}

// Null is the absent value.
var Null = Value{}

func Int(i int64) Value { return Value{kind: KindInteger, i: i} }
func Real(f float64) Value { return Value{kind: KindReal, f: f} }
func Text(s string) Value { return Value{kind: KindText, s: s} }
func Blob(b []byte) Value { return Value{kind: KindBlob, b: b} }
func Array(vs ...Value) Value { return Value{kind: KindArray, arr: vs} }
func Object(r Record) Value { return Value{kind: KindObject, obj: r} }

func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.i = 1
	}
	return v
}

// Strings builds an array of text values.
func Strings(ss ...string) Value {
	vs := make([]Value, len(ss))
	for i, s := range ss {
		vs[i] = Text(s)
	}
	return Array(vs...)
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsInt returns the value as an integer. Integral reals and bools convert.
func (v Value) AsInt() (int64, bool) {
	switch v.kind {
	case KindInteger, KindBool:
		return v.i, true
	case KindReal:
		if isIntegral(v.f) {
			return int64(v.f), true
		}
	}
	return 0, false
}

// AsReal returns the value as a float. Integers convert.
func (v Value) AsReal() (float64, bool) {
	switch v.kind {
	case KindReal:
		return v.f, true
	case KindInteger:
		return float64(v.i), true
	}
	return 0, false
}

func (v Value) AsText() (string, bool) {
	if v.kind != KindText {
		return "", false
	}
	return v.s, true
}

func (v Value) AsBlob() ([]byte, bool) {
	if v.kind != KindBlob {
		return nil, false
	}
	return v.b, true
}

func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.i != 0, true
}

// Elements returns the items of an array value, or nil.
func (v Value) Elements() []Value {
	if v.kind != KindArray {
		return nil
	}
	return v.arr
}

// Fields returns the record of an object value, or nil.
func (v Value) Fields() Record {
	if v.kind != KindObject {
		return nil
	}
	return v.obj
}

// ColumnType infers the declared column type used when a field first shows
// up in a table that allows columns to be added on the fly.
func (v Value) ColumnType() string {
	switch v.kind {
	case KindText:
		return TypeText
	case KindBool, KindInteger:
		return TypeInteger
	case KindArray, KindObject:
		return TypeJSON
	case KindReal:
		if isIntegral(v.f) {
			return TypeInteger
		}
		return TypeReal
	default:
		return TypeBlob
	}
}

// Key renders the value as a string that is unique per kind and content.
// It is used as a cache key, so two values share a key only when they bind
// to the same SQL argument.
func (v Value) Key() string {
	switch v.kind {
	case KindNull:
		return "n"
	case KindInteger:
		return "i" + strconv.FormatInt(v.i, 10)
	case KindReal:
		return "r" + strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindText:
		return "t" + v.s
	case KindBlob:
		return "b" + string(v.b)
	case KindBool:
		return "o" + strconv.FormatInt(v.i, 10)
	default:
		prefix := "a"
		if v.kind == KindObject {
			prefix = "m"
		}
		js, err := v.MarshalJSON()
		if err != nil {
			return prefix + v.kind.String()
		}
		return prefix + string(js)
	}
}

// Equal reports whether both values hold the same variant and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindInteger, KindBool:
		return v.i == o.i
	case KindReal:
		return v.f == o.f
	case KindText:
		return v.s == o.s
	case KindBlob:
		return bytes.Equal(v.b, o.b)
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		return v.obj.Equal(o.obj)
	}
	return false
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindText:
		return v.s
	case KindBlob:
		return fmt.Sprintf("blob(%d)", len(v.b))
	case KindBool:
		return strconv.FormatBool(v.i != 0)
	case KindInteger:
		return strconv.FormatInt(v.i, 10)
	case KindReal:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	default:
		js, err := v.MarshalJSON()
		if err != nil {
			return v.kind.String()
		}
		return string(js)
	}
}

// Record is a row keyed by field name.
type Record map[string]Value

// Clone returns a shallow copy. Nested arrays and objects are shared.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func (r Record) Has(field string) bool {
	_, ok := r[field]
	return ok
}

// Keys returns the field names in sorted order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r Record) Equal(o Record) bool {
	if len(r) != len(o) {
		return false
	}
	for k, v := range r {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

func isIntegral(f float64) bool {
	return !math.IsInf(f, 0) && !math.IsNaN(f) && f == math.Trunc(f) &&
		f >= math.MinInt64 && f <= math.MaxInt64
}
