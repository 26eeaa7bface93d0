package value

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// ErrNotObject is returned when a record is parsed from JSON that is not an
// object.
var ErrNotObject = errors.New("json value is not an object")

// ErrTrailingData is returned when a JSON document is followed by more than
// whitespace.
var ErrTrailingData = errors.New("trailing data after json value")

// MarshalJSON encodes the value as plain JSON. Reals always carry a decimal
// point or exponent so they decode back as reals.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindInteger:
		return strconv.AppendInt(nil, v.i, 10), nil
	case KindReal:
		if math.IsInf(v.f, 0) || math.IsNaN(v.f) {
			return nil, fmt.Errorf("unsupported real value %v", v.f)
		}
		s := strconv.FormatFloat(v.f, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return []byte(s), nil
	case KindText:
		return json.Marshal(v.s)
	case KindBlob:
		return json.Marshal(v.b)
	case KindBool:
		if v.i != 0 {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case KindArray:
		if v.arr == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.arr)
	case KindObject:
		if v.obj == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(map[string]Value(v.obj))
	}
	return nil, fmt.Errorf("unknown value kind %s", v.kind)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	raw, err := decode(data)
	if err != nil {
		return err
	}
	out, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

func (r *Record) UnmarshalJSON(data []byte) error {
	out, err := ParseRecord(data)
	if err != nil {
		return err
	}
	*r = out
	return nil
}

// Parse decodes one JSON document into a Value.
func Parse(data []byte) (Value, error) {
	var v Value
	err := v.UnmarshalJSON(data)
	return v, err
}

// ParseRecord decodes one JSON object into a Record.
func ParseRecord(data []byte) (Record, error) {
	raw, err := decode(data)
	if err != nil {
		return nil, err
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	v, err := FromAny(m)
	if err != nil {
		return nil, err
	}
	return v.obj, nil
}

func decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, ErrTrailingData
	}
	return raw, nil
}

// FromAny converts decoded JSON or plain Go values into a Value.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null, nil
	case Value:
		return t, nil
	case Record:
		return Object(t), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Null, fmt.Errorf("parse number %q: %w", t.String(), err)
		}
		return Real(f), nil
	case int:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case float64:
		return Real(t), nil
	case string:
		return Text(t), nil
	case []byte:
		return Blob(t), nil
	case []string:
		return Strings(t...), nil
	case []any:
		vs := make([]Value, len(t))
		for i, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Null, err
			}
			vs[i] = v
		}
		return Array(vs...), nil
	case map[string]any:
		r := make(Record, len(t))
		for k, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Null, fmt.Errorf("field %q: %w", k, err)
			}
			r[k] = v
		}
		return Object(r), nil
	}
	return Null, fmt.Errorf("unsupported value type %T", x)
}
