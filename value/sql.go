package value

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// Value implements driver.Valuer so a Value can be bound directly as a
// statement argument. Bools bind as 0/1, arrays and objects as JSON text.
func (v Value) Value() (driver.Value, error) {
	switch v.kind {
	case KindNull:
		return nil, nil
	case KindInteger, KindBool:
		return v.i, nil
	case KindReal:
		return v.f, nil
	case KindText:
		return v.s, nil
	case KindBlob:
		return v.b, nil
	case KindArray, KindObject:
		js, err := v.MarshalJSON()
		if err != nil {
			return nil, err
		}
		return string(js), nil
	}
	return nil, fmt.Errorf("unknown value kind %s", v.kind)
}

// Args converts values into plain driver arguments. Drivers that check
// named values themselves never see a Valuer this way.
func Args(vs []Value) ([]any, error) {
	args := make([]any, len(vs))
	for i, v := range vs {
		dv, err := v.Value()
		if err != nil {
			return nil, err
		}
		args[i] = dv
	}
	return args, nil
}

// Scan implements sql.Scanner.
func (v *Value) Scan(src any) error {
	out, err := FromSQL(src)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

// FromSQL converts a value produced by a database/sql driver.
func FromSQL(src any) (Value, error) {
	switch t := src.(type) {
	case nil:
		return Null, nil
	case int64:
		return Int(t), nil
	case int:
		return Int(int64(t)), nil
	case float64:
		return Real(t), nil
	case string:
		return Text(t), nil
	case []byte:
		b := make([]byte, len(t))
		copy(b, t)
		return Blob(b), nil
	case bool:
		return Bool(t), nil
	case time.Time:
		return Text(t.Format(time.RFC3339Nano)), nil
	}
	return Null, fmt.Errorf("unsupported sql value type %T", src)
}
