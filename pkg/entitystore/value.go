package entitystore

import (
	"database/sql"
	"fmt"
	"time"
)

// valueKind tags how a property value is stored.
type valueKind int

const (
	kindString valueKind = iota + 1
	kindInt
	kindFloat
	kindBool
	kindTime
)

// column returns the properties column holding values of kind k.
func (k valueKind) column() string {
	switch k {
	case kindString:
		return "text_value"
	case kindFloat:
		return "real_value"
	default:
		return "int_value"
	}
}

// propValue is a property value in storage form.
type propValue struct {
	kind valueKind
	arg  any
}

// encodeValue converts a Go value to its storage form. Supported types are
// string, bool, the signed integer types, uint32, float32, float64 and
// time.Time (stored with nanosecond precision).
func encodeValue(v any) (propValue, error) {
	switch x := v.(type) {
	case string:
		return propValue{kindString, x}, nil
	case bool:
		var i int64
		if x {
			i = 1
		}

		return propValue{kindBool, i}, nil
	case int:
		return propValue{kindInt, int64(x)}, nil
	case int8:
		return propValue{kindInt, int64(x)}, nil
	case int16:
		return propValue{kindInt, int64(x)}, nil
	case int32:
		return propValue{kindInt, int64(x)}, nil
	case int64:
		return propValue{kindInt, x}, nil
	case uint32:
		return propValue{kindInt, int64(x)}, nil
	case float32:
		return propValue{kindFloat, float64(x)}, nil
	case float64:
		return propValue{kindFloat, x}, nil
	case time.Time:
		return propValue{kindTime, x.UnixNano()}, nil
	default:
		return propValue{}, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}

// decodeValue converts a scanned properties row back to a Go value.
// Integers decode as int64 and times as UTC time.Time.
func decodeValue(kind valueKind, text sql.NullString, i sql.NullInt64, f sql.NullFloat64) (any, error) {
	switch kind {
	case kindString:
		return text.String, nil
	case kindInt:
		return i.Int64, nil
	case kindFloat:
		return f.Float64, nil
	case kindBool:
		return i.Int64 != 0, nil
	case kindTime:
		return time.Unix(0, i.Int64).UTC(), nil
	default:
		return nil, fmt.Errorf("unknown property kind %d", kind)
	}
}
