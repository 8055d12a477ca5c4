package transform

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"mysql2clickhouse/internal/record"
	"mysql2clickhouse/internal/schema"
)

// Coerce converts a scanned value into the Go representation of a field type:
// string, int64, float64 or time.Time (UTC). nil is returned unchanged.
func Coerce(t schema.FieldType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}

	switch t {
	case schema.String:
		return toString(v), nil
	case schema.Int:
		n, ok := record.AsInt64(v)
		if !ok {
			return nil, fmt.Errorf("cannot use %T %v as int", v, v)
		}
		return n, nil
	case schema.Float:
		return toFloat(v)
	case schema.Date:
		tm, err := record.ParseTime(v)
		if err != nil {
			return nil, err
		}
		return time.Date(tm.Year(), tm.Month(), tm.Day(), 0, 0, 0, 0, time.UTC), nil
	case schema.DateTime:
		tm, err := record.ParseTime(v)
		if err != nil {
			return nil, err
		}
		return tm.UTC().Truncate(time.Second), nil
	default:
		return nil, fmt.Errorf("unsupported field type %s", t)
	}
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case time.Time:
		return t.UTC().Format(time.DateTime)
	case bool:
		if t {
			return "1"
		}
		return "0"
	default:
		if n, ok := record.AsInt64(t); ok {
			return strconv.FormatInt(n, 10)
		}
		return fmt.Sprint(t)
	}
}

func toFloat(v any) (any, error) {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, fmt.Errorf("non-finite float %v", t)
		}
		return t, nil
	case float32:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("cannot use %q as float", t)
		}
		return f, nil
	default:
		if n, ok := record.AsInt64(t); ok {
			return float64(n), nil
		}
		return nil, fmt.Errorf("cannot use %T %v as float", v, v)
	}
}
