// Package record holds the source-side row representation shared by the
// extractor, the dimension resolver and the transformers.
package record

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Row is one source record, column name to scanned value. Values are
// normalized by the source to int64, float64, string, bool, time.Time or nil.
type Row map[string]any

// Get returns the value of col, nil when absent
func (r Row) Get(col string) any {
	if r == nil {
		return nil
	}
	return r[col]
}

// Has reports whether col is present and non-null
func (r Row) Has(col string) bool {
	v, ok := r[col]
	return ok && v != nil
}

// Int64 returns col as an integer, ok is false for null or non-numeric values
func (r Row) Int64(col string) (int64, bool) {
	return AsInt64(r.Get(col))
}

// String returns col as text, empty for null
func (r Row) String(col string) string {
	v := r.Get(col)
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(time.DateTime)
	default:
		return fmt.Sprint(t)
	}
}

// ID returns the primary key held in col
func (r Row) ID(col string) (int64, error) {
	id, ok := r.Int64(col)
	if !ok {
		return 0, fmt.Errorf("row has no integer key in column %q (got %T)", col, r.Get(col))
	}
	return id, nil
}

// AsInt64 converts a scanned value into an integer when it holds one
func AsInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case int16:
		return int64(t), true
	case int8:
		return int64(t), true
	case uint64:
		if t > math.MaxInt64 {
			return 0, false
		}
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint8:
		return int64(t), true
	case float64:
		if t != math.Trunc(t) {
			return 0, false
		}
		return int64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case []byte:
		return AsInt64(string(t))
	case string:
		s := strings.TrimSpace(t)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && f == math.Trunc(f) && !math.IsInf(f, 0) {
			return int64(f), true
		}
		return 0, false
	default:
		return 0, false
	}
}

// Key is the normalized form of a join key, so that 42, int32(42), "42" and
// []byte("42") all address the same dimension entry.
type Key string

// KeyOf normalizes a raw key value. ok is false for null and blank values.
func KeyOf(v any) (Key, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return "", false
		}
		if n, ok := AsInt64(s); ok {
			return Key(strconv.FormatInt(n, 10)), true
		}
		return Key(s), true
	case []byte:
		return KeyOf(string(t))
	case time.Time:
		if t.IsZero() {
			return "", false
		}
		return Key(t.UTC().Format(time.RFC3339Nano)), true
	default:
		if n, ok := AsInt64(t); ok {
			return Key(strconv.FormatInt(n, 10)), true
		}
		return Key(fmt.Sprint(t)), true
	}
}
