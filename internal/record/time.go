package record

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrZeroDate marks MySQL zero dates and blank date strings, which are
// treated as null.
var ErrZeroDate = errors.New("zero date")

var timeLayouts = []string{
	time.DateTime,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	time.DateOnly,
}

// ParseTime converts a scanned date value. Strings without a zone are read
// as UTC.
func ParseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return time.Time{}, ErrZeroDate
		}
		return t, nil
	case []byte:
		return ParseTime(string(t))
	case string:
		s := strings.TrimSpace(t)
		if s == "" || strings.HasPrefix(s, "0000-00-00") {
			return time.Time{}, ErrZeroDate
		}
		for _, layout := range timeLayouts {
			if tm, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return tm, nil
			}
		}
		return time.Time{}, fmt.Errorf("cannot parse %q as time", s)
	case nil:
		return time.Time{}, ErrZeroDate
	default:
		return time.Time{}, fmt.Errorf("cannot use %T as time", v)
	}
}

// Time returns col as a UTC time, ok is false for null, zero or unparsable dates
func (r Row) Time(col string) (time.Time, bool) {
	t, err := ParseTime(r.Get(col))
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
