// Package dimension resolves the dimension rows referenced by a page of fact
// rows with one bulk lookup per dimension, never one query per fact row.
package dimension

import (
	"context"
	"strings"
	"time"

	"mysql2clickhouse/internal/record"
)

// LookupFunc fetches the dimension rows whose key is in keys
type LookupFunc func(ctx context.Context, keys []any) ([]record.Row, error)

// KeyFunc returns the foreign keys a fact row references in one dimension
type KeyFunc func(row record.Row) []any

// Column reads foreign keys from the named fact columns
func Column(cols ...string) KeyFunc {
	return func(row record.Row) []any {
		out := make([]any, 0, len(cols))
		for _, c := range cols {
			out = append(out, row.Get(c))
		}
		return out
	}
}

// Picker reduces the rows found for one key to a single row
type Picker func(rows []record.Row) record.Row

// First keeps the first row in result order
func First(rows []record.Row) record.Row {
	if len(rows) == 0 {
		return nil
	}
	return rows[0]
}

// Latest keeps the row with the greatest tsCol; ties go to the greatest
// idCol. A row with a null or unparsable timestamp ranks below any dated row.
func Latest(tsCol, idCol string) Picker {
	return func(rows []record.Row) record.Row {
		var best record.Row
		for _, r := range rows {
			if best == nil || newer(r, best, tsCol, idCol) {
				best = r
			}
		}
		return best
	}
}

// Collect keeps the first row with col replaced by the non-empty col values
// of all rows joined by sep, for one-to-many dimensions such as tags.
func Collect(col, sep string) Picker {
	return func(rows []record.Row) record.Row {
		if len(rows) == 0 {
			return nil
		}
		values := make([]string, 0, len(rows))
		for _, r := range rows {
			if s := strings.TrimSpace(r.String(col)); s != "" {
				values = append(values, s)
			}
		}
		out := make(record.Row, len(rows[0]))
		for k, v := range rows[0] {
			out[k] = v
		}
		out[col] = strings.Join(values, sep)
		return out
	}
}

func newer(a, b record.Row, tsCol, idCol string) bool {
	at, aok := a.Time(tsCol)
	bt, bok := b.Time(tsCol)
	switch {
	case aok && !bok:
		return true
	case !aok && bok:
		return false
	case aok && bok && !at.Equal(bt):
		return at.After(bt)
	}
	aid, _ := a.Int64(idCol)
	bid, _ := b.Int64(idCol)
	return aid > bid
}

// Spec declares one dimension of a job
type Spec struct {
	// Name addresses the resolved map in Maps
	Name string
	// Keys extracts the foreign keys from each fact row
	Keys KeyFunc
	// KeyColumn is the column of the lookup result holding the key
	KeyColumn string
	// Lookup runs the bulk query
	Lookup LookupFunc
	// Pick reduces several rows per key, First when nil
	Pick Picker
}

// Entry is the resolved value of one key. The zero value is NotFound.
type Entry struct {
	found bool
	row   record.Row
}

// NotFound is the entry of a key with no dimension row
var NotFound = Entry{}

// NewEntry wraps a found dimension row
func NewEntry(row record.Row) Entry {
	return Entry{found: true, row: row}
}

// Found reports whether the dimension row exists
func (e Entry) Found() bool { return e.found }

// Row returns the dimension row, nil when not found
func (e Entry) Row() record.Row { return e.row }

// Get returns a column of the dimension row, nil when not found
func (e Entry) Get(col string) any { return e.row.Get(col) }

// String returns a column as text, empty when not found or null
func (e Entry) String(col string) string { return e.row.String(col) }

// Int64 returns a column as an integer
func (e Entry) Int64(col string) (int64, bool) { return e.row.Int64(col) }

// Time returns a column as a UTC time, ok is false for null or zero dates
func (e Entry) Time(col string) (time.Time, bool) { return e.row.Time(col) }

// Map is the key to entry map of one dimension for one page
type Map struct {
	entries map[record.Key]Entry
}

// NewMap returns an empty map
func NewMap() *Map {
	return &Map{entries: make(map[record.Key]Entry)}
}

// Set stores the entry of a raw key; null keys are ignored
func (m *Map) Set(key any, e Entry) {
	if k, ok := record.KeyOf(key); ok {
		m.entries[k] = e
	}
}

// Lookup returns the entry of a raw key. Null keys and keys that were never
// looked up resolve to NotFound.
func (m *Map) Lookup(key any) Entry {
	if m == nil {
		return NotFound
	}
	k, ok := record.KeyOf(key)
	if !ok {
		return NotFound
	}
	return m.entries[k]
}

// Len returns the number of keys held, found or not
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// Maps holds the resolved dimensions of a page by spec name
type Maps map[string]*Map

// Lookup resolves key in the named dimension
func (ms Maps) Lookup(dim string, key any) Entry {
	return ms[dim].Lookup(key)
}

// DistinctKeys collects the distinct non-null keys referenced by rows, in
// first-seen order, keeping the first raw value of each.
func DistinctKeys(rows []record.Row, keys KeyFunc) []any {
	seen := make(map[record.Key]struct{})
	out := make([]any, 0)
	for _, row := range rows {
		for _, v := range keys(row) {
			k, ok := record.KeyOf(v)
			if !ok {
				continue
			}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}
