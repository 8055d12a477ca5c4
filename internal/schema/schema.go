// Package schema declares destination tables: their fields, each field's
// type and its null/invalid policy, and the records that fill them.
package schema

import (
	"fmt"
	"time"
)

// FieldType is the destination type of a field
type FieldType int

const (
	String FieldType = iota
	Int
	Float
	Date
	DateTime
)

func (t FieldType) String() string {
	switch t {
	case String:
		return "string"
	case Int:
		return "int"
	case Float:
		return "float"
	case Date:
		return "date"
	case DateTime:
		return "datetime"
	default:
		return fmt.Sprintf("FieldType(%d)", int(t))
	}
}

// Policy says what happens to a missing or unusable value
type Policy int

const (
	// UseDefault substitutes the field's Default
	UseDefault Policy = iota
	// KeepNull writes null; the field must be Nullable
	KeepNull
	// Reject fails the row with a transform error
	Reject
)

// Epoch is the sentinel written for unknown dates
var Epoch = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

// Field is one destination column
type Field struct {
	Name      string
	Type      FieldType
	Nullable  bool
	Default   any
	OnNull    Policy
	OnInvalid Policy
}

// Table is the destination shape of a job
type Table struct {
	Name     string
	KeyField string
	Fields   []Field

	index map[string]int
}

// NewTable builds a table and checks its declarations
func NewTable(name, keyField string, fields ...Field) (*Table, error) {
	t := &Table{
		Name:     name,
		KeyField: keyField,
		Fields:   fields,
		index:    make(map[string]int, len(fields)),
	}

	for i, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("table %s: field %d has no name", name, i)
		}
		if _, dup := t.index[f.Name]; dup {
			return nil, fmt.Errorf("table %s: duplicate field %s", name, f.Name)
		}
		if (f.OnNull == KeepNull || f.OnInvalid == KeepNull) && !f.Nullable {
			return nil, fmt.Errorf("table %s: field %s keeps nulls but is not nullable", name, f.Name)
		}
		if f.OnNull == UseDefault && f.Default == nil && !f.Nullable {
			return nil, fmt.Errorf("table %s: field %s defaults on null but has no default", name, f.Name)
		}
		t.index[f.Name] = i
	}

	key, ok := t.index[keyField]
	if !ok {
		return nil, fmt.Errorf("table %s: key field %s is not declared", name, keyField)
	}
	if fields[key].Type != Int || fields[key].Nullable {
		return nil, fmt.Errorf("table %s: key field %s must be a non-null int", name, keyField)
	}

	return t, nil
}

// MustTable is NewTable for static declarations
func MustTable(name, keyField string, fields ...Field) *Table {
	t, err := NewTable(name, keyField, fields...)
	if err != nil {
		panic(err)
	}
	return t
}

// WithName returns a copy of the table under another name, used when one
// declaration serves a table per provider.
func (t *Table) WithName(name string) *Table {
	cp := *t
	cp.Name = name
	return &cp
}

// Index returns the position of a field
func (t *Table) Index(name string) (int, bool) {
	i, ok := t.index[name]
	return i, ok
}

// Columns returns the field names in declaration order
func (t *Table) Columns() []string {
	cols := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		cols[i] = f.Name
	}
	return cols
}

// Record is one transformed destination row, values aligned with the
// table's fields.
type Record struct {
	Key    int64
	Values []any
}

// Value returns the named field of r
func (r Record) Value(t *Table, name string) any {
	i, ok := t.Index(name)
	if !ok || i >= len(r.Values) {
		return nil
	}
	return r.Values[i]
}

// Map renders r as a column map
func (r Record) Map(t *Table) map[string]any {
	m := make(map[string]any, len(t.Fields))
	for i, f := range t.Fields {
		if i < len(r.Values) {
			m[f.Name] = r.Values[i]
		}
	}
	return m
}
