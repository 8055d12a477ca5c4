// Package transform maps fact rows and their resolved dimensions into
// destination records. Everything here is pure: no I/O, no clock reads.
package transform

import (
	"errors"
	"fmt"

	"mysql2clickhouse/internal/dimension"
	"mysql2clickhouse/internal/faults"
	"mysql2clickhouse/internal/record"
	"mysql2clickhouse/internal/schema"
)

var errNullRejected = errors.New("required value is null")

// Func is the transform contract of a job
type Func func(row record.Row, dims dimension.Maps) (schema.Record, error)

// Builder assembles one destination record and enforces each field's
// declared null and invalid policy when Build is called.
type Builder struct {
	table  *schema.Table
	rowID  int64
	values []any
	err    error
}

// NewBuilder starts a record for the fact row with the given id
func NewBuilder(table *schema.Table, rowID int64) *Builder {
	return &Builder{
		table:  table,
		rowID:  rowID,
		values: make([]any, len(table.Fields)),
	}
}

// Set assigns a raw value to a field; coercion happens in Build
func (b *Builder) Set(field string, v any) *Builder {
	i, ok := b.table.Index(field)
	if !ok {
		if b.err == nil {
			b.err = &faults.TransformError{RowID: b.rowID, Field: field, Err: fmt.Errorf("unknown field in table %s", b.table.Name)}
		}
		return b
	}
	b.values[i] = v
	return b
}

// Copy sets fields from same-named columns of row
func (b *Builder) Copy(row record.Row, fields ...string) *Builder {
	for _, f := range fields {
		b.Set(f, row.Get(f))
	}
	return b
}

// Build applies policies and coercion and returns the record
func (b *Builder) Build() (schema.Record, error) {
	if b.err != nil {
		return schema.Record{}, b.err
	}

	out := make([]any, len(b.table.Fields))
	for i, f := range b.table.Fields {
		v, err := resolveField(f, b.values[i])
		if err != nil {
			return schema.Record{}, &faults.TransformError{RowID: b.rowID, Field: f.Name, Err: err}
		}
		out[i] = v
	}

	key, ok := b.table.Index(b.table.KeyField)
	if !ok {
		return schema.Record{}, &faults.TransformError{RowID: b.rowID, Err: fmt.Errorf("table %s has no key field", b.table.Name)}
	}
	id, _ := out[key].(int64)

	return schema.Record{Key: id, Values: out}, nil
}

func resolveField(f schema.Field, v any) (any, error) {
	if v == nil {
		return apply(f, f.OnNull, errNullRejected)
	}

	c, err := Coerce(f.Type, v)
	if err != nil {
		if errors.Is(err, record.ErrZeroDate) {
			return apply(f, f.OnNull, errNullRejected)
		}
		return apply(f, f.OnInvalid, err)
	}
	return c, nil
}

func apply(f schema.Field, p schema.Policy, cause error) (any, error) {
	switch p {
	case schema.UseDefault:
		if f.Default == nil {
			if f.Nullable {
				return nil, nil
			}
			return nil, fmt.Errorf("%w and no default is declared", cause)
		}
		return Coerce(f.Type, f.Default)
	case schema.KeepNull:
		return nil, nil
	default:
		return nil, cause
	}
}
