package jobs

import (
	"fmt"
	"strings"

	"mysql2clickhouse/internal/dimension"
	"mysql2clickhouse/internal/engine"
	"mysql2clickhouse/internal/schema"
	"mysql2clickhouse/internal/source"
	"mysql2clickhouse/internal/transform"
)

// field shorthands for the catalog tables
func text(name string) schema.Field {
	return schema.Field{Name: name, Type: schema.String, Default: ""}
}

func textOr(name, def string) schema.Field {
	return schema.Field{Name: name, Type: schema.String, Default: def}
}

func integer(name string) schema.Field {
	return schema.Field{Name: name, Type: schema.Int, Default: int64(0)}
}

func amount(name string) schema.Field {
	return schema.Field{Name: name, Type: schema.Float, Default: 0.0}
}

func date(name string) schema.Field {
	return schema.Field{Name: name, Type: schema.Date, Default: schema.Epoch}
}

func datetime(name string) schema.Field {
	return schema.Field{Name: name, Type: schema.DateTime, Default: schema.Epoch}
}

func nullableDatetime(name string) schema.Field {
	return schema.Field{Name: name, Type: schema.DateTime, Nullable: true, OnNull: schema.KeepNull, OnInvalid: schema.KeepNull}
}

func nullableInt(name string) schema.Field {
	return schema.Field{Name: name, Type: schema.Int, Nullable: true, OnNull: schema.KeepNull}
}

func key(name string) schema.Field {
	return schema.Field{Name: name, Type: schema.Int, OnNull: schema.Reject}
}

// scope returns the provider filter for a fact query, empty for provider 0
func scope(col string, providerID int64) (string, []any) {
	if providerID == 0 {
		return "", nil
	}
	return col + " = ?", []any{providerID}
}

// named builds a lookup of id to display name in one table
func named(db *source.DB, dim, table, nameExpr string, keys dimension.KeyFunc) dimension.Spec {
	return dimension.Spec{
		Name:      dim,
		Keys:      keys,
		KeyColumn: "id",
		Lookup: db.Lookup(source.LookupQuery{
			Select:    "id, " + nameExpr + " AS name",
			From:      table,
			KeyColumn: "id",
		}),
	}
}

func providerDim(db *source.DB, col string) dimension.Spec {
	return named(db, "provider", "serviceProvider", "legalName", dimension.Column(col))
}

func locationDim(db *source.DB, cols ...string) dimension.Spec {
	return named(db, "location", "location", "name", dimension.Column(cols...))
}

func posTerminalDim(db *source.DB, col string) dimension.Spec {
	return named(db, "pos_terminal", "posTerminal", "name", dimension.Column(col))
}

func resourceDim(db *source.DB, cols ...string) dimension.Spec {
	return dimension.Spec{
		Name:      "resource",
		Keys:      dimension.Column(cols...),
		KeyColumn: "id",
		Lookup: db.Lookup(source.LookupQuery{
			Select:    "id, firstName, lastName, staffType",
			From:      "resource",
			KeyColumn: "id",
		}),
	}
}

// people builds a lookup of person rows that carry name parts plus any
// extra columns
func people(db *source.DB, dim, table string, keys dimension.KeyFunc, extra ...string) dimension.Spec {
	cols := append([]string{"id", "firstName", "lastName"}, extra...)
	return dimension.Spec{
		Name:      dim,
		Keys:      keys,
		KeyColumn: "id",
		Lookup: db.Lookup(source.LookupQuery{
			Select:    strings.Join(cols, ", "),
			From:      table,
			KeyColumn: "id",
		}),
	}
}

// personName joins the name parts of a person dimension entry
func personName(e dimension.Entry) string {
	if !e.Found() {
		return ""
	}
	return transform.JoinName(e.Get("firstName"), e.Get("middleName"), e.Get("lastName"))
}

// build assembles the engine job shared by every catalog entry
func build(d Deps, name string, table *schema.Table, q source.PageQuery, dims []dimension.Spec, fn transform.Func) (*engine.Job, error) {
	ext, err := d.Source.Extractor(q)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", name, err)
	}
	key := d.Key(name)
	return &engine.Job{
		Key:        key,
		PageSize:   d.PageSize,
		ChunkSize:  d.ChunkSize,
		Extract:    ext,
		IDField:    "id",
		Dimensions: dims,
		Transform:  fn,
		Table:      table.WithName(key),
		Sink:       d.Sink,
	}, nil
}
