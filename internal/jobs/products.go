package jobs

import (
	"time"

	"mysql2clickhouse/internal/dimension"
	"mysql2clickhouse/internal/engine"
	"mysql2clickhouse/internal/record"
	"mysql2clickhouse/internal/schema"
	"mysql2clickhouse/internal/source"
	"mysql2clickhouse/internal/transform"
)

var productTable = schema.MustTable("products", "id",
	key("id"),
	text("name"),
	amount("regular_price"),
	amount("sale_price"),
	integer("provider_id"),
	text("provider"),
	integer("status"),
	datetime("created_at"),
)

// Products moves the product catalog
func Products(d Deps) (*engine.Job, error) {
	where, args := scope("serviceProviderId", d.ProviderID)
	q := source.PageQuery{
		Select:    "id, name, regularPrice, salePrice, serviceProviderId, status",
		From:      "product",
		KeyColumn: "id",
		Where:     where,
		Args:      args,
	}
	dims := []dimension.Spec{providerDim(d.Source, "serviceProviderId")}
	return build(d, "products", productTable, q, dims, transformProduct(d.AsOf))
}

// product rows carry no timestamp; created_at is the run's reference time
func transformProduct(asOf time.Time) transform.Func {
	return func(row record.Row, dims dimension.Maps) (schema.Record, error) {
		id, err := row.ID("id")
		if err != nil {
			return schema.Record{}, err
		}
		return transform.NewBuilder(productTable, id).
			Set("id", id).
			Set("name", transform.JoinName(row.Get("name"))).
			Set("regular_price", row.Get("regularPrice")).
			Set("sale_price", row.Get("salePrice")).
			Set("provider_id", row.Get("serviceProviderId")).
			Set("provider", dims.Lookup("provider", row.Get("serviceProviderId")).Get("name")).
			Set("status", row.Get("status")).
			Set("created_at", asOf).
			Build()
	}
}
