package jobs

import (
	"mysql2clickhouse/internal/dimension"
	"mysql2clickhouse/internal/engine"
	"mysql2clickhouse/internal/record"
	"mysql2clickhouse/internal/schema"
	"mysql2clickhouse/internal/source"
	"mysql2clickhouse/internal/transform"
)

var paymentTable = schema.MustTable("payments", "id",
	key("id"),
	integer("provider_id"),
	text("provider"),
	integer("location_id"),
	text("location"),
	integer("invoice_id"),
	text("pos_terminal"),
	integer("pos_terminal_id"),
	text("payment_method"),
	amount("amount_paid"),
	amount("refund_amount"),
	text("reference_number"),
	text("notes"),
	date("payment_date"),
	datetime("created_at"),
	datetime("updated_at"),
)

// Payments moves payment items. Provider, location and terminal come from
// the paid invoice, so orphan payments keep empty names.
func Payments(d Deps) (*engine.Job, error) {
	db := d.Source
	where, args := scope("i.serviceProviderId", d.ProviderID)
	q := source.PageQuery{
		Select: "p.id, p.invoiceId, p.paymentMethodId, p.amount, p.refundAmount, p.code, p.notes, " +
			"p.paymentDate, p.createdAt, p.updatedAt, " +
			"i.serviceProviderId, i.locationId, i.posTerminalId",
		From:      "paymentItemNew p LEFT JOIN invoiceNew i ON i.id = p.invoiceId",
		KeyColumn: "p.id",
		Where:     where,
		Args:      args,
	}
	dims := []dimension.Spec{
		providerDim(db, "serviceProviderId"),
		locationDim(db, "locationId"),
		posTerminalDim(db, "posTerminalId"),
	}
	return build(d, "payments", paymentTable, q, dims, transformPayment)
}

func transformPayment(row record.Row, dims dimension.Maps) (schema.Record, error) {
	id, err := row.ID("id")
	if err != nil {
		return schema.Record{}, err
	}
	return transform.NewBuilder(paymentTable, id).
		Set("id", id).
		Set("provider_id", row.Get("serviceProviderId")).
		Set("provider", dims.Lookup("provider", row.Get("serviceProviderId")).Get("name")).
		Set("location_id", row.Get("locationId")).
		Set("location", dims.Lookup("location", row.Get("locationId")).Get("name")).
		Set("invoice_id", row.Get("invoiceId")).
		Set("pos_terminal", dims.Lookup("pos_terminal", row.Get("posTerminalId")).Get("name")).
		Set("pos_terminal_id", row.Get("posTerminalId")).
		Set("payment_method", row.Get("paymentMethodId")).
		Set("amount_paid", row.Get("amount")).
		Set("refund_amount", row.Get("refundAmount")).
		Set("reference_number", row.Get("code")).
		Set("notes", row.Get("notes")).
		Set("payment_date", row.Get("paymentDate")).
		Set("created_at", row.Get("createdAt")).
		Set("updated_at", row.Get("updatedAt")).
		Build()
}
