package jobs

import (
	"mysql2clickhouse/internal/dimension"
	"mysql2clickhouse/internal/engine"
	"mysql2clickhouse/internal/record"
	"mysql2clickhouse/internal/schema"
	"mysql2clickhouse/internal/source"
	"mysql2clickhouse/internal/transform"
)

var invoiceTable = schema.MustTable("invoices", "id",
	key("id"),
	integer("provider_id"),
	textOr("provider", "N/A"),
	text("resource"),
	integer("location_id"),
	text("location"),
	integer("customer_id"),
	text("customer_name"),
	text("customer_email"),
	nullableInt("parent_invoice_id"),
	text("invoice_number"),
	date("invoice_date"),
	date("due_date"),
	integer("status"),
	text("member_id"),
	text("company"),
	text("commission_clerk"),
	text("sales_clerk"),
	text("pos_terminal"),
	integer("pos_terminal_id"),
	amount("price"),
	amount("total_amount"),
	textOr("is_member", "no"),
	amount("retail_discount"),
	text("notes"),
	amount("tax"),
	text("booking_type"),
	datetime("created_at"),
)

// Invoices moves invoices with their clerks, location, customer, company
// and POS terminal names.
func Invoices(d Deps) (*engine.Job, error) {
	db := d.Source
	where, args := scope("serviceProviderId", d.ProviderID)
	q := source.PageQuery{
		Select: "id, serviceProviderId, invoiceNumber, customerId, customerMemberId, resourceId, " +
			"loggedinUserId, locationId, invoiceDate, status, price, discount, grandTotal, dueDate, " +
			"posTerminalId, notes, parentInvoiceId, tax, bookingType",
		From:      "invoiceNew",
		KeyColumn: "id",
		Where:     where,
		Args:      args,
	}

	companyWhere, companyArgs := scope("serviceProviderId", d.ProviderID)
	dims := []dimension.Spec{
		providerDim(db, "serviceProviderId"),
		// one map serves both clerks
		resourceDim(db, "resourceId", "loggedinUserId"),
		locationDim(db, "locationId"),
		people(db, "customer", "customer", dimension.Column("customerId"), "middleName", "email"),
		{
			Name:      "company",
			Keys:      dimension.Column("customerId"),
			KeyColumn: "customerId",
			Lookup: db.Lookup(source.LookupQuery{
				Select:    "customerId, company",
				From:      "serviceProviderCustomerDetails",
				KeyColumn: "customerId",
				Where:     companyWhere,
				Args:      companyArgs,
			}),
		},
		posTerminalDim(db, "posTerminalId"),
	}

	return build(d, "invoices", invoiceTable, q, dims, transformInvoice)
}

func transformInvoice(row record.Row, dims dimension.Maps) (schema.Record, error) {
	id, err := row.ID("id")
	if err != nil {
		return schema.Record{}, err
	}
	customer := dims.Lookup("customer", row.Get("customerId"))
	resource := dims.Lookup("resource", row.Get("resourceId"))
	member := row.String("customerMemberId")

	return transform.NewBuilder(invoiceTable, id).
		Set("id", id).
		Set("provider_id", row.Get("serviceProviderId")).
		Set("provider", dims.Lookup("provider", row.Get("serviceProviderId")).Get("name")).
		Set("resource", personName(resource)).
		Set("location_id", row.Get("locationId")).
		Set("location", dims.Lookup("location", row.Get("locationId")).Get("name")).
		Set("customer_id", row.Get("customerId")).
		Set("customer_name", personName(customer)).
		Set("customer_email", customer.Get("email")).
		Set("parent_invoice_id", row.Get("parentInvoiceId")).
		Set("invoice_number", row.Get("invoiceNumber")).
		Set("invoice_date", row.Get("invoiceDate")).
		Set("due_date", row.Get("dueDate")).
		Set("status", row.Get("status")).
		Set("member_id", member).
		Set("company", dims.Lookup("company", row.Get("customerId")).Get("company")).
		Set("commission_clerk", personName(resource)).
		Set("sales_clerk", personName(dims.Lookup("resource", row.Get("loggedinUserId")))).
		Set("pos_terminal", dims.Lookup("pos_terminal", row.Get("posTerminalId")).Get("name")).
		Set("pos_terminal_id", row.Get("posTerminalId")).
		Set("price", row.Get("price")).
		Set("total_amount", row.Get("grandTotal")).
		Set("is_member", yesNoLower(member != "" && member != "0")).
		Set("retail_discount", row.Get("discount")).
		Set("notes", row.Get("notes")).
		Set("tax", row.Get("tax")).
		Set("booking_type", transform.BookingType.Of(row.Get("bookingType"))).
		Set("created_at", row.Get("invoiceDate")).
		Build()
}

func yesNoLower(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
