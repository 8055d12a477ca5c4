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

var appointmentTable = schema.MustTable("appointments", "id",
	key("id"),
	integer("customer_id"),
	text("customer_name"),
	integer("service_provider_id"),
	text("provider_name"),
	integer("service_location"),
	text("service_location_name"),
	textOr("approval", "Unknown"),
	date("appointment_date"),
	textOr("slot_time", "00:00:00"),
	integer("status"),
	integer("service_id"),
	text("service_name"),
	integer("location_id"),
	text("location_name"),
	integer("resource_id"),
	text("resource_name"),
	textOr("resource_staff_type", "Lane"),
	integer("invoice_id"),
	integer("customer_member_id"),
	text("customer_member_name"),
	integer("package_id"),
	text("package_name"),
	text("booking_method"),
	datetime("creation_date"),
	integer("range_ticket_id"),
	integer("lane"),
	textOr("time_in", "00:00:00"),
	textOr("time_out", "00:00:00"),
	integer("members_count"),
	integer("non_members_count"),
	text("firearm_items"),
	text("ammo_items"),
	integer("range_status"),
	integer("total_rentals"),
	integer("total_ammo_used"),
	integer("session_duration"),
	integer("total_visitors"),
	integer("day_of_week"),
	integer("month_of_year"),
	schema.Field{Name: "year", Type: schema.Int, Default: int64(1970)},
	textOr("time_of_day", "Unknown"),
	integer("is_weekend"),
	integer("has_firearms"),
	integer("has_ammo"),
)

// Appointments moves range appointments joined with their range ticket,
// rental totals and the names of everything they reference.
func Appointments(d Deps) (*engine.Job, error) {
	db := d.Source
	where, args := scope("a.serviceProviderId", d.ProviderID)
	q := source.PageQuery{
		Select: "a.id, a.customerId, a.serviceProviderId, a.serviceLocation, a.approval, a.date, a.slotTime, " +
			"a.status, a.serviceId, a.locationId, a.resourceId, a.invoiceId, a.customerMemberId, a.packageId, " +
			"a.bookingMethod, a.creationDate, rt.id AS rangeTicketId, rt.lane, rt.timeIn, rt.timeOut, " +
			"rt.membersCount, rt.nonMembersCount, rt.firearmItems, rt.ammoItems, rt.status AS rangeStatus",
		From:      "appointment a INNER JOIN rangeTicket rt ON rt.appointmentId = a.id",
		KeyColumn: "a.id",
		Where:     where,
		Args:      args,
	}

	dims := []dimension.Spec{
		people(db, "customer", "customer", dimension.Column("customerId"), "middleName"),
		providerDim(db, "serviceProviderId"),
		locationDim(db, "serviceLocation", "locationId"),
		named(db, "service", "service", "name", dimension.Column("serviceId")),
		resourceDim(db, "resourceId"),
		named(db, "package", "package", "name", dimension.Column("packageId")),
		people(db, "member", "customerMembers", dimension.Column("customerMemberId")),
		{
			Name:      "rentals",
			Keys:      dimension.Column("rangeTicketId"),
			KeyColumn: "rangeTicketId",
			Lookup: db.Lookup(source.LookupQuery{
				Select:    "rangeTicketId, COUNT(*) AS rentals, SUM(ammoUsedCount) AS ammoUsed",
				From:      "rentalItems",
				KeyColumn: "rangeTicketId",
				GroupBy:   "rangeTicketId",
			}),
		},
	}

	return build(d, "appointments", appointmentTable, q, dims, transformAppointment)
}

func transformAppointment(row record.Row, dims dimension.Maps) (schema.Record, error) {
	id, err := row.ID("id")
	if err != nil {
		return schema.Record{}, err
	}
	resource := dims.Lookup("resource", row.Get("resourceId"))
	rentals := dims.Lookup("rentals", row.Get("rangeTicketId"))
	members, _ := row.Int64("membersCount")
	guests, _ := row.Int64("nonMembersCount")

	b := transform.NewBuilder(appointmentTable, id).
		Set("id", id).
		Set("customer_id", row.Get("customerId")).
		Set("customer_name", personName(dims.Lookup("customer", row.Get("customerId")))).
		Set("service_provider_id", row.Get("serviceProviderId")).
		Set("provider_name", dims.Lookup("provider", row.Get("serviceProviderId")).Get("name")).
		Set("service_location", row.Get("serviceLocation")).
		Set("service_location_name", dims.Lookup("location", row.Get("serviceLocation")).Get("name")).
		Set("approval", transform.ApprovalStatus.Of(row.Get("approval"))).
		Set("appointment_date", row.Get("date")).
		Set("slot_time", row.Get("slotTime")).
		Set("status", row.Get("status")).
		Set("service_id", row.Get("serviceId")).
		Set("service_name", dims.Lookup("service", row.Get("serviceId")).Get("name")).
		Set("location_id", row.Get("locationId")).
		Set("location_name", dims.Lookup("location", row.Get("locationId")).Get("name")).
		Set("resource_id", row.Get("resourceId")).
		Set("resource_name", personName(resource)).
		Set("resource_staff_type", transform.StaffType.Of(resource.Get("staffType"))).
		Set("invoice_id", row.Get("invoiceId")).
		Set("customer_member_id", row.Get("customerMemberId")).
		Set("customer_member_name", personName(dims.Lookup("member", row.Get("customerMemberId")))).
		Set("package_id", row.Get("packageId")).
		Set("package_name", dims.Lookup("package", row.Get("packageId")).Get("name")).
		Set("booking_method", transform.BookingType.Of(row.Get("bookingMethod"))).
		Set("creation_date", row.Get("creationDate")).
		Set("range_ticket_id", row.Get("rangeTicketId")).
		Set("lane", row.Get("lane")).
		Set("time_in", row.Get("timeIn")).
		Set("time_out", row.Get("timeOut")).
		Set("members_count", members).
		Set("non_members_count", guests).
		Set("firearm_items", row.Get("firearmItems")).
		Set("ammo_items", row.Get("ammoItems")).
		Set("range_status", row.Get("rangeStatus")).
		Set("total_rentals", rentals.Get("rentals")).
		Set("total_ammo_used", rentals.Get("ammoUsed")).
		Set("session_duration", sessionMinutes(row.Get("timeIn"), row.Get("timeOut"))).
		Set("total_visitors", members+guests).
		Set("time_of_day", transform.TimeOfDay(row.Get("timeIn"))).
		Set("has_firearms", transform.Flag(row.String("firearmItems") != "")).
		Set("has_ammo", transform.Flag(row.String("ammoItems") != ""))

	if day, ok := transform.TimeOf(row.Get("date")); ok {
		b.Set("day_of_week", int64(day.Weekday())).
			Set("month_of_year", int64(day.Month())).
			Set("year", int64(day.Year())).
			Set("is_weekend", transform.Flag(day.Weekday() == time.Saturday || day.Weekday() == time.Sunday))
	}
	return b.Build()
}

// sessionMinutes is the minutes from time in to time out, 0 when either is
// missing
func sessionMinutes(in, out any) int64 {
	from, ok := transform.ClockMinutes(in)
	if !ok {
		return 0
	}
	to, ok := transform.ClockMinutes(out)
	if !ok {
		return 0
	}
	return to - from
}
