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

var membershipTable = schema.MustTable("memberships", "enrollment_id",
	key("enrollment_id"),
	integer("membership_id"),
	integer("customer_id"),
	integer("member_id"),
	integer("service_provider_id"),
	nullableInt("subscription_id"),
	nullableInt("invoice_id"),
	nullableInt("parent_invoice_id"),
	nullableInt("location_id"),
	nullableInt("franchise_id"),
	text("customer_name"),
	text("member_name"),
	nullableInt("customer_member_id"),
	integer("primary_member"),
	nullableInt("parent_enrollment_id"),
	text("has_full_membership"),
	text("membership_name"),
	text("membership_type"),
	integer("membership_type_id"),
	textOr("membership_status", "Unknown"),
	textOr("enrollment_status", "Unknown"),
	integer("online_visible"),
	textOr("subscription_type", "Unknown"),
	textOr("subscription_status", "Unknown"),
	integer("auto_renew"),
	integer("payment_method"),
	datetime("enrollment_date"),
	date("start_date"),
	date("contract_duration_date"),
	date("expiration_date"),
	date("next_billing_date"),
	date("renewal_date"),
	date("first_renewal_date"),
	date("next_renewal_date"),
	date("renewal_notification_date"),
	nullableDatetime("cancellation_date"),
	amount("membership_price"),
	amount("recurring_amount"),
	amount("subscription_amount"),
	amount("registration_fee"),
	amount("total_amount"),
	date("last_payment_date"),
	amount("last_payment_amount"),
	text("last_payment_status"),
	integer("duration_count"),
	integer("duration_type"),
	integer("renewal_type"),
	integer("no_of_members_included"),
	integer("no_of_additional_members"),
	integer("auto_exception"),
	integer("declined_count"),
	nullableInt("no_of_payments"),
	nullableInt("payment_day"),
	text("cancel_reason"),
	text("cancel_notes"),
	integer("days_to_expiration"),
	integer("is_active"),
	integer("is_expiring_30days"),
	integer("is_expiring_60days"),
	integer("is_lapsed"),
	integer("is_auto_renew_failed"),
	nullableInt("days_since_cancellation"),
	integer("booking_method"),
	nullableInt("department_id"),
)

// Memberships moves membership enrollments with their plan, subscription
// and the payment state of the latest subscription invoice.
func Memberships(d Deps) (*engine.Job, error) {
	db := d.Source
	where, args := scope("serviceProviderId", d.ProviderID)
	q := source.PageQuery{
		Select: "id, membershipId, customerId, memberId, serviceProviderId, subscriptionId, invoiceId, " +
			"originalInvoiceId, locationId, customerMemberId, primaryMember, parentEnrollmentId, status, " +
			"creationDate, startDate, contractDurationDate, expirationDate, renewalDate, bookingMethod",
		From:      "membershipEnrollment",
		KeyColumn: "id",
		Where:     where,
		Args:      args,
	}

	dims := []dimension.Spec{
		{
			Name:      "membership",
			Keys:      dimension.Column("membershipId"),
			KeyColumn: "id",
			Lookup: db.Lookup(source.LookupQuery{
				Select: "m.id, m.name, m.type, mt.type AS typeName, m.franchiseId, m.onlineVisible, m.price, " +
					"m.registrationFee, m.durationCount, m.duration, m.renewalType, m.noOfMembersIncluded, " +
					"m.noOfAdditionalMembers, m.departmentId",
				From:      "membership m LEFT JOIN membershipType mt ON mt.id = m.type",
				KeyColumn: "m.id",
			}),
		},
		{
			Name:      "subscription",
			Keys:      dimension.Column("subscriptionId"),
			KeyColumn: "id",
			Lookup: db.Lookup(source.LookupQuery{
				Select: "id, subscriptionType, status, flag, autoException, declinedCount, noOfPayments, " +
					"paymentDay, paymentMethod, renewalDate, nextBillingDate, firstRenewalDate, " +
					"renewalNotificationDate, cancellationDate, recurringAmount, amount, cancelReason, cancelNotes",
				From:      "subscriptionsNew",
				KeyColumn: "id",
			}),
		},
		people(db, "customer", "customer", dimension.Column("customerId")),
		people(db, "member", "customer", dimension.Column("memberId")),
		{
			Name:      "last_invoice",
			Keys:      dimension.Column("subscriptionId"),
			KeyColumn: "subscriptionId",
			Lookup: db.Lookup(source.LookupQuery{
				Select:    "si.subscriptionId, inv.lastUpdated, inv.grandTotal, inv.outstandingBalance, si.id AS si_id",
				From:      "subscriptionInvoice si INNER JOIN invoiceNew inv ON inv.id = si.invoiceId",
				KeyColumn: "si.subscriptionId",
			}),
			Pick: dimension.Latest("lastUpdated", "si_id"),
		},
	}

	return build(d, "memberships", membershipTable, q, dims, transformMembership(d.AsOf))
}

func transformMembership(asOf time.Time) transform.Func {
	return func(row record.Row, dims dimension.Maps) (schema.Record, error) {
		id, err := row.ID("id")
		if err != nil {
			return schema.Record{}, err
		}
		plan := dims.Lookup("membership", row.Get("membershipId"))
		sub := dims.Lookup("subscription", row.Get("subscriptionId"))
		inv := dims.Lookup("last_invoice", row.Get("subscriptionId"))

		status, _ := row.Int64("status")
		expires, hasExpiry := row.Time("expirationDate")
		lapsed := status == 1 && hasExpiry && expires.Before(asOf)
		active := status == 1 && !lapsed

		var daysToExpiration int64
		if hasExpiry {
			daysToExpiration = transform.DaysBetween(asOf, expires)
		}
		var daysSinceCancel any
		if cancelled, ok := sub.Time("cancellationDate"); ok {
			daysSinceCancel = transform.DaysBetween(cancelled, asOf)
		}
		subType, hasSubType := sub.Int64("subscriptionType")
		declined, _ := sub.Int64("declinedCount")
		price := floatOf(plan.Get("price"))
		fee := floatOf(plan.Get("registrationFee"))

		return transform.NewBuilder(membershipTable, id).
			Set("enrollment_id", id).
			Set("membership_id", row.Get("membershipId")).
			Set("customer_id", row.Get("customerId")).
			Set("member_id", row.Get("memberId")).
			Set("service_provider_id", row.Get("serviceProviderId")).
			Set("subscription_id", nonZero(row.Get("subscriptionId"))).
			Set("invoice_id", nonZero(row.Get("invoiceId"))).
			Set("parent_invoice_id", nonZero(row.Get("originalInvoiceId"))).
			Set("location_id", nonZero(row.Get("locationId"))).
			Set("franchise_id", nonZero(plan.Get("franchiseId"))).
			Set("customer_name", personName(dims.Lookup("customer", row.Get("customerId")))).
			Set("member_name", personName(dims.Lookup("member", row.Get("memberId")))).
			Set("customer_member_id", nonZero(row.Get("customerMemberId"))).
			Set("primary_member", row.Get("primaryMember")).
			Set("parent_enrollment_id", nonZero(row.Get("parentEnrollmentId"))).
			Set("has_full_membership", transform.YesNo(nonZero(row.Get("subscriptionId")) == nil)).
			Set("membership_name", plan.Get("name")).
			Set("membership_type", plan.Get("typeName")).
			Set("membership_type_id", plan.Get("type")).
			Set("membership_status", membershipStatus(status, lapsed)).
			Set("enrollment_status", enrollmentStatus.Of(status)).
			Set("online_visible", plan.Get("onlineVisible")).
			Set("subscription_type", transform.SubscriptionType.Of(sub.Get("subscriptionType"))).
			Set("subscription_status", subscriptionStatus(sub)).
			Set("auto_renew", transform.Flag(hasSubType && (subType == 1 || subType == 3))).
			Set("payment_method", sub.Get("paymentMethod")).
			Set("enrollment_date", row.Get("creationDate")).
			Set("start_date", row.Get("startDate")).
			Set("contract_duration_date", row.Get("contractDurationDate")).
			Set("expiration_date", row.Get("expirationDate")).
			Set("next_billing_date", sub.Get("nextBillingDate")).
			Set("renewal_date", row.Get("renewalDate")).
			Set("first_renewal_date", sub.Get("firstRenewalDate")).
			Set("next_renewal_date", sub.Get("renewalDate")).
			Set("renewal_notification_date", sub.Get("renewalNotificationDate")).
			Set("cancellation_date", sub.Get("cancellationDate")).
			Set("membership_price", price).
			Set("recurring_amount", sub.Get("recurringAmount")).
			Set("subscription_amount", sub.Get("amount")).
			Set("registration_fee", fee).
			Set("total_amount", price+fee).
			Set("last_payment_date", inv.Get("lastUpdated")).
			Set("last_payment_amount", inv.Get("grandTotal")).
			Set("last_payment_status", lastPaymentStatus(inv, sub, asOf)).
			Set("duration_count", plan.Get("durationCount")).
			Set("duration_type", plan.Get("duration")).
			Set("renewal_type", plan.Get("renewalType")).
			Set("no_of_members_included", plan.Get("noOfMembersIncluded")).
			Set("no_of_additional_members", plan.Get("noOfAdditionalMembers")).
			Set("auto_exception", sub.Get("autoException")).
			Set("declined_count", declined).
			Set("no_of_payments", nonZero(sub.Get("noOfPayments"))).
			Set("payment_day", nonZero(sub.Get("paymentDay"))).
			Set("cancel_reason", sub.Get("cancelReason")).
			Set("cancel_notes", sub.Get("cancelNotes")).
			Set("days_to_expiration", daysToExpiration).
			Set("is_active", transform.Flag(active)).
			Set("is_expiring_30days", transform.Flag(hasExpiry && transform.WithinDays(expires, asOf, 30))).
			Set("is_expiring_60days", transform.Flag(hasExpiry && transform.WithinDays(expires, asOf, 60))).
			Set("is_lapsed", transform.Flag(lapsed)).
			Set("is_auto_renew_failed", transform.Flag(declined > 0)).
			Set("days_since_cancellation", daysSinceCancel).
			Set("booking_method", row.Get("bookingMethod")).
			Set("department_id", nonZero(plan.Get("departmentId"))).
			Build()
	}
}

var enrollmentStatus = transform.NewLabels("Unknown", map[int64]string{
	1: "Active",
	2: "Cancelled",
	3: "Expired",
})

func membershipStatus(status int64, lapsed bool) string {
	switch {
	case status == 1 && lapsed:
		return "Expired"
	case status == 1:
		return "Active"
	default:
		return enrollmentStatus.Of(status)
	}
}

func subscriptionStatus(sub dimension.Entry) string {
	status, ok := sub.Int64("status")
	if !ok {
		return "Unknown"
	}
	flag, _ := sub.Int64("flag")
	switch {
	case status == 1 && flag == 0:
		return "Current"
	case status == 1 && flag == 1:
		return "Pending"
	case status == 3 || status == 6 || status == 11:
		return "OnHold"
	case status == 10:
		return "PaymentHeight"
	case status == 7:
		return "Frozen"
	default:
		return "Unknown"
	}
}

// lastPaymentStatus is empty when the subscription has no invoice yet
func lastPaymentStatus(inv, sub dimension.Entry, asOf time.Time) string {
	if !inv.Found() {
		return ""
	}
	balance := floatOf(inv.Get("outstandingBalance"))
	flag, _ := sub.Int64("flag")
	next, hasNext := sub.Time("nextBillingDate")
	switch {
	case balance == 0 && hasNext && next.After(asOf):
		return "UPTODATE"
	case balance > 0 && flag == 0:
		return "FAILED"
	default:
		return "PENDING"
	}
}

// nonZero maps the 0 placeholder some id columns use to null
func nonZero(v any) any {
	if n, ok := record.AsInt64(v); ok && n == 0 {
		return nil
	}
	return v
}

func floatOf(v any) float64 {
	f, err := transform.Coerce(schema.Float, v)
	if err != nil || f == nil {
		return 0
	}
	return f.(float64)
}
