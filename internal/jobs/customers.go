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

var customerTable = schema.MustTable("customers", "id",
	key("id"),
	integer("provider_id"),
	text("provider"),
	text("customer_name"),
	text("first_name"),
	text("middle_name"),
	text("last_name"),
	text("email"),
	text("phone"),
	text("mobile"),
	schema.Field{Name: "date_of_birth", Type: schema.Date, Nullable: true, OnNull: schema.KeepNull, OnInvalid: schema.KeepNull},
	text("gender"),
	text("id_number"),
	textOr("is_member", "No"),
	text("member_id"),
	textOr("status", "unknown"),
	text("acquisition"),
	text("company"),
	text("address"),
	text("city"),
	text("state"),
	text("country"),
	text("zipcode"),
	text("unsubscribed"),
	text("tags"),
	amount("loyalty_points"),
	text("referral"),
	nullableDatetime("created_at"),
	datetime("updated_at"),
)

// Customers moves the customers of one provider with their address, tags,
// preferences, loyalty balance and membership flag. The provider-details
// join repeats a customer once per provider, so it is registered scoped.
func Customers(d Deps) (*engine.Job, error) {
	db, pid := d.Source, d.ProviderID
	asOf := d.AsOf.UTC().Format("2006-01-02")

	q := source.PageQuery{
		Select: "c.id, c.email, c.firstName, c.middleName, c.lastName, c.mobile, c.phone, c.dob, " +
			"c.status, c.gender, c.creationDate, c.idNumber, c.acquired, " +
			"scd.serviceProviderId, scd.referralText, scd.company",
		From:      "customer c INNER JOIN serviceProviderCustomerDetails scd ON scd.customerId = c.id",
		KeyColumn: "c.id",
		Where:     "scd.serviceProviderId = ?",
		Args:      []any{pid},
	}

	byCustomer := dimension.Column("id")
	dims := []dimension.Spec{
		providerDim(db, "serviceProviderId"),
		{
			Name:      "preferences",
			Keys:      byCustomer,
			KeyColumn: "customerId",
			Lookup: db.Lookup(source.LookupQuery{
				Select:    "customerId, emailNewsletter, unsubscribeAutoresponder, unsubscribeAllEmail",
				From:      "customerPreferences",
				KeyColumn: "customerId",
			}),
		},
		{
			Name:      "tags",
			Keys:      byCustomer,
			KeyColumn: "customerId",
			Lookup: db.Lookup(source.LookupQuery{
				Select:    "ct.customerId, t.tagName",
				From:      "customerTags ct INNER JOIN tags t ON t.id = ct.tagId",
				KeyColumn: "ct.customerId",
				Where:     "ct.status = 1 AND ct.serviceProviderId = ?",
				Args:      []any{pid},
			}),
			Pick: dimension.Collect("tagName", ", "),
		},
		{
			Name:      "address",
			Keys:      byCustomer,
			KeyColumn: "customerId",
			Lookup: db.Lookup(source.LookupQuery{
				Select: "a.customerId, a.address, a.zipCode, co.name AS country, st.name AS state, ci.name AS city",
				From: "serviceProviderCustomerAddress a " +
					"LEFT JOIN country co ON co.id = a.countryId " +
					"LEFT JOIN state st ON st.id = a.stateId " +
					"LEFT JOIN city ci ON ci.id = a.cityId",
				KeyColumn: "a.customerId",
				Where:     "a.status = 1 AND a.serviceProviderId = ?",
				Args:      []any{pid},
			}),
		},
		{
			Name:      "loyalty",
			Keys:      byCustomer,
			KeyColumn: "customerId",
			Lookup: db.Lookup(source.LookupQuery{
				Select:    "customerId, SUM(availablePoints) AS points",
				From:      "rewardPoints",
				KeyColumn: "customerId",
				Where:     "dateExpire >= ? AND status IN (1, 6) AND serviceProviderId = ?",
				Args:      []any{asOf, pid},
				GroupBy:   "customerId",
			}),
		},
		{
			Name:      "membership",
			Keys:      byCustomer,
			KeyColumn: "customerId",
			Lookup: db.Lookup(source.LookupQuery{
				Select:    "customerId, memberId",
				From:      "membershipEnrollment",
				KeyColumn: "customerId",
				Where:     "serviceProviderId = ?",
				Args:      []any{pid},
			}),
		},
	}

	return build(d, "customers", customerTable, q, dims, transformCustomer(d.AsOf))
}

func transformCustomer(asOf time.Time) transform.Func {
	return func(row record.Row, dims dimension.Maps) (schema.Record, error) {
		id, err := row.ID("id")
		if err != nil {
			return schema.Record{}, err
		}
		provider := dims.Lookup("provider", row.Get("serviceProviderId"))
		address := dims.Lookup("address", id)
		member := dims.Lookup("membership", id)

		return transform.NewBuilder(customerTable, id).
			Set("id", id).
			Set("provider_id", row.Get("serviceProviderId")).
			Set("provider", provider.Get("name")).
			Set("customer_name", transform.JoinName(row.Get("firstName"), row.Get("middleName"), row.Get("lastName"))).
			Set("first_name", transform.JoinName(row.Get("firstName"))).
			Set("middle_name", transform.JoinName(row.Get("middleName"))).
			Set("last_name", transform.JoinName(row.Get("lastName"))).
			Set("email", row.Get("email")).
			Set("phone", row.Get("phone")).
			Set("mobile", row.Get("mobile")).
			Set("date_of_birth", row.Get("dob")).
			Set("gender", row.Get("gender")).
			Set("id_number", row.Get("idNumber")).
			Set("is_member", transform.YesNo(member.Found())).
			Set("member_id", member.Get("memberId")).
			Set("status", transform.CustomerStatus.Of(row.Get("status"))).
			Set("acquisition", transform.Acquisition.Of(row.Get("acquired"))).
			Set("company", row.Get("company")).
			Set("address", address.Get("address")).
			Set("city", address.Get("city")).
			Set("state", address.Get("state")).
			Set("country", address.Get("country")).
			Set("zipcode", address.Get("zipCode")).
			Set("unsubscribed", transform.Unsubscribe(dims.Lookup("preferences", id).Row())).
			Set("tags", dims.Lookup("tags", id).Get("tagName")).
			Set("loyalty_points", dims.Lookup("loyalty", id).Get("points")).
			Set("referral", row.Get("referralText")).
			Set("created_at", row.Get("creationDate")).
			Set("updated_at", asOf).
			Build()
	}
}
