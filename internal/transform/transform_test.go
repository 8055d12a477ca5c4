package transform

import (
	"math"
	"testing"
	"time"

	"mysql2clickhouse/internal/faults"
	"mysql2clickhouse/internal/record"
	"mysql2clickhouse/internal/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoerce(t *testing.T) {
	ts := time.Date(2024, 2, 29, 13, 45, 10, 500, time.UTC)

	tests := []struct {
		name    string
		typ     schema.FieldType
		in      any
		want    any
		wantErr bool
	}{
		{name: "nil passes through", typ: schema.Int, in: nil, want: nil},
		{name: "numeric string to int", typ: schema.Int, in: " 42 ", want: int64(42)},
		{name: "bytes to int", typ: schema.Int, in: []byte("7"), want: int64(7)},
		{name: "integral float to int", typ: schema.Int, in: 3.0, want: int64(3)},
		{name: "fractional float is not int", typ: schema.Int, in: 3.5, wantErr: true},
		{name: "text is not int", typ: schema.Int, in: "abc", wantErr: true},
		{name: "string to float", typ: schema.Float, in: "19.99", want: 19.99},
		{name: "int to float", typ: schema.Float, in: int64(5), want: 5.0},
		{name: "nan rejected", typ: schema.Float, in: math.NaN(), wantErr: true},
		{name: "int to string", typ: schema.String, in: int64(12), want: "12"},
		{name: "float to string", typ: schema.String, in: 2.50, want: "2.5"},
		{name: "bool to string", typ: schema.String, in: true, want: "1"},
		{name: "time to string", typ: schema.String, in: ts, want: "2024-02-29 13:45:10"},
		{name: "datetime truncates", typ: schema.DateTime, in: ts, want: time.Date(2024, 2, 29, 13, 45, 10, 0, time.UTC)},
		{name: "string datetime", typ: schema.DateTime, in: "2024-02-29 13:45:10", want: time.Date(2024, 2, 29, 13, 45, 10, 0, time.UTC)},
		{name: "date drops clock", typ: schema.Date, in: "2024-02-29T13:45:10Z", want: time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)},
		{name: "date only", typ: schema.Date, in: "2024-02-29", want: time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)},
		{name: "garbage date", typ: schema.Date, in: "yesterday", wantErr: true},
		{name: "zero date", typ: schema.DateTime, in: "0000-00-00 00:00:00", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Coerce(tt.typ, tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

var customerTable = schema.MustTable("customers_22", "id",
	schema.Field{Name: "id", Type: schema.Int, OnNull: schema.Reject, OnInvalid: schema.Reject},
	schema.Field{Name: "email", Type: schema.String, Default: "", OnInvalid: schema.UseDefault},
	schema.Field{Name: "points", Type: schema.Int, Default: 0, OnInvalid: schema.UseDefault},
	schema.Field{Name: "birthday", Type: schema.Date, Default: schema.Epoch, OnInvalid: schema.UseDefault},
	schema.Field{Name: "deleted_at", Type: schema.DateTime, Nullable: true, OnNull: schema.KeepNull, OnInvalid: schema.KeepNull},
	schema.Field{Name: "status", Type: schema.String, Default: "unknown", OnInvalid: schema.Reject},
	schema.Field{Name: "balance", Type: schema.Float, Default: 0.0, OnInvalid: schema.Reject},
)

func TestBuilderAppliesPolicies(t *testing.T) {
	rec, err := NewBuilder(customerTable, 101).
		Set("id", "101").
		Set("email", nil).
		Set("points", "n/a").
		Set("birthday", "0000-00-00").
		Set("deleted_at", "garbage").
		Set("status", "active").
		Set("balance", "12.5").
		Build()
	require.NoError(t, err)

	assert.Equal(t, int64(101), rec.Key)
	assert.Equal(t, map[string]any{
		"id":         int64(101),
		"email":      "",
		"points":     int64(0),
		"birthday":   schema.Epoch,
		"deleted_at": nil,
		"status":     "active",
		"balance":    12.5,
	}, rec.Map(customerTable))
}

func TestBuilderRejects(t *testing.T) {
	tests := []struct {
		name  string
		field string
		set   func(b *Builder)
	}{
		{name: "null key", field: "id", set: func(b *Builder) { b.Set("id", nil) }},
		{name: "invalid float", field: "balance", set: func(b *Builder) { b.Set("id", 5).Set("balance", "abc") }},
		{name: "unknown field", field: "nope", set: func(b *Builder) { b.Set("id", 5).Set("nope", 1) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder(customerTable, 5)
			tt.set(b)
			_, err := b.Build()

			var te *faults.TransformError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, int64(5), te.RowID)
			assert.Equal(t, tt.field, te.Field)
		})
	}
}

func TestBuilderCopy(t *testing.T) {
	row := record.Row{"id": int64(9), "email": []byte("x@y.z"), "status": "inactive", "extra": 1}
	rec, err := NewBuilder(customerTable, 9).Copy(row, "id", "email", "status").Build()
	require.NoError(t, err)

	assert.Equal(t, "x@y.z", rec.Value(customerTable, "email"))
	assert.Equal(t, "inactive", rec.Value(customerTable, "status"))
	assert.Equal(t, int64(0), rec.Value(customerTable, "points"))
}

func TestLabels(t *testing.T) {
	assert.Equal(t, "active", CustomerStatus.Of(int64(1)))
	assert.Equal(t, "suspend", CustomerStatus.Of("4"))
	assert.Equal(t, "unknown", CustomerStatus.Of(nil))
	assert.Equal(t, "unknown", CustomerStatus.Of(int64(99)))
	assert.Equal(t, "Walk-In", Acquisition.Of(2))
	assert.Equal(t, "", Acquisition.Of(0))
	assert.Equal(t, "online", BookingType.Of(0))
	assert.Equal(t, "mobile_app", BookingType.Of(4))
	assert.Equal(t, "Lane", StaffType.Of(nil))
	assert.Equal(t, "Contractor", StaffType.Of(4))
	assert.Equal(t, "Yearly", SubscriptionType.Of(2))
	assert.Equal(t, "Unknown", ApprovalStatus.Of(17))
}

func TestJoinName(t *testing.T) {
	assert.Equal(t, "Ana María López", JoinName("  Ana ", "María", nil, "López  "))
	assert.Equal(t, "Mary Jo Smith", JoinName("Mary  Jo", []byte("Smith")))
	assert.Equal(t, "", JoinName(nil, "", " "))
}

func TestUnsubscribe(t *testing.T) {
	tests := []struct {
		name string
		pref record.Row
		want string
	}{
		{name: "no preferences", pref: nil, want: ""},
		{name: "newsletter off and autoresponder off", pref: record.Row{"emailNewsletter": 0, "unsubscribeAutoresponder": 1}, want: "N&A"},
		{name: "unsubscribed from all", pref: record.Row{"emailNewsletter": 1, "unsubscribeAllEmail": 1}, want: "N&A"},
		{name: "newsletter only", pref: record.Row{"emailNewsletter": 0}, want: "N"},
		{name: "autoresponder only", pref: record.Row{"emailNewsletter": 1, "unsubscribeAutoresponder": 1}, want: "A"},
		{name: "subscribed", pref: record.Row{"emailNewsletter": 1}, want: ""},
		{name: "unknown newsletter", pref: record.Row{"emailNewsletter": nil}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Unsubscribe(tt.pref))
		})
	}
}

func TestDateHelpers(t *testing.T) {
	asOf := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	exp, ok := TimeOf("2024-06-30 00:00:00")
	require.True(t, ok)
	assert.Equal(t, int64(29), DaysBetween(asOf, exp))
	assert.Equal(t, int64(-29), DaysBetween(exp, asOf))
	assert.True(t, WithinDays(exp, asOf, 30))
	assert.False(t, WithinDays(exp, asOf, 28))
	assert.False(t, WithinDays(asOf.Add(-time.Hour), asOf, 30))

	_, ok = TimeOf("0000-00-00")
	assert.False(t, ok)
	_, ok = TimeOf(nil)
	assert.False(t, ok)
}

func TestTimeOfDay(t *testing.T) {
	assert.Equal(t, "Morning", TimeOfDay("05:00"))
	assert.Equal(t, "Afternoon", TimeOfDay("12:30:00"))
	assert.Equal(t, "Evening", TimeOfDay([]byte("20:59")))
	assert.Equal(t, "Night", TimeOfDay("23:15"))
	assert.Equal(t, "Night", TimeOfDay("04:59"))
	assert.Equal(t, "Unknown", TimeOfDay("25:00"))
	assert.Equal(t, "Unknown", TimeOfDay(nil))

	m, ok := ClockMinutes("01:30")
	require.True(t, ok)
	assert.Equal(t, int64(90), m)
}

func TestFlags(t *testing.T) {
	assert.Equal(t, "Yes", YesNo(true))
	assert.Equal(t, "No", YesNo(false))
	assert.Equal(t, int64(1), Flag(true))
	assert.Equal(t, int64(0), Flag(false))
}
