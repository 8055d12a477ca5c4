package dimension

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mysql2clickhouse/internal/faults"
	"mysql2clickhouse/internal/metrics"
	"mysql2clickhouse/internal/record"
	"mysql2clickhouse/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeTable serves lookups from fixed rows and records every call
type fakeTable struct {
	mu    sync.Mutex
	rows  []record.Row
	key   string
	calls [][]any
	err   error
}

func (f *fakeTable) lookup(ctx context.Context, keys []any) ([]record.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]any(nil), keys...))
	if f.err != nil {
		return nil, f.err
	}

	want := make(map[record.Key]bool, len(keys))
	for _, k := range keys {
		nk, _ := record.KeyOf(k)
		want[nk] = true
	}
	var out []record.Row
	for _, r := range f.rows {
		if nk, _ := record.KeyOf(r.Get(f.key)); want[nk] {
			out = append(out, r)
		}
	}
	return out, nil
}

func newResolver(opts Options) *Resolver {
	return NewResolver(opts, metrics.Discard, zap.NewNop())
}

func TestResolveDeduplicatesKeys(t *testing.T) {
	providers := &fakeTable{key: "id", rows: []record.Row{
		{"id": int64(22), "name": "Range One"},
		{"id": int64(23), "name": "Range Two"},
	}}

	facts := []record.Row{
		{"id": int64(1), "providerId": int64(22)},
		{"id": int64(2), "providerId": "22"},
		{"id": int64(3), "providerId": int64(23)},
		{"id": int64(4), "providerId": nil},
		{"id": int64(5), "providerId": []byte("22")},
	}

	maps, err := newResolver(Options{}).Resolve(context.Background(), "customers", facts, []Spec{{
		Name:      "provider",
		Keys:      Column("providerId"),
		KeyColumn: "id",
		Lookup:    providers.lookup,
	}})
	require.NoError(t, err)

	require.Len(t, providers.calls, 1)
	assert.Equal(t, []any{int64(22), int64(23)}, providers.calls[0])
	assert.Equal(t, "Range One", maps.Lookup("provider", "22").String("name"))
	assert.Equal(t, "Range Two", maps.Lookup("provider", int32(23)).String("name"))
}

func TestResolveMissingKeyIsNotFound(t *testing.T) {
	customers := &fakeTable{key: "id", rows: []record.Row{{"id": int64(7), "email": "a@b.c"}}}

	facts := []record.Row{{"customerId": int64(7)}, {"customerId": int64(8)}}
	maps, err := newResolver(Options{}).Resolve(context.Background(), "invoices", facts, []Spec{{
		Name: "customer", Keys: Column("customerId"), KeyColumn: "id", Lookup: customers.lookup,
	}})
	require.NoError(t, err)

	m := maps["customer"]
	assert.Equal(t, 2, m.Len())
	assert.True(t, m.Lookup(7).Found())

	missing := m.Lookup(8)
	assert.False(t, missing.Found())
	assert.Equal(t, NotFound, missing)
	assert.Nil(t, missing.Get("email"))
	assert.Equal(t, "", missing.String("email"))

	assert.Equal(t, NotFound, m.Lookup(nil))
	assert.Equal(t, NotFound, m.Lookup(999))
	assert.Equal(t, NotFound, maps.Lookup("unknown-dimension", 7))
}

func TestResolveSkipsEmptyKeySet(t *testing.T) {
	tags := &fakeTable{key: "customerId"}

	facts := []record.Row{{"id": int64(1), "tagRef": nil}, {"id": int64(2), "tagRef": "  "}}
	maps, err := newResolver(Options{}).Resolve(context.Background(), "customers", facts, []Spec{{
		Name: "tags", Keys: Column("tagRef"), KeyColumn: "customerId", Lookup: tags.lookup,
	}})
	require.NoError(t, err)

	assert.Empty(t, tags.calls)
	assert.Equal(t, 0, maps["tags"].Len())
	assert.False(t, maps.Lookup("tags", 1).Found())
}

func TestResolveSplitsLargeKeySets(t *testing.T) {
	table := &fakeTable{key: "id"}
	facts := make([]record.Row, 0, 25)
	for i := 1; i <= 25; i++ {
		facts = append(facts, record.Row{"ref": int64(i)})
		table.rows = append(table.rows, record.Row{"id": int64(i)})
	}

	maps, err := newResolver(Options{MaxKeysPerCall: 10}).Resolve(context.Background(), "j", facts, []Spec{{
		Name: "d", Keys: Column("ref"), KeyColumn: "id", Lookup: table.lookup,
	}})
	require.NoError(t, err)

	require.Len(t, table.calls, 3)
	assert.Len(t, table.calls[0], 10)
	assert.Len(t, table.calls[2], 5)
	assert.Equal(t, 25, maps["d"].Len())
	assert.True(t, maps.Lookup("d", 25).Found())
}

func TestResolveLookupFailureFailsPage(t *testing.T) {
	ok := &fakeTable{key: "id", rows: []record.Row{{"id": int64(1)}}}
	broken := &fakeTable{key: "id", err: errors.New("Error 1146: Table 'crm.location' doesn't exist")}

	facts := []record.Row{{"a": int64(1), "b": int64(2)}}
	_, err := newResolver(Options{}).Resolve(context.Background(), "j", facts, []Spec{
		{Name: "a", Keys: Column("a"), KeyColumn: "id", Lookup: ok.lookup},
		{Name: "location", Keys: Column("b"), KeyColumn: "id", Lookup: broken.lookup},
	})

	var lookupErr *faults.LookupError
	require.ErrorAs(t, err, &lookupErr)
	assert.Equal(t, "location", lookupErr.Dimension)
	assert.Equal(t, 1, lookupErr.Keys)
}

func TestResolveRetriesTimeouts(t *testing.T) {
	var calls int
	lookup := func(ctx context.Context, keys []any) ([]record.Row, error) {
		calls++
		if calls == 1 {
			return nil, context.DeadlineExceeded
		}
		return []record.Row{{"id": int64(1), "v": "x"}}, nil
	}

	r := newResolver(Options{Retry: worker.Retrier{Attempts: 3, Backoff: time.Millisecond}})
	maps, err := r.Resolve(context.Background(), "j", []record.Row{{"ref": 1}}, []Spec{{
		Name: "d", Keys: Column("ref"), KeyColumn: "id", Lookup: lookup,
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "x", maps.Lookup("d", 1).String("v"))
}

func TestResolveRejectsRowsWithoutKey(t *testing.T) {
	lookup := func(ctx context.Context, keys []any) ([]record.Row, error) {
		return []record.Row{{"other": 1}}, nil
	}
	_, err := newResolver(Options{}).Resolve(context.Background(), "j", []record.Row{{"ref": 1}}, []Spec{{
		Name: "d", Keys: Column("ref"), KeyColumn: "id", Lookup: lookup,
	}})
	assert.Error(t, err)
}

func TestLatestPicksNewestThenHighestID(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2024, 5, d, 0, 0, 0, 0, time.UTC) }

	tests := []struct {
		name string
		rows []record.Row
		want int64
	}{
		{
			name: "newest timestamp wins",
			rows: []record.Row{
				{"si_id": int64(9), "lastUpdated": day(1)},
				{"si_id": int64(3), "lastUpdated": day(4)},
			},
			want: 3,
		},
		{
			name: "tie goes to highest id",
			rows: []record.Row{
				{"si_id": int64(5), "lastUpdated": day(4)},
				{"si_id": int64(8), "lastUpdated": "2024-05-04 00:00:00"},
				{"si_id": int64(6), "lastUpdated": day(4)},
			},
			want: 8,
		},
		{
			name: "null timestamp ranks lowest",
			rows: []record.Row{
				{"si_id": int64(50), "lastUpdated": nil},
				{"si_id": int64(2), "lastUpdated": day(1)},
				{"si_id": int64(51), "lastUpdated": "0000-00-00 00:00:00"},
			},
			want: 2,
		},
		{
			name: "all null falls back to id",
			rows: []record.Row{
				{"si_id": int64(4), "lastUpdated": nil},
				{"si_id": int64(7), "lastUpdated": nil},
			},
			want: 7,
		},
	}

	pick := Latest("lastUpdated", "si_id")
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := pick(tc.rows).Int64("si_id")
			require.True(t, ok)
			assert.Equal(t, tc.want, got)
		})
	}

	assert.Nil(t, pick(nil))
}

func TestResolveAppliesPicker(t *testing.T) {
	invoices := &fakeTable{key: "subscriptionId", rows: []record.Row{
		{"subscriptionId": int64(1), "si_id": int64(10), "status": "Failed", "lastUpdated": "2024-01-01 10:00:00"},
		{"subscriptionId": int64(1), "si_id": int64(11), "status": "Paid", "lastUpdated": "2024-02-01 10:00:00"},
		{"subscriptionId": int64(2), "si_id": int64(12), "status": "Paid", "lastUpdated": "2024-02-01 10:00:00"},
	}}

	maps, err := newResolver(Options{}).Resolve(context.Background(), "memberships",
		[]record.Row{{"subscriptionId": int64(1)}, {"subscriptionId": int64(2)}},
		[]Spec{{
			Name:      "last_invoice",
			Keys:      Column("subscriptionId"),
			KeyColumn: "subscriptionId",
			Lookup:    invoices.lookup,
			Pick:      Latest("lastUpdated", "si_id"),
		}})
	require.NoError(t, err)

	assert.Equal(t, "Paid", maps.Lookup("last_invoice", 1).String("status"))
	id, _ := maps.Lookup("last_invoice", 1).Int64("si_id")
	assert.Equal(t, int64(11), id)
}

func TestDistinctKeysAcrossColumns(t *testing.T) {
	rows := []record.Row{
		{"resourceId": int64(3), "loggedInUserId": int64(4)},
		{"resourceId": int64(4), "loggedInUserId": nil},
	}
	assert.Equal(t, []any{int64(3), int64(4)}, DistinctKeys(rows, Column("resourceId", "loggedInUserId")))
}

func TestCollectJoinsValues(t *testing.T) {
	pick := Collect("tagName", ", ")
	row := pick([]record.Row{
		{"customerId": int64(5), "tagName": "VIP"},
		{"customerId": int64(5), "tagName": nil},
		{"customerId": int64(5), "tagName": " League "},
	})
	assert.Equal(t, "VIP, League", row.String("tagName"))
	assert.Equal(t, int64(5), row["customerId"])
	assert.Nil(t, pick(nil))
}
