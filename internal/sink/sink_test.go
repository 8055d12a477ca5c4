package sink

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"mysql2clickhouse/internal/schema"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var invoices = schema.MustTable("invoices_22", "id",
	schema.Field{Name: "id", Type: schema.Int, OnNull: schema.Reject},
	schema.Field{Name: "total", Type: schema.Float, Default: 0.0},
	schema.Field{Name: "invoice_date", Type: schema.Date, Default: schema.Epoch},
	schema.Field{Name: "paid_at", Type: schema.DateTime, Nullable: true, OnNull: schema.KeepNull},
	schema.Field{Name: "clerk", Type: schema.String, Default: ""},
)

func TestClickHouseCreateTableSQL(t *testing.T) {
	want := "CREATE TABLE IF NOT EXISTS `analytics`.`invoices_22` (\n" +
		"    `id` Int64,\n" +
		"    `total` Float64,\n" +
		"    `invoice_date` Date32,\n" +
		"    `paid_at` Nullable(DateTime('UTC')),\n" +
		"    `clerk` String\n" +
		") ENGINE = ReplacingMergeTree ORDER BY `id`"
	assert.Equal(t, want, ClickHouseCreateTableSQL("analytics", invoices))
}

func TestClickHouseInsertSQL(t *testing.T) {
	assert.Equal(t,
		"INSERT INTO `invoices_22` (`id`, `total`, `invoice_date`, `paid_at`, `clerk`)",
		ClickHouseInsertSQL("", invoices))
}

func TestPostgresCreateTableSQL(t *testing.T) {
	want := `CREATE TABLE IF NOT EXISTS "public"."invoices_22" (
    "id" BIGINT NOT NULL,
    "total" DOUBLE PRECISION NOT NULL,
    "invoice_date" DATE NOT NULL,
    "paid_at" TIMESTAMP NULL,
    "clerk" TEXT NOT NULL,
    PRIMARY KEY ("id")
)`
	assert.Equal(t, want, PostgresCreateTableSQL("public", invoices))
}

func TestPostgresUpsertSQL(t *testing.T) {
	small := schema.MustTable("products", "id",
		schema.Field{Name: "id", Type: schema.Int, OnNull: schema.Reject},
		schema.Field{Name: "name", Type: schema.String, Default: ""},
	)

	assert.Equal(t,
		`INSERT INTO "etl"."products" ("id", "name") VALUES ($1, $2), ($3, $4) ON CONFLICT ("id") DO UPDATE SET "name" = EXCLUDED."name"`,
		PostgresUpsertSQL("etl", small, 2))

	keyOnly := schema.MustTable("ids", "id", schema.Field{Name: "id", Type: schema.Int, OnNull: schema.Reject})
	assert.Equal(t,
		`INSERT INTO "etl"."ids" ("id") VALUES ($1) ON CONFLICT ("id") DO NOTHING`,
		PostgresUpsertSQL("etl", keyOnly, 1))
}

func TestPostgresStatementsStayUnderBindLimit(t *testing.T) {
	fields := make([]schema.Field, 30)
	fields[0] = schema.Field{Name: "id", Type: schema.Int, OnNull: schema.Reject}
	for i := 1; i < len(fields); i++ {
		fields[i] = schema.Field{Name: fmt.Sprintf("c%d", i), Type: schema.String, Default: ""}
	}
	wide := schema.MustTable("customers_22", "id", fields...)
	assert.Equal(t, 2184, PostgresRowsPerStatement(wide))

	recs := make([]schema.Record, 5000)
	for i := range recs {
		recs[i] = schema.Record{Key: int64(i + 1)}
	}
	parts := postgresStatements(wide, recs)
	require.Len(t, parts, 3)
	assert.Len(t, parts[0], 2184)
	assert.Len(t, parts[1], 2184)
	assert.Len(t, parts[2], 632)
	assert.Equal(t, int64(5000), parts[2][631].Key)
	for _, p := range parts {
		assert.LessOrEqual(t, len(p)*len(wide.Fields), 65535)
	}

	assert.Len(t, postgresStatements(invoices, recs[:10]), 1)
}

func TestCleanEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "minio:9000", want: "minio:9000"},
		{in: "http://minio:9000", want: "minio:9000"},
		{in: "https://s3.amazonaws.com/", want: "s3.amazonaws.com"},
		{in: "https://s3.amazonaws.com/bucket", wantErr: true},
		{in: "minio:9000/bucket", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := cleanEndpoint(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "exports/invoices_22/id=105.jsonl.gz", ObjectKey("exports", "invoices_22", 105))
	assert.Equal(t, "invoices_22/id=7.jsonl.gz", ObjectKey("", "invoices_22", 7))
}

func decodeLines(t *testing.T, body []byte) []map[string]any {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(body))
	require.NoError(t, err)

	var out []map[string]any
	sc := bufio.NewScanner(gz)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestEncodeJSONLines(t *testing.T) {
	paid := time.Date(2024, 3, 2, 9, 30, 0, 0, time.UTC)
	recs := []schema.Record{
		{Key: 1, Values: []any{int64(1), 10.5, schema.Epoch, paid, "Sam"}},
		{Key: 2, Values: []any{int64(2), 0.0, schema.Epoch, nil, ""}},
	}

	body, err := EncodeJSONLines(invoices, recs)
	require.NoError(t, err)

	lines := decodeLines(t, body)
	require.Len(t, lines, 2)
	assert.Equal(t, 1.0, lines[0]["id"])
	assert.Equal(t, "2024-03-02 09:30:00", lines[0]["paid_at"])
	assert.Equal(t, "1970-01-01 00:00:00", lines[0]["invoice_date"])
	assert.Nil(t, lines[1]["paid_at"])
}

type fakeBucket struct {
	mu      sync.Mutex
	exists  bool
	made    bool
	objects map[string][]byte
	putErr  error
}

func (f *fakeBucket) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return f.exists, nil
}

func (f *fakeBucket) MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error {
	f.made = true
	f.exists = true
	return nil
}

func (f *fakeBucket) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return minio.UploadInfo{}, f.putErr
	}
	b, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[key] = b
	return minio.UploadInfo{Key: key, Size: size}, nil
}

func (f *fakeBucket) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.objects))
	for k := range f.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// rows decodes every stored object
func (f *fakeBucket) rows(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, k := range f.keys() {
		out = append(out, decodeLines(t, f.objects[k])...)
	}
	return out
}

func TestObjectStoreWriteIsIdempotent(t *testing.T) {
	bucket := &fakeBucket{}
	store := newObjectStore(bucket, "etl", "/exports/", zap.NewNop())
	ctx := context.Background()

	require.NoError(t, store.EnsureTable(ctx, invoices))
	assert.True(t, bucket.made)

	recs := []schema.Record{
		{Key: 101, Values: []any{int64(101), 1.0, schema.Epoch, nil, "a"}},
		{Key: 102, Values: []any{int64(102), 2.0, schema.Epoch, nil, "b"}},
	}
	require.NoError(t, store.Write(ctx, invoices, recs))
	require.NoError(t, store.Write(ctx, invoices, recs))

	assert.Equal(t, []string{
		"exports/invoices_22/id=101.jsonl.gz",
		"exports/invoices_22/id=102.jsonl.gz",
	}, bucket.keys())
	assert.Len(t, bucket.rows(t), 2)

	require.NoError(t, store.Write(ctx, invoices, nil))
	assert.Len(t, bucket.objects, 2)
}

func TestObjectStoreReplayWithOtherChunkingKeepsOneRowPerKey(t *testing.T) {
	bucket := &fakeBucket{exists: true}
	store := newObjectStore(bucket, "etl", "", zap.NewNop())
	ctx := context.Background()

	recs := []schema.Record{
		{Key: 101, Values: []any{int64(101), 1.0, schema.Epoch, nil, "a"}},
		{Key: 102, Values: []any{int64(102), 2.0, schema.Epoch, nil, "b"}},
		{Key: 103, Values: []any{int64(103), 3.0, schema.Epoch, nil, "c"}},
	}

	// a first run fell back to row writes and crashed before its commit
	for i := range recs {
		require.NoError(t, store.Write(ctx, invoices, recs[i:i+1]))
	}
	// the replay writes the page as one chunk
	require.NoError(t, store.Write(ctx, invoices, recs))
	// and a later run with a smaller chunk size
	require.NoError(t, store.Write(ctx, invoices, recs[:2]))
	require.NoError(t, store.Write(ctx, invoices, recs[2:]))

	assert.Len(t, bucket.keys(), 3)
	rows := bucket.rows(t)
	require.Len(t, rows, 3)
	assert.Equal(t, []any{101.0, 102.0, 103.0}, []any{rows[0]["id"], rows[1]["id"], rows[2]["id"]})
}

func TestObjectStoreWriteError(t *testing.T) {
	bucket := &fakeBucket{exists: true, putErr: errors.New("503 Service Unavailable")}
	store := newObjectStore(bucket, "etl", "", zap.NewNop())

	err := store.Write(context.Background(), invoices, []schema.Record{{Key: 1, Values: []any{int64(1), 0.0, schema.Epoch, nil, ""}}})
	assert.ErrorContains(t, err, "503")
	assert.False(t, bucket.made)
}

func TestOpenRejectsUnknownKind(t *testing.T) {
	_, err := Open(context.Background(), Config{Kind: "bigquery"}, zap.NewNop())
	assert.ErrorContains(t, err, "unsupported target kind")
}
