package app

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"mysql2clickhouse/internal/checkpoint"
	"mysql2clickhouse/internal/config"
	"mysql2clickhouse/internal/engine"
	"mysql2clickhouse/internal/jobs"
	"mysql2clickhouse/internal/metrics"
	"mysql2clickhouse/internal/schema"
	"mysql2clickhouse/internal/source"
	"mysql2clickhouse/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const fixtures = `
CREATE TABLE serviceProvider (id INTEGER PRIMARY KEY, legalName TEXT, status INTEGER);
CREATE TABLE product (id INTEGER PRIMARY KEY, name TEXT, regularPrice REAL, salePrice REAL,
	serviceProviderId INTEGER, status INTEGER);

INSERT INTO serviceProvider VALUES (22, 'Range One', 1), (23, 'Range Two', 0), (24, 'Range Three', 1);
INSERT INTO product VALUES
	(1, 'Lane rental', 20, 15, 22, 1),
	(2, 'Eye protection', 5, 5, 22, 1),
	(3, 'Targets', 2, 2, 22, 1),
	(4, 'Ear muffs', 8, 6, 24, 1),
	(5, 'Gloves', 9, 9, 23, 1);
`

// countingSink counts records written per table
type countingSink struct {
	mu   sync.Mutex
	rows map[string]int
}

func (s *countingSink) EnsureTable(ctx context.Context, t *schema.Table) error { return nil }

func (s *countingSink) Write(ctx context.Context, t *schema.Table, recs []schema.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[t.Name] += len(recs)
	return nil
}

func (s *countingSink) Close() error { return nil }

func newTestMigrator(t *testing.T) (*Migrator, *countingSink) {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "source.db"))
	require.NoError(t, err)
	_, err = sqlDB.Exec(fixtures)
	require.NoError(t, err)

	backend, err := checkpoint.NewSQLiteBackend(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)

	cfg := &config.Config{Migration: config.Migration{Concurrency: 2, PageSize: 2, ChunkSize: 1}}
	dst := &countingSink{rows: map[string]int{}}
	store := checkpoint.NewStore(backend, zap.NewNop())
	collector := metrics.New()
	m := &Migrator{
		cfg:      cfg,
		logger:   zap.NewNop(),
		runID:    "run-1",
		source:   source.New(sqlDB, source.SQLite, nil, zap.NewNop()),
		sink:     dst,
		store:    store,
		metrics:  collector,
		recorder: collector,
		registry: jobs.Default(),
		engine:   engine.New(store, nil, engine.Options{}, collector, zap.NewNop()),
	}
	t.Cleanup(func() { m.Close() })
	return m, dst
}

func TestExpand(t *testing.T) {
	r := jobs.Default()

	tasks, skipped, err := expand(r, Plan{})
	require.NoError(t, err)
	assert.Equal(t, []string{"customers"}, skipped)
	require.Len(t, tasks, len(r.Names())-1)
	for _, task := range tasks {
		assert.Equal(t, task.Job, task.String())
		assert.False(t, r.NeedsProvider(task.Job))
	}

	tasks, skipped, err = expand(r, Plan{Jobs: []string{"invoices", "payments", "invoices"}, Providers: []int64{22, 24, 22}})
	require.NoError(t, err)
	assert.Empty(t, skipped)
	assert.Equal(t, []worker.Task{
		{Job: "invoices", ProviderID: 22},
		{Job: "invoices", ProviderID: 24},
		{Job: "payments", ProviderID: 22},
		{Job: "payments", ProviderID: 24},
	}, tasks)

	tasks, skipped, err = expand(r, Plan{Providers: []int64{22}})
	require.NoError(t, err)
	assert.Empty(t, skipped)
	assert.Len(t, tasks, len(r.Names()))

	_, _, err = expand(r, Plan{Jobs: []string{"orders"}})
	assert.ErrorContains(t, err, `unknown job "orders"`)

	_, _, err = expand(r, Plan{Jobs: []string{"customers"}})
	assert.ErrorContains(t, err, "job customers needs --provider or --all-providers")
}

func TestExpandAllProvidersWithNoneActive(t *testing.T) {
	tasks, _, err := expand(jobs.Default(), Plan{Jobs: []string{"products"}, AllProviders: true})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestEnqueueStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan worker.Task)
	n := enqueue(ctx, []worker.Task{{Job: "products"}, {Job: "invoices"}}, out)
	assert.Equal(t, 0, n)

	buffered := make(chan worker.Task, 2)
	n = enqueue(context.Background(), []worker.Task{{Job: "products"}, {Job: "invoices"}}, buffered)
	assert.Equal(t, 2, n)
}

func TestRunMovesEachActiveProvider(t *testing.T) {
	m, dst := newTestMigrator(t)
	ctx := context.Background()

	summaries, err := m.Run(ctx, Plan{Jobs: []string{"products"}, AllProviders: true})
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	assert.Equal(t, "products_22", summaries[0].JobKey)
	assert.Equal(t, 3, summaries[0].Migrated)
	assert.Equal(t, int64(3), summaries[0].Watermark)
	assert.Equal(t, "products_24", summaries[1].JobKey)
	assert.Equal(t, 1, summaries[1].Migrated)
	for _, s := range summaries {
		assert.True(t, s.Success, s.JobKey)
		assert.Equal(t, "run-1", s.RunID)
	}
	assert.Equal(t, 3, dst.rows["products_22"])
	assert.Equal(t, 1, dst.rows["products_24"])
	assert.NotContains(t, dst.rows, "products_23")

	// a second run resumes from the stored watermarks
	summaries, err = m.Run(ctx, Plan{Jobs: []string{"products"}, Providers: []int64{22}})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 0, summaries[0].Migrated)
	assert.Equal(t, int64(3), summaries[0].StartWatermark)
	assert.True(t, summaries[0].Success)

	records, err := m.store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestRunRejectsUnknownJob(t *testing.T) {
	m, _ := newTestMigrator(t)
	_, err := m.Run(context.Background(), Plan{Jobs: []string{"orders"}})
	assert.ErrorContains(t, err, "unknown job")
}

func TestRunDefaultPlanSkipsProviderScopedJobs(t *testing.T) {
	m, dst := newTestMigrator(t)
	m.registry = jobs.NewRegistry()
	m.registry.Register("products", jobs.Products)
	m.registry.RegisterScoped("customers", jobs.Customers)

	summaries, err := m.Run(context.Background(), Plan{})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "products", summaries[0].JobKey)
	assert.True(t, summaries[0].Success)
	assert.Equal(t, 5, summaries[0].Migrated)
	assert.Equal(t, 5, dst.rows["products"])

	_, err = m.Run(context.Background(), Plan{Jobs: []string{"customers"}})
	assert.ErrorContains(t, err, "needs --provider")
}

func TestRunReportsJobsThatCannotBeBuilt(t *testing.T) {
	m, _ := newTestMigrator(t)
	m.registry = jobs.NewRegistry()
	m.registry.Register("broken", func(jobs.Deps) (*engine.Job, error) {
		return nil, errors.New("missing table")
	})

	summaries, err := m.Run(context.Background(), Plan{})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "broken", summaries[0].JobKey)
	assert.Equal(t, engine.Failed, summaries[0].FinalState)
	assert.False(t, summaries[0].Success)
	assert.Equal(t, 1, summaries[0].Errors)
}

func TestOpenCheckpointsSQLite(t *testing.T) {
	cfg := &config.Config{Checkpoint: config.CheckpointConfig{
		Backend: config.CheckpointSQLite,
		Path:    filepath.Join(t.TempDir(), "checkpoint.db"),
	}}
	store, err := OpenCheckpoints(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	ok, err := store.CommitWatermark(context.Background(), "products_22", 40, 4)
	require.NoError(t, err)
	assert.True(t, ok)

	records, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(40), records[0].LastMigratedID)

	require.NoError(t, store.Reset(context.Background(), "products_22"))
	records, err = store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}
