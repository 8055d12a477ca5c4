package checkpoint

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mysql2clickhouse/internal/faults"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoint.db")
	backend, err := NewSQLiteBackend(path)
	require.NoError(t, err)
	store := NewStore(backend, nil)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func TestGetWatermarkAbsent(t *testing.T) {
	store, _ := newSQLiteStore(t)

	wm, err := store.GetWatermark(context.Background(), "customers_22")
	require.NoError(t, err)
	assert.Equal(t, int64(0), wm)
}

func TestCommitWatermark(t *testing.T) {
	store, _ := newSQLiteStore(t)
	ctx := context.Background()

	committed, err := store.CommitWatermark(ctx, "customers_22", 103, 3)
	require.NoError(t, err)
	assert.True(t, committed)

	wm, err := store.GetWatermark(ctx, "customers_22")
	require.NoError(t, err)
	assert.Equal(t, int64(103), wm)
}

func TestCommitWatermarkSkipsEmptyPages(t *testing.T) {
	store, _ := newSQLiteStore(t)
	ctx := context.Background()

	committed, err := store.CommitWatermark(ctx, "customers_22", 500, 0)
	require.NoError(t, err)
	assert.False(t, committed)

	recs, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestWatermarkNeverMovesBackwards(t *testing.T) {
	store, _ := newSQLiteStore(t)
	ctx := context.Background()

	_, err := store.CommitWatermark(ctx, "invoices", 200, 10)
	require.NoError(t, err)
	_, err = store.CommitWatermark(ctx, "invoices", 150, 5)
	require.NoError(t, err)

	wm, err := store.GetWatermark(ctx, "invoices")
	require.NoError(t, err)
	assert.Equal(t, int64(200), wm)

	recs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(15), recs[0].RowsMoved)
}

func TestWatermarkSurvivesReopen(t *testing.T) {
	store, path := newSQLiteStore(t)
	ctx := context.Background()

	_, err := store.CommitWatermark(ctx, "products_7", 42, 42)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	backend, err := NewSQLiteBackend(path)
	require.NoError(t, err)
	reopened := NewStore(backend, nil)
	defer reopened.Close()

	wm, err := reopened.GetWatermark(ctx, "products_7")
	require.NoError(t, err)
	assert.Equal(t, int64(42), wm)
}

func TestResetAndList(t *testing.T) {
	store, _ := newSQLiteStore(t)
	ctx := context.Background()

	for i, key := range []string{"b_1", "a_1", "c_1"} {
		_, err := store.CommitWatermark(ctx, key, int64(i+1)*10, 1)
		require.NoError(t, err)
	}

	require.NoError(t, store.Reset(ctx, "b_1"))

	recs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a_1", recs[0].JobKey)
	assert.Equal(t, "c_1", recs[1].JobKey)
	assert.False(t, recs[0].UpdatedAt.IsZero())

	wm, err := store.GetWatermark(ctx, "b_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), wm)
}

func TestConcurrentCommitsPerJob(t *testing.T) {
	store, _ := newSQLiteStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			key := []string{"j0", "j1", "j2", "j3"}[w]
			for id := int64(1); id <= 20; id++ {
				_, err := store.CommitWatermark(ctx, key, id, 1)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	recs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 4)
	for _, r := range recs {
		assert.Equal(t, int64(20), r.LastMigratedID)
		assert.Equal(t, int64(20), r.RowsMoved)
	}
}

func TestSQLiteCloseWhileInUse(t *testing.T) {
	backend, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "checkpoint.db"))
	require.NoError(t, err)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			key := []string{"j0", "j1", "j2", "j3"}[w]
			for id := int64(1); id <= 20; id++ {
				// either succeeds or reports the closed store
				_ = backend.Put(ctx, Record{JobKey: key, LastMigratedID: id, RowsMoved: 1})
				_, _ = backend.Get(ctx, key)
			}
		}(w)
	}
	require.NoError(t, backend.Close())
	wg.Wait()

	_, err = backend.Get(ctx, "j0")
	assert.ErrorContains(t, err, "closed")
	assert.ErrorContains(t, backend.Put(ctx, Record{JobKey: "j0", LastMigratedID: 1}), "closed")
	assert.NoError(t, backend.Close())
}

type brokenBackend struct{ Backend }

func (brokenBackend) Get(context.Context, string) (*Record, error) {
	return nil, errors.New("dial tcp 10.0.0.5:9000: connection refused")
}

func (brokenBackend) Put(context.Context, Record) error {
	return errors.New("dial tcp 10.0.0.5:9000: connection refused")
}

func TestGetWatermarkFailureIsConnectivityError(t *testing.T) {
	store := NewStore(brokenBackend{}, nil)

	_, err := store.GetWatermark(context.Background(), "customers")
	var connErr *faults.ConnectivityError
	assert.ErrorAs(t, err, &connErr)
}

func TestCommitWatermarkFailureIsReported(t *testing.T) {
	store := NewStore(brokenBackend{}, nil)
	store.now = func() time.Time { return time.Unix(0, 0) }

	committed, err := store.CommitWatermark(context.Background(), "customers", 10, 1)
	assert.False(t, committed)
	assert.ErrorContains(t, err, "connection refused")
}
