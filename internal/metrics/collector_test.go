package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCountsRows(t *testing.T) {
	c := New()

	c.RowsPending("customers_22", 10)
	c.RowsWritten("customers_22", StatusMigrated, 7)
	c.RowsWritten("customers_22", StatusTransformError, 2)
	c.RowsWritten("customers_22", StatusWriteError, 1)
	c.RowsWritten("customers_22", StatusMigrated, 0)
	c.PageDone("customers_22", "Idle", 10, time.Second)
	c.WatermarkCommitted("customers_22", 1050)

	assert.Equal(t, 7.0, testutil.ToFloat64(c.rowsTotal.WithLabelValues("customers_22", StatusMigrated)))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.rowsTotal.WithLabelValues("customers_22", StatusTransformError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.pagesTotal.WithLabelValues("customers_22", "Idle")))
	assert.Equal(t, 1050.0, testutil.ToFloat64(c.watermark.WithLabelValues("customers_22")))

	status := c.GetProgressTracker().GetStatus()
	assert.Equal(t, int64(10), status.TotalRows)
	assert.Equal(t, int64(7), status.MigratedRows)
	assert.Equal(t, int64(3), status.FailedRows)
	assert.Equal(t, int64(1), status.PagesDone)
}

func TestCollectorCountsLookupErrors(t *testing.T) {
	c := New()

	c.LookupDone("invoices", "customer", 30, time.Millisecond, nil)
	c.LookupDone("invoices", "customer", 30, time.Millisecond, errors.New("timeout"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.lookupErrors.WithLabelValues("invoices", "customer")))
}

func TestCollectorsDoNotShareRegistry(t *testing.T) {
	a, b := New(), New()
	a.RowsWritten("products", StatusMigrated, 3)

	assert.Equal(t, 0.0, testutil.ToFloat64(b.rowsTotal.WithLabelValues("products", StatusMigrated)))
}

func TestCollectorHandler(t *testing.T) {
	c := New()
	c.ChunkWritten("payments", OutcomeBulk, 20*time.Millisecond)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `etl_chunk_duration_seconds_count{job="payments",outcome="bulk"} 1`))
}

type countingRecorder struct {
	pages, rows, pending, chunks, lookups, commits int
}

func (r *countingRecorder) PageDone(string, string, int, time.Duration) { r.pages++ }
func (r *countingRecorder) RowsWritten(string, string, int) { r.rows++ }
func (r *countingRecorder) RowsPending(string, int64) { r.pending++ }
func (r *countingRecorder) ChunkWritten(string, string, time.Duration) { r.chunks++ }
func (r *countingRecorder) LookupDone(string, string, int, time.Duration, error) { r.lookups++ }
func (r *countingRecorder) WatermarkCommitted(string, int64) { r.commits++ }

func TestMultiFansOut(t *testing.T) {
	a, b := &countingRecorder{}, &countingRecorder{}
	m := Multi(a, nil, b, Discard)

	m.PageDone("j", "Idle", 1, 0)
	m.RowsWritten("j", StatusMigrated, 1)
	m.RowsPending("j", 1)
	m.ChunkWritten("j", OutcomeBulk, 0)
	m.LookupDone("j", "d", 1, 0, nil)
	m.WatermarkCommitted("j", 1)

	for _, r := range []*countingRecorder{a, b} {
		assert.Equal(t, countingRecorder{1, 1, 1, 1, 1, 1}, *r)
	}
}
