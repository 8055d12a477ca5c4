package progress

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestTrackerCountsRows(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := newTracker(clock.now)
	tr.SetTotal(100)
	tr.AddTotal(100)

	clock.t = clock.t.Add(10 * time.Second)
	tr.AddMigrated(40)
	tr.AddFailed(10)
	tr.AddPage()
	tr.AddMigrated(0)

	s := tr.GetStatus()
	assert.Equal(t, int64(200), s.TotalRows)
	assert.Equal(t, int64(50), s.ProcessedRows)
	assert.Equal(t, int64(40), s.MigratedRows)
	assert.Equal(t, int64(10), s.FailedRows)
	assert.Equal(t, int64(1), s.PagesDone)
	assert.InDelta(t, 5.0, s.AverageRate, 0.001)
	assert.Equal(t, 30*time.Second, s.ETA)
	assert.InDelta(t, 25.0, tr.GetProgressPercent(), 0.001)
}

func TestTrackerWithoutTotal(t *testing.T) {
	tr := NewTracker()
	tr.AddMigrated(5)

	assert.Equal(t, 0.0, tr.GetProgressPercent())
	assert.Equal(t, time.Duration(0), tr.GetStatus().ETA)
}

func TestFormatRate(t *testing.T) {
	assert.Equal(t, "12.5 rows/s", FormatRate(12.5))
	assert.Equal(t, "2.5k rows/s", FormatRate(2500))
	assert.Equal(t, "3.0M rows/s", FormatRate(3e6))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "calculating...", FormatDuration(0))
	assert.Equal(t, "42s", FormatDuration(42*time.Second))
	assert.Equal(t, "3m5s", FormatDuration(185*time.Second))
	assert.Equal(t, "2h0m1s", FormatDuration(2*time.Hour+time.Second))
}

func TestDisplayPrintsSummary(t *testing.T) {
	tr := NewTracker()
	tr.SetTotal(10)

	var out bytes.Buffer
	d := newDisplay(tr, 10*time.Millisecond, &out)
	d.Start()
	tr.AddMigrated(7)
	tr.AddFailed(3)
	d.Stop()

	text := out.String()
	assert.True(t, strings.Contains(text, "Migration finished"))
	assert.True(t, strings.Contains(text, "Migrated:       7"))
	assert.True(t, strings.Contains(text, "Failed:         3"))
}
