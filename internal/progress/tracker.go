package progress

import (
	"fmt"
	"sync"
	"time"
)

// Status is a snapshot of the rows moved by a run
type Status struct {
	TotalRows      int64         // rows pending at start, across all jobs
	ProcessedRows  int64         // migrated + failed
	MigratedRows   int64         // rows written (or counted, in dry-run)
	FailedRows     int64         // transform and write failures
	PagesDone      int64         // committed or dry-run pages
	StartTime      time.Time     // when the tracker was created
	LastUpdateTime time.Time     // last sample
	CurrentRate    float64       // rows/second over the last 5s
	AverageRate    float64       // rows/second since start
	ETA            time.Duration // remaining time at the average rate
}

// Tracker tracks row progress across concurrent jobs
type Tracker struct {
	mu         sync.RWMutex
	status     Status
	samples    []rateSample
	maxSamples int
	now        func() time.Time
}

type rateSample struct {
	timestamp time.Time
	rows      int64
}

// NewTracker creates a new progress tracker
func NewTracker() *Tracker {
	return newTracker(time.Now)
}

func newTracker(now func() time.Time) *Tracker {
	start := now()
	return &Tracker{
		status: Status{
			StartTime:      start,
			LastUpdateTime: start,
		},
		samples:    make([]rateSample, 0, 60),
		maxSamples: 60,
		now:        now,
	}
}

// SetTotal sets the total number of rows expected
func (t *Tracker) SetTotal(rows int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.TotalRows = rows
}

// AddTotal grows the expected total, used as each job reports its backlog
func (t *Tracker) AddTotal(rows int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.TotalRows += rows
}

// AddMigrated records rows that reached the destination
func (t *Tracker) AddMigrated(rows int64) {
	if rows <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.MigratedRows += rows
	t.status.ProcessedRows += rows
	t.update(rows)
}

// AddFailed records rows skipped by a transform or write error
func (t *Tracker) AddFailed(rows int64) {
	if rows <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.FailedRows += rows
	t.status.ProcessedRows += rows
	t.update(rows)
}

// AddPage counts a finished page
func (t *Tracker) AddPage() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.PagesDone++
}

// update must be called with the lock held
func (t *Tracker) update(rows int64) {
	now := t.now()

	t.samples = append(t.samples, rateSample{timestamp: now, rows: rows})
	if len(t.samples) > t.maxSamples {
		t.samples = t.samples[1:]
	}

	t.calculateCurrentRate(now)
	t.calculateAverageRate(now)
	t.calculateETA()

	t.status.LastUpdateTime = now
}

func (t *Tracker) calculateCurrentRate(now time.Time) {
	if len(t.samples) < 2 {
		t.status.CurrentRate = 0
		return
	}

	cutoff := now.Add(-5 * time.Second)
	var recent int64
	var first *rateSample

	for i := len(t.samples) - 1; i >= 0; i-- {
		s := &t.samples[i]
		if s.timestamp.Before(cutoff) {
			break
		}
		recent += s.rows
		first = s
	}

	if first != nil {
		if d := now.Sub(first.timestamp); d > 0 {
			t.status.CurrentRate = float64(recent) / d.Seconds()
		}
	}
}

func (t *Tracker) calculateAverageRate(now time.Time) {
	if elapsed := now.Sub(t.status.StartTime); elapsed > 0 {
		t.status.AverageRate = float64(t.status.ProcessedRows) / elapsed.Seconds()
	}
}

func (t *Tracker) calculateETA() {
	if t.status.TotalRows == 0 || t.status.AverageRate == 0 {
		t.status.ETA = 0
		return
	}

	remaining := t.status.TotalRows - t.status.ProcessedRows
	if remaining <= 0 {
		t.status.ETA = 0
		return
	}

	t.status.ETA = time.Duration(float64(remaining)/t.status.AverageRate) * time.Second
}

// GetStatus returns the current status (thread-safe)
func (t *Tracker) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.status
}

// GetProgressPercent returns the processed share of the expected rows
func (t *Tracker) GetProgressPercent() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.status.TotalRows == 0 {
		return 0
	}

	return float64(t.status.ProcessedRows) / float64(t.status.TotalRows) * 100
}

// FormatRate formats a row rate in human readable form
func FormatRate(rowsPerSecond float64) string {
	switch {
	case rowsPerSecond < 1000:
		return fmt.Sprintf("%.1f rows/s", rowsPerSecond)
	case rowsPerSecond < 1000*1000:
		return fmt.Sprintf("%.1fk rows/s", rowsPerSecond/1000)
	default:
		return fmt.Sprintf("%.1fM rows/s", rowsPerSecond/(1000*1000))
	}
}

// FormatDuration formats duration in human readable format
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "calculating..."
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
