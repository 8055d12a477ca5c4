package metrics

import "time"

// Row outcomes reported through RowsWritten
const (
	StatusMigrated       = "migrated"
	StatusTransformError = "transform_error"
	StatusWriteError     = "write_error"
)

// Chunk outcomes reported through ChunkWritten
const (
	OutcomeBulk     = "bulk"
	OutcomeFallback = "fallback"
)

// Recorder receives engine events. Implementations must be safe for
// concurrent use since jobs run in parallel.
type Recorder interface {
	PageDone(job, state string, rows int, d time.Duration)
	RowsWritten(job, status string, n int)
	RowsPending(job string, n int64)
	ChunkWritten(job, outcome string, d time.Duration)
	LookupDone(job, dimension string, keys int, d time.Duration, err error)
	WatermarkCommitted(job string, id int64)
}

// Discard drops every event
var Discard Recorder = discard{}

type discard struct{}

func (discard) PageDone(string, string, int, time.Duration) {}
func (discard) RowsWritten(string, string, int) {}
func (discard) RowsPending(string, int64) {}
func (discard) ChunkWritten(string, string, time.Duration) {}
func (discard) LookupDone(string, string, int, time.Duration, error) {}
func (discard) WatermarkCommitted(string, int64) {}

// Multi fans events out to several recorders
func Multi(recorders ...Recorder) Recorder {
	out := make(multi, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

type multi []Recorder

func (m multi) PageDone(job, state string, rows int, d time.Duration) {
	for _, r := range m {
		r.PageDone(job, state, rows, d)
	}
}

func (m multi) RowsWritten(job, status string, n int) {
	for _, r := range m {
		r.RowsWritten(job, status, n)
	}
}

func (m multi) RowsPending(job string, n int64) {
	for _, r := range m {
		r.RowsPending(job, n)
	}
}

func (m multi) ChunkWritten(job, outcome string, d time.Duration) {
	for _, r := range m {
		r.ChunkWritten(job, outcome, d)
	}
}

func (m multi) LookupDone(job, dimension string, keys int, d time.Duration, err error) {
	for _, r := range m {
		r.LookupDone(job, dimension, keys, d, err)
	}
}

func (m multi) WatermarkCommitted(job string, id int64) {
	for _, r := range m {
		r.WatermarkCommitted(job, id)
	}
}
