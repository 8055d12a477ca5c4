// Package writer splits a page of records into chunks and writes them with
// bulk calls, falling back to row-by-row writes for a chunk that fails.
package writer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mysql2clickhouse/internal/faults"
	"mysql2clickhouse/internal/metrics"
	"mysql2clickhouse/internal/schema"
	"mysql2clickhouse/internal/sink"
	"mysql2clickhouse/internal/worker"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options tunes the writer
type Options struct {
	ChunkSize   int
	Parallelism int
	Retry       worker.Retrier
}

// Result is the outcome of one page write
type Result struct {
	Migrated int
	Errors   []error
}

// Writer writes pages into a sink
type Writer struct {
	sink     sink.Sink
	opts     Options
	recorder metrics.Recorder
	logger   *zap.Logger
}

// New creates a writer over s
func New(s sink.Sink, opts Options, recorder metrics.Recorder, logger *zap.Logger) *Writer {
	if opts.ChunkSize < 1 {
		opts.ChunkSize = 1000
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	if recorder == nil {
		recorder = metrics.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Retry.Logger == nil {
		opts.Retry.Logger = logger
	}
	return &Writer{sink: s, opts: opts, recorder: recorder, logger: logger}
}

// Chunks splits recs into consecutive slices of at most size records
func Chunks(recs []schema.Record, size int) [][]schema.Record {
	if size < 1 {
		size = 1
	}
	out := make([][]schema.Record, 0, (len(recs)+size-1)/size)
	for start := 0; start < len(recs); start += size {
		end := min(start+size, len(recs))
		out = append(out, recs[start:end])
	}
	return out
}

// WriteChunk writes recs with one bulk call, retried while the failure is
// transient. A failure is returned as *faults.ChunkWriteError.
func (w *Writer) WriteChunk(ctx context.Context, t *schema.Table, recs []schema.Record) error {
	if len(recs) == 0 {
		return nil
	}
	err := w.opts.Retry.Do(ctx, "write chunk "+t.Name, func(ctx context.Context) error {
		return w.sink.Write(ctx, t, recs)
	})
	if err != nil {
		return &faults.ChunkWriteError{
			Table:   t.Name,
			FirstID: recs[0].Key,
			LastID:  recs[len(recs)-1].Key,
			Size:    len(recs),
			Err:     err,
		}
	}
	return nil
}

// WritePage writes every chunk of recs and returns once all outcomes are
// known. Records that fail even when written alone are reported as
// *faults.RowWriteError and excluded from Migrated.
func (w *Writer) WritePage(ctx context.Context, job string, t *schema.Table, recs []schema.Record) Result {
	var (
		mu  sync.Mutex
		res Result
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.Parallelism)

	for _, chunk := range Chunks(recs, w.opts.ChunkSize) {
		g.Go(func() error {
			migrated, errs := w.writeChunk(gctx, job, t, chunk)

			mu.Lock()
			res.Migrated += migrated
			res.Errors = append(res.Errors, errs...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	w.recorder.RowsWritten(job, metrics.StatusMigrated, res.Migrated)
	if len(res.Errors) > 0 {
		w.recorder.RowsWritten(job, metrics.StatusWriteError, len(res.Errors))
	}
	return res
}

func (w *Writer) writeChunk(ctx context.Context, job string, t *schema.Table, chunk []schema.Record) (int, []error) {
	start := time.Now()
	err := w.WriteChunk(ctx, t, chunk)
	if err == nil {
		w.recorder.ChunkWritten(job, metrics.OutcomeBulk, time.Since(start))
		return len(chunk), nil
	}

	w.logger.Warn("Chunk write failed, retrying rows individually",
		zap.String("job", job),
		zap.Int("rows", len(chunk)),
		zap.Error(err),
	)

	start = time.Now()
	migrated := 0
	var errs []error
	for _, rec := range chunk {
		rowErr := w.opts.Retry.Do(ctx, fmt.Sprintf("write row %s[%d]", t.Name, rec.Key), func(ctx context.Context) error {
			return w.sink.Write(ctx, t, []schema.Record{rec})
		})
		if rowErr != nil {
			errs = append(errs, &faults.RowWriteError{Table: t.Name, RowID: rec.Key, Err: rowErr})
			continue
		}
		migrated++
	}
	w.recorder.ChunkWritten(job, metrics.OutcomeFallback, time.Since(start))

	if len(errs) > 0 {
		w.logger.Error("Rows failed after individual retry",
			zap.String("job", job),
			zap.Int("failed", len(errs)),
			zap.Int("written", migrated),
		)
	}
	return migrated, errs
}
