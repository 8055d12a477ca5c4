// Package engine runs a job page by page: extract above the watermark,
// resolve dimensions in bulk, transform, write in chunks, then commit the
// watermark only if every row of the page made it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mysql2clickhouse/internal/dimension"
	"mysql2clickhouse/internal/faults"
	"mysql2clickhouse/internal/metrics"
	"mysql2clickhouse/internal/record"
	"mysql2clickhouse/internal/schema"
	"mysql2clickhouse/internal/worker"
	"mysql2clickhouse/internal/writer"

	"go.uber.org/zap"
)

// Checkpoints reads and advances job watermarks
type Checkpoints interface {
	GetWatermark(ctx context.Context, jobKey string) (int64, error)
	CommitWatermark(ctx context.Context, jobKey string, id, rowsMoved int64) (bool, error)
}

// Options tunes the engine
type Options struct {
	// MaxErrorDetails caps the details kept in a summary
	MaxErrorDetails  int
	DryRun           bool
	WriteParallelism int
	// Retry bounds page fetches, counts and sink writes
	Retry worker.Retrier
	// OnTransition observes every state change
	OnTransition func(job string, from, to State)
}

// TransferResult is the outcome of one page
type TransferResult struct {
	Rows          int
	MigratedCount int
	ErrorCount    int
	ErrorDetails  []faults.Detail
	HighestSeenID int64
	Duration      time.Duration
}

// Summary is the outcome of one job run
type Summary struct {
	RunID              string          `json:"run_id,omitempty"`
	JobKey             string          `json:"job"`
	StartWatermark     int64           `json:"start_watermark"`
	Watermark          int64           `json:"watermark"`
	Pending            int64           `json:"pending"`
	TotalRecords       int             `json:"total_records"`
	Migrated           int             `json:"migrated"`
	Errors             int             `json:"errors"`
	ErrorDetails       []faults.Detail `json:"error_details,omitempty"`
	Pages              int             `json:"pages"`
	FinalState         State           `json:"-"`
	Cancelled          bool            `json:"cancelled"`
	CheckpointFailures int             `json:"checkpoint_failures"`
	DryRun             bool            `json:"dry_run"`
	Duration           time.Duration   `json:"duration"`
	Success            bool            `json:"success"`
}

func (s *Summary) addDetails(limit int, details ...faults.Detail) {
	for _, d := range details {
		if len(s.ErrorDetails) >= limit {
			return
		}
		s.ErrorDetails = append(s.ErrorDetails, d)
	}
}

func (s *Summary) fail(limit int, err error) {
	s.Errors++
	s.addDetails(limit, faults.Describe(err))
}

// Engine runs jobs against a checkpoint store
type Engine struct {
	store    Checkpoints
	resolver *dimension.Resolver
	opts     Options
	recorder metrics.Recorder
	logger   *zap.Logger
}

// New creates an engine
func New(store Checkpoints, resolver *dimension.Resolver, opts Options, recorder metrics.Recorder, logger *zap.Logger) *Engine {
	if opts.MaxErrorDetails <= 0 {
		opts.MaxErrorDetails = 20
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
	if resolver == nil {
		resolver = dimension.NewResolver(dimension.Options{Retry: opts.Retry}, recorder, logger)
	}
	return &Engine{
		store:    store,
		resolver: resolver,
		opts:     opts,
		recorder: recorder,
		logger:   logger,
	}
}

// Run transfers every row of job above its watermark. Cancelling ctx stops
// the loop before the next page; the current page always finishes.
//
// The returned error is set when the job stopped on a connectivity, lookup
// or extraction failure. Row failures only show in the summary.
func (e *Engine) Run(ctx context.Context, job *Job) (*Summary, error) {
	start := time.Now()
	summary := &Summary{JobKey: job.Key, DryRun: e.opts.DryRun}
	defer func() {
		summary.Duration = time.Since(start)
		summary.Success = summary.FinalState == Done && summary.Errors == 0 && summary.CheckpointFailures == 0
	}()

	if err := job.Validate(); err != nil {
		summary.FinalState = Failed
		summary.fail(e.opts.MaxErrorDetails, err)
		return summary, err
	}

	logger := e.logger.With(zap.String("job", job.Key))
	sm := &machine{state: Idle, onMove: func(from, to State) {
		if e.opts.OnTransition != nil {
			e.opts.OnTransition(job.Key, from, to)
		}
	}}
	defer func() { summary.FinalState = sm.state }()

	// Work inside a page is never interrupted by operator cancellation.
	pageCtx := context.WithoutCancel(ctx)

	watermark, err := e.store.GetWatermark(pageCtx, job.Key)
	if err != nil {
		sm.move(Failed)
		summary.fail(e.opts.MaxErrorDetails, err)
		logger.Error("Failed to read watermark", zap.Error(err))
		return summary, err
	}
	summary.StartWatermark = watermark
	summary.Watermark = watermark

	if !e.opts.DryRun {
		err := e.opts.Retry.Do(pageCtx, "ensure table "+job.Table.Name, func(ctx context.Context) error {
			return job.Sink.EnsureTable(ctx, job.Table)
		})
		if err != nil {
			err = &faults.ConnectivityError{Target: "destination table " + job.Table.Name, Err: err}
			sm.move(Failed)
			summary.fail(e.opts.MaxErrorDetails, err)
			logger.Error("Failed to prepare destination", zap.Error(err))
			return summary, err
		}
	}

	if counter, ok := job.Extract.(Counter); ok {
		if n, err := counter.Count(pageCtx, watermark); err != nil {
			logger.Warn("Failed to count pending rows", zap.Error(err))
		} else {
			summary.Pending = n
			e.recorder.RowsPending(job.Key, n)
		}
	}

	logger.Info("Job started",
		zap.Int64("watermark", watermark),
		zap.Int64("pending", summary.Pending),
		zap.Int("page_size", job.PageSize),
		zap.Bool("dry_run", e.opts.DryRun),
	)

	w := writer.New(job.Sink, writer.Options{
		ChunkSize:   job.ChunkSize,
		Parallelism: e.opts.WriteParallelism,
		Retry:       e.opts.Retry,
	}, e.recorder, logger)

	for {
		if ctx.Err() != nil {
			summary.Cancelled = true
			logger.Info("Job cancelled between pages", zap.Int64("watermark", summary.Watermark))
			return summary, nil
		}

		res, err := e.runPage(pageCtx, sm, job, w, summary.Watermark, logger)
		summary.TotalRecords += res.Rows
		summary.Migrated += res.MigratedCount
		summary.Errors += res.ErrorCount
		summary.addDetails(e.opts.MaxErrorDetails, res.ErrorDetails...)

		if err != nil {
			summary.fail(e.opts.MaxErrorDetails, err)
			logger.Error("Job failed", zap.Int64("watermark", summary.Watermark), zap.Error(err))
			return summary, err
		}
		if sm.state == Done {
			logger.Info("Job finished",
				zap.Int64("watermark", summary.Watermark),
				zap.Int("migrated", summary.Migrated),
				zap.Int("pages", summary.Pages),
			)
			return summary, nil
		}

		summary.Pages++
		if sm.state == Failed {
			logger.Error("Page had errors, watermark not advanced",
				zap.Int64("watermark", summary.Watermark),
				zap.Int("errors", res.ErrorCount),
			)
			return summary, nil
		}

		// Committing: the page fully succeeded.
		if !e.opts.DryRun {
			if _, err := e.store.CommitWatermark(pageCtx, job.Key, res.HighestSeenID, int64(res.MigratedCount)); err != nil {
				summary.CheckpointFailures++
				summary.addDetails(e.opts.MaxErrorDetails, faults.Detail{Context: "checkpoint", Message: err.Error()})
				logger.Error("Failed to commit watermark", zap.Int64("watermark", res.HighestSeenID), zap.Error(err))
			} else {
				e.recorder.WatermarkCommitted(job.Key, res.HighestSeenID)
			}
		}
		summary.Watermark = res.HighestSeenID
		sm.move(Idle)

		logger.Info("Page committed",
			zap.Int64("watermark", summary.Watermark),
			zap.Int("rows", res.Rows),
			zap.Duration("duration", res.Duration),
		)
	}
}

// runPage moves sm from Idle to Done, Failed or Committing
func (e *Engine) runPage(ctx context.Context, sm *machine, job *Job, w *writer.Writer, watermark int64, logger *zap.Logger) (TransferResult, error) {
	start := time.Now()
	var res TransferResult
	defer func() {
		res.Duration = time.Since(start)
		if sm.state != Done {
			e.recorder.PageDone(job.Key, sm.state.String(), res.Rows, res.Duration)
		}
	}()

	sm.move(Extracting)
	var rows []record.Row
	err := e.opts.Retry.Do(ctx, "fetch page "+job.Key, func(ctx context.Context) error {
		var err error
		rows, err = job.Extract.FetchPage(ctx, watermark, job.PageSize)
		return err
	})
	if err != nil {
		sm.move(Failed)
		return res, &faults.ConnectivityError{Target: "source", Err: err}
	}
	if len(rows) == 0 {
		sm.move(Done)
		return res, nil
	}
	res.Rows = len(rows)

	highest, err := checkPage(rows, job.IDField, watermark, job.PageSize)
	if err != nil {
		sm.move(Failed)
		return res, err
	}
	res.HighestSeenID = highest

	sm.move(Resolving)
	dims, err := e.resolver.Resolve(ctx, job.Key, rows, job.Dimensions)
	if err != nil {
		sm.move(Failed)
		return res, err
	}

	sm.move(Transforming)
	recs := make([]schema.Record, 0, len(rows))
	var transformErrs []error
	for _, row := range rows {
		rec, err := job.Transform(row, dims)
		if err != nil {
			var te *faults.TransformError
			if !errors.As(err, &te) {
				id, _ := row.ID(job.IDField)
				err = &faults.TransformError{RowID: id, Err: err}
			}
			transformErrs = append(transformErrs, err)
			continue
		}
		recs = append(recs, rec)
	}
	if len(transformErrs) > 0 {
		e.recorder.RowsWritten(job.Key, metrics.StatusTransformError, len(transformErrs))
		logger.Warn("Rows skipped by transform", zap.Int("rows", len(transformErrs)))
	}

	sm.move(Writing)
	var writeErrs []error
	if e.opts.DryRun {
		res.MigratedCount = len(recs)
		e.recorder.RowsWritten(job.Key, metrics.StatusMigrated, len(recs))
	} else {
		out := w.WritePage(ctx, job.Key, job.Table, recs)
		res.MigratedCount = out.Migrated
		writeErrs = out.Errors
	}

	for _, err := range append(transformErrs, writeErrs...) {
		res.ErrorCount++
		res.ErrorDetails = append(res.ErrorDetails, faults.Describe(err))
	}

	if res.ErrorCount > 0 || res.MigratedCount == 0 {
		sm.move(Failed)
		return res, nil
	}
	sm.move(Committing)
	return res, nil
}

// checkPage verifies the keyset contract of a page and returns its last id
func checkPage(rows []record.Row, idField string, watermark int64, pageSize int) (int64, error) {
	if len(rows) > pageSize {
		return 0, fmt.Errorf("page has %d rows, more than page size %d", len(rows), pageSize)
	}
	prev := watermark
	for i, row := range rows {
		id, err := row.ID(idField)
		if err != nil {
			return 0, fmt.Errorf("page row %d: %w", i, err)
		}
		if id <= prev {
			return 0, fmt.Errorf("page row %d: id %d does not follow %d", i, id, prev)
		}
		prev = id
	}
	return prev, nil
}
