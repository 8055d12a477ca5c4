package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"mysql2clickhouse/internal/checkpoint"
	"mysql2clickhouse/internal/config"
	"mysql2clickhouse/internal/dimension"
	"mysql2clickhouse/internal/engine"
	"mysql2clickhouse/internal/faults"
	"mysql2clickhouse/internal/jobs"
	"mysql2clickhouse/internal/metrics"
	"mysql2clickhouse/internal/metrics/datadog"
	"mysql2clickhouse/internal/progress"
	"mysql2clickhouse/internal/sink"
	"mysql2clickhouse/internal/source"
	"mysql2clickhouse/internal/worker"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Migrator represents the main migration application
type Migrator struct {
	cfg      *config.Config
	logger   *zap.Logger
	runID    string
	source   *source.DB
	sink     sink.Sink
	store    *checkpoint.Store
	metrics  *metrics.Collector
	datadog  *datadog.Backend
	recorder metrics.Recorder
	registry *jobs.Registry
	engine   *engine.Engine
}

// New connects the source, the sink and the checkpoint store
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Migrator, error) {
	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))

	m := &Migrator{
		cfg:      cfg,
		logger:   logger,
		runID:    runID,
		metrics:  metrics.New(),
		registry: jobs.Default(),
	}

	src, err := source.Open(ctx, cfg.SourceSettings(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open source: %w", err)
	}
	m.source = src

	dst, err := sink.Open(ctx, cfg.SinkSettings(), logger)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to open target: %w", err)
	}
	m.sink = dst

	backend, err := openBackend(ctx, cfg, dst)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
	}
	m.store = checkpoint.NewStore(backend, logger)

	m.recorder = m.metrics
	if cfg.Metrics.Datadog.Enabled {
		dd, err := datadog.NewBackend(ctx, datadog.Options{
			Service:    cfg.Metrics.Datadog.Service,
			Tags:       datadog.ParseTagsCSV(cfg.Metrics.Datadog.Tags),
			FlushEvery: time.Duration(cfg.Metrics.Datadog.FlushEverySecs) * time.Second,
		})
		if err != nil {
			m.Close()
			return nil, err
		}
		m.datadog = dd
		m.recorder = metrics.Multi(m.metrics, dd)
	}

	retry := worker.Retrier{
		Attempts: cfg.Migration.Retries + 1,
		Backoff:  cfg.RetryBackoff(),
		Timeout:  cfg.Timeout(),
		Logger:   logger,
	}
	resolver := dimension.NewResolver(dimension.Options{
		MaxKeysPerCall: cfg.Migration.MaxKeysPerCall,
		Retry:          retry,
	}, m.recorder, logger)
	m.engine = engine.New(m.store, resolver, engine.Options{
		MaxErrorDetails:  cfg.Migration.MaxErrorDetails,
		DryRun:           cfg.Migration.DryRun,
		WriteParallelism: cfg.Migration.WriteParallelism,
		Retry:            retry,
		OnTransition: func(job string, from, to engine.State) {
			logger.Debug("State changed", zap.String("job", job), zap.Stringer("from", from), zap.Stringer("to", to))
		},
	}, m.recorder, logger)

	return m, nil
}

// RunID identifies this process run in logs and summaries
func (m *Migrator) RunID() string {
	return m.runID
}

// Run executes every task of the plan on the worker pool and returns one
// summary per task, ordered by job key
func (m *Migrator) Run(ctx context.Context, plan Plan) ([]*engine.Summary, error) {
	tasks, err := m.Tasks(ctx, plan)
	if err != nil {
		return nil, err
	}

	m.logger.Info("Starting migration",
		zap.Int("tasks", len(tasks)),
		zap.Int("concurrency", m.cfg.Migration.Concurrency),
		zap.Int("page_size", m.cfg.Migration.PageSize),
		zap.Bool("dry_run", m.cfg.Migration.DryRun),
	)

	// Start metrics server in a goroutine with error handling
	if m.cfg.Metrics.ListenAddr != "" {
		go func() {
			if err := m.metrics.StartServer(m.cfg.Metrics.ListenAddr); err != nil {
				m.logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	var progressDisplay *progress.Display
	if m.cfg.Migration.ShowProgress && progress.IsTerminalSupported() {
		progressDisplay = progress.NewDisplay(m.metrics.GetProgressTracker(), 2*time.Second)
		progressDisplay.Start()
		m.logger.Info("Progress display enabled")
	} else if !m.cfg.Migration.ShowProgress {
		m.logger.Info("Progress display disabled (disabled in config)")
	} else {
		m.logger.Info("Progress display disabled (unsupported terminal)")
	}

	var (
		mu        sync.Mutex
		summaries []*engine.Summary
	)
	handler := worker.HandlerFunc(func(ctx context.Context, task worker.Task) {
		s := m.runTask(ctx, task)
		mu.Lock()
		summaries = append(summaries, s)
		mu.Unlock()
	})

	queue := make(chan worker.Task, len(tasks))
	var wg sync.WaitGroup
	worker.NewPool(m.cfg.Migration.Concurrency, handler, m.logger).Start(ctx, queue, &wg)

	enqueued := enqueue(ctx, tasks, queue)
	close(queue)
	wg.Wait()

	if progressDisplay != nil {
		progressDisplay.Stop()
	}
	if m.datadog != nil {
		if err := m.datadog.Flush(); err != nil {
			m.logger.Warn("Failed to flush datadog metrics", zap.Error(err))
		}
	}

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].JobKey < summaries[j].JobKey })
	m.logger.Info("Migration completed",
		zap.Int("tasks", len(tasks)),
		zap.Int("enqueued", enqueued),
		zap.Int("finished", len(summaries)),
	)
	return summaries, nil
}

// runTask builds and runs one job; a job that cannot be built yields a
// failed summary
func (m *Migrator) runTask(ctx context.Context, task worker.Task) *engine.Summary {
	job, err := m.registry.Build(task.Job, jobs.Deps{
		Source:     m.source,
		Sink:       m.sink,
		ProviderID: task.ProviderID,
		PageSize:   m.cfg.Migration.PageSize,
		ChunkSize:  m.cfg.Migration.ChunkSize,
		AsOf:       time.Now().UTC(),
	})
	if err != nil {
		m.logger.Error("Failed to build job", zap.String("task", task.String()), zap.Error(err))
		return &engine.Summary{
			RunID:        m.runID,
			JobKey:       task.String(),
			FinalState:   engine.Failed,
			Errors:       1,
			ErrorDetails: []faults.Detail{faults.Describe(err)},
		}
	}

	s, err := m.engine.Run(ctx, job)
	if err != nil {
		m.logger.Error("Job stopped", zap.String("job", job.Key), zap.Error(err))
	}
	s.RunID = m.runID
	return s
}

// Close cleans up resources
func (m *Migrator) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.datadog != nil {
		keep(m.datadog.Close())
	}
	if m.store != nil {
		keep(m.store.Close())
	}
	if m.sink != nil {
		keep(m.sink.Close())
	}
	if m.source != nil {
		keep(m.source.Close())
	}
	return firstErr
}
