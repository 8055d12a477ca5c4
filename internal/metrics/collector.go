package metrics

import (
	"net/http"
	"time"

	"mysql2clickhouse/internal/progress"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exposes engine events as Prometheus metrics and feeds the
// run's progress tracker.
type Collector struct {
	registry        *prometheus.Registry
	rowsTotal       *prometheus.CounterVec
	pagesTotal      *prometheus.CounterVec
	rowsPending     *prometheus.GaugeVec
	chunkDuration   *prometheus.HistogramVec
	lookupDuration  *prometheus.HistogramVec
	lookupErrors    *prometheus.CounterVec
	watermark       *prometheus.GaugeVec
	progressTracker *progress.Tracker
}

// New creates a new metrics collector with its own registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		rowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etl_rows_total",
				Help: "Fact rows processed, by outcome",
			},
			[]string{"job", "status"},
		),
		pagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etl_pages_total",
				Help: "Pages finished, by terminal state",
			},
			[]string{"job", "state"},
		),
		rowsPending: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "etl_rows_pending",
				Help: "Source rows above the watermark when the job started",
			},
			[]string{"job"},
		),
		chunkDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "etl_chunk_duration_seconds",
				Help:    "Time taken to write one chunk",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job", "outcome"},
		),
		lookupDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "etl_lookup_duration_seconds",
				Help:    "Time taken by one bulk dimension lookup",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job", "dimension"},
		),
		lookupErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etl_lookup_errors_total",
				Help: "Failed bulk dimension lookups",
			},
			[]string{"job", "dimension"},
		),
		watermark: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "etl_watermark",
				Help: "Last committed watermark",
			},
			[]string{"job"},
		),
		progressTracker: progress.NewTracker(),
	}

	c.registry.MustRegister(
		c.rowsTotal,
		c.pagesTotal,
		c.rowsPending,
		c.chunkDuration,
		c.lookupDuration,
		c.lookupErrors,
		c.watermark,
	)

	return c
}

func (c *Collector) PageDone(job, state string, rows int, d time.Duration) {
	c.pagesTotal.WithLabelValues(job, state).Inc()
	c.progressTracker.AddPage()
}

func (c *Collector) RowsWritten(job, status string, n int) {
	if n <= 0 {
		return
	}
	c.rowsTotal.WithLabelValues(job, status).Add(float64(n))
	if status == StatusMigrated {
		c.progressTracker.AddMigrated(int64(n))
	} else {
		c.progressTracker.AddFailed(int64(n))
	}
}

func (c *Collector) RowsPending(job string, n int64) {
	c.rowsPending.WithLabelValues(job).Set(float64(n))
	c.progressTracker.AddTotal(n)
}

func (c *Collector) ChunkWritten(job, outcome string, d time.Duration) {
	c.chunkDuration.WithLabelValues(job, outcome).Observe(d.Seconds())
}

func (c *Collector) LookupDone(job, dimension string, keys int, d time.Duration, err error) {
	c.lookupDuration.WithLabelValues(job, dimension).Observe(d.Seconds())
	if err != nil {
		c.lookupErrors.WithLabelValues(job, dimension).Inc()
	}
}

func (c *Collector) WatermarkCommitted(job string, id int64) {
	c.watermark.WithLabelValues(job).Set(float64(id))
}

// Handler serves the collector's registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server
func (c *Collector) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return http.ListenAndServe(addr, mux)
}

// GetProgressTracker returns the progress tracker
func (c *Collector) GetProgressTracker() *progress.Tracker {
	return c.progressTracker
}

var _ Recorder = (*Collector)(nil)
