// Package datadog ships engine events to Datadog.
//
// Events are buffered in memory and submitted on a ticker, with one final
// flush on Close, so long runs show up as a time series rather than a single
// spike at exit. Flush swaps the buffers under the lock and submits outside it.
package datadog

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"mysql2clickhouse/internal/metrics"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// Options controls Datadog backend configuration
type Options struct {
	// Service becomes tag "service:<name>" on every metric, default "mysql2clickhouse"
	Service string

	// Tags are extra Datadog tags such as "team:data"
	Tags []string

	// FlushEvery defaults to 60 seconds
	FlushEvery time.Duration

	// test seams
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Recorder for Datadog
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
	closeOnce  sync.Once

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu sync.Mutex

	rows       map[string]float64   // job, status
	pages      map[string]float64   // job, state
	lookupErrs map[string]float64   // job, dimension
	pending    map[string]float64   // job
	watermarks map[string]float64   // job
	chunkDur   map[string][]float64 // job, outcome
	lookupDur  map[string][]float64 // job, dimension
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

// NewBackend constructs a Datadog backend using the official client.
// Credentials come from DD_API_KEY and DD_SITE via the client's default context.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	if parent == nil {
		return nil, wrapInitErr(fmt.Errorf("nil context"))
	}

	service := opts.Service
	if service == "" {
		service = "mysql2clickhouse"
	}

	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "service:"+service)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	submitter := opts.submitter
	if submitter == nil {
		submitter = datadogV2.NewMetricsApi(dd.NewAPIClient(dd.NewConfiguration()))
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		baseTags:   baseTags,
		now:        nowFn,
		newTicker:  newTicker,
	}
	b.reset()

	go b.loop()
	return b, nil
}

func (b *Backend) reset() {
	b.rows = make(map[string]float64)
	b.pages = make(map[string]float64)
	b.lookupErrs = make(map[string]float64)
	b.pending = make(map[string]float64)
	b.watermarks = make(map[string]float64)
	b.chunkDur = make(map[string][]float64)
	b.lookupDur = make(map[string][]float64)
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the flush loop and performs one final Flush
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		close(b.stopCh)
		<-b.doneCh
	})
	return b.Flush()
}

func (b *Backend) PageDone(job, state string, rows int, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pages[pairKey(job, state)]++
}

func (b *Backend) RowsWritten(job, status string, n int) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows[pairKey(job, status)] += float64(n)
}

func (b *Backend) RowsPending(job string, n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[job] = float64(n)
}

func (b *Backend) ChunkWritten(job, outcome string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := pairKey(job, outcome)
	b.chunkDur[k] = append(b.chunkDur[k], d.Seconds())
}

func (b *Backend) LookupDone(job, dimension string, keys int, d time.Duration, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := pairKey(job, dimension)
	b.lookupDur[k] = append(b.lookupDur[k], d.Seconds())
	if err != nil {
		b.lookupErrs[k]++
	}
}

func (b *Backend) WatermarkCommitted(job string, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watermarks[job] = float64(id)
}

type snapshot struct {
	rows       map[string]float64
	pages      map[string]float64
	lookupErrs map[string]float64
	pending    map[string]float64
	watermarks map[string]float64
	chunkDur   map[string][]float64
	lookupDur  map[string][]float64
}

func (b *Backend) snapshotAndReset() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := snapshot{
		rows:       b.rows,
		pages:      b.pages,
		lookupErrs: b.lookupErrs,
		pending:    b.pending,
		watermarks: b.watermarks,
		chunkDur:   b.chunkDur,
		lookupDur:  b.lookupDur,
	}
	b.reset()
	return s
}

func (s snapshot) isEmpty() bool {
	return len(s.rows) == 0 &&
		len(s.pages) == 0 &&
		len(s.lookupErrs) == 0 &&
		len(s.pending) == 0 &&
		len(s.watermarks) == 0 &&
		len(s.chunkDur) == 0 &&
		len(s.lookupDur) == 0
}

// Flush submits buffered metrics and resets the buffers, even when the
// submission fails. It returns nil when there is nothing to send.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}

	payload := datadogV2.MetricPayload{Series: b.buildSeries(snap, b.now().Unix())}
	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

func (b *Backend) buildSeries(s snapshot, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, len(s.rows)+len(s.pages)+32)

	for _, k := range sortedKeys(s.rows) {
		job, status := splitPairKey(k)
		series = append(series, point(datadogV2.METRICINTAKETYPE_COUNT, "etl.rows.total", s.rows[k],
			withTags(b.baseTags, "job:"+job, "status:"+status), nowUnix))
	}
	for _, k := range sortedKeys(s.pages) {
		job, state := splitPairKey(k)
		series = append(series, point(datadogV2.METRICINTAKETYPE_COUNT, "etl.pages.total", s.pages[k],
			withTags(b.baseTags, "job:"+job, "state:"+state), nowUnix))
	}
	for _, k := range sortedKeys(s.lookupErrs) {
		job, dim := splitPairKey(k)
		series = append(series, point(datadogV2.METRICINTAKETYPE_COUNT, "etl.lookup.errors", s.lookupErrs[k],
			withTags(b.baseTags, "job:"+job, "dimension:"+dim), nowUnix))
	}
	for _, job := range sortedKeys(s.pending) {
		series = append(series, point(datadogV2.METRICINTAKETYPE_GAUGE, "etl.rows.pending", s.pending[job],
			withTags(b.baseTags, "job:"+job), nowUnix))
	}
	for _, job := range sortedKeys(s.watermarks) {
		series = append(series, point(datadogV2.METRICINTAKETYPE_GAUGE, "etl.watermark", s.watermarks[job],
			withTags(b.baseTags, "job:"+job), nowUnix))
	}
	for _, k := range sortedKeys(s.chunkDur) {
		job, outcome := splitPairKey(k)
		addPercentiles(&series, "etl.chunk.duration_seconds", s.chunkDur[k],
			withTags(b.baseTags, "job:"+job, "outcome:"+outcome), nowUnix)
	}
	for _, k := range sortedKeys(s.lookupDur) {
		job, dim := splitPairKey(k)
		addPercentiles(&series, "etl.lookup.duration_seconds", s.lookupDur[k],
			withTags(b.baseTags, "job:"+job, "dimension:"+dim), nowUnix)
	}

	return series
}

// addPercentiles appends nearest-rank percentile gauges; samples is not mutated
func addPercentiles(series *[]datadogV2.MetricSeries, prefix string, samples []float64, tags []string, nowUnix int64) {
	if len(samples) == 0 {
		return
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	gauge := datadogV2.METRICINTAKETYPE_GAUGE
	*series = append(*series,
		point(gauge, prefix+".p50", percentileNearestRank(cp, 0.50), tags, nowUnix),
		point(gauge, prefix+".p95", percentileNearestRank(cp, 0.95), tags, nowUnix),
		point(gauge, prefix+".p99", percentileNearestRank(cp, 0.99), tags, nowUnix),
		point(gauge, prefix+".max", cp[len(cp)-1], tags, nowUnix),
		point(gauge, prefix+".samples", float64(len(cp)), tags, nowUnix),
	)
}

func point(kind datadogV2.MetricIntakeType, metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   kind.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func pairKey(a, b string) string {
	return a + "\x00" + b
}

func splitPairKey(k string) (string, string) {
	parts := strings.SplitN(k, "\x00", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return k, "unknown"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	out = append(out, extras...)
	return out
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

// ParseTagsCSV parses comma-separated tags like "env:prod,team:data"
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func wrapInitErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("datadog metrics init: %w", err)
}

var _ metrics.Recorder = (*Backend)(nil)
