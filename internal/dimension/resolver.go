package dimension

import (
	"context"
	"fmt"
	"time"

	"mysql2clickhouse/internal/faults"
	"mysql2clickhouse/internal/metrics"
	"mysql2clickhouse/internal/record"
	"mysql2clickhouse/internal/worker"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultMaxKeysPerCall = 1000

// Options tunes the resolver
type Options struct {
	// MaxKeysPerCall splits very large key sets into several IN lists
	MaxKeysPerCall int
	// Retry bounds and retries each bulk call
	Retry worker.Retrier
}

// Resolver builds the dimension maps of a page
type Resolver struct {
	opts     Options
	recorder metrics.Recorder
	logger   *zap.Logger
}

// NewResolver creates a resolver
func NewResolver(opts Options, recorder metrics.Recorder, logger *zap.Logger) *Resolver {
	if opts.MaxKeysPerCall <= 0 {
		opts.MaxKeysPerCall = defaultMaxKeysPerCall
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
	return &Resolver{opts: opts, recorder: recorder, logger: logger}
}

// Resolve looks up every spec for rows, concurrently across specs, and
// returns once all lookups are done. The first failure cancels the others
// and is returned as a *faults.LookupError.
func (r *Resolver) Resolve(ctx context.Context, job string, rows []record.Row, specs []Spec) (Maps, error) {
	maps := make(Maps, len(specs))
	results := make([]*Map, len(specs))

	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		g.Go(func() error {
			m, err := r.resolveOne(gctx, job, rows, spec)
			if err != nil {
				return err
			}
			results[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, spec := range specs {
		maps[spec.Name] = results[i]
	}
	return maps, nil
}

func (r *Resolver) resolveOne(ctx context.Context, job string, rows []record.Row, spec Spec) (*Map, error) {
	m := NewMap()
	keys := DistinctKeys(rows, spec.Keys)
	if len(keys) == 0 {
		return m, nil
	}

	start := time.Now()
	found, err := r.fetch(ctx, spec, keys)
	r.recorder.LookupDone(job, spec.Name, len(keys), time.Since(start), err)
	if err != nil {
		return nil, &faults.LookupError{Dimension: spec.Name, Keys: len(keys), Err: err}
	}

	pick := spec.Pick
	if pick == nil {
		pick = First
	}

	for _, k := range keys {
		nk, _ := record.KeyOf(k)
		if matches, ok := found[nk]; ok {
			m.Set(k, NewEntry(pick(matches)))
		} else {
			m.Set(k, NotFound)
		}
	}

	r.logger.Debug("Dimension resolved",
		zap.String("job", job),
		zap.String("dimension", spec.Name),
		zap.Int("keys", len(keys)),
		zap.Int("found", len(found)),
		zap.Duration("duration", time.Since(start)),
	)
	return m, nil
}

// fetch runs the bulk lookup in calls of at most MaxKeysPerCall keys and
// groups the returned rows by normalized key.
func (r *Resolver) fetch(ctx context.Context, spec Spec, keys []any) (map[record.Key][]record.Row, error) {
	found := make(map[record.Key][]record.Row)
	for start := 0; start < len(keys); start += r.opts.MaxKeysPerCall {
		end := min(start+r.opts.MaxKeysPerCall, len(keys))
		batch := keys[start:end]

		var got []record.Row
		err := r.opts.Retry.Do(ctx, "lookup "+spec.Name, func(ctx context.Context) error {
			var err error
			got, err = spec.Lookup(ctx, batch)
			return err
		})
		if err != nil {
			return nil, err
		}

		for _, row := range got {
			k, ok := record.KeyOf(row.Get(spec.KeyColumn))
			if !ok {
				return nil, fmt.Errorf("lookup row without key column %q", spec.KeyColumn)
			}
			found[k] = append(found[k], row)
		}
	}
	return found, nil
}
