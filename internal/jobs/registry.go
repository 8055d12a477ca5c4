// Package jobs holds the catalog of transfer jobs. Each job is registered by
// name and built per provider into an engine.Job.
package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"mysql2clickhouse/internal/engine"
	"mysql2clickhouse/internal/sink"
	"mysql2clickhouse/internal/source"
	"mysql2clickhouse/internal/worker"
)

// Deps is what a job needs to be built
type Deps struct {
	Source     *source.DB
	Sink       sink.Sink
	ProviderID int64
	PageSize   int
	ChunkSize  int
	// AsOf is the reference time of date-relative fields
	AsOf time.Time
}

// Key returns the job key and destination table name for a job name
func (d Deps) Key(name string) string {
	return worker.Task{Job: name, ProviderID: d.ProviderID}.String()
}

// BuildFunc builds one job
type BuildFunc func(d Deps) (*engine.Job, error)

// Registry maps job names to builders
type Registry struct {
	mu       sync.RWMutex
	builders map[string]BuildFunc
	scoped   map[string]bool
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{
		builders: make(map[string]BuildFunc),
		scoped:   make(map[string]bool),
	}
}

// Register adds a job; registering a name twice panics
func (r *Registry) Register(name string, fn BuildFunc) {
	r.register(name, fn, false)
}

// RegisterScoped adds a job that only runs for a given provider
func (r *Registry) RegisterScoped(name string, fn BuildFunc) {
	r.register(name, fn, true)
}

func (r *Registry) register(name string, fn BuildFunc, scoped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.builders[name]; dup {
		panic(fmt.Sprintf("job %s registered twice", name))
	}
	r.builders[name] = fn
	r.scoped[name] = scoped
}

// NeedsProvider reports whether name can only run for a given provider
func (r *Registry) NeedsProvider(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scoped[name]
}

// Names returns the registered job names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.builders))
	for n := range r.builders {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[name]
	return ok
}

// Build creates the named job for d
func (r *Registry) Build(name string, d Deps) (*engine.Job, error) {
	r.mu.RLock()
	fn, ok := r.builders[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown job %q", name)
	}
	if d.Source == nil {
		return nil, fmt.Errorf("job %s: source is required", name)
	}
	if d.ProviderID == 0 && r.NeedsProvider(name) {
		return nil, fmt.Errorf("job %s is scoped to a provider, give a provider id", name)
	}
	if d.AsOf.IsZero() {
		d.AsOf = time.Now().UTC()
	}
	job, err := fn(d)
	if err != nil {
		return nil, fmt.Errorf("failed to build job %s: %w", d.Key(name), err)
	}
	return job, nil
}

// Default returns a registry holding every catalog job
func Default() *Registry {
	r := NewRegistry()
	r.RegisterScoped("customers", Customers)
	r.Register("invoices", Invoices)
	r.Register("products", Products)
	r.Register("payments", Payments)
	r.Register("memberships", Memberships)
	r.Register("appointments", Appointments)
	return r
}

// ActiveProviders lists the ids of active service providers
func ActiveProviders(ctx context.Context, db *source.DB) ([]int64, error) {
	rows, err := db.Query(ctx, "SELECT id FROM serviceProvider WHERE status = 1 ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		id, err := row.ID("id")
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
