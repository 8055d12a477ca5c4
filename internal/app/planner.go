package app

import (
	"context"
	"fmt"

	"mysql2clickhouse/internal/jobs"
	"mysql2clickhouse/internal/worker"

	"go.uber.org/zap"
)

// Plan selects what a run moves
type Plan struct {
	// Jobs to run, every registered job when empty
	Jobs []string
	// Providers to scope each job to; none means one unscoped run per job
	Providers []int64
	// AllProviders enumerates the active providers from the source
	AllProviders bool
}

// Tasks expands a plan into one task per job and provider
func (m *Migrator) Tasks(ctx context.Context, plan Plan) ([]worker.Task, error) {
	if plan.AllProviders {
		ids, err := jobs.ActiveProviders(ctx, m.source)
		if err != nil {
			return nil, err
		}
		plan.Providers = ids
	}
	tasks, skipped, err := expand(m.registry, plan)
	if err != nil {
		return nil, err
	}
	if len(skipped) > 0 {
		m.logger.Info("Skipping jobs that need a provider", zap.Strings("jobs", skipped))
	}
	return tasks, nil
}

// expand builds the task list of plan. An unscoped plan that names no jobs
// leaves out the provider-scoped ones and returns their names; naming such a
// job without providers is an error.
func expand(registry *jobs.Registry, plan Plan) (tasks []worker.Task, skipped []string, err error) {
	unscoped := len(plan.Providers) == 0 && !plan.AllProviders

	names := plan.Jobs
	if len(names) == 0 {
		for _, n := range registry.Names() {
			if unscoped && registry.NeedsProvider(n) {
				skipped = append(skipped, n)
				continue
			}
			names = append(names, n)
		}
	}
	for _, n := range names {
		if !registry.Has(n) {
			return nil, nil, fmt.Errorf("unknown job %q, known jobs are %v", n, registry.Names())
		}
		if unscoped && registry.NeedsProvider(n) {
			return nil, nil, fmt.Errorf("job %s needs --provider or --all-providers", n)
		}
	}

	providers := plan.Providers
	if unscoped {
		providers = []int64{0}
	}

	seen := make(map[string]bool)
	tasks = make([]worker.Task, 0, len(names)*len(providers))
	for _, n := range names {
		for _, p := range providers {
			t := worker.Task{Job: n, ProviderID: p}
			if seen[t.String()] {
				continue
			}
			seen[t.String()] = true
			tasks = append(tasks, t)
		}
	}
	return tasks, skipped, nil
}

// enqueue feeds tasks until done or cancelled and returns how many were sent
func enqueue(ctx context.Context, tasks []worker.Task, out chan<- worker.Task) int {
	n := 0
	for _, t := range tasks {
		select {
		case out <- t:
			n++
		case <-ctx.Done():
			return n
		}
	}
	return n
}
