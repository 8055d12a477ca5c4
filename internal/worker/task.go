package worker

import (
	"context"
	"fmt"
)

// Task is one job run: a registered job name scoped to a provider.
// ProviderID 0 means the job is not provider-scoped.
type Task struct {
	Job        string `json:"job"`
	ProviderID int64  `json:"provider_id"`
}

func (t Task) String() string {
	if t.ProviderID == 0 {
		return t.Job
	}
	return fmt.Sprintf("%s_%d", t.Job, t.ProviderID)
}

// Handler runs a single task to completion
type Handler interface {
	Handle(ctx context.Context, task Task)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, task Task)

func (f HandlerFunc) Handle(ctx context.Context, task Task) { f(ctx, task) }
