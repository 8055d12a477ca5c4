package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Pool runs independent job tasks concurrently, one task per worker at a
// time. Tasks share nothing but what the handler closes over.
type Pool struct {
	size    int
	handler Handler
	logger  *zap.Logger
}

// NewPool creates a new worker pool
func NewPool(size int, handler Handler, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		size:    size,
		handler: handler,
		logger:  logger,
	}
}

// Size returns the number of workers
func (p *Pool) Size() int {
	return p.size
}

// Start starts the worker pool
func (p *Pool) Start(ctx context.Context, tasks <-chan Task, wg *sync.WaitGroup) {
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go p.worker(ctx, i, tasks, wg)
	}
}

func (p *Pool) worker(ctx context.Context, id int, tasks <-chan Task, wg *sync.WaitGroup) {
	defer wg.Done()

	logger := p.logger.With(zap.Int("worker_id", id))
	logger.Debug("Worker started")

	for {
		// A cancelled run takes no new tasks; a running task stops at its
		// next page boundary.
		if ctx.Err() != nil {
			logger.Info("Worker stopped - context cancelled")
			return
		}

		select {
		case task, ok := <-tasks:
			if !ok {
				logger.Debug("Worker finished - no more tasks")
				return
			}

			logger.Info("Task started", zap.String("task", task.String()))
			p.handler.Handle(ctx, task)

		case <-ctx.Done():
			logger.Info("Worker stopped - context cancelled")
			return
		}
	}
}
