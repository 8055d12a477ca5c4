package worker

import (
	"context"
	"math"
	"time"

	"mysql2clickhouse/internal/faults"

	"go.uber.org/zap"
)

// Retrier runs bounded operations with a per-attempt timeout and retries
// them with exponential backoff while the failure is retryable.
type Retrier struct {
	Attempts int
	Backoff  time.Duration
	Timeout  time.Duration
	Logger   *zap.Logger
}

// Do runs op until it succeeds, fails with a non-retryable error, the
// attempts are exhausted or ctx is done. The last error is returned.
func (r Retrier) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := r.attempt(ctx, op)
		if err == nil {
			return nil
		}

		lastErr = err
		if r.Logger != nil {
			r.Logger.Warn("Attempt failed",
				zap.String("op", name),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", attempts),
				zap.Error(err),
			)
		}

		if !faults.IsRetryable(err) || attempt == attempts {
			break
		}

		if !sleep(ctx, r.calculateBackoff(attempt)) {
			break
		}
	}

	return lastErr
}

func (r Retrier) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	if r.Timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	return op(attemptCtx)
}

func (r Retrier) calculateBackoff(attempt int) time.Duration {
	return r.Backoff * time.Duration(math.Pow(2, float64(attempt-1)))
}

// sleep waits for d, returning false if ctx ends first
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
