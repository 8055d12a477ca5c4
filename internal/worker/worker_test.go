package worker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRetrierRetriesTimeouts(t *testing.T) {
	r := Retrier{Attempts: 3, Backoff: time.Millisecond}

	var calls int
	err := r.Do(context.Background(), "lookup", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return context.DeadlineExceeded
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrierStopsOnPermanentError(t *testing.T) {
	r := Retrier{Attempts: 5, Backoff: time.Millisecond, Logger: zap.NewNop()}
	permanent := errors.New("Error 1064: syntax error")

	var calls int
	err := r.Do(context.Background(), "write", func(ctx context.Context) error {
		calls++
		return permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetrierExhaustsAttempts(t *testing.T) {
	r := Retrier{Attempts: 2, Backoff: time.Millisecond}

	var calls int
	err := r.Do(context.Background(), "write", func(ctx context.Context) error {
		calls++
		return errors.New("i/o timeout")
	})

	assert.EqualError(t, err, "i/o timeout")
	assert.Equal(t, 2, calls)
}

func TestRetrierAppliesPerAttemptTimeout(t *testing.T) {
	r := Retrier{Attempts: 2, Timeout: 10 * time.Millisecond}

	var calls int
	err := r.Do(context.Background(), "slow", func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, calls)
}

func TestRetrierBackoff(t *testing.T) {
	r := Retrier{Backoff: 100 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, r.calculateBackoff(1))
	assert.Equal(t, 200*time.Millisecond, r.calculateBackoff(2))
	assert.Equal(t, 400*time.Millisecond, r.calculateBackoff(3))
}

func TestPoolRunsEveryTask(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
		busy atomic.Int32
		peak atomic.Int32
	)

	handler := HandlerFunc(func(ctx context.Context, task Task) {
		n := busy.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		busy.Add(-1)

		mu.Lock()
		seen = append(seen, task.String())
		mu.Unlock()
	})

	pool := NewPool(2, handler, zap.NewNop())
	tasks := make(chan Task, 4)
	tasks <- Task{Job: "customers", ProviderID: 22}
	tasks <- Task{Job: "customers", ProviderID: 23}
	tasks <- Task{Job: "invoices"}
	tasks <- Task{Job: "products", ProviderID: 22}
	close(tasks)

	var wg sync.WaitGroup
	pool.Start(context.Background(), tasks, &wg)
	wg.Wait()

	sort.Strings(seen)
	assert.Equal(t, []string{"customers_22", "customers_23", "invoices", "products_22"}, seen)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPoolStopsTakingTasksWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var handled atomic.Int32
	pool := NewPool(1, HandlerFunc(func(ctx context.Context, task Task) {
		handled.Add(1)
	}), zap.NewNop())

	tasks := make(chan Task, 1)
	tasks <- Task{Job: "customers"}
	close(tasks)

	var wg sync.WaitGroup
	pool.Start(ctx, tasks, &wg)
	wg.Wait()

	assert.Equal(t, int32(0), handled.Load())
}
