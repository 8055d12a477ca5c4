// Package checkpoint persists the per-job watermark: the highest source id
// whose page was fully written. Watermarks never move backwards.
package checkpoint

import (
	"context"
	"fmt"
	"time"

	"mysql2clickhouse/internal/faults"

	"go.uber.org/zap"
)

// Record is the stored progress of one job
type Record struct {
	JobKey         string    `json:"job_key"`
	LastMigratedID int64     `json:"last_migrated_id"`
	RowsMoved      int64     `json:"rows_moved"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Backend is a key-value store of job records
type Backend interface {
	// Get returns nil when the job has no record
	Get(ctx context.Context, jobKey string) (*Record, error)
	// Put keeps the greater of the stored and given LastMigratedID and adds
	// rec.RowsMoved to the stored count
	Put(ctx context.Context, rec Record) error
	List(ctx context.Context) ([]Record, error)
	// Delete removes a job's record; operator use only
	Delete(ctx context.Context, jobKey string) error
	Close() error
}

// Store reads and advances job watermarks
type Store struct {
	backend Backend
	logger  *zap.Logger
	now     func() time.Time
}

// NewStore creates a store over backend
func NewStore(backend Backend, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		backend: backend,
		logger:  logger,
		now:     time.Now,
	}
}

// GetWatermark returns the last migrated id of jobKey, 0 when the job has
// never committed. A read failure is a connectivity error: callers must not
// assume 0.
func (s *Store) GetWatermark(ctx context.Context, jobKey string) (int64, error) {
	rec, err := s.backend.Get(ctx, jobKey)
	if err != nil {
		return 0, &faults.ConnectivityError{Target: "checkpoint store", Err: err}
	}
	if rec == nil {
		return 0, nil
	}
	return rec.LastMigratedID, nil
}

// CommitWatermark records id as the watermark of jobKey. Nothing is written
// when rowsMoved is 0, and false is returned.
func (s *Store) CommitWatermark(ctx context.Context, jobKey string, id, rowsMoved int64) (bool, error) {
	if rowsMoved == 0 {
		return false, nil
	}

	rec := Record{
		JobKey:         jobKey,
		LastMigratedID: id,
		RowsMoved:      rowsMoved,
		UpdatedAt:      s.now().UTC(),
	}
	if err := s.backend.Put(ctx, rec); err != nil {
		return false, fmt.Errorf("failed to commit watermark %d for %s: %w", id, jobKey, err)
	}

	s.logger.Debug("Watermark committed",
		zap.String("job", jobKey),
		zap.Int64("watermark", id),
		zap.Int64("rows", rowsMoved),
	)
	return true, nil
}

// List returns every stored record
func (s *Store) List(ctx context.Context) ([]Record, error) {
	recs, err := s.backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return recs, nil
}

// Reset deletes the record of jobKey so the next run starts from 0.
// Destination data is left as is.
func (s *Store) Reset(ctx context.Context, jobKey string) error {
	if err := s.backend.Delete(ctx, jobKey); err != nil {
		return fmt.Errorf("failed to reset %s: %w", jobKey, err)
	}
	s.logger.Info("Checkpoint reset", zap.String("job", jobKey))
	return nil
}

// Close closes the backend
func (s *Store) Close() error {
	return s.backend.Close()
}
