package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend implements Backend using a local SQLite file
type SQLiteBackend struct {
	db      *sql.DB
	closed  atomic.Bool
	writeMu sync.Mutex
}

// NewSQLiteBackend opens (and creates) the checkpoint database at dbPath
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	// Configure SQLite for concurrent access
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(10 * time.Minute)

	b := &SQLiteBackend{db: db}
	if err := b.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return b, nil
}

func (b *SQLiteBackend) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS migration_progress (
		job_key TEXT NOT NULL PRIMARY KEY,
		last_migrated_id INTEGER NOT NULL,
		rows_moved INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL
	);
	`

	_, err := b.db.Exec(query)
	return err
}

// Get retrieves a job record with retry mechanism
func (b *SQLiteBackend) Get(ctx context.Context, jobKey string) (*Record, error) {
	if b.closed.Load() {
		return nil, fmt.Errorf("checkpoint store is closed")
	}

	var result *Record
	err := b.retryOnBusy(ctx, func() error {
		var err error
		result, err = b.get(ctx, jobKey)
		return err
	})
	return result, err
}

func (b *SQLiteBackend) get(ctx context.Context, jobKey string) (*Record, error) {
	query := `
	SELECT job_key, last_migrated_id, rows_moved, updated_at
	FROM migration_progress WHERE job_key = ?
	`

	var rec Record
	err := b.db.QueryRowContext(ctx, query, jobKey).Scan(
		&rec.JobKey,
		&rec.LastMigratedID,
		&rec.RowsMoved,
		&rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Put advances a job record with retry mechanism
func (b *SQLiteBackend) Put(ctx context.Context, rec Record) error {
	if b.closed.Load() {
		return fmt.Errorf("checkpoint store is closed")
	}

	// Serialize writes to avoid SQLITE_BUSY from multiple concurrent writers
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	return b.retryOnBusy(ctx, func() error {
		return b.put(ctx, rec)
	})
}

func (b *SQLiteBackend) put(ctx context.Context, rec Record) error {
	query := `
	INSERT INTO migration_progress (job_key, last_migrated_id, rows_moved, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(job_key) DO UPDATE SET
		last_migrated_id = MAX(last_migrated_id, excluded.last_migrated_id),
		rows_moved = rows_moved + excluded.rows_moved,
		updated_at = excluded.updated_at
	`

	if _, err := b.db.ExecContext(ctx, query, rec.JobKey, rec.LastMigratedID, rec.RowsMoved, rec.UpdatedAt); err != nil {
		return fmt.Errorf("failed to execute upsert: %w", err)
	}
	return nil
}

// List returns all records ordered by job key
func (b *SQLiteBackend) List(ctx context.Context) ([]Record, error) {
	query := `
	SELECT job_key, last_migrated_id, rows_moved, updated_at
	FROM migration_progress
	ORDER BY job_key ASC
	`

	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.JobKey, &rec.LastMigratedID, &rec.RowsMoved, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Delete removes a job record
func (b *SQLiteBackend) Delete(ctx context.Context, jobKey string) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	return b.retryOnBusy(ctx, func() error {
		_, err := b.db.ExecContext(ctx, `DELETE FROM migration_progress WHERE job_key = ?`, jobKey)
		return err
	})
}

// retryOnBusy retries the operation if SQLite is busy
func (b *SQLiteBackend) retryOnBusy(ctx context.Context, operation func() error) error {
	maxRetries := 10
	baseDelay := 50 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil || !isSQLiteBusyError(err) || attempt == maxRetries-1 {
			return err
		}

		// Wait with exponential backoff + jitter
		delay := baseDelay*time.Duration(1<<uint(attempt)) + time.Duration(attempt*10)*time.Millisecond
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

// Close closes the database connection; later calls are no-ops
func (b *SQLiteBackend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}
