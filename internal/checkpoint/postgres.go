package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBackend keeps progress in a PostgreSQL table
type PostgresBackend struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresBackend creates the progress table when absent
func NewPostgresBackend(ctx context.Context, pool *pgxpool.Pool, schemaName string) (*PostgresBackend, error) {
	if schemaName == "" {
		schemaName = "public"
	}
	b := &PostgresBackend{
		pool:  pool,
		table: pgx.Identifier{schemaName, "migration_progress"}.Sanitize(),
	}

	_, err := pool.Exec(ctx, fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		job_key TEXT PRIMARY KEY,
		last_migrated_id BIGINT NOT NULL,
		rows_moved BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL
	)`, b.table))
	if err != nil {
		return nil, fmt.Errorf("failed to create progress table: %w", err)
	}
	return b, nil
}

// Get returns the record of jobKey
func (b *PostgresBackend) Get(ctx context.Context, jobKey string) (*Record, error) {
	var rec Record
	err := b.pool.QueryRow(ctx, fmt.Sprintf(`
	SELECT job_key, last_migrated_id, rows_moved, updated_at
	FROM %s WHERE job_key = $1`, b.table), jobKey).Scan(&rec.JobKey, &rec.LastMigratedID, &rec.RowsMoved, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Put upserts the record, never lowering the stored id
func (b *PostgresBackend) Put(ctx context.Context, rec Record) error {
	_, err := b.pool.Exec(ctx, fmt.Sprintf(`
	INSERT INTO %[1]s AS p (job_key, last_migrated_id, rows_moved, updated_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (job_key) DO UPDATE SET
		last_migrated_id = GREATEST(p.last_migrated_id, EXCLUDED.last_migrated_id),
		rows_moved = p.rows_moved + EXCLUDED.rows_moved,
		updated_at = EXCLUDED.updated_at`, b.table),
		rec.JobKey, rec.LastMigratedID, rec.RowsMoved, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert progress: %w", err)
	}
	return nil
}

// List returns all records ordered by job key
func (b *PostgresBackend) List(ctx context.Context) ([]Record, error) {
	rows, err := b.pool.Query(ctx, fmt.Sprintf(`
	SELECT job_key, last_migrated_id, rows_moved, updated_at
	FROM %s ORDER BY job_key`, b.table))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var rec Record
		err := row.Scan(&rec.JobKey, &rec.LastMigratedID, &rec.RowsMoved, &rec.UpdatedAt)
		return rec, err
	})
}

// Delete removes the record of jobKey
func (b *PostgresBackend) Delete(ctx context.Context, jobKey string) error {
	_, err := b.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE job_key = $1`, b.table), jobKey)
	return err
}

// Close closes the pool
func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}
