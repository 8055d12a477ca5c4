package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseBackend keeps progress in an append-only migration_progress
// table next to the migrated data. Every Put appends a row; reads aggregate
// them, so the watermark is the max ever written.
type ClickHouseBackend struct {
	conn  driver.Conn
	table string
}

// NewClickHouseBackend creates the progress table when absent
func NewClickHouseBackend(ctx context.Context, conn driver.Conn, database string) (*ClickHouseBackend, error) {
	table := "migration_progress"
	if database != "" {
		table = "`" + database + "`." + table
	}

	b := &ClickHouseBackend{conn: conn, table: table}
	if err := conn.Exec(ctx, fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		job_key String,
		last_migrated_id Int64,
		rows_moved Int64,
		updated_at DateTime('UTC')
	) ENGINE = MergeTree ORDER BY (job_key, updated_at)`, table)); err != nil {
		return nil, fmt.Errorf("failed to create progress table: %w", err)
	}
	return b, nil
}

// Get aggregates the rows of jobKey
func (b *ClickHouseBackend) Get(ctx context.Context, jobKey string) (*Record, error) {
	var (
		rec   = Record{JobKey: jobKey}
		count uint64
	)
	query := fmt.Sprintf(`
	SELECT max(last_migrated_id), sum(rows_moved), max(updated_at), count()
	FROM %s WHERE job_key = ?`, b.table)

	if err := b.conn.QueryRow(ctx, query, jobKey).Scan(&rec.LastMigratedID, &rec.RowsMoved, &rec.UpdatedAt, &count); err != nil {
		return nil, fmt.Errorf("failed to read progress: %w", err)
	}
	if count == 0 {
		return nil, nil
	}
	return &rec, nil
}

// Put appends one progress row
func (b *ClickHouseBackend) Put(ctx context.Context, rec Record) error {
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	query := fmt.Sprintf(`INSERT INTO %s (job_key, last_migrated_id, rows_moved, updated_at) VALUES (?, ?, ?, ?)`, b.table)
	if err := b.conn.Exec(ctx, query, rec.JobKey, rec.LastMigratedID, rec.RowsMoved, updatedAt); err != nil {
		return fmt.Errorf("failed to append progress: %w", err)
	}
	return nil
}

// List aggregates the rows of every job
func (b *ClickHouseBackend) List(ctx context.Context) ([]Record, error) {
	query := fmt.Sprintf(`
	SELECT job_key, max(last_migrated_id), sum(rows_moved), max(updated_at)
	FROM %s GROUP BY job_key ORDER BY job_key`, b.table)

	rows, err := b.conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress: %w", err)
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

// Delete drops the rows of jobKey with a synchronous mutation
func (b *ClickHouseBackend) Delete(ctx context.Context, jobKey string) error {
	query := fmt.Sprintf(`ALTER TABLE %s DELETE WHERE job_key = ? SETTINGS mutations_sync = 1`, b.table)
	if err := b.conn.Exec(ctx, query, jobKey); err != nil {
		return fmt.Errorf("failed to delete progress: %w", err)
	}
	return nil
}

// Close closes the connection
func (b *ClickHouseBackend) Close() error {
	return b.conn.Close()
}
