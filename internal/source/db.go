// Package source reads fact pages and dimension rows from the relational
// source over database/sql. Every query is key-bounded: pages use keyset
// pagination and lookups use IN lists.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"mysql2clickhouse/internal/faults"
	"mysql2clickhouse/internal/record"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"
)

// Config describes the source connection
type Config struct {
	Dialect      string
	Host         string
	Port         int
	Database     string
	User         string
	Password     string
	TLS          string
	DSN          string
	MaxOpenConns int
	PingTimeout  time.Duration

	// RateLimit caps source queries per second, 0 for unlimited
	RateLimit float64
	RateBurst int
}

// DB is a rate-limited source database handle
type DB struct {
	db      *sql.DB
	dialect Dialect
	limiter *rate.Limiter
	logger  *zap.Logger
}

// Open connects to the source and verifies it is reachable
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*DB, error) {
	dialect, err := ParseDialect(cfg.Dialect)
	if err != nil {
		return nil, err
	}
	dsn, err := BuildDSN(cfg)
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open source: %w", err)
	}

	maxConns := cfg.MaxOpenConns
	if maxConns <= 0 {
		maxConns = 8
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(max(1, maxConns/4))
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, &faults.ConnectivityError{Target: "source " + string(dialect), Err: err}
	}

	logger.Info("Connected to source",
		zap.String("dialect", string(dialect)),
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
	)

	return New(sqlDB, dialect, newLimiter(cfg.RateLimit, cfg.RateBurst), logger), nil
}

// New wraps an open handle. A nil limiter means unlimited.
func New(db *sql.DB, dialect Dialect, limiter *rate.Limiter, logger *zap.Logger) *DB {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DB{db: db, dialect: dialect, limiter: limiter, logger: logger}
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Dialect returns the SQL flavor of the source
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// Close closes the underlying pool
func (d *DB) Close() error {
	return d.db.Close()
}

// Query runs a ?-placeholder query and returns its rows
func (d *DB) Query(ctx context.Context, query string, args ...any) ([]record.Row, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	query = d.dialect.Rebind(query)
	d.logger.Debug("Source query", zap.String("query", query), zap.Int("args", len(args)))

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRows(rows)
}

// QueryInt64 runs a query returning a single integer
func (d *DB) QueryInt64(ctx context.Context, query string, args ...any) (int64, error) {
	rows, err := d.Query(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	for _, v := range rows[0] {
		n, ok := record.AsInt64(v)
		if !ok && v != nil {
			return 0, fmt.Errorf("expected integer result, got %T", v)
		}
		return n, nil
	}
	return 0, nil
}

func scanRows(rows *sql.Rows) ([]record.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}

	var out []record.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		row := make(record.Row, len(cols))
		for i, c := range cols {
			row[c] = normalize(vals[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// normalize maps driver values onto the types record.Row documents
func normalize(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case int16:
		return int64(t)
	case int8:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case float32:
		return float64(t)
	case time.Time:
		return t.UTC()
	default:
		return v
	}
}
