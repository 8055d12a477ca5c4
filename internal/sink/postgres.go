package sink

import (
	"context"
	"fmt"
	"strings"

	"mysql2clickhouse/internal/faults"
	"mysql2clickhouse/internal/schema"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// maxBindParams is the PostgreSQL protocol limit on parameters per statement
const maxBindParams = 65535

// PostgresConfig contains the PostgreSQL sink settings
type PostgresConfig struct {
	DSN      string
	Schema   string
	MaxConns int32
}

// Postgres upserts records with INSERT ... ON CONFLICT on the key column
type Postgres struct {
	pool   *pgxpool.Pool
	schema string
	logger *zap.Logger
}

// NewPostgres connects a PostgreSQL sink
func NewPostgres(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &faults.ConnectivityError{Target: "postgres " + poolCfg.ConnConfig.Host, Err: err}
	}

	s := cfg.Schema
	if s == "" {
		s = "public"
	}
	logger.Info("Connected to PostgreSQL", zap.String("host", poolCfg.ConnConfig.Host), zap.String("schema", s))
	return &Postgres{pool: pool, schema: s, logger: logger}, nil
}

// EnsureTable creates the table when it does not exist
func (p *Postgres) EnsureTable(ctx context.Context, t *schema.Table) error {
	if _, err := p.pool.Exec(ctx, PostgresCreateTableSQL(p.schema, t)); err != nil {
		return fmt.Errorf("failed to create table %s: %w", t.Name, err)
	}
	return nil
}

// Write upserts recs in one transaction, split into as many statements as
// the bind parameter limit requires
func (p *Postgres) Write(ctx context.Context, t *schema.Table, recs []schema.Record) error {
	if len(recs) == 0 {
		return nil
	}

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		for _, part := range postgresStatements(t, recs) {
			args := make([]any, 0, len(part)*len(t.Fields))
			for _, r := range part {
				args = append(args, r.Values...)
			}
			if _, err := tx.Exec(ctx, PostgresUpsertSQL(p.schema, t, len(part)), args...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to upsert into %s: %w", t.Name, err)
	}
	return nil
}

// PostgresRowsPerStatement is the largest row count one upsert of t can bind
func PostgresRowsPerStatement(t *schema.Table) int {
	return max(1, maxBindParams/len(t.Fields))
}

func postgresStatements(t *schema.Table, recs []schema.Record) [][]schema.Record {
	size := PostgresRowsPerStatement(t)
	parts := make([][]schema.Record, 0, (len(recs)+size-1)/size)
	for start := 0; start < len(recs); start += size {
		parts = append(parts, recs[start:min(start+size, len(recs))])
	}
	return parts
}

// Close closes the pool
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Pool exposes the pool for the checkpoint backend
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

// PostgresType maps a field onto its column type
func PostgresType(f schema.Field) string {
	var typ string
	switch f.Type {
	case schema.Int:
		typ = "BIGINT"
	case schema.Float:
		typ = "DOUBLE PRECISION"
	case schema.Date:
		typ = "DATE"
	case schema.DateTime:
		typ = "TIMESTAMP"
	default:
		typ = "TEXT"
	}
	if f.Nullable {
		return typ + " NULL"
	}
	return typ + " NOT NULL"
}

// PostgresCreateTableSQL renders the CREATE TABLE statement of t
func PostgresCreateTableSQL(schemaName string, t *schema.Table) string {
	cols := make([]string, 0, len(t.Fields)+1)
	for _, f := range t.Fields {
		cols = append(cols, pgx.Identifier{f.Name}.Sanitize()+" "+PostgresType(f))
	}
	cols = append(cols, "PRIMARY KEY ("+pgx.Identifier{t.KeyField}.Sanitize()+")")
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    %s\n)",
		pgx.Identifier{schemaName, t.Name}.Sanitize(), strings.Join(cols, ",\n    "))
}

// PostgresUpsertSQL renders a multi-row upsert of n records
func PostgresUpsertSQL(schemaName string, t *schema.Table, n int) string {
	cols := make([]string, len(t.Fields))
	updates := make([]string, 0, len(t.Fields))
	for i, f := range t.Fields {
		cols[i] = pgx.Identifier{f.Name}.Sanitize()
		if f.Name != t.KeyField {
			updates = append(updates, cols[i]+" = EXCLUDED."+cols[i])
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ",
		pgx.Identifier{schemaName, t.Name}.Sanitize(), strings.Join(cols, ", "))

	param := 1
	for r := 0; r < n; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for c := range t.Fields {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", param)
			param++
		}
		b.WriteString(")")
	}

	key := pgx.Identifier{t.KeyField}.Sanitize()
	if len(updates) == 0 {
		fmt.Fprintf(&b, " ON CONFLICT (%s) DO NOTHING", key)
	} else {
		fmt.Fprintf(&b, " ON CONFLICT (%s) DO UPDATE SET %s", key, strings.Join(updates, ", "))
	}
	return b.String()
}
