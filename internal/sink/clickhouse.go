package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mysql2clickhouse/internal/faults"
	"mysql2clickhouse/internal/schema"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// ClickHouseConfig contains the ClickHouse connection settings
type ClickHouseConfig struct {
	Addr        []string
	Database    string
	Username    string
	Password    string
	DialTimeout time.Duration
}

// ClickHouse writes records into ReplacingMergeTree tables ordered by key,
// so a replayed row collapses into the existing one on merge.
type ClickHouse struct {
	conn     driver.Conn
	database string
	logger   *zap.Logger
}

// OpenClickHouse opens and pings a native-protocol connection
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (driver.Conn, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		conn.Close()
		return nil, &faults.ConnectivityError{Target: "clickhouse " + strings.Join(cfg.Addr, ","), Err: err}
	}
	return conn, nil
}

// NewClickHouse connects a ClickHouse sink
func NewClickHouse(ctx context.Context, cfg ClickHouseConfig, logger *zap.Logger) (*ClickHouse, error) {
	conn, err := OpenClickHouse(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("Connected to ClickHouse", zap.Strings("addr", cfg.Addr), zap.String("database", cfg.Database))
	return &ClickHouse{conn: conn, database: cfg.Database, logger: logger}, nil
}

// EnsureTable creates the table when it does not exist
func (c *ClickHouse) EnsureTable(ctx context.Context, t *schema.Table) error {
	if err := c.conn.Exec(ctx, ClickHouseCreateTableSQL(c.database, t)); err != nil {
		return fmt.Errorf("failed to create table %s: %w", t.Name, err)
	}
	return nil
}

// Write sends recs as one native batch
func (c *ClickHouse) Write(ctx context.Context, t *schema.Table, recs []schema.Record) error {
	if len(recs) == 0 {
		return nil
	}

	batch, err := c.conn.PrepareBatch(ctx, ClickHouseInsertSQL(c.database, t))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, r := range recs {
		if err := batch.Append(r.Values...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append row %d: %w", r.Key, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// Close closes the connection
func (c *ClickHouse) Close() error {
	return c.conn.Close()
}

// ClickHouseType maps a field onto its column type
func ClickHouseType(f schema.Field) string {
	var typ string
	switch f.Type {
	case schema.Int:
		typ = "Int64"
	case schema.Float:
		typ = "Float64"
	case schema.Date:
		typ = "Date32"
	case schema.DateTime:
		typ = "DateTime('UTC')"
	default:
		typ = "String"
	}
	if f.Nullable {
		return "Nullable(" + typ + ")"
	}
	return typ
}

// ClickHouseCreateTableSQL renders the CREATE TABLE statement of t
func ClickHouseCreateTableSQL(database string, t *schema.Table) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", chTableName(database, t.Name))
	for i, f := range t.Fields {
		fmt.Fprintf(&b, "    %s %s", chQuote(f.Name), ClickHouseType(f))
		if i < len(t.Fields)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, ") ENGINE = ReplacingMergeTree ORDER BY %s", chQuote(t.KeyField))
	return b.String()
}

// ClickHouseInsertSQL renders the batch INSERT prefix of t
func ClickHouseInsertSQL(database string, t *schema.Table) string {
	cols := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		cols[i] = chQuote(f.Name)
	}
	return fmt.Sprintf("INSERT INTO %s (%s)", chTableName(database, t.Name), strings.Join(cols, ", "))
}

func chTableName(database, table string) string {
	if database == "" {
		return chQuote(table)
	}
	return chQuote(database) + "." + chQuote(table)
}

func chQuote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "\\`") + "`"
}
