package source

import (
	"context"
	"fmt"
	"strings"

	"mysql2clickhouse/internal/dimension"
	"mysql2clickhouse/internal/record"
)

// PageQuery describes a keyset-paginated fact query. Where and Args add an
// optional ?-placeholder filter, such as a provider scope.
type PageQuery struct {
	Select    string
	From      string
	KeyColumn string
	Where     string
	Args      []any
}

func (q PageQuery) validate() error {
	if q.Select == "" || q.From == "" || q.KeyColumn == "" {
		return fmt.Errorf("page query needs select, from and key column")
	}
	return nil
}

func (q PageQuery) where() string {
	w := q.KeyColumn + " > ?"
	if q.Where != "" {
		w += " AND (" + q.Where + ")"
	}
	return w
}

// Extractor fetches fact pages above a watermark, ordered by key
type Extractor struct {
	db    *DB
	query PageQuery
}

// Extractor binds a page query to the database
func (d *DB) Extractor(q PageQuery) (*Extractor, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	return &Extractor{db: d, query: q}, nil
}

// PageSQL renders the page statement with ? placeholders
func (e *Extractor) PageSQL(limit int) string {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s ASC",
		e.query.Select, e.query.From, e.query.where(), e.query.KeyColumn)
	return e.db.dialect.Limit(q, limit)
}

// FetchPage returns up to limit rows with key > watermark in ascending key
// order. Rows inserted behind the watermark after it advanced are never
// returned by later pages.
func (e *Extractor) FetchPage(ctx context.Context, watermark int64, limit int) ([]record.Row, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("page limit must be positive, got %d", limit)
	}
	args := append([]any{watermark}, e.query.Args...)
	rows, err := e.db.Query(ctx, e.PageSQL(limit), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page after %d: %w", watermark, err)
	}
	return rows, nil
}

// Count returns how many fact rows lie above the watermark
func (e *Extractor) Count(ctx context.Context, watermark int64) (int64, error) {
	q := fmt.Sprintf("SELECT COUNT(*) AS n FROM %s WHERE %s", e.query.From, e.query.where())
	args := append([]any{watermark}, e.query.Args...)
	n, err := e.db.QueryInt64(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to count rows after %d: %w", watermark, err)
	}
	return n, nil
}

// LookupQuery describes a bulk dimension query keyed by KeyColumn. GroupBy
// serves pre-aggregated dimensions such as totals per customer.
type LookupQuery struct {
	Select    string
	From      string
	KeyColumn string
	Where     string
	Args      []any
	GroupBy   string
}

// LookupSQL renders the lookup statement for n keys
func (q LookupQuery) LookupSQL(n int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s WHERE %s IN (%s)", q.Select, q.From, q.KeyColumn, placeholders(n))
	if q.Where != "" {
		b.WriteString(" AND (" + q.Where + ")")
	}
	if q.GroupBy != "" {
		b.WriteString(" GROUP BY " + q.GroupBy)
	}
	return b.String()
}

// Lookup binds a lookup query to the database
func (d *DB) Lookup(q LookupQuery) dimension.LookupFunc {
	return func(ctx context.Context, keys []any) ([]record.Row, error) {
		if len(keys) == 0 {
			return nil, nil
		}
		args := make([]any, 0, len(keys)+len(q.Args))
		args = append(args, keys...)
		args = append(args, q.Args...)
		return d.Query(ctx, q.LookupSQL(len(keys)), args...)
	}
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}
