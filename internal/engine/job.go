package engine

import (
	"context"
	"fmt"

	"mysql2clickhouse/internal/dimension"
	"mysql2clickhouse/internal/record"
	"mysql2clickhouse/internal/schema"
	"mysql2clickhouse/internal/sink"
	"mysql2clickhouse/internal/transform"
)

// Extractor fetches keyset pages of fact rows
type Extractor interface {
	FetchPage(ctx context.Context, watermark int64, limit int) ([]record.Row, error)
}

// Counter is implemented by extractors that can estimate pending rows
type Counter interface {
	Count(ctx context.Context, watermark int64) (int64, error)
}

// Job describes one transfer: where rows come from, how they are enriched
// and mapped, and where they go. It is immutable for the run.
type Job struct {
	Key        string
	PageSize   int
	ChunkSize  int
	Extract    Extractor
	IDField    string
	Dimensions []dimension.Spec
	Transform  transform.Func
	Table      *schema.Table
	Sink       sink.Sink
}

// Validate checks the descriptor before the first page
func (j *Job) Validate() error {
	switch {
	case j.Key == "":
		return fmt.Errorf("job key is required")
	case j.PageSize < 1:
		return fmt.Errorf("job %s: page size must be positive", j.Key)
	case j.ChunkSize < 1 || j.ChunkSize > j.PageSize:
		return fmt.Errorf("job %s: chunk size must be between 1 and page size %d", j.Key, j.PageSize)
	case j.Extract == nil:
		return fmt.Errorf("job %s: extractor is required", j.Key)
	case j.IDField == "":
		return fmt.Errorf("job %s: id field is required", j.Key)
	case j.Transform == nil:
		return fmt.Errorf("job %s: transform is required", j.Key)
	case j.Table == nil:
		return fmt.Errorf("job %s: destination table is required", j.Key)
	case j.Sink == nil:
		return fmt.Errorf("job %s: sink is required", j.Key)
	}

	seen := make(map[string]bool, len(j.Dimensions))
	for _, d := range j.Dimensions {
		if d.Name == "" || d.Keys == nil || d.Lookup == nil || d.KeyColumn == "" {
			return fmt.Errorf("job %s: dimension %q is incomplete", j.Key, d.Name)
		}
		if seen[d.Name] {
			return fmt.Errorf("job %s: duplicate dimension %s", j.Key, d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}
