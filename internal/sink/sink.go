// Package sink writes destination records. Every sink is an idempotent
// upsert by record key so a replayed page leaves the same final state.
package sink

import (
	"context"
	"fmt"

	"mysql2clickhouse/internal/schema"

	"go.uber.org/zap"
)

// Sink is a destination for transformed records
type Sink interface {
	// EnsureTable creates the destination table when absent
	EnsureTable(ctx context.Context, t *schema.Table) error
	// Write stores recs as one bulk operation
	Write(ctx context.Context, t *schema.Table, recs []schema.Record) error
	Close() error
}

// Kinds of sinks
const (
	KindClickHouse  = "clickhouse"
	KindPostgres    = "postgres"
	KindObjectStore = "objectstore"
)

// Config selects and configures a sink
type Config struct {
	Kind        string
	ClickHouse  ClickHouseConfig
	Postgres    PostgresConfig
	ObjectStore ObjectStoreConfig
}

// Open connects the configured sink
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Sink, error) {
	var (
		s   Sink
		err error
	)
	switch cfg.Kind {
	case KindClickHouse, "":
		var ch *ClickHouse
		if ch, err = NewClickHouse(ctx, cfg.ClickHouse, logger); err == nil {
			s = ch
		}
	case KindPostgres:
		var pg *Postgres
		if pg, err = NewPostgres(ctx, cfg.Postgres, logger); err == nil {
			s = pg
		}
	case KindObjectStore:
		var obj *ObjectStore
		if obj, err = NewObjectStore(ctx, cfg.ObjectStore, logger); err == nil {
			s = obj
		}
	default:
		err = fmt.Errorf("unsupported target kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}
