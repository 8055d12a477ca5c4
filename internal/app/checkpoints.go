package app

import (
	"context"
	"fmt"

	"mysql2clickhouse/internal/checkpoint"
	"mysql2clickhouse/internal/config"
	"mysql2clickhouse/internal/sink"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// OpenCheckpoints opens the configured checkpoint store on its own, for
// operator commands that do not touch the source or the sink
func OpenCheckpoints(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*checkpoint.Store, error) {
	backend, err := openBackend(ctx, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
	}
	return checkpoint.NewStore(backend, logger), nil
}

// openBackend reuses the target's postgres pool when there is one
func openBackend(ctx context.Context, cfg *config.Config, target sink.Sink) (checkpoint.Backend, error) {
	switch cfg.Checkpoint.Backend {
	case config.CheckpointClickHouse:
		conn, err := sink.OpenClickHouse(ctx, cfg.SinkSettings().ClickHouse)
		if err != nil {
			return nil, err
		}
		b, err := checkpoint.NewClickHouseBackend(ctx, conn, cfg.Target.ClickHouse.Database)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return b, nil

	case config.CheckpointPostgres:
		var pool *pgxpool.Pool
		if pg, ok := target.(*sink.Postgres); ok {
			pool = pg.Pool()
		} else {
			var err error
			if pool, err = pgxpool.New(ctx, cfg.Target.Postgres.DSN); err != nil {
				return nil, fmt.Errorf("failed to create postgres pool: %w", err)
			}
		}
		b, err := checkpoint.NewPostgresBackend(ctx, pool, cfg.Target.Postgres.Schema)
		if err != nil {
			if target == nil {
				pool.Close()
			}
			return nil, err
		}
		return b, nil

	default:
		return checkpoint.NewSQLiteBackend(cfg.Checkpoint.Path)
	}
}
