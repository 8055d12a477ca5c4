package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mysql2clickhouse/internal/app"
	"mysql2clickhouse/internal/config"
	"mysql2clickhouse/internal/jobs"
	"mysql2clickhouse/internal/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "mysql2clickhouse",
	Short: "Migrate operational tables from MySQL into ClickHouse",
	Long: `An incremental, resumable migration tool that reads business tables from a
relational source, enriches them with related dimensions and writes flat
analytical rows to ClickHouse, PostgreSQL or object storage.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run migration jobs",
	RunE:  runMigration,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stored checkpoints",
	RunE:  showStatus,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the checkpoint of a job so it restarts from the first row",
	RunE:  resetCheckpoint,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List the registered jobs",
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range jobs.Default().Names() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default is none)")

	// Source flags
	flags.String("source-dialect", "mysql", "Source dialect (mysql/postgres/sqlserver/sqlite)")
	flags.String("source-host", "", "Source host")
	flags.Int("source-port", 0, "Source port")
	flags.String("source-database", "", "Source database")
	flags.String("source-user", "", "Source user")
	flags.String("source-password", "", "Source password")
	flags.String("source-dsn", "", "Full source DSN, overrides host/port/user")
	flags.Float64("rate-limit", 0, "Maximum source queries per second (0 = unlimited)")

	// Target flags
	flags.String("target", "clickhouse", "Target kind (clickhouse/postgres/objectstore)")
	flags.StringSlice("clickhouse-addr", []string{"localhost:9000"}, "ClickHouse addresses")
	flags.String("clickhouse-database", "default", "ClickHouse database")
	flags.String("clickhouse-user", "default", "ClickHouse user")
	flags.String("clickhouse-password", "", "ClickHouse password")
	flags.String("postgres-dsn", "", "PostgreSQL DSN")
	flags.String("postgres-schema", "public", "PostgreSQL schema")
	flags.String("s3-endpoint", "", "Object store endpoint")
	flags.String("s3-access-key", "", "Object store access key")
	flags.String("s3-secret-key", "", "Object store secret key")
	flags.Bool("s3-secure", false, "Use HTTPS for the object store")
	flags.String("s3-bucket", "", "Object store bucket")
	flags.String("s3-prefix", "", "Object key prefix")

	// Checkpoint flags
	flags.String("checkpoint-backend", "sqlite", "Checkpoint backend (sqlite/clickhouse/postgres)")
	flags.String("checkpoint", "./checkpoint.db", "Checkpoint database file for the sqlite backend")

	// Migration flags
	flags.Int("concurrency", 4, "Number of jobs run at once")
	flags.Int("page-size", 1000, "Rows read per page")
	flags.Int("chunk-size", 500, "Rows per insert batch")
	flags.Int("write-parallelism", 1, "Concurrent chunk writes per page")
	flags.Int("retries", 5, "Maximum retry attempts")
	flags.Int("retry-backoff-ms", 500, "Initial retry backoff in milliseconds")
	flags.Int("timeout", 60, "Timeout in seconds for one source or target call")
	flags.Bool("dry-run", false, "Read and transform without writing or committing")
	flags.Bool("show-progress", true, "Show progress display")
	flags.String("metrics-addr", ":8080", "Prometheus listen address (empty disables)")
	flags.Bool("datadog", false, "Also send metrics to Datadog")
	flags.String("log-level", "info", "Log level (debug/info/warn/error)")

	runCmd.Flags().StringSlice("job", nil, "Jobs to run (default all)")
	runCmd.Flags().Int64Slice("provider", nil, "Provider ids to scope jobs to")
	runCmd.Flags().Bool("all-providers", false, "Run jobs for every active provider")

	resetCmd.Flags().String("job", "", "Job key to reset, e.g. invoices_22 (required)")
	_ = resetCmd.MarkFlagRequired("job")

	rootCmd.AddCommand(runCmd, statusCmd, resetCmd, jobsCmd)
}

func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

func runMigration(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	names, _ := cmd.Flags().GetStringSlice("job")
	providers, _ := cmd.Flags().GetInt64Slice("provider")
	all, _ := cmd.Flags().GetBool("all-providers")

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("Received shutdown signal, gracefully stopping...")
		cancel()
	}()

	migrator, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	summaries, err := migrator.Run(ctx, app.Plan{
		Jobs:         names,
		Providers:    providers,
		AllProviders: all,
	})

	// Close migrator resources after migration completes or is cancelled
	if closeErr := migrator.Close(); closeErr != nil {
		log.Error("Error closing migrator", zap.Error(closeErr))
	}
	if err != nil {
		return err
	}

	if err := printJSON(cmd, summaries); err != nil {
		return err
	}

	failed := 0
	for _, s := range summaries {
		if !s.Success {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs did not succeed", failed, len(summaries))
	}
	return nil
}

func showStatus(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := cmd.Context()
	store, err := app.OpenCheckpoints(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List(ctx)
	if err != nil {
		return err
	}
	return printJSON(cmd, records)
}

func resetCheckpoint(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	key, _ := cmd.Flags().GetString("job")

	ctx := cmd.Context()
	store, err := app.OpenCheckpoints(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Reset(ctx, key); err != nil {
		return err
	}
	log.Info("Checkpoint reset", zap.String("job", key))
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to print result: %w", err)
	}
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
