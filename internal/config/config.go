package config

import (
	"fmt"
	"os"
	"time"

	"mysql2clickhouse/internal/sink"
	"mysql2clickhouse/internal/source"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Source     SourceConfig     `yaml:"source"`
	Target     TargetConfig     `yaml:"target"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Migration  Migration        `yaml:"migration"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	LogLevel   string           `yaml:"log_level"`
}

// SourceConfig represents the relational source
type SourceConfig struct {
	Dialect      string  `yaml:"dialect"`
	Host         string  `yaml:"host"`
	Port         int     `yaml:"port"`
	Database     string  `yaml:"database"`
	User         string  `yaml:"user"`
	Password     string  `yaml:"password"`
	TLS          string  `yaml:"tls"`
	DSN          string  `yaml:"dsn"`
	MaxOpenConns int     `yaml:"max_open_conns"`
	RateLimit    float64 `yaml:"rate_limit"`
	RateBurst    int     `yaml:"rate_burst"`
}

// TargetConfig selects the destination and holds the settings of each kind
type TargetConfig struct {
	Kind        string            `yaml:"kind"`
	ClickHouse  ClickHouseConfig  `yaml:"clickhouse"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	ObjectStore ObjectStoreConfig `yaml:"objectstore"`
}

// ClickHouseConfig represents a ClickHouse server
type ClickHouseConfig struct {
	Addr     []string `yaml:"addr"`
	Database string   `yaml:"database"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
}

// PostgresConfig represents a PostgreSQL server
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	Schema   string `yaml:"schema"`
	MaxConns int32  `yaml:"max_conns"`
}

// ObjectStoreConfig represents S3-compatible storage
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

// CheckpointConfig selects where watermarks live. The clickhouse and
// postgres backends reuse the target connection settings.
type CheckpointConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// Migration represents migration-specific configuration
type Migration struct {
	Concurrency      int  `yaml:"concurrency"`
	PageSize         int  `yaml:"page_size"`
	ChunkSize        int  `yaml:"chunk_size"`
	WriteParallelism int  `yaml:"write_parallelism"`
	Retries          int  `yaml:"retries"`
	RetryBackoffMs   int  `yaml:"retry_backoff_ms"`
	TimeoutSeconds   int  `yaml:"timeout_seconds"`
	MaxErrorDetails  int  `yaml:"max_error_details"`
	MaxKeysPerCall   int  `yaml:"max_keys_per_call"`
	DryRun           bool `yaml:"dry_run"`
	ShowProgress     bool `yaml:"show_progress"`
}

// MetricsConfig represents the metrics endpoints
type MetricsConfig struct {
	ListenAddr string        `yaml:"listen_addr"`
	Datadog    DatadogConfig `yaml:"datadog"`
}

// DatadogConfig enables the Datadog backend; credentials come from DD_API_KEY
type DatadogConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Service        string `yaml:"service"`
	Tags           string `yaml:"tags"`
	FlushEverySecs int    `yaml:"flush_every_seconds"`
}

// Checkpoint backends
const (
	CheckpointSQLite     = "sqlite"
	CheckpointClickHouse = "clickhouse"
	CheckpointPostgres   = "postgres"
)

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := &Config{
		LogLevel: "info",
		Source: SourceConfig{
			Dialect:      "mysql",
			MaxOpenConns: 10,
		},
		Target: TargetConfig{
			Kind: sink.KindClickHouse,
			ClickHouse: ClickHouseConfig{
				Addr:     []string{"localhost:9000"},
				Database: "default",
				Username: "default",
			},
			Postgres: PostgresConfig{Schema: "public"},
		},
		Checkpoint: CheckpointConfig{
			Backend: CheckpointSQLite,
			Path:    "./checkpoint.db",
		},
		Migration: Migration{
			Concurrency:      4,
			PageSize:         1000,
			ChunkSize:        500,
			WriteParallelism: 1,
			Retries:          5,
			RetryBackoffMs:   500,
			TimeoutSeconds:   60,
			MaxErrorDetails:  20,
			MaxKeysPerCall:   1000,
			ShowProgress:     true,
		},
		Metrics: MetricsConfig{
			ListenAddr: ":8080",
		},
	}

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with command line flags
	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	// secrets may be given as ${VAR}
	return yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("source-dialect") {
		cfg.Source.Dialect, _ = flags.GetString("source-dialect")
	}
	if flags.Changed("source-host") {
		cfg.Source.Host, _ = flags.GetString("source-host")
	}
	if flags.Changed("source-port") {
		cfg.Source.Port, _ = flags.GetInt("source-port")
	}
	if flags.Changed("source-database") {
		cfg.Source.Database, _ = flags.GetString("source-database")
	}
	if flags.Changed("source-user") {
		cfg.Source.User, _ = flags.GetString("source-user")
	}
	if flags.Changed("source-password") {
		cfg.Source.Password, _ = flags.GetString("source-password")
	}
	if flags.Changed("source-dsn") {
		cfg.Source.DSN, _ = flags.GetString("source-dsn")
	}
	if flags.Changed("rate-limit") {
		cfg.Source.RateLimit, _ = flags.GetFloat64("rate-limit")
	}

	if flags.Changed("target") {
		cfg.Target.Kind, _ = flags.GetString("target")
	}
	if flags.Changed("clickhouse-addr") {
		cfg.Target.ClickHouse.Addr, _ = flags.GetStringSlice("clickhouse-addr")
	}
	if flags.Changed("clickhouse-database") {
		cfg.Target.ClickHouse.Database, _ = flags.GetString("clickhouse-database")
	}
	if flags.Changed("clickhouse-user") {
		cfg.Target.ClickHouse.Username, _ = flags.GetString("clickhouse-user")
	}
	if flags.Changed("clickhouse-password") {
		cfg.Target.ClickHouse.Password, _ = flags.GetString("clickhouse-password")
	}
	if flags.Changed("postgres-dsn") {
		cfg.Target.Postgres.DSN, _ = flags.GetString("postgres-dsn")
	}
	if flags.Changed("postgres-schema") {
		cfg.Target.Postgres.Schema, _ = flags.GetString("postgres-schema")
	}
	if flags.Changed("s3-endpoint") {
		cfg.Target.ObjectStore.Endpoint, _ = flags.GetString("s3-endpoint")
	}
	if flags.Changed("s3-access-key") {
		cfg.Target.ObjectStore.AccessKey, _ = flags.GetString("s3-access-key")
	}
	if flags.Changed("s3-secret-key") {
		cfg.Target.ObjectStore.SecretKey, _ = flags.GetString("s3-secret-key")
	}
	if flags.Changed("s3-secure") {
		cfg.Target.ObjectStore.Secure, _ = flags.GetBool("s3-secure")
	}
	if flags.Changed("s3-bucket") {
		cfg.Target.ObjectStore.Bucket, _ = flags.GetString("s3-bucket")
	}
	if flags.Changed("s3-prefix") {
		cfg.Target.ObjectStore.Prefix, _ = flags.GetString("s3-prefix")
	}

	if flags.Changed("checkpoint-backend") {
		cfg.Checkpoint.Backend, _ = flags.GetString("checkpoint-backend")
	}
	if flags.Changed("checkpoint") {
		cfg.Checkpoint.Path, _ = flags.GetString("checkpoint")
	}

	if flags.Changed("concurrency") {
		cfg.Migration.Concurrency, _ = flags.GetInt("concurrency")
	}
	if flags.Changed("page-size") {
		cfg.Migration.PageSize, _ = flags.GetInt("page-size")
	}
	if flags.Changed("chunk-size") {
		cfg.Migration.ChunkSize, _ = flags.GetInt("chunk-size")
	}
	if flags.Changed("write-parallelism") {
		cfg.Migration.WriteParallelism, _ = flags.GetInt("write-parallelism")
	}
	if flags.Changed("retries") {
		cfg.Migration.Retries, _ = flags.GetInt("retries")
	}
	if flags.Changed("retry-backoff-ms") {
		cfg.Migration.RetryBackoffMs, _ = flags.GetInt("retry-backoff-ms")
	}
	if flags.Changed("timeout") {
		cfg.Migration.TimeoutSeconds, _ = flags.GetInt("timeout")
	}
	if flags.Changed("dry-run") {
		cfg.Migration.DryRun, _ = flags.GetBool("dry-run")
	}
	if flags.Changed("show-progress") {
		cfg.Migration.ShowProgress, _ = flags.GetBool("show-progress")
	}

	if flags.Changed("metrics-addr") {
		cfg.Metrics.ListenAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("datadog") {
		cfg.Metrics.Datadog.Enabled, _ = flags.GetBool("datadog")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	return nil
}

func (c *Config) validate() error {
	if _, err := source.ParseDialect(c.Source.Dialect); err != nil {
		return err
	}
	if c.Source.DSN == "" && c.Source.Database == "" {
		return fmt.Errorf("source database or dsn is required")
	}

	switch c.Target.Kind {
	case sink.KindClickHouse:
		if len(c.Target.ClickHouse.Addr) == 0 {
			return fmt.Errorf("clickhouse address is required")
		}
	case sink.KindPostgres:
		if c.Target.Postgres.DSN == "" {
			return fmt.Errorf("postgres dsn is required")
		}
	case sink.KindObjectStore:
		if c.Target.ObjectStore.Endpoint == "" {
			return fmt.Errorf("object store endpoint is required")
		}
		if c.Target.ObjectStore.AccessKey == "" || c.Target.ObjectStore.SecretKey == "" {
			return fmt.Errorf("object store access key and secret key are required")
		}
		if c.Target.ObjectStore.Bucket == "" {
			return fmt.Errorf("object store bucket is required")
		}
	default:
		return fmt.Errorf("unsupported target kind %q", c.Target.Kind)
	}

	switch c.Checkpoint.Backend {
	case CheckpointSQLite:
		if c.Checkpoint.Path == "" {
			return fmt.Errorf("checkpoint path is required")
		}
	case CheckpointClickHouse, CheckpointPostgres:
		if c.Checkpoint.Backend != c.Target.Kind {
			return fmt.Errorf("checkpoint backend %s needs a %s target", c.Checkpoint.Backend, c.Checkpoint.Backend)
		}
	default:
		return fmt.Errorf("unsupported checkpoint backend %q", c.Checkpoint.Backend)
	}

	if c.Migration.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.Migration.PageSize <= 0 {
		return fmt.Errorf("page size must be positive")
	}
	if c.Migration.ChunkSize <= 0 || c.Migration.ChunkSize > c.Migration.PageSize {
		return fmt.Errorf("chunk size must be between 1 and page size %d", c.Migration.PageSize)
	}
	if c.Migration.WriteParallelism <= 0 {
		return fmt.Errorf("write parallelism must be positive")
	}
	if c.Migration.Retries < 0 {
		return fmt.Errorf("retries must not be negative")
	}

	return nil
}

// SourceSettings converts the source section for source.Open
func (c *Config) SourceSettings() source.Config {
	return source.Config{
		Dialect:      c.Source.Dialect,
		Host:         c.Source.Host,
		Port:         c.Source.Port,
		Database:     c.Source.Database,
		User:         c.Source.User,
		Password:     c.Source.Password,
		TLS:          c.Source.TLS,
		DSN:          c.Source.DSN,
		MaxOpenConns: c.Source.MaxOpenConns,
		PingTimeout:  c.Timeout(),
		RateLimit:    c.Source.RateLimit,
		RateBurst:    c.Source.RateBurst,
	}
}

// SinkSettings converts the target section for sink.Open
func (c *Config) SinkSettings() sink.Config {
	t := c.Target
	return sink.Config{
		Kind: t.Kind,
		ClickHouse: sink.ClickHouseConfig{
			Addr:        t.ClickHouse.Addr,
			Database:    t.ClickHouse.Database,
			Username:    t.ClickHouse.Username,
			Password:    t.ClickHouse.Password,
			DialTimeout: c.Timeout(),
		},
		Postgres: sink.PostgresConfig{
			DSN:      t.Postgres.DSN,
			Schema:   t.Postgres.Schema,
			MaxConns: t.Postgres.MaxConns,
		},
		ObjectStore: sink.ObjectStoreConfig{
			Endpoint:  t.ObjectStore.Endpoint,
			AccessKey: t.ObjectStore.AccessKey,
			SecretKey: t.ObjectStore.SecretKey,
			Secure:    t.ObjectStore.Secure,
			Region:    t.ObjectStore.Region,
			Bucket:    t.ObjectStore.Bucket,
			Prefix:    t.ObjectStore.Prefix,
		},
	}
}

// Timeout is the per-attempt bound of queries and writes
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Migration.TimeoutSeconds) * time.Second
}

// RetryBackoff is the initial retry delay
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.Migration.RetryBackoffMs) * time.Millisecond
}
