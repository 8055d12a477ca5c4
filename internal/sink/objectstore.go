package sink

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"mysql2clickhouse/internal/faults"
	"mysql2clickhouse/internal/schema"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ObjectStoreConfig contains the S3-compatible store settings
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
	Region    string
	Bucket    string
	Prefix    string
}

// objectAPI is the part of *minio.Client the sink uses
type objectAPI interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// putParallelism bounds concurrent uploads within one Write
const putParallelism = 8

// ObjectStore keeps one gzip JSON object per record, keyed by table and
// record key. A record always lands on the same object however the page
// was chunked, so replays overwrite instead of adding rows.
type ObjectStore struct {
	client objectAPI
	bucket string
	prefix string
	logger *zap.Logger
}

// NewObjectStore creates an object store sink
func NewObjectStore(ctx context.Context, cfg ObjectStoreConfig, logger *zap.Logger) (*ObjectStore, error) {
	endpoint, err := cleanEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object store bucket is required")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}

	if _, err := client.BucketExists(ctx, cfg.Bucket); err != nil {
		return nil, &faults.ConnectivityError{Target: "object store " + endpoint, Err: err}
	}

	logger.Info("Connected to object store", zap.String("endpoint", endpoint), zap.String("bucket", cfg.Bucket))
	return newObjectStore(client, cfg.Bucket, cfg.Prefix, logger), nil
}

func newObjectStore(client objectAPI, bucket, prefix string, logger *zap.Logger) *ObjectStore {
	return &ObjectStore{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}
}

// cleanEndpoint removes protocol and path from endpoint URL to get host:port format
func cleanEndpoint(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}

	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if strings.Contains(endpoint, "/") {
			return "", fmt.Errorf("endpoint contains path but no protocol")
		}
		return endpoint, nil
	}

	parsedURL, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	if parsedURL.Path != "" && parsedURL.Path != "/" {
		return "", fmt.Errorf("endpoint URL cannot have paths, only host:port is allowed (got path: %s)", parsedURL.Path)
	}
	return parsedURL.Host, nil
}

// EnsureTable creates the bucket when missing; tables are key prefixes
func (o *ObjectStore) EnsureTable(ctx context.Context, t *schema.Table) error {
	exists, err := o.client.BucketExists(ctx, o.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", o.bucket, err)
	}
	if exists {
		return nil
	}
	if err := o.client.MakeBucket(ctx, o.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", o.bucket, err)
	}
	o.logger.Info("Bucket created", zap.String("bucket", o.bucket))
	return nil
}

// Write uploads one object per record and fails when any upload fails;
// objects already written stay in place and are overwritten on retry
func (o *ObjectStore) Write(ctx context.Context, t *schema.Table, recs []schema.Record) error {
	if len(recs) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(putParallelism)
	for i := range recs {
		rec := recs[i : i+1]
		g.Go(func() error {
			return o.put(gctx, t, rec)
		})
	}
	return g.Wait()
}

func (o *ObjectStore) put(ctx context.Context, t *schema.Table, rec []schema.Record) error {
	body, err := EncodeJSONLines(t, rec)
	if err != nil {
		return err
	}

	key := ObjectKey(o.prefix, t.Name, rec[0].Key)
	_, err = o.client.PutObject(ctx, o.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType:     "application/x-ndjson",
		ContentEncoding: "gzip",
		UserMetadata: map[string]string{
			"table": t.Name,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}

// Close is a no-op; the client holds no connections open
func (o *ObjectStore) Close() error {
	return nil
}

// ObjectKey returns prefix/table/id=<key>.jsonl.gz
func ObjectKey(prefix, table string, key int64) string {
	return path.Join(prefix, table, fmt.Sprintf("id=%d.jsonl.gz", key))
}

// EncodeJSONLines renders recs as gzip-compressed JSON lines keyed by field name
func EncodeJSONLines(t *schema.Table, recs []schema.Record) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)

	for _, r := range recs {
		m := r.Map(t)
		for k, v := range m {
			if tm, ok := v.(time.Time); ok {
				m[k] = tm.UTC().Format(time.DateTime)
			}
		}
		if err := enc.Encode(m); err != nil {
			return nil, fmt.Errorf("failed to encode row %d: %w", r.Key, err)
		}
	}

	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress rows: %w", err)
	}
	return buf.Bytes(), nil
}
