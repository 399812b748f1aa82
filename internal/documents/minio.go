package documents

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// DefaultURLExpiry is how long a published URL stays valid.
const DefaultURLExpiry = 24 * time.Hour

// MinioPublisher uploads files to an S3-compatible bucket and returns
// presigned GET URLs.
type MinioPublisher struct {
	client *minio.Client
	bucket string
	prefix string
	expiry time.Duration
}

var _ Publisher = (*MinioPublisher)(nil)

// MinioOpts holds configuration for MinioPublisher.
type MinioOpts struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
	Expiry    time.Duration
}

// NewMinioPublisher connects to the object store and ensures the bucket exists.
func NewMinioPublisher(ctx context.Context, cfg MinioOpts) (*MinioPublisher, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio endpoint and bucket are required")
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultURLExpiry
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		slog.Error("MinioPublisher: bucket check failed", "error", err, "bucket", cfg.Bucket)
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
		slog.Info("MinioPublisher: bucket created", "bucket", cfg.Bucket)
	}
	return &MinioPublisher{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, expiry: cfg.Expiry}, nil
}

// Publish uploads the file under its base name and returns a presigned URL.
func (p *MinioPublisher) Publish(ctx context.Context, path string) (string, error) {
	key := p.prefix + filepath.Base(path)
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if _, err := p.client.FPutObject(ctx, p.bucket, key, path, minio.PutObjectOptions{ContentType: contentType}); err != nil {
		slog.Error("MinioPublisher.Publish: upload failed", "error", err, "path", path, "key", key)
		return "", fmt.Errorf("put object: %w", err)
	}
	u, err := p.client.PresignedGetObject(ctx, p.bucket, key, p.expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	slog.Debug("MinioPublisher.Publish: file published", "key", key, "expiry", p.expiry)
	return u.String(), nil
}
