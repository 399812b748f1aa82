package documents

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMinioPublisher_RequiresEndpointAndBucket(t *testing.T) {
	_, err := NewMinioPublisher(context.Background(), MinioOpts{Bucket: "b"})
	assert.Error(t, err)
	_, err = NewMinioPublisher(context.Background(), MinioOpts{Endpoint: "localhost:9000"})
	assert.Error(t, err)
}

func TestMinioPublisher_Publish(t *testing.T) {
	// Requires a running MinIO; set MINIO_ENDPOINT (and credentials) to enable.
	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("MINIO_ENDPOINT not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p, err := NewMinioPublisher(ctx, MinioOpts{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("MINIO_SECRET_KEY"),
		Bucket:    "niacoach-test",
		Prefix:    "exports/",
		Expiry:    time.Hour,
	})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "morning-journal-test.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4"), 0644))

	url, err := p.Publish(ctx, path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(url, "exports/morning-journal-test.pdf"))
	assert.True(t, strings.Contains(url, "X-Amz-Signature"))
}
