package blob

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestS3Config_Validate(t *testing.T) {
	cfg := &S3Config{}
	assert.EqualError(t, cfg.Validate(), "region is required")

	cfg.Region = "us-east-1"
	assert.EqualError(t, cfg.Validate(), "bucket is required")

	cfg.Bucket = "pages"
	assert.NoError(t, cfg.Validate())

	cfg.SetDefaults()
	assert.Equal(t, 30, cfg.RequestTimeoutSeconds)
	assert.Equal(t, "application/pdf", cfg.ContentType)
	assert.Equal(t, ".pdf", cfg.Extension)
}

func TestS3_ParseLocator(t *testing.T) {
	s := &S3{cfg: &S3Config{Bucket: "pages"}}

	key, err := s.parseLocator("s3:pages/prefix/abc.pdf")
	require.NoError(t, err)
	assert.Equal(t, "prefix/abc.pdf", key)
	assert.Equal(t, "s3:pages/prefix/abc.pdf", s.formatLocator(key))

	_, err = s.parseLocator("s3:other/abc.pdf")
	assert.Error(t, err)

	_, err = s.parseLocator("file:ab/abc.pdf")
	assert.Error(t, err)
}

// TestS3Integration tests the S3 store against MinIO
// Run with: INTEGRATION_TEST=1 go test ./pkg/blob
// Requires: MinIO running on localhost:9000 with a "pagekeeper" bucket
func TestS3Integration(t *testing.T) {
	if os.Getenv("INTEGRATION_TEST") == "" {
		t.Skip("Skipping integration test. Set INTEGRATION_TEST=1 to run")
	}

	ctx := context.Background()
	cfg := &S3Config{
		Endpoint:  "http://localhost:9000",
		Region:    "us-east-1",
		Bucket:    "pagekeeper",
		Prefix:    "test",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "s3-test",
		Level: hclog.Debug,
	})

	store, err := NewS3(ctx, cfg, logger)
	require.NoError(t, err, "Failed to create S3 store")

	locator, err := store.Put(ctx, []byte("%PDF-1.7 page"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(locator, "s3:pagekeeper/test/"))

	data, err := store.Get(ctx, locator)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 page", string(data))

	require.NoError(t, store.Delete(ctx, locator))

	_, err = store.Get(ctx, locator)
	assert.True(t, errors.Is(err, ErrNotFound))
}
