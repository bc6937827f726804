package blob

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/hashicorp/go-hclog"
)

// S3Config contains configuration for the S3 blob backend
type S3Config struct {
	// S3 Connection Settings
	Endpoint  string `hcl:"endpoint,optional" env:"ENDPOINT"`     // S3 endpoint URL (AWS or MinIO)
	Region    string `hcl:"region" env:"REGION"`                  // AWS region (e.g., "us-west-2")
	Bucket    string `hcl:"bucket" env:"BUCKET"`                  // S3 bucket name
	Prefix    string `hcl:"prefix,optional" env:"PREFIX"`         // Optional namespace prefix (e.g., "pages/")
	AccessKey string `hcl:"access_key,optional" env:"ACCESS_KEY"` // Access key ID
	SecretKey string `hcl:"secret_key,optional" env:"SECRET_KEY"` // Secret access key

	RequestTimeoutSeconds int    `hcl:"request_timeout_seconds,optional" env:"REQUEST_TIMEOUT_SECONDS"` // Request timeout (default: 30)
	InsecureSkipVerify    bool   `hcl:"insecure_skip_verify,optional" env:"INSECURE_SKIP_VERIFY"`       // For testing only
	ContentType           string `hcl:"content_type,optional" env:"CONTENT_TYPE"`                       // Default: "application/pdf"
	Extension             string `hcl:"extension,optional" env:"EXTENSION"`                             // Default: ".pdf"
}

// Validate validates the S3 configuration
func (c *S3Config) Validate() error {
	if c.Region == "" {
		return fmt.Errorf("region is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	return nil
}

// SetDefaults sets default values for optional configuration fields
func (c *S3Config) SetDefaults() {
	if c.RequestTimeoutSeconds == 0 {
		c.RequestTimeoutSeconds = 30
	}
	if c.ContentType == "" {
		c.ContentType = "application/pdf"
	}
	if c.Extension == "" {
		c.Extension = ".pdf"
	}
}

// S3 stores blobs in an S3-compatible bucket.
type S3 struct {
	client *s3.Client
	cfg    *S3Config
	logger hclog.Logger
}

// NewS3 creates a new S3 blob store and verifies the bucket is reachable.
func NewS3(ctx context.Context, cfg *S3Config, logger hclog.Logger) (*S3, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid S3 configuration: %w", err)
	}
	cfg.SetDefaults()

	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	awsCfg, err := createAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Custom endpoint for MinIO or other S3-compatible services
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	store := &S3{
		client: client,
		cfg:    cfg,
		logger: logger.Named("s3-blob"),
	}

	if err := store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to verify S3 bucket: %w", err)
	}

	logger.Info("S3 blob store initialized",
		"bucket", cfg.Bucket,
		"prefix", cfg.Prefix)

	return store, nil
}

// createAWSConfig creates AWS SDK configuration from S3 config
func createAWSConfig(ctx context.Context, cfg *S3Config) (aws.Config, error) {
	httpClient := &http.Client{
		Timeout: time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.InsecureSkipVerify,
			},
		},
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient),
	}

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	return config.LoadDefaultConfig(ctx, opts...)
}

// Ping verifies that the bucket exists and is accessible
func (s *S3) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.cfg.Bucket),
	})
	if err != nil {
		return fmt.Errorf("bucket %s is not accessible: %w", s.cfg.Bucket, err)
	}
	return nil
}

// objectKey builds the object key for a new blob.
func (s *S3) objectKey() string {
	name := newObjectName(s.cfg.Extension)
	if s.cfg.Prefix != "" {
		return path.Join(s.cfg.Prefix, name)
	}
	return name
}

// formatLocator creates a standardized locator: "s3:{bucket}/{key}"
func (s *S3) formatLocator(key string) string {
	return fmt.Sprintf("s3:%s/%s", s.cfg.Bucket, key)
}

// parseLocator extracts the object key from a locator
func (s *S3) parseLocator(locator string) (string, error) {
	rest, err := splitLocator("s3", locator)
	if err != nil {
		return "", err
	}
	key, ok := cutBucket(rest, s.cfg.Bucket)
	if !ok {
		return "", fmt.Errorf("locator %q does not belong to bucket %s", locator, s.cfg.Bucket)
	}
	return key, nil
}

func cutBucket(rest, bucket string) (string, bool) {
	prefix := bucket + "/"
	if len(rest) <= len(prefix) || rest[:len(prefix)] != prefix {
		return "", false
	}
	return rest[len(prefix):], true
}

// Put stores data in a new object
func (s *S3) Put(ctx context.Context, data []byte) (string, error) {
	key := s.objectKey()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(s.cfg.ContentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to put object to S3: %w", err)
	}

	s.logger.Debug("object stored", "key", key, "size", len(data))
	return s.formatLocator(key), nil
}

// Get retrieves an object from S3
func (s *S3) Get(ctx context.Context, locator string) ([]byte, error) {
	key, err := s.parseLocator(locator)
	if err != nil {
		return nil, err
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
		}
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer result.Body.Close()

	content, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object content: %w", err)
	}
	return content, nil
}

// Delete deletes an object from S3
func (s *S3) Delete(ctx context.Context, locator string) error {
	key, err := s.parseLocator(locator)
	if err != nil {
		return err
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object from S3: %w", err)
	}
	return nil
}
