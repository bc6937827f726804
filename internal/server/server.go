package server

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/hashicorp-forge/pagekeeper/internal/config"
	"github.com/hashicorp-forge/pagekeeper/pkg/blob"
	"github.com/hashicorp-forge/pagekeeper/pkg/database"
	"github.com/hashicorp-forge/pagekeeper/pkg/delivery"
	"github.com/hashicorp-forge/pagekeeper/pkg/merge"
	"github.com/hashicorp-forge/pagekeeper/pkg/pageset"
	"github.com/hashicorp-forge/pagekeeper/pkg/retry"
	"github.com/hashicorp-forge/pagekeeper/pkg/split"
)

// Server contains the server configuration.
type Server struct {
	// Config is the config for the server.
	Config *config.Config

	// DB is the database behind Store. It is nil when Store is in-memory.
	DB *gorm.DB

	// Store holds page sets.
	Store pageset.Store

	// Blob stores page and merged-artifact bytes.
	Blob blob.Store

	// Splitter, Merger and Delivery are the page set operations exposed over
	// HTTP.
	Splitter *split.Engine
	Merger   *merge.Engine
	Delivery *delivery.Service

	// Logger is the logger for the server.
	Logger hclog.Logger
}

// MaxUploadBytes returns the request body limit for ingestion.
func (s Server) MaxUploadBytes() int64 {
	if s.Config == nil || s.Config.Server == nil {
		return 64 << 20
	}
	return int64(s.Config.Server.MaxUploadMB) << 20
}

// Ping checks the database (if any) and blob storage.
func (s Server) Ping(ctx context.Context) map[string]error {
	checks := map[string]error{}
	if s.DB != nil {
		checks["database"] = database.Ping(ctx, s.DB)
	}
	if s.Blob != nil {
		checks["blob"] = s.Blob.Ping(ctx)
	}
	return checks
}

// NewBlobStore builds the configured blob backend wrapped with retries.
func NewBlobStore(ctx context.Context, cfg *config.Blob, rc retry.Config, log hclog.Logger) (blob.Store, error) {
	var store blob.Store
	switch cfg.Backend {
	case "s3":
		s3, err := blob.NewS3(ctx, cfg.S3, log)
		if err != nil {
			return nil, fmt.Errorf("error initializing s3 blob store: %w", err)
		}
		store = s3
	case "fs":
		fs, err := blob.NewFS(*cfg.FS, log)
		if err != nil {
			return nil, fmt.Errorf("error initializing filesystem blob store: %w", err)
		}
		store = fs
	case "memory":
		store = blob.NewMemFS(log)
	default:
		return nil, fmt.Errorf("unsupported blob backend: %s (supported: s3, fs, memory)", cfg.Backend)
	}
	return blob.WithRetry(store, rc, log), nil
}
